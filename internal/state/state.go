// Package state holds the proxy's shared runtime state. Every mutation and every
// flow decision happens inside one short critical section.
package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/storage"
	"github.com/funnyzak/mitmtap/pkg/request"
)

// ErrNotFound is returned for request ids that are not in the store.
var ErrNotFound = errors.New("request not found")

// Snapshot is a consistent copy of the state's scalar fields.
type Snapshot struct {
	Running        bool   `json:"running"`
	Mode           Mode   `json:"mode"`
	Domain         string `json:"domain"`
	ActiveTemplate uint64 `json:"active_template,string,omitempty"`
}

// Action is the outcome of evaluating one request.
type Action int

const (
	// PassThrough means the request is forwarded untouched.
	PassThrough Action = iota
	// Recorded means the request was archived and is forwarded untouched.
	Recorded
	// Intercepted means the request must be rewritten with Decision.Record.
	Intercepted
)

func (a Action) String() string {
	switch a {
	case Recorded:
		return "recorded"
	case Intercepted:
		return "intercepted"
	default:
		return "pass_through"
	}
}

// Decision describes what to do with a request.
type Decision struct {
	Action Action
	// Record is the stored capture for Recorded and the template for Intercepted.
	Record *request.RecordedRequest
	// Reason explains a PassThrough, for logging.
	Reason string
}

// Flow is the part of a live request the decision depends on.
type Flow struct {
	Host   string
	Method string
	// Capture builds the record to store. It is only called in recording mode.
	// A nil result means the body was not buffered and the flow passes through.
	Capture func() *request.RecordedRequest
}

// State is the proxy's shared runtime state.
type State struct {
	mu      sync.RWMutex
	running bool
	mode    Mode
	// domain is the filter as configured, match is its normalized form.
	domain   string
	match    string
	template uint64
	nextID   uint64
	store    storage.Store
	now      func() time.Time
	log      logger.Logger
}

// New creates a State over store in recording mode with no filter.
func New(store storage.Store, log logger.Logger) *State {
	return &State{
		mode:  Recording,
		store: store,
		now:   time.Now,
		log:   log,
	}
}

// Snapshot returns the current scalar state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Running:        s.running,
		Mode:           s.mode,
		Domain:         s.domain,
		ActiveTemplate: s.template,
	}
}

// Running reports whether the listener is accepting connections.
func (s *State) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SetRunning records the listener lifecycle.
func (s *State) SetRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// SetMode switches the operating mode. Recorded entries are kept.
func (s *State) SetMode(mode Mode) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return s.snapshotLocked()
}

// SetDomain replaces the domain filter; an empty string removes it.
func (s *State) SetDomain(domain string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domain = strings.TrimSpace(domain)
	s.match = NormalizeHost(s.domain)
	return s.snapshotLocked()
}

// SetActiveTemplate selects a stored request as the interception template.
// On ErrNotFound the previous template is kept.
func (s *State) SetActiveTemplate(id uint64) (*request.RecordedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load template %d: %w", id, err)
	}
	s.template = id
	return rec, nil
}

// ClearActiveTemplate removes the interception template.
func (s *State) ClearActiveTemplate() {
	s.mu.Lock()
	s.template = 0
	s.mu.Unlock()
}

// Get returns the stored request with the given id.
func (s *State) Get(id uint64) (*request.RecordedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns stored requests newest first, plus the total match count.
func (s *State) List(opts storage.ListOptions) ([]*request.RecordedRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.List(opts)
}

// Iterate walks stored requests newest first.
func (s *State) Iterate(opts storage.ListOptions, fn func(*request.RecordedRequest) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Iterate(opts, fn)
}

// Count returns the number of stored requests.
func (s *State) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Count()
}

// Route reports the current mode and whether host passes the domain filter. It
// is a cheap pre-check; Evaluate makes the authoritative decision.
func (s *State) Route(host string) (Mode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.matchLocked(host)
}

func (s *State) matchLocked(host string) bool {
	if s.match == "" {
		return true
	}
	return strings.Contains(NormalizeHost(host), s.match)
}

// Evaluate decides what happens to one flow against a single consistent view of
// the state. In recording mode the capture is assigned the next id and stored in
// the same critical section, and a template evicted by that insert is cleared.
func (s *State) Evaluate(f Flow) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchLocked(f.Host) {
		return Decision{Action: PassThrough, Reason: "domain filter"}, nil
	}

	switch s.mode {
	case Recording:
		rec := f.Capture()
		if rec == nil {
			return Decision{Action: PassThrough, Reason: "body not captured"}, nil
		}
		rec.ID = s.nextID + 1
		// Wall clock only, so every store driver round-trips it unchanged.
		rec.CapturedAt = s.now().Round(0)

		evicted, err := s.store.Add(rec)
		if err != nil {
			return Decision{Action: PassThrough, Reason: "store error"}, fmt.Errorf("store request: %w", err)
		}
		s.nextID = rec.ID
		for _, id := range evicted {
			if id == s.template {
				s.template = 0
				s.log.Info("Interception template evicted", "id", id)
			}
		}
		return Decision{Action: Recorded, Record: rec}, nil

	case Interception:
		if s.template == 0 {
			return Decision{Action: PassThrough, Reason: "no template"}, nil
		}
		tpl, err := s.store.Get(s.template)
		if err != nil {
			return Decision{Action: PassThrough, Reason: "template unavailable"}, fmt.Errorf("load template %d: %w", s.template, err)
		}
		// Only the method is compared; path and URL may differ.
		if tpl.Method != f.Method {
			return Decision{Action: PassThrough, Reason: "method mismatch"}, nil
		}
		return Decision{Action: Intercepted, Record: tpl}, nil
	}

	return Decision{Action: PassThrough, Reason: "unknown mode"}, nil
}

// NormalizeHost lowercases host and converts internationalized labels to their
// ASCII form so filters and hosts compare in one representation.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if ascii, err := idna.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
