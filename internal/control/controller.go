// Package control is the only way to change the proxy's state from outside the
// process: a command service plus the HTTP API and live feed built on it.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/proxy"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/internal/storage"
	"github.com/funnyzak/mitmtap/pkg/request"
)

var (
	// ErrInvalidMode rejects modes other than recording and interception.
	ErrInvalidMode = state.ErrInvalidMode
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = state.ErrNotFound
)

// MissingFieldError reports a required payload field that was absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// Toggle outcomes.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// ToggleResult is the outcome of Toggle.
type ToggleResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Proxy is the listener lifecycle the controller drives.
type Proxy interface {
	Start(bindAddress string, port int) error
	Stop(ctx context.Context) error
	Running() bool
	Stats() proxy.Stats
}

// Stats combines listener counters with the store size.
type Stats struct {
	proxy.Stats
	Records int `json:"records"`
}

// Controller applies control commands one at a time, in arrival order.
type Controller struct {
	state  *state.State
	proxy  Proxy
	bind   string
	port   int
	logger logger.Logger

	mu       sync.Mutex
	watchers []func(state.Snapshot)
}

// NewController creates a controller that starts the proxy on bind:port.
func NewController(st *state.State, px Proxy, bind string, port int, log logger.Logger) *Controller {
	return &Controller{
		state:  st,
		proxy:  px,
		bind:   bind,
		port:   port,
		logger: log,
	}
}

// OnChange registers fn to receive the state after every successful mutation.
func (c *Controller) OnChange(fn func(state.Snapshot)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// Status returns the current state.
func (c *Controller) Status() state.Snapshot {
	return c.state.Snapshot()
}

// Toggle starts a stopped proxy or stops a running one. Lifecycle races
// collapse into the status they were racing towards.
func (c *Controller) Toggle(ctx context.Context) ToggleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res ToggleResult
	if c.proxy.Running() {
		err := c.proxy.Stop(ctx)
		switch {
		case err == nil, errors.Is(err, proxy.ErrNotRunning):
			res.Status = StatusStopped
		default:
			res = ToggleResult{Status: StatusError, Message: err.Error()}
		}
	} else {
		err := c.proxy.Start(c.bind, c.port)
		switch {
		case err == nil, errors.Is(err, proxy.ErrAlreadyRunning):
			res.Status = StatusStarted
		default:
			res = ToggleResult{Status: StatusError, Message: err.Error()}
		}
	}

	if res.Status == StatusError {
		c.logger.Error("Proxy toggle failed", "error", res.Message)
	} else {
		c.logger.Info("Proxy toggled", "status", res.Status)
	}
	c.notifyLocked()
	return res
}

// Start starts the proxy unless it is running already.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.proxy.Start(c.bind, c.port)
	if err == nil {
		c.notifyLocked()
	}
	return err
}

// Stop stops the proxy if it is running.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.proxy.Stop(ctx)
	if err == nil {
		c.notifyLocked()
	}
	return err
}

// SetMode switches between recording and interception. Recorded requests are kept.
func (c *Controller) SetMode(raw string) (state.Snapshot, error) {
	mode, err := state.ParseMode(raw)
	if err != nil {
		return state.Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.state.SetMode(mode)
	c.logger.Info("Mode changed", "mode", mode.String())
	c.notifyLocked()
	return snap, nil
}

// SetDomain replaces the domain filter; an empty value matches every host.
func (c *Controller) SetDomain(domain string) state.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.state.SetDomain(domain)
	c.logger.Info("Domain filter changed", "domain", snap.Domain)
	c.notifyLocked()
	return snap
}

// SetActiveTemplate selects the stored request used for interception.
func (c *Controller) SetActiveTemplate(id string) (*request.RecordedRequest, error) {
	rid, err := parseID(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.state.SetActiveTemplate(rid)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Interception template set", "id", rid, "method", rec.Method, "url", rec.URL)
	c.notifyLocked()
	return rec, nil
}

// ClearActiveTemplate disables interception until a new template is set.
func (c *Controller) ClearActiveTemplate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ClearActiveTemplate()
	c.logger.Info("Interception template cleared")
	c.notifyLocked()
}

// ListRequests returns request summaries newest first and the total match count.
func (c *Controller) ListRequests(opts storage.ListOptions) ([]request.Summary, int, error) {
	items, total, err := c.state.List(opts)
	if err != nil {
		return nil, 0, err
	}
	summaries := make([]request.Summary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, item.Summary())
	}
	return summaries, total, nil
}

// Iterate walks a snapshot of the stored requests newest first. fn runs without
// the state lock, so it may write to slow clients.
func (c *Controller) Iterate(opts storage.ListOptions, fn func(*request.RecordedRequest) bool) error {
	var items []*request.RecordedRequest
	err := c.state.Iterate(opts, func(rec *request.RecordedRequest) bool {
		items = append(items, rec)
		return true
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		if !fn(item) {
			break
		}
	}
	return nil
}

// GetRequest returns the full stored request.
func (c *Controller) GetRequest(id string) (*request.RecordedRequest, error) {
	rid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return c.state.Get(rid)
}

// Stats returns listener and store diagnostics.
func (c *Controller) Stats() (Stats, error) {
	n, err := c.state.Count()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: c.proxy.Stats(), Records: n}, nil
}

func (c *Controller) notifyLocked() {
	snap := c.state.Snapshot()
	for _, fn := range c.watchers {
		fn(snap)
	}
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, raw)
	}
	return id, nil
}
