package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/funnyzak/mitmtap/internal/storage"
	"github.com/funnyzak/mitmtap/pkg/request"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func newTestState(capacity int) *State {
	return New(storage.NewMemoryStore(capacity), noopLogger{})
}

func flow(host, method, path string) Flow {
	return Flow{
		Host:   host,
		Method: method,
		Capture: func() *request.RecordedRequest {
			return &request.RecordedRequest{Method: method, URL: "https://" + host + path, Host: host}
		},
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "recording", want: Recording},
		{in: " Interception ", want: Interception},
		{in: "", wantErr: true},
		{in: "replay", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidMode) {
				t.Errorf("ParseMode(%q): expected ErrInvalidMode, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestEvaluateRecordingAssignsIncreasingIDs(t *testing.T) {
	s := newTestState(10)

	var last *request.RecordedRequest
	for i := 0; i < 3; i++ {
		d, err := s.Evaluate(flow("example.com", "GET", "/"))
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if d.Action != Recorded {
			t.Fatalf("expected Recorded, got %s", d.Action)
		}
		if last != nil {
			if d.Record.ID != last.ID+1 {
				t.Errorf("expected id %d, got %d", last.ID+1, d.Record.ID)
			}
			if d.Record.CapturedAt.Before(last.CapturedAt) {
				t.Errorf("expected capture times to be non-decreasing")
			}
		}
		last = d.Record
	}
	if n, _ := s.Count(); n != 3 {
		t.Fatalf("expected 3 stored requests, got %d", n)
	}
}

func TestEvaluateDomainFilter(t *testing.T) {
	s := newTestState(10)
	s.SetDomain("Example.com")

	tests := []struct {
		host string
		want Action
	}{
		{host: "example.com", want: Recorded},
		{host: "api.EXAMPLE.com", want: Recorded},
		{host: "other.org", want: PassThrough},
		// substring containment, not suffix matching
		{host: "example.com.evil.net", want: Recorded},
	}
	for _, tt := range tests {
		d, err := s.Evaluate(flow(tt.host, "GET", "/"))
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if d.Action != tt.want {
			t.Errorf("host %s: expected %s, got %s", tt.host, tt.want, d.Action)
		}
	}

	s.SetDomain("")
	if d, _ := s.Evaluate(flow("other.org", "GET", "/")); d.Action != Recorded {
		t.Errorf("expected empty filter to match every host, got %s", d.Action)
	}
}

func TestEvaluateInternationalizedFilter(t *testing.T) {
	s := newTestState(10)
	s.SetDomain("bücher.example")

	d, err := s.Evaluate(flow("xn--bcher-kva.example", "GET", "/"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Action != Recorded {
		t.Errorf("expected punycode host to match unicode filter, got %s", d.Action)
	}
}

func TestEvaluateInterception(t *testing.T) {
	s := newTestState(10)
	d, _ := s.Evaluate(flow("example.com", "POST", "/login"))
	tplID := d.Record.ID

	s.SetMode(Interception)
	if d, _ := s.Evaluate(flow("example.com", "POST", "/login")); d.Action != PassThrough {
		t.Fatalf("expected pass-through without template, got %s", d.Action)
	}

	if _, err := s.SetActiveTemplate(tplID); err != nil {
		t.Fatalf("set template failed: %v", err)
	}

	d, _ = s.Evaluate(flow("example.com", "POST", "/other/path"))
	if d.Action != Intercepted || d.Record.ID != tplID {
		t.Fatalf("expected interception with template %d, got %s", tplID, d.Action)
	}

	if d, _ := s.Evaluate(flow("example.com", "GET", "/login")); d.Action != PassThrough {
		t.Fatalf("expected method mismatch to pass through, got %s", d.Action)
	}

	if n, _ := s.Count(); n != 1 {
		t.Fatalf("interception must not record, store has %d", n)
	}
}

func TestSetActiveTemplateUnknownKeepsPrevious(t *testing.T) {
	s := newTestState(10)
	d, _ := s.Evaluate(flow("example.com", "GET", "/"))
	if _, err := s.SetActiveTemplate(d.Record.ID); err != nil {
		t.Fatalf("set template failed: %v", err)
	}

	if _, err := s.SetActiveTemplate(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := s.Snapshot().ActiveTemplate; got != d.Record.ID {
		t.Fatalf("expected template %d to be kept, got %d", d.Record.ID, got)
	}
}

func TestEvictionClearsTemplate(t *testing.T) {
	s := newTestState(2)
	d, _ := s.Evaluate(flow("example.com", "GET", "/1"))
	s.SetActiveTemplate(d.Record.ID)

	s.Evaluate(flow("example.com", "GET", "/2"))
	if s.Snapshot().ActiveTemplate != d.Record.ID {
		t.Fatal("template cleared too early")
	}

	s.Evaluate(flow("example.com", "GET", "/3"))
	if got := s.Snapshot().ActiveTemplate; got != 0 {
		t.Fatalf("expected evicted template to be cleared, got %d", got)
	}
	if _, err := s.Get(d.Record.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected evicted record to be gone, got %v", err)
	}
}

func TestModeAndDomainChangesKeepRecords(t *testing.T) {
	s := newTestState(10)
	s.Evaluate(flow("example.com", "GET", "/"))

	s.SetMode(Interception)
	s.SetDomain("other.org")
	s.SetMode(Recording)

	if n, _ := s.Count(); n != 1 {
		t.Fatalf("expected record to survive mode and domain changes, got %d", n)
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) Add(*request.RecordedRequest) ([]uint64, error) {
	return nil, fmt.Errorf("disk on fire")
}

func TestEvaluateStoreErrorPassesThrough(t *testing.T) {
	s := New(failingStore{storage.NewMemoryStore(1)}, noopLogger{})

	d, err := s.Evaluate(flow("example.com", "GET", "/"))
	if err == nil {
		t.Fatal("expected store error")
	}
	if d.Action != PassThrough {
		t.Fatalf("expected pass-through on store error, got %s", d.Action)
	}

	// ids are not consumed by failed inserts
	s.store = storage.NewMemoryStore(1)
	d, _ = s.Evaluate(flow("example.com", "GET", "/"))
	if d.Record.ID != 1 {
		t.Fatalf("expected id 1 after failed insert, got %d", d.Record.ID)
	}
}

func TestEvaluateConcurrentUniqueIDs(t *testing.T) {
	s := newTestState(1000)

	var wg sync.WaitGroup
	ids := make(chan uint64, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Evaluate(flow("example.com", "GET", "/"))
			if err == nil {
				ids <- d.Record.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != 200 {
		t.Fatalf("expected 200 ids, got %d", len(seen))
	}
}

func TestRouteReportsModeAndFilter(t *testing.T) {
	s := newTestState(10)
	s.SetDomain("example.com")
	s.SetMode(Interception)

	mode, ok := s.Route("api.example.com")
	if !ok || mode != Interception {
		t.Fatalf("Expected interception match, got %v %v", mode, ok)
	}
	if _, ok := s.Route("other.org"); ok {
		t.Fatalf("Expected other.org to be filtered out")
	}
}

func TestEvaluateWithoutCaptureDoesNotStore(t *testing.T) {
	s := newTestState(10)
	d, err := s.Evaluate(Flow{
		Host:    "example.com",
		Method:  "POST",
		Capture: func() *request.RecordedRequest { return nil },
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if d.Action != PassThrough {
		t.Fatalf("Expected pass-through, got %v", d.Action)
	}
	if n, _ := s.Count(); n != 0 {
		t.Fatalf("Expected empty store, got %d", n)
	}
}

func TestEvaluateStampsWallClockOnly(t *testing.T) {
	s := newTestState(10)
	d, err := s.Evaluate(flow("example.com", "GET", "/"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	at := d.Record.CapturedAt
	if at.String() != at.Round(0).String() {
		t.Fatalf("Expected no monotonic reading, got %q", at.String())
	}
}
