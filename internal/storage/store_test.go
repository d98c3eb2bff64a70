package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/pkg/request"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func fakeRequest(id uint64, method, path string) *request.RecordedRequest {
	return &request.RecordedRequest{
		ID:         id,
		Method:     method,
		URL:        "http://example.com" + path,
		Host:       "example.com",
		Headers:    request.Header{{Name: "User-Agent", Value: "mitmtap"}},
		Body:       []byte("body"),
		CapturedAt: time.Now(),
		Size:       4,
	}
}

func newDriverStore(t *testing.T, driver string, maxRecords int) Store {
	t.Helper()
	store, err := New(&config.StoreConfig{Driver: driver, MaxRecords: maxRecords}, noopLogger{})
	if err != nil {
		t.Fatalf("failed to create %s store: %v", driver, err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(&config.StoreConfig{Driver: "redis"}, noopLogger{}); err != ErrUnsupportedDriver {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestStoreContract(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Run("AddAndGet", func(t *testing.T) {
				store := newDriverStore(t, driver, 10)
				rec := fakeRequest(1, "POST", "/hook")
				rec.Headers = append(rec.Headers, request.HeaderField{Name: "X-Dup", Value: "a"}, request.HeaderField{Name: "X-Dup", Value: "b"})
				if _, err := store.Add(rec); err != nil {
					t.Fatalf("add failed: %v", err)
				}

				got, err := store.Get(1)
				if err != nil {
					t.Fatalf("get failed: %v", err)
				}
				if got.Method != "POST" || string(got.Body) != "body" {
					t.Fatalf("unexpected record returned: %#v", got)
				}
				if vals := got.Headers.Values("x-dup"); len(vals) != 2 || vals[1] != "b" {
					t.Fatalf("expected duplicate headers preserved, got %v", vals)
				}
				if !got.CapturedAt.Equal(rec.CapturedAt) {
					t.Fatalf("expected capture time %v, got %v", rec.CapturedAt, got.CapturedAt)
				}

				if _, err := store.Get(99); err != ErrNotFound {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("EvictionReportsIds", func(t *testing.T) {
				store := newDriverStore(t, driver, 2)
				var evicted []uint64
				for i := uint64(1); i <= 4; i++ {
					ids, err := store.Add(fakeRequest(i, "GET", fmt.Sprintf("/p%d", i)))
					if err != nil {
						t.Fatalf("add failed: %v", err)
					}
					evicted = append(evicted, ids...)
				}
				if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 2 {
					t.Fatalf("expected ids 1 and 2 evicted, got %v", evicted)
				}
				if n, _ := store.Count(); n != 2 {
					t.Fatalf("expected 2 records retained, got %d", n)
				}
			})

			t.Run("ListNewestFirst", func(t *testing.T) {
				store := newDriverStore(t, driver, 10)
				methods := []string{"GET", "POST", "GET"}
				for i, method := range methods {
					if _, err := store.Add(fakeRequest(uint64(i+1), method, fmt.Sprintf("/p%d", i))); err != nil {
						t.Fatalf("add failed: %v", err)
					}
				}

				items, total, err := store.List(ListOptions{})
				if err != nil {
					t.Fatalf("list failed: %v", err)
				}
				if total != 3 || items[0].ID != 3 || items[2].ID != 1 {
					t.Fatalf("expected newest first, got total=%d first=%d", total, items[0].ID)
				}

				items, total, err = store.List(ListOptions{Method: "POST"})
				if err != nil {
					t.Fatalf("list failed: %v", err)
				}
				if total != 1 || len(items) != 1 || items[0].ID != 2 {
					t.Fatalf("expected 1 POST record, got total=%d len=%d", total, len(items))
				}

				items, total, err = store.List(ListOptions{Search: "/P2"})
				if err != nil {
					t.Fatalf("search failed: %v", err)
				}
				if total != 1 || items[0].ID != 3 {
					t.Fatalf("expected search to match id 3, got total=%d", total)
				}

				items, _, err = store.List(ListOptions{Limit: 1, Offset: 1})
				if err != nil {
					t.Fatalf("paged list failed: %v", err)
				}
				if len(items) != 1 || items[0].ID != 2 {
					t.Fatalf("expected second page to hold id 2")
				}
			})

			t.Run("IterateStops", func(t *testing.T) {
				store := newDriverStore(t, driver, 10)
				for i := uint64(1); i <= 5; i++ {
					store.Add(fakeRequest(i, "GET", "/i"))
				}
				count := 0
				err := store.Iterate(ListOptions{}, func(*request.RecordedRequest) bool {
					count++
					return count < 3
				})
				if err != nil {
					t.Fatalf("iterate failed: %v", err)
				}
				if count != 3 {
					t.Fatalf("expected to stop after 3 iterations, got %d", count)
				}
			})
		})
	}
}

func TestStoreCapturedAtRoundTrip(t *testing.T) {
	for _, driver := range []string{"memory", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			store := newDriverStore(t, driver, 10)

			rec := fakeRequest(1, "GET", "/when")
			rec.CapturedAt = time.Now().Round(0)
			if _, err := store.Add(rec); err != nil {
				t.Fatalf("add failed: %v", err)
			}

			got, err := store.Get(1)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if !got.CapturedAt.Equal(rec.CapturedAt) {
				t.Fatalf("Expected %v, got %v", rec.CapturedAt, got.CapturedAt)
			}
			if got.CapturedAt.Location() != rec.CapturedAt.Location() {
				t.Fatalf("Expected location %v, got %v", rec.CapturedAt.Location(), got.CapturedAt.Location())
			}
			if got.CapturedAt.String() != rec.CapturedAt.String() {
				t.Fatalf("Expected %q, got %q", rec.CapturedAt.String(), got.CapturedAt.String())
			}
		})
	}
}
