package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/funnyzak/mitmtap/pkg/request"
)

// MemoryStore keeps recent requests in-memory using a ring buffer.
type MemoryStore struct {
	mu    sync.RWMutex
	max   int
	items []*request.RecordedRequest
}

// NewMemoryStore creates a new MemoryStore with the provided capacity.
func NewMemoryStore(max int) *MemoryStore {
	if max < 1 {
		max = 1
	}

	return &MemoryStore{
		max:   max,
		items: make([]*request.RecordedRequest, 0, max),
	}
}

// Add implements Store
func (s *MemoryStore) Add(rec *request.RecordedRequest) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []uint64
	for len(s.items) >= s.max {
		evicted = append(evicted, s.items[0].ID)
		s.items[0] = nil
		s.items = s.items[1:]
	}
	s.items = append(s.items, rec)

	return evicted, nil
}

// List implements Store
func (s *MemoryStore) List(opts ListOptions) ([]*request.RecordedRequest, int, error) {
	var filtered []*request.RecordedRequest
	_ = s.Iterate(ListOptions{Search: opts.Search, Method: opts.Method}, func(item *request.RecordedRequest) bool {
		filtered = append(filtered, item)
		return true
	})

	total := len(filtered)

	limit := opts.Limit
	if limit <= 0 || limit > total {
		limit = total
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}

	end := offset + limit
	if end > total {
		end = total
	}

	return filtered[offset:end], total, nil
}

// Iterate walks matching requests newest first until fn returns false.
func (s *MemoryStore) Iterate(opts ListOptions, fn func(*request.RecordedRequest) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	method := strings.ToUpper(strings.TrimSpace(opts.Method))

	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]

		if method != "" && strings.ToUpper(item.Method) != method {
			continue
		}
		if search != "" && !matchesSearch(item, search) {
			continue
		}
		if !fn(item) {
			break
		}
	}
	return nil
}

// Get locates a request by id.
func (s *MemoryStore) Get(id uint64) (*request.RecordedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// items are ordered by ascending id
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].ID >= id })
	if i < len(s.items) && s.items[i].ID == id {
		return s.items[i], nil
	}
	return nil, ErrNotFound
}

// Count implements Store
func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
	return nil
}

func matchesSearch(item *request.RecordedRequest, term string) bool {
	target := strings.ToLower(
		item.URL + " " +
			item.Method + " " +
			item.RemoteAddr,
	)

	if strings.Contains(target, term) {
		return true
	}

	for _, field := range item.Headers {
		if strings.Contains(strings.ToLower(field.Name), term) ||
			strings.Contains(strings.ToLower(field.Value), term) {
			return true
		}
	}

	return false
}
