package storage

import (
	"errors"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/pkg/request"
)

var (
	// ErrUnsupportedDriver indicates the configured driver is not available.
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
	// ErrNotFound is returned by Get for ids that were never stored or were evicted.
	ErrNotFound = errors.New("request not found")
)

// ListOptions controls filtering and pagination when fetching requests.
type ListOptions struct {
	Search string
	Method string
	Limit  int
	Offset int
}

// Store keeps captured requests in insertion order. Ids are assigned by the caller
// and must increase with every Add.
type Store interface {
	// Add inserts rec and returns the ids evicted to stay within capacity.
	Add(rec *request.RecordedRequest) (evicted []uint64, err error)
	// List returns matching requests newest first, plus the total match count.
	List(ListOptions) ([]*request.RecordedRequest, int, error)
	Iterate(ListOptions, func(*request.RecordedRequest) bool) error
	Get(id uint64) (*request.RecordedRequest, error)
	Count() (int, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StoreConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("store config is nil")
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.MaxRecords), nil
	case "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}
