package memtable

import (
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/hashstore/internal/telemetry"
	"go.uber.org/zap"
)

// BufferPool is the page cache contract the index is written against. Every
// page returned by FetchPage or NewPage is pinned and must be released with
// exactly one UnpinPage.
type BufferPool interface {
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	NewPage() (*pagemanager.Page, pagemanager.PageID, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	FlushPage(pageID pagemanager.PageID) error
	FlushAllPages() error
	DeletePage(pageID pagemanager.PageID) error
	GetPoolSize() int
}

// LogManager is the write-ahead log as seen by the buffer pool: it is asked to
// make its records durable before a dirty page goes to disk.
type LogManager interface {
	Sync() error
}

// PoolStats is a point-in-time snapshot of frame usage.
type PoolStats struct {
	PoolSize  int
	Resident  int
	Pinned    int
	Free      int
	Evictable int
}

func (s *PoolStats) add(o PoolStats) {
	s.PoolSize += o.PoolSize
	s.Resident += o.Resident
	s.Pinned += o.Pinned
	s.Free += o.Free
	s.Evictable += o.Evictable
}

type options struct {
	logManager LogManager
	logger     *zap.Logger
	metrics    *internaltelemetry.StorageMetrics
}

// Option configures a buffer pool.
type Option func(*options)

// WithLogManager makes the pool sync the log before writing dirty pages.
func WithLogManager(lm LogManager) Option {
	return func(o *options) { o.logManager = lm }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *internaltelemetry.StorageMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = internaltelemetry.NewNoopStorageMetrics()
	}
	return o
}
