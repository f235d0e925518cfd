package indexmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/hashstore/config"
	hashindex "github.com/sushant-115/hashstore/core/indexing/hash"
	"github.com/sushant-115/hashstore/core/storage_engine/common"
	"github.com/sushant-115/hashstore/core/transaction"
	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	"github.com/sushant-115/hashstore/core/write_engine/memtable"
	internaltelemetry "github.com/sushant-115/hashstore/internal/telemetry"
	"github.com/sushant-115/hashstore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MaxFieldSize is the widest key or value the manager stores.
const MaxFieldSize = 32

// The directory is the first page a fresh pool hands out.
const directoryPageID = 0

// HashIndexManager serves string pairs from an extendible hash table over a
// sharded buffer pool.
type HashIndexManager struct {
	name  string
	table *hashindex.ExtendibleHashTable[string, string]
	pool  *memtable.ParallelBufferPoolManager
	file  *flushmanager.FileDiskManager // nil when pages live in memory

	mu     sync.RWMutex
	closed bool

	tracer  trace.Tracer
	metrics *internaltelemetry.StorageMetrics
	logger  *zap.Logger
}

var _ IndexManager = (*HashIndexManager)(nil)

// NewHashIndexManager opens the index described by cfg. A db file that already
// holds pages is reopened; otherwise a new index is created. tel may be nil.
func NewHashIndexManager(cfg config.StorageConfig, tel *telemetry.Telemetry, logger *zap.Logger) (*HashIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := trace.Tracer(nooptrace.NewTracerProvider().Tracer(""))
	metrics := internaltelemetry.NewNoopStorageMetrics()
	if tel != nil {
		tracer = tel.Tracer
		m, err := internaltelemetry.NewStorageMetrics(tel.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage metrics: %w", err)
		}
		metrics = m
	}
	logger = logger.Named("index_manager").With(zap.String("index", cfg.IndexName))

	var (
		disk     flushmanager.DiskManager
		file     *flushmanager.FileDiskManager
		numPages int64
	)
	if cfg.DBFile == "" {
		disk = flushmanager.NewMemoryDiskManager()
	} else {
		f, err := flushmanager.NewFileDiskManager(cfg.DBFile, logger)
		if err != nil {
			return nil, err
		}
		disk, file, numPages = f, f, f.NumPages()
	}

	pool, err := memtable.NewParallelBufferPoolManager(uint32(cfg.NumInstances), cfg.PoolSize, disk,
		memtable.WithLogger(logger), memtable.WithMetrics(metrics))
	if err != nil {
		return nil, closeOnError(file, err)
	}

	serializer := hashindex.KeyValueSerializer[string, string]{
		Key:   hashindex.StringField(MaxFieldSize),
		Value: hashindex.StringField(MaxFieldSize),
	}
	var table *hashindex.ExtendibleHashTable[string, string]
	if numPages > 0 {
		if err := pool.ResumeAllocation(numPages); err != nil {
			return nil, closeOnError(file, err)
		}
		table, err = hashindex.OpenExtendibleHashTable(cfg.IndexName, pool, directoryPageID,
			hashindex.DefaultKeyOrder[string], serializer, nil, logger, metrics)
	} else {
		table, err = hashindex.NewExtendibleHashTable(cfg.IndexName, pool,
			hashindex.DefaultKeyOrder[string], serializer, nil, logger, metrics)
	}
	if err != nil {
		return nil, closeOnError(file, err)
	}

	logger.Info("Hash index manager ready",
		zap.String("db_file", cfg.DBFile),
		zap.Int64("existing_pages", numPages),
		zap.Int("pool_size", pool.GetPoolSize()),
		zap.Int("num_instances", pool.NumInstances()))

	return &HashIndexManager{
		name:    cfg.IndexName,
		table:   table,
		pool:    pool,
		file:    file,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func closeOnError(file *flushmanager.FileDiskManager, err error) error {
	if file != nil {
		err = multierr.Append(err, file.Close())
	}
	return err
}

func (m *HashIndexManager) Name() string { return m.name }

func (m *HashIndexManager) Put(ctx context.Context, key, value string) (err error) {
	ctx, end := m.startOp(ctx, "Put", attribute.String("index.key", key))
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()

	if err = checkKey(key); err != nil {
		return err
	}
	if err = checkValue(value); err != nil {
		return err
	}
	txn := transaction.New()
	inserted, err := m.table.Insert(txn, key, value)
	if err != nil {
		txn.Abort()
		return err
	}
	if !inserted {
		txn.Abort()
		return fmt.Errorf("%w: %q -> %q", flushmanager.ErrKeyAlreadyExists, key, value)
	}
	txn.Commit()
	return nil
}

func (m *HashIndexManager) Get(ctx context.Context, key string) (values []string, err error) {
	ctx, end := m.startOp(ctx, "Get", attribute.String("index.key", key))
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()

	if err = checkKey(key); err != nil {
		return nil, err
	}
	return m.table.GetValue(transaction.New(), key)
}

func (m *HashIndexManager) Delete(ctx context.Context, key, value string) (err error) {
	ctx, end := m.startOp(ctx, "Delete", attribute.String("index.key", key))
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()

	if err = checkKey(key); err != nil {
		return err
	}
	if err = checkValue(value); err != nil {
		return err
	}
	removed, err := m.table.Remove(transaction.New(), key, value)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %q -> %q", flushmanager.ErrKeyNotFound, key, value)
	}
	return nil
}

// DeleteKey is not atomic: a concurrent Put under the same key may survive it.
func (m *HashIndexManager) DeleteKey(ctx context.Context, key string) (n int, err error) {
	ctx, end := m.startOp(ctx, "DeleteKey", attribute.String("index.key", key))
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return 0, err
	}
	defer m.mu.RUnlock()

	if err = checkKey(key); err != nil {
		return 0, err
	}
	txn := transaction.New()
	values, err := m.table.GetValue(txn, key)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		removed, err := m.table.Remove(txn, key, v)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (m *HashIndexManager) Stats(ctx context.Context) (stats IndexStats, err error) {
	ctx, end := m.startOp(ctx, "Stats")
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return IndexStats{}, err
	}
	defer m.mu.RUnlock()

	depth, err := m.table.GetGlobalDepth()
	if err != nil {
		return IndexStats{}, err
	}
	buckets, err := m.table.NumBuckets()
	if err != nil {
		return IndexStats{}, err
	}
	return IndexStats{
		Name:            m.name,
		DirectoryPageID: int32(m.table.DirectoryPageID()),
		GlobalDepth:     depth,
		NumBuckets:      buckets,
		BucketCapacity:  m.table.BucketCapacity(),
		Pool:            m.pool.Stats(),
	}, nil
}

func (m *HashIndexManager) Verify(ctx context.Context) (err error) {
	ctx, end := m.startOp(ctx, "Verify")
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()
	return m.table.VerifyIntegrity()
}

func (m *HashIndexManager) Flush(ctx context.Context) (err error) {
	ctx, end := m.startOp(ctx, "Flush")
	defer func() { end(ctx, err) }()

	if err = m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()
	return m.pool.FlushAllPages()
}

// Backup blocks every other call on the index while it flushes and copies the
// page file.
func (m *HashIndexManager) Backup(ctx context.Context, dst string, bytesPerSec int64) (info BackupInfo, err error) {
	ctx, end := m.startOp(ctx, "Backup", attribute.String("backup.path", dst))
	defer func() { end(ctx, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return BackupInfo{}, flushmanager.ErrIndexClosed
	}
	if m.file == nil {
		return BackupInfo{}, ErrNotFileBacked
	}
	if err = m.pool.FlushAllPages(); err != nil {
		return BackupInfo{}, err
	}
	sum, n, err := common.CopyThrottled(ctx, m.file.Path(), dst, bytesPerSec)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("backup to %s: %w", dst, err)
	}
	m.logger.Info("Backed up hash index",
		zap.String("path", dst),
		zap.Int64("bytes", n),
		zap.String("sha256", fmt.Sprintf("%x", sum)))
	return BackupInfo{Path: dst, Bytes: n, SHA256: sum}, nil
}

// Close flushes every page and releases the db file. Later calls fail with
// ErrIndexClosed.
func (m *HashIndexManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flushmanager.ErrIndexClosed
	}
	m.closed = true

	err := m.pool.FlushAllPages()
	if m.file != nil {
		err = multierr.Append(err, m.file.Close())
	}
	if err != nil {
		m.logger.Error("Failed to close hash index", zap.Error(err))
		return err
	}
	m.logger.Info("Closed hash index")
	return nil
}

// acquire takes the shared lock unless the manager is closed.
func (m *HashIndexManager) acquire() error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return flushmanager.ErrIndexClosed
	}
	return nil
}

func checkKey(key string) error {
	if len(key) > MaxFieldSize {
		return fmt.Errorf("%w: %d bytes, limit %d", flushmanager.ErrKeyTooLarge, len(key), MaxFieldSize)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: key contains a NUL byte", flushmanager.ErrSerialization)
	}
	return nil
}

func checkValue(value string) error {
	if len(value) > MaxFieldSize {
		return fmt.Errorf("%w: %d bytes, limit %d", flushmanager.ErrValueTooLarge, len(value), MaxFieldSize)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: value contains a NUL byte", flushmanager.ErrSerialization)
	}
	return nil
}

// startOp opens a span and bumps the in-flight gauge. The returned func closes
// both and records the outcome.
func (m *HashIndexManager) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(context.Context, error)) {
	start := time.Now()
	base := []attribute.KeyValue{
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	}
	m.metrics.ActiveIndexOpsUpDownCounter.Add(ctx, 1, metric.WithAttributes(base...))
	ctx, span := m.tracer.Start(ctx, "hashstore.index."+op, trace.WithAttributes(append(base, attrs...)...))

	return ctx, func(ctx context.Context, err error) {
		status := "ok"
		switch {
		case err == nil:
			span.SetStatus(otelcodes.Ok, "")
		case errors.Is(err, flushmanager.ErrKeyNotFound), errors.Is(err, flushmanager.ErrKeyAlreadyExists):
			status = "rejected"
			span.SetStatus(otelcodes.Ok, err.Error())
		default:
			status = "error"
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			m.logger.Warn("Index operation failed", zap.String("op", op), zap.Error(err))
		}
		span.End()

		m.metrics.ActiveIndexOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(base...))
		set := metric.WithAttributeSet(attribute.NewSet(append(base, attribute.String("index.status", status))...))
		m.metrics.IndexOpLatencyHistogram.Record(ctx, time.Since(start).Microseconds(), set)
		m.metrics.IndexOpsCounter.Add(ctx, 1, set)
	}
}
