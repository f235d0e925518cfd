package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments for the buffer pool and the hash index.
type StorageMetrics struct {
	FetchHitsCounter    metric.Int64Counter
	FetchMissesCounter  metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	PageWritesCounter   metric.Int64Counter
	NewPagesCounter     metric.Int64Counter
	DeletedPagesCounter metric.Int64Counter
	PoolFullCounter     metric.Int64Counter

	BucketSplitsCounter         metric.Int64Counter
	BucketMergesCounter         metric.Int64Counter
	DirectoryGrowsCounter       metric.Int64Counter
	DirectoryShrinksCounter     metric.Int64Counter
	IndexOpsCounter             metric.Int64Counter
	IndexOpLatencyHistogram     metric.Int64Histogram
	ActiveIndexOpsUpDownCounter metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers all the storage metrics on meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.FetchHitsCounter, "hashstore.bufferpool.fetch_hits_total", "Fetches served from a resident frame."},
		{&m.FetchMissesCounter, "hashstore.bufferpool.fetch_misses_total", "Fetches that had to read the page from disk."},
		{&m.EvictionsCounter, "hashstore.bufferpool.evictions_total", "Frames reclaimed from the replacer."},
		{&m.PageWritesCounter, "hashstore.bufferpool.page_writes_total", "Pages written back to disk."},
		{&m.NewPagesCounter, "hashstore.bufferpool.new_pages_total", "Pages allocated."},
		{&m.DeletedPagesCounter, "hashstore.bufferpool.deleted_pages_total", "Pages deleted from the pool."},
		{&m.PoolFullCounter, "hashstore.bufferpool.exhausted_total", "Requests that found no free or evictable frame."},
		{&m.BucketSplitsCounter, "hashstore.index.bucket_splits_total", "Bucket splits."},
		{&m.BucketMergesCounter, "hashstore.index.bucket_merges_total", "Bucket merges."},
		{&m.DirectoryGrowsCounter, "hashstore.index.directory_grows_total", "Directory doublings."},
		{&m.DirectoryShrinksCounter, "hashstore.index.directory_shrinks_total", "Directory halvings."},
		{&m.IndexOpsCounter, "hashstore.index.ops_total", "Index operations handled."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Int64Histogram(
		"hashstore.index.op_duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.IndexOpLatencyHistogram = latency

	active, err := meter.Int64UpDownCounter(
		"hashstore.index.active_ops",
		metric.WithDescription("Number of in-flight index operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	m.ActiveIndexOpsUpDownCounter = active

	return m, nil
}

// NewNoopStorageMetrics returns instruments that record nothing.
func NewNoopStorageMetrics() *StorageMetrics {
	m, err := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
