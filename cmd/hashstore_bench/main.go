package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/hashstore/config"
	"github.com/sushant-115/hashstore/core/indexmanager"
	"github.com/sushant-115/hashstore/pkg/logger"
	"github.com/sushant-115/hashstore/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type workload struct {
	ops       int
	workers   int
	rate      float64 // ops per second across all workers, <= 0 means unlimited
	keyspace  int
	readRatio float64
}

type result struct {
	writes, reads, misses, deletes, errors atomic.Int64
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	dbFile := flag.String("db", "", "page file, overrides storage.db_file")
	var w workload
	flag.IntVar(&w.ops, "ops", 10000, "operations per phase")
	flag.IntVar(&w.workers, "workers", 16, "concurrent workers")
	flag.Float64Var(&w.rate, "rate", 0, "operations per second, 0 for unlimited")
	flag.IntVar(&w.keyspace, "keyspace", 5000, "distinct keys")
	flag.Float64Var(&w.readRatio, "reads", 0.8, "fraction of reads in the mixed phase")
	flag.Parse()

	cfg := config.Default()
	cfg.Logger.Level = "warn"
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *dbFile != "" {
		cfg.Storage.DBFile = *dbFile
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	runID := uuid.New()
	zlogger = zlogger.With(zap.String("run_id", runID.String()))

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to start telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	index, err := indexmanager.NewHashIndexManager(cfg.Storage, tel, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to open index", zap.Error(err))
	}
	defer index.Close()

	ctx := context.Background()
	for _, phase := range []struct {
		name string
		op   func(ctx context.Context, rng *rand.Rand, i int, res *result) error
	}{
		{"load", w.load(index)},
		{"mixed", w.mixed(index)},
		{"drain", w.drain(index)},
	} {
		res, elapsed, err := w.run(ctx, phase.op)
		if err != nil {
			zlogger.Error("Phase aborted", zap.String("phase", phase.name), zap.Error(err))
			return
		}
		stats, err := index.Stats(ctx)
		if err != nil {
			zlogger.Error("Failed to read index stats", zap.Error(err))
			return
		}
		zlogger.Warn("Phase complete",
			zap.String("phase", phase.name),
			zap.Duration("elapsed", elapsed),
			zap.Float64("ops_per_sec", float64(w.ops)/elapsed.Seconds()),
			zap.Int64("writes", res.writes.Load()),
			zap.Int64("reads", res.reads.Load()),
			zap.Int64("misses", res.misses.Load()),
			zap.Int64("deletes", res.deletes.Load()),
			zap.Int64("errors", res.errors.Load()),
			zap.Uint32("global_depth", stats.GlobalDepth),
			zap.Int("buckets", stats.NumBuckets),
		)
	}
	if err := index.Verify(ctx); err != nil {
		zlogger.Error("Index failed verification", zap.Error(err))
	}
}

// run spreads w.ops calls of op over w.workers goroutines, throttled by a
// shared limiter when a rate is set.
func (w workload) run(ctx context.Context, op func(context.Context, *rand.Rand, int, *result) error) (*result, time.Duration, error) {
	var limiter *rate.Limiter
	if w.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.rate), w.workers)
	}
	res := &result{}
	var next atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < w.workers; worker++ {
		seed := uint64(worker)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seed, uint64(start.UnixNano())))
			for {
				i := int(next.Add(1) - 1)
				if i >= w.ops {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return fmt.Errorf("rate limiter error: %w", err)
					}
				}
				if err := op(ctx, rng, i, res); err != nil {
					res.errors.Add(1)
				}
			}
		})
	}
	err := g.Wait()
	return res, time.Since(start), err
}

func key(i int) string   { return fmt.Sprintf("key-%08d", i) }
func value(i int) string { return fmt.Sprintf("value-%08d", i) }

func (w workload) load(index indexmanager.IndexManager) func(context.Context, *rand.Rand, int, *result) error {
	return func(ctx context.Context, _ *rand.Rand, i int, res *result) error {
		k := i % w.keyspace
		res.writes.Add(1)
		return index.Put(ctx, key(k), value(i))
	}
}

func (w workload) mixed(index indexmanager.IndexManager) func(context.Context, *rand.Rand, int, *result) error {
	return func(ctx context.Context, rng *rand.Rand, i int, res *result) error {
		k := rng.IntN(w.keyspace)
		if rng.Float64() < w.readRatio {
			res.reads.Add(1)
			values, err := index.Get(ctx, key(k))
			if err == nil && len(values) == 0 {
				res.misses.Add(1)
			}
			return err
		}
		res.writes.Add(1)
		return index.Put(ctx, key(k), value(w.ops+i))
	}
}

func (w workload) drain(index indexmanager.IndexManager) func(context.Context, *rand.Rand, int, *result) error {
	return func(ctx context.Context, _ *rand.Rand, i int, res *result) error {
		if i >= w.keyspace {
			return nil
		}
		n, err := index.DeleteKey(ctx, key(i))
		res.deletes.Add(int64(n))
		return err
	}
}
