package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize is the unit read, throttled and written per step.
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to dstPath at no more than bytesPerSec
// (unlimited when <= 0), fsyncs the copy and returns its SHA-256.
// The destination is truncated first.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) ([]byte, int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		burst := chunkSize
		if bytesPerSec < int64(burst) {
			burst = int(bytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	sum := sha256.New()
	var copied int64
	for {
		n, rerr := src.ReadAt(buf, copied)
		if n > 0 {
			if err := waitFor(ctx, limiter, n); err != nil {
				return nil, copied, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return nil, copied, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			copied += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, copied, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, copied, fmt.Errorf("sync error: %w", err)
	}
	return sum.Sum(nil), copied, nil
}

// waitFor takes n tokens, in bursts no larger than the limiter allows.
func waitFor(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return ctx.Err()
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
		n -= step
	}
	return nil
}
