package common

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRandom(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "src.db")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestCopyThrottled_Unlimited(t *testing.T) {
	src, data := writeRandom(t, 3*chunkSize+123)
	dst := filepath.Join(t.TempDir(), "dst.db")
	// A stale, longer destination must be truncated.
	require.NoError(t, os.WriteFile(dst, make([]byte, 5*chunkSize), 0644))

	sum, n, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	want := sha256.Sum256(data)
	assert.Equal(t, want[:], sum)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyThrottled_SmallRate(t *testing.T) {
	src, data := writeRandom(t, 8192)
	dst := filepath.Join(t.TempDir(), "dst.db")

	sum, n, err := CopyThrottled(context.Background(), src, dst, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), n)
	want := sha256.Sum256(data)
	assert.Equal(t, want[:], sum)
}

func TestCopyThrottled_Cancelled(t *testing.T) {
	src, _ := writeRandom(t, 64*1024)
	dst := filepath.Join(t.TempDir(), "dst.db")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// 1 KiB/s cannot move 64 KiB before the deadline.
	_, _, err := CopyThrottled(ctx, src, dst, 1024)
	assert.Error(t, err)
}

func TestCopyThrottled_MissingSource(t *testing.T) {
	_, _, err := CopyThrottled(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "dst"), 0)
	assert.Error(t, err)
}
