package indexmanager

import (
	"context"
	"errors"

	"github.com/sushant-115/hashstore/core/write_engine/memtable"
)

// IndexManager is the string-keyed front end the binaries talk to.
type IndexManager interface {
	// Put stores the pair. Storing the same pair twice fails with ErrKeyAlreadyExists.
	Put(ctx context.Context, key, value string) error
	// Get returns every value stored under key, empty if there are none.
	Get(ctx context.Context, key string) ([]string, error)
	// Delete removes one pair, or fails with ErrKeyNotFound.
	Delete(ctx context.Context, key, value string) error
	// DeleteKey removes every pair under key and reports how many went.
	DeleteKey(ctx context.Context, key string) (int, error)
	Stats(ctx context.Context) (IndexStats, error)
	Verify(ctx context.Context) error
	// Flush writes every resident page to disk.
	Flush(ctx context.Context) error
	// Backup writes a consistent copy of the page file to dst, throttled to
	// bytesPerSec when it is positive.
	Backup(ctx context.Context, dst string, bytesPerSec int64) (BackupInfo, error)
	Close() error
	Name() string
}

// IndexStats describes the shape of an index and its buffer pool.
type IndexStats struct {
	Name            string
	DirectoryPageID int32
	GlobalDepth     uint32
	NumBuckets      int
	BucketCapacity  int
	Pool            memtable.PoolStats
}

// BackupInfo describes a finished backup.
type BackupInfo struct {
	Path   string
	Bytes  int64
	SHA256 []byte
}

// ErrNotFileBacked is returned by Backup for an in-memory index.
var ErrNotFileBacked = errors.New("index is not backed by a file")
