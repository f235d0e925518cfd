package memtable

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

// failingDisk wraps the in-memory disk manager and can be told to fail I/O.
type failingDisk struct {
	*flushmanager.MemoryDiskManager
	failWrites atomic.Bool
	failReads  atomic.Bool
}

var errInjected = errors.New("injected disk failure")

func (d *failingDisk) WritePage(pageID pagemanager.PageID, data []byte) error {
	if d.failWrites.Load() {
		return errInjected
	}
	return d.MemoryDiskManager.WritePage(pageID, data)
}

func (d *failingDisk) ReadPage(pageID pagemanager.PageID, data []byte) error {
	if d.failReads.Load() {
		return errInjected
	}
	return d.MemoryDiskManager.ReadPage(pageID, data)
}

type countingLog struct{ syncs atomic.Int32 }

func (l *countingLog) Sync() error { l.syncs.Add(1); return nil }

// setupBufferPool creates a standalone pool over an in-memory disk.
func setupBufferPool(t *testing.T, poolSize int, opts ...Option) (*BufferPoolManagerInstance, *flushmanager.MemoryDiskManager) {
	t.Helper()
	disk := flushmanager.NewMemoryDiskManager()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	bpm, err := NewBufferPoolManager(poolSize, disk, opts...)
	require.NoError(t, err)
	return bpm, disk
}

// --- Test Cases ---

func TestNewBufferPoolManagerInstance_InvalidArgs(t *testing.T) {
	disk := flushmanager.NewMemoryDiskManager()
	_, err := NewBufferPoolManagerInstance(0, 1, 0, disk)
	assert.Error(t, err)
	_, err = NewBufferPoolManagerInstance(4, 2, 2, disk)
	assert.Error(t, err)
	_, err = NewBufferPoolManagerInstance(4, 1, 0, nil)
	assert.Error(t, err)
}

// TestBufferPool_ExhaustionAndEviction runs the two-frame scenario: the third
// NewPage fails while both pages are pinned, and succeeds once one is unpinned.
func TestBufferPool_ExhaustionAndEviction(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	_, p0, err := bpm.NewPage()
	require.NoError(t, err)
	_, p1, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(0), p0)
	assert.Equal(t, pagemanager.PageID(1), p1)

	page, pid, err := bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
	assert.Nil(t, page)
	assert.Equal(t, pagemanager.InvalidPageID, pid)
	assert.Equal(t, pagemanager.PageID(2), bpm.GetNextPageID(), "a failed NewPage must not consume an id")

	require.NoError(t, bpm.UnpinPage(p0, false))
	_, p2, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(2), p2)

	_, err = bpm.FetchPage(p0)
	assert.ErrorIs(t, err, flushmanager.ErrBufferPoolFull, "p0 was evicted and every frame is pinned")
}

// TestBufferPool_DirtyIsSticky checks that a dirty unpin followed by a clean one
// still writes the page back on eviction, and the bytes survive a refetch.
func TestBufferPool_DirtyIsSticky(t *testing.T) {
	bpm, disk := setupBufferPool(t, 1)

	page, p0, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "hello")
	require.NoError(t, bpm.UnpinPage(p0, true))

	page, err = bpm.FetchPage(p0)
	require.NoError(t, err)
	assert.True(t, page.IsDirty())
	require.NoError(t, bpm.UnpinPage(p0, false))
	assert.True(t, page.IsDirty(), "clean unpin must not clear the dirty flag")

	_, p1, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), disk.PageData(p0)[:5], "dirty victim must be written before reuse")
	require.NoError(t, bpm.UnpinPage(p1, false))

	page, err = bpm.FetchPage(p0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), page.GetData()[:5])
	assert.False(t, page.IsDirty())
	require.NoError(t, bpm.UnpinPage(p0, false))
}

func TestBufferPool_NewPageIsZeroed(t *testing.T) {
	bpm, _ := setupBufferPool(t, 1)

	page, p0, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "garbage")
	require.NoError(t, bpm.UnpinPage(p0, true))

	page, _, err = bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, pagemanager.PageSize), page.GetData())
	assert.Equal(t, uint32(1), page.GetPinCount())
	assert.False(t, page.IsDirty())
}

func TestBufferPool_UnpinErrors(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	_, p0, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p0, false))
	assert.ErrorIs(t, bpm.UnpinPage(p0, false), flushmanager.ErrPageNotPinned)
	assert.ErrorIs(t, bpm.UnpinPage(99, false), flushmanager.ErrPageNotFound)
}

// TestBufferPool_FetchHitPins checks that fetching a resident page bumps the
// pin count and takes it out of the eviction candidates.
func TestBufferPool_FetchHitPins(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	_, p0, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p0, false))
	assert.Equal(t, 1, bpm.Stats().Evictable)

	page, err := bpm.FetchPage(p0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), page.GetPinCount())
	assert.Equal(t, 0, bpm.Stats().Evictable)

	page, err = bpm.FetchPage(p0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), page.GetPinCount())

	require.NoError(t, bpm.UnpinPage(p0, false))
	assert.Equal(t, 0, bpm.Stats().Evictable, "still pinned once")
	require.NoError(t, bpm.UnpinPage(p0, false))
	assert.Equal(t, 1, bpm.Stats().Evictable)
}

func TestBufferPool_DeletePage(t *testing.T) {
	bpm, disk := setupBufferPool(t, 2)

	_, p0, err := bpm.NewPage()
	require.NoError(t, err)
	assert.ErrorIs(t, bpm.DeletePage(p0), flushmanager.ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(p0, true))
	require.NoError(t, bpm.DeletePage(p0))
	assert.True(t, disk.IsDeallocated(p0))

	stats := bpm.Stats()
	assert.Equal(t, 0, stats.Resident)
	assert.Equal(t, 2, stats.Free)
	assert.Equal(t, 0, stats.Evictable)

	assert.NoError(t, bpm.DeletePage(42), "deleting a non-resident page succeeds")
	assert.ErrorIs(t, bpm.UnpinPage(p0, false), flushmanager.ErrPageNotFound)
}

func TestBufferPool_FlushPage(t *testing.T) {
	bpm, disk := setupBufferPool(t, 2)

	assert.ErrorIs(t, bpm.FlushPage(7), flushmanager.ErrPageNotFound)

	page, p0, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "flushed")
	require.NoError(t, bpm.FlushPage(p0))
	assert.Equal(t, []byte("flushed"), disk.PageData(p0)[:7])
	assert.Equal(t, uint32(1), page.GetPinCount(), "flush leaves the pin count alone")

	// Clean pages are written too.
	writes := disk.NumWrites()
	require.NoError(t, bpm.FlushPage(p0))
	assert.Equal(t, writes+1, disk.NumWrites())
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	log := &countingLog{}
	bpm, disk := setupBufferPool(t, 4, WithLogManager(log))

	for i := 0; i < 3; i++ {
		page, pid, err := bpm.NewPage()
		require.NoError(t, err)
		page.GetData()[0] = byte(i + 1)
		require.NoError(t, bpm.UnpinPage(pid, true))
	}
	require.NoError(t, bpm.FlushAllPages())
	for i := 0; i < 3; i++ {
		assert.Equal(t, byte(i+1), disk.PageData(pagemanager.PageID(i))[0])
	}
	assert.Equal(t, int32(3), log.syncs.Load(), "log synced before each page write")
}

// TestBufferPool_VictimWriteFailure checks that a failed write-back leaves the
// victim resident and evictable, and that the pool recovers once I/O works.
func TestBufferPool_VictimWriteFailure(t *testing.T) {
	disk := &failingDisk{MemoryDiskManager: flushmanager.NewMemoryDiskManager()}
	bpm, err := NewBufferPoolManager(1, disk, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	_, p0, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(p0, true))

	disk.failWrites.Store(true)
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, errInjected)
	stats := bpm.Stats()
	assert.Equal(t, 1, stats.Resident)
	assert.Equal(t, 1, stats.Evictable)

	disk.failWrites.Store(false)
	_, p1, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(1), p1)
}

func TestBufferPool_FetchReadFailure(t *testing.T) {
	disk := &failingDisk{MemoryDiskManager: flushmanager.NewMemoryDiskManager()}
	bpm, err := NewBufferPoolManager(1, disk)
	require.NoError(t, err)

	disk.failReads.Store(true)
	_, err = bpm.FetchPage(3)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, bpm.Stats().Free, "frame goes back to the free list")

	disk.failReads.Store(false)
	_, err = bpm.FetchPage(3)
	require.NoError(t, err)
}

func TestBufferPool_StripedAllocation(t *testing.T) {
	disk := flushmanager.NewMemoryDiskManager()
	bpm, err := NewBufferPoolManagerInstance(5, 3, 1, disk)
	require.NoError(t, err)

	for _, want := range []pagemanager.PageID{1, 4, 7} {
		_, pid, err := bpm.NewPage()
		require.NoError(t, err)
		assert.Equal(t, want, pid)
	}

	assert.ErrorIs(t, bpm.SetNextPageID(9), flushmanager.ErrInvalidPageID)
	require.NoError(t, bpm.SetNextPageID(10))
	_, pid, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(10), pid)
}

// TestBufferPool_Concurrent hammers a small pool from many goroutines; every
// page must read back the byte its creator wrote.
func TestBufferPool_Concurrent(t *testing.T) {
	bpm, _ := setupBufferPool(t, 8)
	bpm.logger = zap.NewNop()

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				page, pid, err := bpm.NewPage()
				if errors.Is(err, flushmanager.ErrBufferPoolFull) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				page.WLatch()
				page.GetData()[0] = byte(pid)
				page.WUnlatch()
				if err := bpm.UnpinPage(pid, true); err != nil {
					errs <- err
					return
				}
				page, err = bpm.FetchPage(pid)
				if errors.Is(err, flushmanager.ErrBufferPoolFull) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				page.RLatch()
				got := page.GetData()[0]
				page.RUnlatch()
				if got != byte(pid) {
					errs <- errors.New("page content mismatch")
				}
				if err := bpm.UnpinPage(pid, false); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	stats := bpm.Stats()
	assert.Equal(t, 0, stats.Pinned)
}
