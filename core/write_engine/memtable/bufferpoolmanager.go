package memtable

import (
	"context"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/hashstore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BufferPoolManagerInstance caches a fixed number of page frames over a DiskManager.
// When it is one shard of a ParallelBufferPoolManager it only allocates page ids
// congruent to instanceIndex modulo numInstances.
type BufferPoolManagerInstance struct {
	diskManager   flushmanager.DiskManager
	logManager    LogManager
	poolSize      int
	numInstances  uint32
	instanceIndex uint32
	nextPageID    pagemanager.PageID

	pages     []*pagemanager.Page        // Page frames
	pageTable map[pagemanager.PageID]int // PageID to frame index
	freeList  []int                      // Frames that hold no page
	replacer  Replacer
	mu        sync.Mutex

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	attrs   metric.MeasurementOption
}

// NewBufferPoolManager creates a standalone pool that owns the whole page id space.
func NewBufferPoolManager(poolSize int, diskManager flushmanager.DiskManager, opts ...Option) (*BufferPoolManagerInstance, error) {
	return NewBufferPoolManagerInstance(poolSize, 1, 0, diskManager, opts...)
}

// NewBufferPoolManagerInstance creates and initializes one shard of a sharded pool.
func NewBufferPoolManagerInstance(poolSize int, numInstances, instanceIndex uint32, diskManager flushmanager.DiskManager, opts ...Option) (*BufferPoolManagerInstance, error) {
	if diskManager == nil {
		return nil, fmt.Errorf("buffer pool: diskManager cannot be nil")
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool: pool size must be positive, got %d", poolSize)
	}
	if numInstances == 0 || instanceIndex >= numInstances {
		return nil, fmt.Errorf("buffer pool: instance index %d out of range for %d instances", instanceIndex, numInstances)
	}
	o := buildOptions(opts)

	bpm := &BufferPoolManagerInstance{
		diskManager:   diskManager,
		logManager:    o.logManager,
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    pagemanager.PageID(instanceIndex),
		pages:         make([]*pagemanager.Page, poolSize),
		pageTable:     make(map[pagemanager.PageID]int, poolSize),
		freeList:      make([]int, 0, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		logger:        o.logger.Named("buffer_pool").With(zap.Uint32("instance", instanceIndex)),
		metrics:       o.metrics,
		attrs:         metric.WithAttributeSet(attribute.NewSet(attribute.Int("bufferpool.instance", int(instanceIndex)))),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, pagemanager.PageSize)
		bpm.freeList = append(bpm.freeList, i)
	}
	bpm.logger.Debug("BufferPoolManagerInstance initialized",
		zap.Int("pool_size", poolSize), zap.Uint32("num_instances", numInstances))
	return bpm, nil
}

// NewPage allocates a fresh page id and installs a zeroed page for it in a frame.
// The page is returned pinned.
func (bpm *BufferPoolManagerInstance) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// The frame is secured first so an exhausted pool never burns a page id.
	frameIdx, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	pageID := bpm.allocatePageLocked()

	page := bpm.pages[frameIdx]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable[pageID] = frameIdx
	bpm.replacer.Pin(frameIdx)

	bpm.metrics.NewPagesCounter.Add(context.Background(), 1, bpm.attrs)
	bpm.logger.Debug("New page", zap.Int32("page_id", int32(pageID)), zap.Int("frame", frameIdx))
	return page, pageID, nil
}

// FetchPage returns the page pinned, reading it from disk if it is not resident.
func (bpm *BufferPoolManagerInstance) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		bpm.replacer.Pin(frameIdx)
		bpm.metrics.FetchHitsCounter.Add(context.Background(), 1, bpm.attrs)
		return page, nil
	}
	bpm.metrics.FetchMissesCounter.Add(context.Background(), 1, bpm.attrs)

	frameIdx, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, err
	}
	page := bpm.pages[frameIdx]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameIdx)
		bpm.logger.Error("Failed to read page from disk", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable[pageID] = frameIdx
	bpm.replacer.Pin(frameIdx)

	bpm.logger.Debug("Page loaded", zap.Int32("page_id", int32(pageID)), zap.Int("frame", frameIdx))
	return page, nil
}

// UnpinPage releases one pin. isDirty is OR-ed into the page's dirty flag, so a
// clean unpin never hides an earlier modification.
func (bpm *BufferPoolManagerInstance) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.logger.Warn("Unpin of page not in buffer pool", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("Unpin of page with pin count 0", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotPinned, pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		bpm.replacer.Unpin(frameIdx)
	}
	return nil
}

// FlushPage writes a resident page to disk whether or not it is dirty.
func (bpm *BufferPoolManagerInstance) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	return bpm.writeBackLocked(bpm.pages[frameIdx])
}

// FlushAllPages writes every resident page and syncs the disk manager. It keeps
// going past failures and returns all of them combined.
func (bpm *BufferPoolManagerInstance) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var errs error
	for _, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID {
			continue
		}
		errs = multierr.Append(errs, bpm.writeBackLocked(page))
	}
	if syncer, ok := bpm.diskManager.(flushmanager.Syncer); ok {
		errs = multierr.Append(errs, syncer.Sync())
	}
	return errs
}

// DeletePage drops a page from the pool and deallocates it on disk. Deleting a
// page that is not resident succeeds; deleting a pinned page fails.
func (bpm *BufferPoolManagerInstance) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, resident := bpm.pageTable[pageID]
	if resident {
		if pins := bpm.pages[frameIdx].GetPinCount(); pins > 0 {
			return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, pins)
		}
	}
	if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("failed to deallocate page %d: %w", pageID, err)
	}
	if !resident {
		return nil
	}

	bpm.replacer.Pin(frameIdx)
	delete(bpm.pageTable, pageID)
	bpm.pages[frameIdx].Reset()
	bpm.freeList = append(bpm.freeList, frameIdx)

	bpm.metrics.DeletedPagesCounter.Add(context.Background(), 1, bpm.attrs)
	bpm.logger.Debug("Deleted page", zap.Int32("page_id", int32(pageID)), zap.Int("frame", frameIdx))
	return nil
}

func (bpm *BufferPoolManagerInstance) GetPoolSize() int {
	return bpm.poolSize
}

// GetNextPageID returns the id the next NewPage will hand out.
func (bpm *BufferPoolManagerInstance) GetNextPageID() pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.nextPageID
}

// SetNextPageID moves the allocator, e.g. past the pages of a reopened file.
// The id must belong to this instance.
func (bpm *BufferPoolManagerInstance) SetNextPageID(pageID pagemanager.PageID) error {
	if pageID < 0 || uint32(pageID)%bpm.numInstances != bpm.instanceIndex {
		return fmt.Errorf("%w: page %d does not belong to instance %d of %d",
			flushmanager.ErrInvalidPageID, pageID, bpm.instanceIndex, bpm.numInstances)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.nextPageID = pageID
	return nil
}

func (bpm *BufferPoolManagerInstance) Stats() PoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	stats := PoolStats{
		PoolSize:  bpm.poolSize,
		Resident:  len(bpm.pageTable),
		Free:      len(bpm.freeList),
		Evictable: bpm.replacer.Size(),
	}
	for _, frameIdx := range bpm.pageTable {
		if bpm.pages[frameIdx].GetPinCount() > 0 {
			stats.Pinned++
		}
	}
	return stats
}

// allocatePageLocked hands out the next id of this instance's stripe.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManagerInstance) allocatePageLocked() pagemanager.PageID {
	pageID := bpm.nextPageID
	bpm.nextPageID += pagemanager.PageID(bpm.numInstances)
	return pageID
}

// acquireFrameLocked returns an empty frame, taken from the free list or
// reclaimed from the replacer. A dirty victim is written back first; if that
// fails the victim stays resident and evictable.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManagerInstance) acquireFrameLocked() (int, error) {
	if len(bpm.freeList) > 0 {
		frameIdx := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameIdx, nil
	}

	frameIdx, ok := bpm.replacer.Victim()
	if !ok {
		bpm.metrics.PoolFullCounter.Add(context.Background(), 1, bpm.attrs)
		return -1, fmt.Errorf("%w: instance %d has %d frames, all pinned",
			flushmanager.ErrBufferPoolFull, bpm.instanceIndex, bpm.poolSize)
	}
	victim := bpm.pages[frameIdx]
	if victim.IsDirty() {
		if err := bpm.writeBackLocked(victim); err != nil {
			bpm.replacer.Unpin(frameIdx)
			return -1, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.GetPageID(), err)
		}
	}
	bpm.logger.Debug("Evicting page", zap.Int32("page_id", int32(victim.GetPageID())), zap.Int("frame", frameIdx))
	delete(bpm.pageTable, victim.GetPageID())
	victim.Reset()
	bpm.metrics.EvictionsCounter.Add(context.Background(), 1, bpm.attrs)
	return frameIdx, nil
}

// writeBackLocked syncs the log and writes the page bytes, clearing the dirty flag.
// The bytes are read under the page's read latch, so a pinned page being
// modified is written either before or after the change. Latch holders never
// wait on bpm.mu.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManagerInstance) writeBackLocked(page *pagemanager.Page) error {
	if bpm.logManager != nil {
		if err := bpm.logManager.Sync(); err != nil {
			bpm.logger.Error("Failed to flush log before page write", zap.Int32("page_id", int32(page.GetPageID())), zap.Error(err))
			return fmt.Errorf("failed to flush log for page %d: %w", page.GetPageID(), err)
		}
	}
	page.RLatch()
	err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData())
	page.RUnlatch()
	if err != nil {
		bpm.logger.Error("Failed to write page", zap.Int32("page_id", int32(page.GetPageID())), zap.Error(err))
		return fmt.Errorf("failed to write page %d: %w", page.GetPageID(), err)
	}
	page.SetDirty(false)
	bpm.metrics.PageWritesCounter.Add(context.Background(), 1, bpm.attrs)
	return nil
}
