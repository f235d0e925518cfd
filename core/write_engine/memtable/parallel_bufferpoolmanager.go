package memtable

import (
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	_ BufferPool = (*BufferPoolManagerInstance)(nil)
	_ BufferPool = (*ParallelBufferPoolManager)(nil)
)

// ParallelBufferPoolManager shards pages over several BufferPoolManagerInstances
// by page id modulo the number of instances, so unrelated pages do not contend
// on one lock.
type ParallelBufferPoolManager struct {
	instances []*BufferPoolManagerInstance

	startMu    sync.Mutex
	startIndex int // instance NewPage probes first

	logger *zap.Logger
}

// NewParallelBufferPoolManager creates numInstances instances of poolSize frames
// each, all sharing diskManager.
func NewParallelBufferPoolManager(numInstances uint32, poolSize int, diskManager flushmanager.DiskManager, opts ...Option) (*ParallelBufferPoolManager, error) {
	if numInstances == 0 {
		return nil, fmt.Errorf("parallel buffer pool: need at least one instance")
	}
	o := buildOptions(opts)
	pbpm := &ParallelBufferPoolManager{
		instances: make([]*BufferPoolManagerInstance, numInstances),
		logger:    o.logger.Named("parallel_buffer_pool"),
	}
	for i := uint32(0); i < numInstances; i++ {
		inst, err := NewBufferPoolManagerInstance(poolSize, numInstances, i, diskManager, opts...)
		if err != nil {
			return nil, err
		}
		pbpm.instances[i] = inst
	}
	pbpm.logger.Info("ParallelBufferPoolManager initialized",
		zap.Uint32("num_instances", numInstances), zap.Int("pool_size", poolSize))
	return pbpm, nil
}

// instanceFor returns the instance responsible for pageID.
func (p *ParallelBufferPoolManager) instanceFor(pageID pagemanager.PageID) (*BufferPoolManagerInstance, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	return p.instances[int(pageID)%len(p.instances)], nil
}

func (p *ParallelBufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	inst, err := p.instanceFor(pageID)
	if err != nil {
		return nil, err
	}
	return inst.FetchPage(pageID)
}

func (p *ParallelBufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	inst, err := p.instanceFor(pageID)
	if err != nil {
		return err
	}
	return inst.UnpinPage(pageID, isDirty)
}

func (p *ParallelBufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	inst, err := p.instanceFor(pageID)
	if err != nil {
		return err
	}
	return inst.FlushPage(pageID)
}

func (p *ParallelBufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	inst, err := p.instanceFor(pageID)
	if err != nil {
		return err
	}
	return inst.DeletePage(pageID)
}

// NewPage asks each instance in turn, starting from a rotating index, and
// returns the first page any of them can allocate. The start index advances on
// every call so allocation spreads over the shards.
func (p *ParallelBufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	p.startMu.Lock()
	start := p.startIndex
	p.startIndex = (p.startIndex + 1) % len(p.instances)
	p.startMu.Unlock()

	for i := 0; i < len(p.instances); i++ {
		inst := p.instances[(start+i)%len(p.instances)]
		page, pageID, err := inst.NewPage()
		if err == nil {
			return page, pageID, nil
		}
		p.logger.Debug("Instance could not allocate page", zap.Uint32("instance", inst.instanceIndex), zap.Error(err))
	}
	return nil, pagemanager.InvalidPageID, fmt.Errorf("%w: all %d instances exhausted", flushmanager.ErrBufferPoolFull, len(p.instances))
}

// FlushAllPages flushes every instance and combines their errors.
func (p *ParallelBufferPoolManager) FlushAllPages() error {
	var errs error
	for _, inst := range p.instances {
		errs = multierr.Append(errs, inst.FlushAllPages())
	}
	return errs
}

// GetPoolSize returns the total number of frames across instances.
func (p *ParallelBufferPoolManager) GetPoolSize() int {
	total := 0
	for _, inst := range p.instances {
		total += inst.GetPoolSize()
	}
	return total
}

func (p *ParallelBufferPoolManager) NumInstances() int { return len(p.instances) }

// ResumeAllocation moves every instance's allocator past the first numPages
// page ids, so a reopened file is not overwritten by new pages.
func (p *ParallelBufferPoolManager) ResumeAllocation(numPages int64) error {
	n := int64(len(p.instances))
	for i, inst := range p.instances {
		next := numPages
		if rem := next % n; rem != int64(i) {
			next += (int64(i) - rem + n) % n
		}
		if err := inst.SetNextPageID(pagemanager.PageID(next)); err != nil {
			return err
		}
	}
	return nil
}

func (p *ParallelBufferPoolManager) Stats() PoolStats {
	var stats PoolStats
	for _, inst := range p.instances {
		stats.add(inst.Stats())
	}
	return stats
}
