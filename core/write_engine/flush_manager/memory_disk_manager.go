package flushmanager

import (
	"fmt"
	"sync"

	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
)

// MemoryDiskManager keeps pages in a map. Used for tests and ephemeral stores.
type MemoryDiskManager struct {
	mu          sync.Mutex
	pages       map[pagemanager.PageID][]byte
	deallocated map[pagemanager.PageID]struct{}
	numReads    uint64
	numWrites   uint64
}

func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{
		pages:       make(map[pagemanager.PageID][]byte),
		deallocated: make(map[pagemanager.PageID]struct{}),
	}
}

// ReadPage copies the stored page into pageData. Unknown pages read as zeroes.
func (m *MemoryDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("%w: buffer size (%d) != page size (%d)", ErrInvalidPageData, len(pageData), pagemanager.PageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numReads++
	stored, ok := m.pages[pageID]
	if !ok {
		clear(pageData)
		return nil
	}
	copy(pageData, stored)
	return nil
}

func (m *MemoryDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("%w: buffer size (%d) != page size (%d)", ErrInvalidPageData, len(pageData), pagemanager.PageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numWrites++
	buf := make([]byte, len(pageData))
	copy(buf, pageData)
	m.pages[pageID] = buf
	delete(m.deallocated, pageID)
	return nil
}

func (m *MemoryDiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, pageID)
	m.deallocated[pageID] = struct{}{}
	return nil
}

// IsDeallocated reports whether pageID was deallocated and not written since.
func (m *MemoryDiskManager) IsDeallocated(pageID pagemanager.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deallocated[pageID]
	return ok
}

// PageData returns a copy of the stored bytes for pageID, or nil.
func (m *MemoryDiskManager) PageData(pageID pagemanager.PageID) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pages[pageID]
	if !ok {
		return nil
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out
}

func (m *MemoryDiskManager) NumReads() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numReads
}

func (m *MemoryDiskManager) NumWrites() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numWrites
}
