package pagemanager

import "sync"

// PageSize is the size in bytes of every page on disk and every frame in memory.
const PageSize = 4096

// PageID identifies a page on disk. Page 0 is a real page.
type PageID int32

// InvalidPageID marks an empty frame and is returned when no page could be allocated.
const InvalidPageID PageID = -1

// LSN is a log sequence number.
type LSN uint32

const InvalidLSN LSN = 0

// Page is the in-memory copy of a disk page held in a buffer pool frame.
//
// id, pinCount and isDirty belong to the buffer pool and only change under
// its lock. The bytes are guarded by the page latch, which callers take
// through RLatch/WLatch while they hold a pin.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN

	latch sync.RWMutex
}

// NewPage returns an unpinned, clean page with size zeroed bytes.
func NewPage(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// Reset returns the frame to its empty state and zeroes its bytes.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
func (p *Page) GetLSN() LSN         { return p.lsn }
func (p *Page) SetLSN(lsn LSN)      { p.lsn = lsn }

func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) Pin()                        { p.pinCount++ }

// Unpin drops one pin; it is a no-op at zero.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

func (p *Page) RLatch()   { p.latch.RLock() }
func (p *Page) RUnlatch() { p.latch.RUnlock() }
func (p *Page) WLatch()   { p.latch.Lock() }
func (p *Page) WUnlatch() { p.latch.Unlock() }
