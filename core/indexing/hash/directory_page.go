package hashindex

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
)

const (
	// DirectoryMaxDepth bounds the global depth; the directory has 2^DirectoryMaxDepth slots.
	DirectoryMaxDepth = 9
	// DirectoryArraySize is the number of slots in a directory page.
	DirectoryArraySize = 1 << DirectoryMaxDepth

	directoryHeaderSize = 12 // page_id(4) lsn(4) global_depth(4)
	directorySlotSize   = 5  // bucket_page_id(4) local_depth(1)
)

// DirectoryPage is the decoded form of the hash table's directory.
//
// On-disk layout, little-endian:
//
//	page_id i32 | lsn u32 | global_depth u32 | 512 × (bucket_page_id i32, local_depth u8)
type DirectoryPage struct {
	pageID        pagemanager.PageID
	lsn           pagemanager.LSN
	globalDepth   uint32
	bucketPageIDs [DirectoryArraySize]pagemanager.PageID
	localDepths   [DirectoryArraySize]uint8
}

// NewDirectoryPage returns an empty directory of global depth 0 whose slots
// point nowhere.
func NewDirectoryPage(pageID pagemanager.PageID) *DirectoryPage {
	d := &DirectoryPage{pageID: pageID}
	for i := range d.bucketPageIDs {
		d.bucketPageIDs[i] = pagemanager.InvalidPageID
	}
	return d
}

// DecodeDirectoryPage reads a directory out of a page buffer.
func DecodeDirectoryPage(data []byte) (*DirectoryPage, error) {
	if len(data) < directoryHeaderSize+DirectoryArraySize*directorySlotSize {
		return nil, fmt.Errorf("%w: directory buffer of %d bytes", flushmanager.ErrDeserialization, len(data))
	}
	d := &DirectoryPage{
		pageID:      pagemanager.PageID(int32(binary.LittleEndian.Uint32(data[0:4]))),
		lsn:         pagemanager.LSN(binary.LittleEndian.Uint32(data[4:8])),
		globalDepth: binary.LittleEndian.Uint32(data[8:12]),
	}
	if d.globalDepth > DirectoryMaxDepth {
		return nil, fmt.Errorf("%w: directory global depth %d exceeds %d", flushmanager.ErrDeserialization, d.globalDepth, DirectoryMaxDepth)
	}
	off := directoryHeaderSize
	for i := 0; i < DirectoryArraySize; i++ {
		d.bucketPageIDs[i] = pagemanager.PageID(int32(binary.LittleEndian.Uint32(data[off : off+4])))
		d.localDepths[i] = data[off+4]
		off += directorySlotSize
	}
	return d, nil
}

// Encode writes the directory into a page buffer.
func (d *DirectoryPage) Encode(data []byte) error {
	if len(data) < directoryHeaderSize+DirectoryArraySize*directorySlotSize {
		return fmt.Errorf("%w: directory buffer of %d bytes", flushmanager.ErrSerialization, len(data))
	}
	binary.LittleEndian.PutUint32(data[0:4], uint32(d.pageID))
	binary.LittleEndian.PutUint32(data[4:8], uint32(d.lsn))
	binary.LittleEndian.PutUint32(data[8:12], d.globalDepth)
	off := directoryHeaderSize
	for i := 0; i < DirectoryArraySize; i++ {
		binary.LittleEndian.PutUint32(data[off:off+4], uint32(d.bucketPageIDs[i]))
		data[off+4] = d.localDepths[i]
		off += directorySlotSize
	}
	return nil
}

func (d *DirectoryPage) PageID() pagemanager.PageID { return d.pageID }
func (d *DirectoryPage) LSN() pagemanager.LSN       { return d.lsn }
func (d *DirectoryPage) SetLSN(lsn pagemanager.LSN) { d.lsn = lsn }
func (d *DirectoryPage) GlobalDepth() uint32        { return d.globalDepth }

// GlobalDepthMask has the low GlobalDepth bits set.
func (d *DirectoryPage) GlobalDepthMask() uint32 { return (1 << d.globalDepth) - 1 }

// Size is the number of live slots, 2^GlobalDepth.
func (d *DirectoryPage) Size() int { return 1 << d.globalDepth }

func (d *DirectoryPage) BucketPageID(slot int) pagemanager.PageID { return d.bucketPageIDs[slot] }
func (d *DirectoryPage) SetBucketPageID(slot int, id pagemanager.PageID) {
	d.bucketPageIDs[slot] = id
}
func (d *DirectoryPage) LocalDepth(slot int) uint32 { return uint32(d.localDepths[slot]) }
func (d *DirectoryPage) SetLocalDepth(slot int, depth uint32) {
	d.localDepths[slot] = uint8(depth)
}

// LocalDepthMask has the low LocalDepth(slot) bits set.
func (d *DirectoryPage) LocalDepthMask(slot int) uint32 { return (1 << d.localDepths[slot]) - 1 }

// SplitImageIndex is the slot that differs from slot only in the highest bit
// covered by its local depth.
func (d *DirectoryPage) SplitImageIndex(slot int) int {
	ld := d.localDepths[slot]
	if ld == 0 {
		return slot
	}
	return slot ^ (1 << (ld - 1))
}

// Grow doubles the directory. Each new slot copies the slot it aliases in the
// lower half.
func (d *DirectoryPage) Grow() error {
	if d.globalDepth >= DirectoryMaxDepth {
		return fmt.Errorf("%w: global depth %d", flushmanager.ErrDirectoryFull, d.globalDepth)
	}
	size := d.Size()
	for i := 0; i < size; i++ {
		d.bucketPageIDs[size+i] = d.bucketPageIDs[i]
		d.localDepths[size+i] = d.localDepths[i]
	}
	d.globalDepth++
	return nil
}

// CanShrink reports whether every local depth is below the global depth and
// the directory is above its minimum depth of one.
func (d *DirectoryPage) CanShrink() bool {
	if d.globalDepth <= 1 {
		return false
	}
	for i := 0; i < d.Size(); i++ {
		if uint32(d.localDepths[i]) >= d.globalDepth {
			return false
		}
	}
	return true
}

// Shrink halves the directory, dropping the upper half.
func (d *DirectoryPage) Shrink() {
	if d.globalDepth == 0 {
		return
	}
	d.globalDepth--
	for i := d.Size(); i < 2*d.Size(); i++ {
		d.bucketPageIDs[i] = pagemanager.InvalidPageID
		d.localDepths[i] = 0
	}
}

// VerifyIntegrity checks the structural invariants of the directory:
// every local depth is at most the global depth, every bucket is referenced by
// exactly 2^(global-local) slots, and all slots of one bucket agree on its
// local depth.
func (d *DirectoryPage) VerifyIntegrity() error {
	pointers := make(map[pagemanager.PageID]int)
	depths := make(map[pagemanager.PageID]uint32)
	for i := 0; i < d.Size(); i++ {
		id := d.bucketPageIDs[i]
		ld := uint32(d.localDepths[i])
		if id == pagemanager.InvalidPageID {
			return fmt.Errorf("%w: slot %d has no bucket", flushmanager.ErrIntegrityViolation, i)
		}
		if ld > d.globalDepth {
			return fmt.Errorf("%w: slot %d local depth %d exceeds global depth %d",
				flushmanager.ErrIntegrityViolation, i, ld, d.globalDepth)
		}
		if prev, ok := depths[id]; ok && prev != ld {
			return fmt.Errorf("%w: bucket %d has local depths %d and %d",
				flushmanager.ErrIntegrityViolation, id, prev, ld)
		}
		depths[id] = ld
		pointers[id]++
	}
	for id, count := range pointers {
		want := 1 << (d.globalDepth - depths[id])
		if count != want {
			return fmt.Errorf("%w: bucket %d has %d pointers, want %d",
				flushmanager.ErrIntegrityViolation, id, count, want)
		}
	}
	return nil
}

// NumBuckets returns the number of distinct buckets the directory points to.
func (d *DirectoryPage) NumBuckets() int {
	seen := make(map[pagemanager.PageID]struct{})
	for i := 0; i < d.Size(); i++ {
		seen[d.bucketPageIDs[i]] = struct{}{}
	}
	return len(seen)
}
