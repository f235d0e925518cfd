package hashindex

import (
	"fmt"

	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
)

// BucketArraySize is how many pairs of pairSize bytes fit in a bucket page
// next to two bitmaps of one bit per pair.
func BucketArraySize(pairSize int) int {
	return 4 * pagemanager.PageSize / (4*pairSize + 1)
}

func bitmapSize(capacity int) int { return (capacity-1)/8 + 1 }

// BucketPage is the decoded form of one hash bucket.
//
// On-disk layout: occupied bitmap | readable bitmap | capacity × (key | value).
// A slot is occupied once it has ever held a pair and readable while it holds
// one. Slots are filled lowest first, so the first unoccupied slot ends every scan.
type BucketPage[K any, V comparable] struct {
	capacity int
	occupied []byte
	readable []byte
	keys     []K
	values   []V
}

func newBucketPage[K any, V comparable](capacity int) *BucketPage[K, V] {
	return &BucketPage[K, V]{
		capacity: capacity,
		occupied: make([]byte, bitmapSize(capacity)),
		readable: make([]byte, bitmapSize(capacity)),
		keys:     make([]K, capacity),
		values:   make([]V, capacity),
	}
}

// decodeBucketPage reads a bucket out of a page buffer. Only readable slots
// are deserialized.
func decodeBucketPage[K any, V comparable](data []byte, s KeyValueSerializer[K, V]) (*BucketPage[K, V], error) {
	capacity := BucketArraySize(s.PairSize())
	b := newBucketPage[K, V](capacity)
	bm := bitmapSize(capacity)
	if len(data) < 2*bm+capacity*s.PairSize() {
		return nil, fmt.Errorf("%w: bucket buffer of %d bytes", flushmanager.ErrDeserialization, len(data))
	}
	copy(b.occupied, data[:bm])
	copy(b.readable, data[bm:2*bm])

	off := 2 * bm
	for i := 0; i < capacity; i++ {
		if b.IsReadable(i) {
			k, err := getField(s.Key, data[off:off+s.Key.Size])
			if err != nil {
				return nil, err
			}
			v, err := getField(s.Value, data[off+s.Key.Size:off+s.PairSize()])
			if err != nil {
				return nil, err
			}
			b.keys[i], b.values[i] = k, v
		}
		off += s.PairSize()
	}
	return b, nil
}

// encode writes the bucket into a page buffer.
func (b *BucketPage[K, V]) encode(data []byte, s KeyValueSerializer[K, V]) error {
	bm := bitmapSize(b.capacity)
	if len(data) < 2*bm+b.capacity*s.PairSize() {
		return fmt.Errorf("%w: bucket buffer of %d bytes", flushmanager.ErrSerialization, len(data))
	}
	copy(data[:bm], b.occupied)
	copy(data[bm:2*bm], b.readable)

	off := 2 * bm
	for i := 0; i < b.capacity; i++ {
		slot := data[off : off+s.PairSize()]
		if b.IsReadable(i) {
			if err := putField(s.Key, slot[:s.Key.Size], b.keys[i]); err != nil {
				return err
			}
			if err := putField(s.Value, slot[s.Key.Size:], b.values[i]); err != nil {
				return err
			}
		} else {
			clear(slot)
		}
		off += s.PairSize()
	}
	return nil
}

// GetValue returns every value stored under key.
func (b *BucketPage[K, V]) GetValue(key K, order Order[K]) []V {
	var result []V
	for i := 0; i < b.capacity && b.IsOccupied(i); i++ {
		if b.IsReadable(i) && order(b.keys[i], key) == 0 {
			result = append(result, b.values[i])
		}
	}
	return result
}

// Contains reports whether the exact pair is stored.
func (b *BucketPage[K, V]) Contains(key K, value V, order Order[K]) bool {
	for i := 0; i < b.capacity && b.IsOccupied(i); i++ {
		if b.IsReadable(i) && b.values[i] == value && order(b.keys[i], key) == 0 {
			return true
		}
	}
	return false
}

// Insert stores the pair in the first free slot. It returns false if the pair
// is already present or the bucket is full.
func (b *BucketPage[K, V]) Insert(key K, value V, order Order[K]) bool {
	free := -1
	for i := 0; i < b.capacity; i++ {
		if !b.IsReadable(i) {
			if free < 0 {
				free = i
			}
			if !b.IsOccupied(i) {
				break
			}
			continue
		}
		if b.values[i] == value && order(b.keys[i], key) == 0 {
			return false
		}
	}
	if free < 0 {
		return false
	}
	b.keys[free], b.values[free] = key, value
	b.setBit(b.occupied, free)
	b.setBit(b.readable, free)
	return true
}

// Remove deletes the first slot holding the exact pair.
func (b *BucketPage[K, V]) Remove(key K, value V, order Order[K]) bool {
	for i := 0; i < b.capacity && b.IsOccupied(i); i++ {
		if b.IsReadable(i) && b.values[i] == value && order(b.keys[i], key) == 0 {
			b.RemoveAt(i)
			return true
		}
	}
	return false
}

func (b *BucketPage[K, V]) KeyAt(i int) K   { return b.keys[i] }
func (b *BucketPage[K, V]) ValueAt(i int) V { return b.values[i] }

// RemoveAt clears the readable bit of slot i. The slot stays occupied.
func (b *BucketPage[K, V]) RemoveAt(i int) {
	var zk K
	var zv V
	b.keys[i], b.values[i] = zk, zv
	b.readable[i/8] &^= 1 << (i % 8)
}

func (b *BucketPage[K, V]) IsOccupied(i int) bool { return b.occupied[i/8]&(1<<(i%8)) != 0 }
func (b *BucketPage[K, V]) IsReadable(i int) bool { return b.readable[i/8]&(1<<(i%8)) != 0 }

func (b *BucketPage[K, V]) setBit(bitmap []byte, i int) { bitmap[i/8] |= 1 << (i % 8) }

// NumReadable returns the number of pairs stored.
func (b *BucketPage[K, V]) NumReadable() int {
	n := 0
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			n++
		}
	}
	return n
}

func (b *BucketPage[K, V]) IsFull() bool  { return b.NumReadable() == b.capacity }
func (b *BucketPage[K, V]) IsEmpty() bool { return b.NumReadable() == 0 }
func (b *BucketPage[K, V]) Capacity() int { return b.capacity }
