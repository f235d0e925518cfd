package hashindex

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
)

// Order compares two keys and returns -1, 0 or 1.
type Order[K any] func(a, b K) int

// HashFunc maps a key to the 32 bits the directory is indexed by.
type HashFunc[K any] func(K) uint32

// FieldSerializer converts one fixed-width field to and from bytes. Serialize
// may return fewer than Size bytes; the slot is zero padded.
type FieldSerializer[T any] struct {
	Size        int
	Serialize   func(T) ([]byte, error)
	Deserialize func([]byte) (T, error)
}

// KeyValueSerializer defines functions to serialize/deserialize keys and values.
type KeyValueSerializer[K any, V any] struct {
	Key   FieldSerializer[K]
	Value FieldSerializer[V]
}

// PairSize is the number of bytes one key/value slot takes in a bucket page.
func (s KeyValueSerializer[K, V]) PairSize() int { return s.Key.Size + s.Value.Size }

func (s KeyValueSerializer[K, V]) validate() error {
	if s.Key.Size <= 0 || s.Value.Size <= 0 {
		return fmt.Errorf("key and value sizes must be positive, got %d and %d", s.Key.Size, s.Value.Size)
	}
	if s.Key.Serialize == nil || s.Key.Deserialize == nil || s.Value.Serialize == nil || s.Value.Deserialize == nil {
		return fmt.Errorf("all key/value serializers must be provided")
	}
	if BucketArraySize(s.PairSize()) < 1 {
		return fmt.Errorf("pair size %d does not fit a bucket page", s.PairSize())
	}
	return nil
}

// putField serializes v into dst, which is exactly f.Size bytes.
func putField[T any](f FieldSerializer[T], dst []byte, v T) error {
	raw, err := f.Serialize(v)
	if err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
	}
	if len(raw) > f.Size {
		return fmt.Errorf("%w: field is %d bytes, slot holds %d", flushmanager.ErrSerialization, len(raw), f.Size)
	}
	copy(dst, raw)
	clear(dst[len(raw):])
	return nil
}

func getField[T any](f FieldSerializer[T], src []byte) (T, error) {
	v, err := f.Deserialize(src)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", flushmanager.ErrDeserialization, err)
	}
	return v, nil
}

// DefaultKeyOrder orders any cmp.Ordered key type.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// XXHash hashes the key's serialized form with xxhash and keeps the low 32 bits.
// A key that f cannot serialize hashes like the all-zero slot. The table
// rejects such keys before hashing them.
func XXHash[K any](f FieldSerializer[K]) HashFunc[K] {
	return func(key K) uint32 {
		buf := make([]byte, f.Size)
		if err := putField(f, buf, key); err != nil {
			clear(buf)
		}
		return uint32(xxhash.Sum64(buf))
	}
}

// --- Built-in field serializers ---

// Int64Field stores an int64 little-endian in 8 bytes.
func Int64Field() FieldSerializer[int64] {
	return FieldSerializer[int64]{
		Size: 8,
		Serialize: func(k int64) ([]byte, error) {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(k))
			return buf, nil
		},
		Deserialize: func(data []byte) (int64, error) {
			if len(data) < 8 {
				return 0, fmt.Errorf("int64 data must be 8 bytes, got %d", len(data))
			}
			return int64(binary.LittleEndian.Uint64(data)), nil
		},
	}
}

// StringField stores strings of up to width bytes, zero padded. Strings
// containing NUL bytes do not round-trip.
func StringField(width int) FieldSerializer[string] {
	return FieldSerializer[string]{
		Size: width,
		Serialize: func(s string) ([]byte, error) {
			if len(s) > width {
				return nil, fmt.Errorf("string of %d bytes exceeds width %d", len(s), width)
			}
			return []byte(s), nil
		},
		Deserialize: func(data []byte) (string, error) {
			if i := bytes.IndexByte(data, 0); i >= 0 {
				data = data[:i]
			}
			return string(data), nil
		},
	}
}

// RID identifies a tuple by page and slot.
type RID struct {
	PageID  pagemanager.PageID
	SlotNum uint32
}

func RIDField() FieldSerializer[RID] {
	return FieldSerializer[RID]{
		Size: 8,
		Serialize: func(r RID) ([]byte, error) {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
			binary.LittleEndian.PutUint32(buf[4:8], r.SlotNum)
			return buf, nil
		},
		Deserialize: func(data []byte) (RID, error) {
			if len(data) < 8 {
				return RID{}, fmt.Errorf("rid data must be 8 bytes, got %d", len(data))
			}
			return RID{
				PageID:  pagemanager.PageID(int32(binary.LittleEndian.Uint32(data[0:4]))),
				SlotNum: binary.LittleEndian.Uint32(data[4:8]),
			}, nil
		},
	}
}
