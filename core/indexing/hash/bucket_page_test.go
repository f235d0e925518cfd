package hashindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/hashstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/hashstore/core/write_engine/page_manager"
)

func int64Serializer() KeyValueSerializer[int64, int64] {
	return KeyValueSerializer[int64, int64]{Key: Int64Field(), Value: Int64Field()}
}

func TestBucketArraySize(t *testing.T) {
	assert.Equal(t, 252, BucketArraySize(16))
	assert.Equal(t, 63, BucketArraySize(64))

	for _, pair := range []int{8, 16, 24, 64, 200} {
		n := BucketArraySize(pair)
		assert.LessOrEqual(t, 2*bitmapSize(n)+n*pair, pagemanager.PageSize, "pair size %d", pair)
	}
}

func TestBucketPage_InsertGetRemove(t *testing.T) {
	b := newBucketPage[int64, int64](BucketArraySize(16))
	order := DefaultKeyOrder[int64]

	assert.True(t, b.Insert(1, 10, order))
	assert.True(t, b.Insert(1, 11, order))
	assert.False(t, b.Insert(1, 10, order), "exact duplicate pair is rejected")
	assert.True(t, b.Insert(2, 20, order))

	assert.ElementsMatch(t, []int64{10, 11}, b.GetValue(1, order))
	assert.Empty(t, b.GetValue(3, order))
	assert.Equal(t, 3, b.NumReadable())

	assert.True(t, b.Remove(1, 10, order))
	assert.False(t, b.Remove(1, 10, order))
	assert.Equal(t, []int64{11}, b.GetValue(1, order))

	// The removed slot is still occupied, and is reused by the next insert.
	assert.True(t, b.IsOccupied(0))
	assert.False(t, b.IsReadable(0))
	assert.True(t, b.Insert(5, 50, order))
	assert.True(t, b.IsReadable(0))
	assert.Equal(t, int64(5), b.KeyAt(0))
	assert.Equal(t, int64(50), b.ValueAt(0))
}

func TestBucketPage_Full(t *testing.T) {
	b := newBucketPage[int64, int64](BucketArraySize(16))
	order := DefaultKeyOrder[int64]
	for i := 0; i < b.Capacity(); i++ {
		require.True(t, b.Insert(int64(i), int64(i), order))
	}
	assert.True(t, b.IsFull())
	assert.False(t, b.Insert(999, 999, order))

	for i := 0; i < b.Capacity(); i++ {
		require.True(t, b.Remove(int64(i), int64(i), order))
	}
	assert.True(t, b.IsEmpty())
}

func TestBucketPage_EncodeDecode(t *testing.T) {
	s := int64Serializer()
	order := DefaultKeyOrder[int64]
	b := newBucketPage[int64, int64](BucketArraySize(s.PairSize()))
	for i := int64(0); i < 10; i++ {
		require.True(t, b.Insert(i, i*100, order))
	}
	require.True(t, b.Remove(3, 300, order))

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, b.encode(buf, s))

	got, err := decodeBucketPage(buf, s)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Empty(t, got.GetValue(3, order))
	assert.Equal(t, []int64{700}, got.GetValue(7, order))
}

func TestBucketPage_ZeroPageIsEmpty(t *testing.T) {
	got, err := decodeBucketPage(make([]byte, pagemanager.PageSize), int64Serializer())
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.Equal(t, 252, got.Capacity())
}

func TestBucketPage_StringFields(t *testing.T) {
	s := KeyValueSerializer[string, string]{Key: StringField(8), Value: StringField(8)}
	b := newBucketPage[string, string](BucketArraySize(s.PairSize()))
	order := DefaultKeyOrder[string]
	require.True(t, b.Insert("apple", "red", order))

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, b.encode(buf, s))
	got, err := decodeBucketPage(buf, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"red"}, got.GetValue("apple", order))

	require.True(t, b.Insert("toolongkey", "x", order))
	assert.ErrorIs(t, b.encode(buf, s), flushmanager.ErrSerialization)
}

func TestRIDField(t *testing.T) {
	f := RIDField()
	rid := RID{PageID: 42, SlotNum: 7}
	raw, err := f.Serialize(rid)
	require.NoError(t, err)
	got, err := f.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, rid, got)
}

func TestXXHash_UnserializableKeyHashesZeroSlot(t *testing.T) {
	hash := XXHash(StringField(8))
	assert.Equal(t, hash(""), hash("much too long for eight"))
	assert.NotEqual(t, hash(""), hash("apple"))
	assert.Equal(t, hash("apple"), hash("apple"))
}
