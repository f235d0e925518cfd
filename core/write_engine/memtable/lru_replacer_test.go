package memtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLRUReplacer_VictimOrder follows the classic sequence: six unpins, one of
// them repeated, three victims, then pins and a late unpin.
func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(7)

	for _, f := range []int{1, 2, 3, 4, 5, 6, 1} {
		r.Unpin(f)
	}
	require.Equal(t, 6, r.Size(), "duplicate unpin must not add a second entry")

	for _, want := range []int{1, 2, 3} {
		got, ok := r.Victim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	r.Pin(3) // already evicted, no-op
	r.Pin(4)
	assert.Equal(t, 2, r.Size())

	r.Unpin(4)
	for _, want := range []int{5, 6, 4} {
		got, ok := r.Victim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := r.Victim()
	assert.False(t, ok, "empty replacer has no victim")
	assert.Equal(t, 0, r.Size())
}

// TestLRUReplacer_UnpinDoesNotRefresh checks that unpinning a frame that is
// already tracked keeps its original position.
func TestLRUReplacer_UnpinDoesNotRefresh(t *testing.T) {
	r := NewLRUReplacer(3)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(1)

	got, ok := r.Victim()
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestLRUReplacer_Capacity(t *testing.T) {
	r := NewLRUReplacer(2)
	r.Unpin(0)
	r.Unpin(1)
	r.Unpin(2)
	assert.Equal(t, 2, r.Size())

	// The frame past capacity was never tracked.
	for _, want := range []int{0, 1} {
		got, ok := r.Victim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := r.Victim()
	assert.False(t, ok)
}

func TestLRUReplacer_PinUnknownFrame(t *testing.T) {
	r := NewLRUReplacer(2)
	r.Pin(9)
	assert.Equal(t, 0, r.Size())
}

func TestLRUReplacer_Concurrent(t *testing.T) {
	const frames = 64
	r := NewLRUReplacer(frames)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for f := g; f < frames; f += 8 {
				r.Unpin(f)
				r.Pin(f)
				r.Unpin(f)
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, frames, r.Size())

	seen := make(map[int]bool)
	for {
		f, ok := r.Victim()
		if !ok {
			break
		}
		assert.False(t, seen[f], "frame %d returned twice", f)
		seen[f] = true
	}
	assert.Len(t, seen, frames)
}
