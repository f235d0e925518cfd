package memtable

import (
	"container/list" // For LRU
	"sync"
)

// Replacer tracks frames that are eligible for eviction and picks victims among them.
type Replacer interface {
	// Victim removes and returns the frame to evict, or false if none is eligible.
	Victim() (int, bool)
	// Pin removes a frame from eligibility.
	Pin(frameID int)
	// Unpin makes a frame eligible for eviction.
	Unpin(frameID int)
	// Size returns the number of eligible frames.
	Size() int
}

// LRUReplacer evicts the frame that was unpinned least recently.
// Recency is recorded on unpin only; re-unpinning a tracked frame does not refresh it.
type LRUReplacer struct {
	mu       sync.Mutex
	capacity int
	lruList  *list.List            // front = most recently unpinned, values are frame ids
	lruMap   map[int]*list.Element // frame id -> element in lruList
}

// NewLRUReplacer creates a replacer that tracks at most capacity frames.
func NewLRUReplacer(capacity int) *LRUReplacer {
	return &LRUReplacer{
		capacity: capacity,
		lruList:  list.New(),
		lruMap:   make(map[int]*list.Element, capacity),
	}
}

func (r *LRUReplacer) Victim() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	back := r.lruList.Back()
	if back == nil {
		return -1, false
	}
	frameID := r.lruList.Remove(back).(int)
	delete(r.lruMap, frameID)
	return frameID, true
}

func (r *LRUReplacer) Pin(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.lruMap[frameID]; ok {
		r.lruList.Remove(elem)
		delete(r.lruMap, frameID)
	}
}

// Unpin makes frameID evictable. A replacer already tracking capacity frames
// ignores the call and the frame is never chosen as a victim. The buffer pool
// sizes its replacer to its frame count, so it never reaches that case.
func (r *LRUReplacer) Unpin(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lruMap[frameID]; ok {
		return
	}
	if r.lruList.Len() >= r.capacity {
		return
	}
	r.lruMap[frameID] = r.lruList.PushFront(frameID)
}

func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lruList.Len()
}
