// Package replacer implements the LRU-K frame eviction policy used by the
// buffer pool: frames with fewer than K recorded accesses are evicted in
// plain FIFO order ahead of any frame that has reached K accesses, and
// frames that have reached K accesses are evicted in order of largest
// backward K-distance (i.e. least recently used by their K-th most recent
// access).
package replacer

import (
	"container/list"
	"fmt"
	"sync"
)

// FrameID identifies a buffer pool frame.
type FrameID int

type node struct {
	frame      FrameID
	history    []uint64 // most recent access first, capped at k
	evictable  bool
}

// kthTimestamp returns the node's K-th most recent access timestamp,
// or 0 if it has fewer than K accesses (meaning: not yet in the "cache"
// pool, infinite backward distance).
func (n *node) kthTimestamp(k int) uint64 {
	if len(n.history) < k {
		return 0
	}
	return n.history[k-1]
}

// LRUKReplacer tracks which frames are eligible for eviction and chooses
// a victim using the LRU-K heuristic.
type LRUKReplacer struct {
	mu sync.Mutex

	k         int
	size      int // replacer capacity, i.e. number of frames it can track
	evictable int // count of frames currently marked evictable

	nodes map[FrameID]*node

	young   *list.List // FIFO of frames with < k accesses
	youngEl map[FrameID]*list.Element

	mature   *list.List // sorted ascending by kthTimestamp (oldest/most-evictable first)
	matureEl map[FrameID]*list.Element

	clock uint64
}

// New creates a replacer that can track up to numFrames frames, evicting
// by K-distance once a frame has k recorded accesses.
func New(numFrames, k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:        k,
		size:     numFrames,
		nodes:    make(map[FrameID]*node),
		young:    list.New(),
		youngEl:  make(map[FrameID]*list.Element),
		mature:   list.New(),
		matureEl: make(map[FrameID]*list.Element),
	}
}

// RecordAccess registers that frame was just accessed, advancing the
// replacer's logical clock.
func (r *LRUKReplacer) RecordAccess(frame FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(frame) > r.size {
		return fmt.Errorf("replacer: frame id %d exceeds replacer size %d", frame, r.size)
	}
	r.clock++

	n, ok := r.nodes[frame]
	if !ok {
		n = &node{frame: frame}
		r.nodes[frame] = n
		n.history = append(n.history, r.clock)
		el := r.young.PushBack(frame)
		r.youngEl[frame] = el
		return nil
	}

	n.history = append([]uint64{r.clock}, n.history...)
	if len(n.history) > r.k {
		n.history = n.history[:r.k]
	}
	kth := n.kthTimestamp(r.k)

	if el, inYoung := r.youngEl[frame]; inYoung {
		if kth != 0 {
			r.young.Remove(el)
			delete(r.youngEl, frame)
			r.insertMature(n)
		}
		return nil
	}

	// Already mature: reposition by new K-distance.
	if el, inMature := r.matureEl[frame]; inMature {
		r.mature.Remove(el)
		delete(r.matureEl, frame)
	}
	r.insertMature(n)
	return nil
}

// insertMature inserts n into the mature list, kept sorted ascending by
// K-th-most-recent timestamp so the front of the list is the next victim.
func (r *LRUKReplacer) insertMature(n *node) {
	kth := n.kthTimestamp(r.k)
	for e := r.mature.Front(); e != nil; e = e.Next() {
		other := r.nodes[e.Value.(FrameID)]
		if kth < other.kthTimestamp(r.k) {
			el := r.mature.InsertBefore(n.frame, e)
			r.matureEl[n.frame] = el
			return
		}
	}
	el := r.mature.PushBack(n.frame)
	r.matureEl[n.frame] = el
}

// SetEvictable marks frame as evictable or pinned, adjusting the
// replacer's evictable count.
func (r *LRUKReplacer) SetEvictable(frame FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[frame]
	if !ok {
		return
	}
	if n.evictable && !evictable {
		n.evictable = false
		r.evictable--
	} else if !n.evictable && evictable {
		n.evictable = true
		r.evictable++
	}
}

// Evict selects a victim frame: the oldest evictable entry in the young
// (FIFO, < k accesses) pool if one exists, else the evictable entry with
// the largest backward K-distance in the mature pool. It returns false if
// no frame is evictable.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evictable == 0 {
		return 0, false
	}

	for e := r.young.Front(); e != nil; e = e.Next() {
		frame := e.Value.(FrameID)
		if !r.nodes[frame].evictable {
			continue
		}
		r.young.Remove(e)
		delete(r.youngEl, frame)
		delete(r.nodes, frame)
		r.evictable--
		return frame, true
	}

	for e := r.mature.Front(); e != nil; e = e.Next() {
		frame := e.Value.(FrameID)
		if !r.nodes[frame].evictable {
			continue
		}
		r.mature.Remove(e)
		delete(r.matureEl, frame)
		delete(r.nodes, frame)
		r.evictable--
		return frame, true
	}
	return 0, false
}

// Remove erases a frame's access history entirely, dropping it from the
// evictable count if it was evictable. The buffer pool calls it for an
// unpinned (evictable) frame when that frame's page is deleted. Removing
// a frame that is not tracked is a no-op.
func (r *LRUKReplacer) Remove(frame FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[frame]
	if !ok {
		return
	}
	if el, inYoung := r.youngEl[frame]; inYoung {
		r.young.Remove(el)
		delete(r.youngEl, frame)
	}
	if el, inMature := r.matureEl[frame]; inMature {
		r.mature.Remove(el)
		delete(r.matureEl, frame)
	}
	if n.evictable {
		r.evictable--
	}
	delete(r.nodes, frame)
}

// Size returns the number of frames currently marked evictable.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictable
}
