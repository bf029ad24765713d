package btree

import (
	"encoding/binary"

	"github.com/dblab/storagecore/internal/page"
)

// internalEntry pairs a separator key with the page id of the child
// subtree containing keys >= that separator. Slot 0's Key is a
// placeholder (never compared against) whose Child is the leftmost
// subtree, matching BusTub's internal-page convention.
type internalEntry[K any] struct {
	Key   K
	Child page.ID
}

// internalPage is the decoded, in-memory view of an internal B+Tree page.
type internalPage[K any] struct {
	maxSize int
	entries []internalEntry[K]
}

func decodeInternal[K any](data []byte, kc Codec[K]) (*internalPage[K], error) {
	if err := verifyChecksum(data); err != nil {
		return nil, err
	}
	_, size, max := readHeader(data)
	width := kc.Size + 8
	entries := make([]internalEntry[K], size)
	off := internalDataStart
	for i := 0; i < size; i++ {
		entries[i] = internalEntry[K]{
			Key:   kc.Decode(data[off : off+kc.Size]),
			Child: page.ID(binary.BigEndian.Uint64(data[off+kc.Size : off+width])),
		}
		off += width
	}
	return &internalPage[K]{maxSize: max, entries: entries}, nil
}

func (n *internalPage[K]) encode(data []byte, kc Codec[K]) {
	width := kc.Size + 8
	writeHeader(data, internalNode, len(n.entries), n.maxSize)
	off := internalDataStart
	for _, e := range n.entries {
		kc.Encode(e.Key, data[off:off+kc.Size])
		binary.BigEndian.PutUint64(data[off+kc.Size:off+width], uint64(e.Child))
		off += width
	}
	writeChecksum(data)
}

func (n *internalPage[K]) size() int { return len(n.entries) }
func (n *internalPage[K]) isFull() bool { return len(n.entries) >= n.maxSize }
func (n *internalPage[K]) minSize() int { return (n.maxSize + 1) / 2 }

// lookup returns the index of the child subtree that should contain key,
// using cmp to compare against separators in entries[1:].
func (n *internalPage[K]) lookup(key K, cmp Comparator[K]) int {
	// entries[0] has no real key; search entries[1:] for the last
	// separator <= key, walking down that child.
	idx := 0
	for i := 1; i < len(n.entries); i++ {
		if cmp(n.entries[i].Key, key) <= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func (n *internalPage[K]) insertAt(i int, e internalEntry[K]) {
	n.entries = append(n.entries, internalEntry[K]{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *internalPage[K]) removeAt(i int) {
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
}

// leafEntry pairs a key with its stored value.
type leafEntry[K, V any] struct {
	Key   K
	Value V
}

// leafPage is the decoded, in-memory view of a leaf B+Tree page.
type leafPage[K, V any] struct {
	maxSize int
	next    page.ID
	entries []leafEntry[K, V]
}

func decodeLeaf[K, V any](data []byte, kc Codec[K], vc Codec[V]) (*leafPage[K, V], error) {
	if err := verifyChecksum(data); err != nil {
		return nil, err
	}
	_, size, max := readHeader(data)
	next := leafNextPageID(data)
	width := kc.Size + vc.Size
	entries := make([]leafEntry[K, V], size)
	off := leafDataStart
	for i := 0; i < size; i++ {
		entries[i] = leafEntry[K, V]{
			Key:   kc.Decode(data[off : off+kc.Size]),
			Value: vc.Decode(data[off+kc.Size : off+width]),
		}
		off += width
	}
	return &leafPage[K, V]{maxSize: max, next: next, entries: entries}, nil
}

func (n *leafPage[K, V]) encode(data []byte, kc Codec[K], vc Codec[V]) {
	width := kc.Size + vc.Size
	writeHeader(data, leafNode, len(n.entries), n.maxSize)
	setLeafNextPageID(data, n.next)
	off := leafDataStart
	for _, e := range n.entries {
		kc.Encode(e.Key, data[off:off+kc.Size])
		vc.Encode(e.Value, data[off+kc.Size:off+width])
		off += width
	}
	writeChecksum(data)
}

func (n *leafPage[K, V]) size() int     { return len(n.entries) }
func (n *leafPage[K, V]) isFull() bool  { return len(n.entries) >= n.maxSize }
func (n *leafPage[K, V]) minSize() int  { return (n.maxSize + 1) / 2 }

// find returns the index of key in entries and true, or the insertion
// point and false if key is absent.
func (n *leafPage[K, V]) find(key K, cmp Comparator[K]) (int, bool) {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(n.entries[mid].Key, key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

func (n *leafPage[K, V]) insertAt(i int, e leafEntry[K, V]) {
	n.entries = append(n.entries, leafEntry[K, V]{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *leafPage[K, V]) removeAt(i int) {
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
}
