// Package btree implements a disk-backed B+Tree index with hand-over-hand
// latch crabbing for concurrent access, backed by the buffer package's
// pool manager.
package btree

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/dblab/storagecore/internal/buffer"
	"github.com/dblab/storagecore/internal/disk"
	"github.com/dblab/storagecore/internal/page"
)

// ErrKeyNotFound is returned by Get/Delete when the key is absent.
var ErrKeyNotFound = errors.New("btree: key not found")

// ErrKeyExists is returned by Insert when the key is already present.
var ErrKeyExists = errors.New("btree: key already exists")

// Metrics bundles the counters/gauges the tree emits.
type Metrics struct {
	Splits  metric.Int64Counter
	Merges  metric.Int64Counter
	Borrows metric.Int64Counter
	Height  metric.Int64Gauge
}

// NewMetrics registers the tree's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.Splits, err = meter.Int64Counter("btree_split_total"); err != nil {
		return nil, err
	}
	if m.Merges, err = meter.Int64Counter("btree_merge_total"); err != nil {
		return nil, err
	}
	if m.Borrows, err = meter.Int64Counter("btree_borrow_total"); err != nil {
		return nil, err
	}
	if m.Height, err = meter.Int64Gauge("btree_height"); err != nil {
		return nil, err
	}
	return m, nil
}

// BTree is a generic, disk-backed B+Tree keyed by K with values V. K must
// be ordered by the Options.Comparator and both K and V must have a
// fixed-width Codec.
type BTree[K any, V any] struct {
	pool *buffer.PoolManager
	mgr  *disk.Manager
	cmp  Comparator[K]
	kc   Codec[K]
	vc   Codec[V]

	internalMaxSize int
	leafMaxSize     int

	log     *zap.Logger
	metrics *Metrics
}

// Options configures a new or reopened tree.
type Options[K any, V any] struct {
	Comparator      Comparator[K]
	KeyCodec        Codec[K]
	ValueCodec      Codec[V]
	InternalMaxSize int // 0 selects the page-size-derived default
	LeafMaxSize     int
	Logger          *zap.Logger
	Metrics         *Metrics
}

// New wires a BTree to an already-open pool and disk manager. A freshly
// created file needs no extra setup: its header page records no root, so
// the first Insert creates one.
func New[K any, V any](pool *buffer.PoolManager, mgr *disk.Manager, opts Options[K, V]) *BTree[K, V] {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &BTree[K, V]{
		pool:    pool,
		mgr:     mgr,
		cmp:     opts.Comparator,
		kc:      opts.KeyCodec,
		vc:      opts.ValueCodec,
		log:     log.Named("btree"),
		metrics: opts.Metrics,
	}
	if t.metrics == nil {
		t.metrics, _ = NewMetrics(noop.NewMeterProvider().Meter(""))
	}
	t.internalMaxSize = opts.InternalMaxSize
	if t.internalMaxSize == 0 {
		t.internalMaxSize = entryCapacity(internalDataStart, t.kc.Size+8)
	}
	t.leafMaxSize = opts.LeafMaxSize
	if t.leafMaxSize == 0 {
		t.leafMaxSize = entryCapacity(leafDataStart, t.kc.Size+t.vc.Size)
	}
	return t
}

// rootID returns the current root page ID via a momentary read guard on
// the header page. It gives no stability guarantee once it returns — it
// exists for read-only traversal helpers (the iterator, the debug dump)
// that don't need the root to stay fixed across multiple steps. Insert
// and Delete instead hold their own write guard on disk.HeaderPageID until
// the root can no longer change (see the comment on Insert), and Get holds
// a read guard on it until the root page is pinned.
func (t *BTree[K, V]) rootID() (page.ID, error) {
	g, err := t.pool.FetchRead(disk.HeaderPageID)
	if err != nil {
		return page.InvalidID, err
	}
	defer g.Release()
	return disk.DecodeRootPageID(g.Page().Data()), nil
}

// IsEmpty reports whether the tree has no root yet.
func (t *BTree[K, V]) IsEmpty() bool {
	id, err := t.rootID()
	return err != nil || id == page.InvalidID
}

func (t *BTree[K, V]) loadLeaf(pg *page.Page) (*leafPage[K, V], error) {
	return decodeLeaf[K, V](pg.Data(), t.kc, t.vc)
}

func (t *BTree[K, V]) loadInternal(pg *page.Page) (*internalPage[K], error) {
	return decodeInternal[K](pg.Data(), t.kc)
}

func (t *BTree[K, V]) pageType(pg *page.Page) nodeType {
	typ, _, _ := readHeader(pg.Data())
	return typ
}

// Get returns the value stored for key, or ErrKeyNotFound. It holds a
// read guard on the header page until a guard is pinned on the root
// itself, the same hand-over-hand latching used descending the rest of
// the tree, so a concurrent root replacement can't be observed half-done.
func (t *BTree[K, V]) Get(key K) (V, error) {
	var zero V
	headerGuard, err := t.pool.FetchRead(disk.HeaderPageID)
	if err != nil {
		return zero, err
	}
	rootID := disk.DecodeRootPageID(headerGuard.Page().Data())
	if rootID == page.InvalidID {
		headerGuard.Release()
		return zero, ErrKeyNotFound
	}

	guard, err := t.pool.FetchRead(rootID)
	headerGuard.Release()
	if err != nil {
		return zero, err
	}
	for {
		pg := guard.Page()
		if t.pageType(pg) == leafNode {
			leaf, err := t.loadLeaf(pg)
			if err != nil {
				guard.Release()
				return zero, err
			}
			idx, ok := leaf.find(key, t.cmp)
			guard.Release()
			if !ok {
				return zero, ErrKeyNotFound
			}
			return leaf.entries[idx].Value, nil
		}
		internal, err := t.loadInternal(pg)
		if err != nil {
			guard.Release()
			return zero, err
		}
		childID := internal.entries[internal.lookup(key, t.cmp)].Child
		next, err := t.pool.FetchRead(childID)
		guard.Release()
		if err != nil {
			return zero, err
		}
		guard = next
	}
}

// Insert adds key/value to the tree, creating the root if the tree is
// empty, and splitting nodes along the insertion path as needed. It
// returns ErrKeyExists if key is already present.
//
// The header page (disk.HeaderPageID) is fetched with a write guard and
// held across the whole empty-check-and-create, exactly like every other
// ancestor on the insertion path: it is only released once a descendant
// is proven safe (won't propagate a split up to it), or — if the root
// itself ends up splitting — once makeNewRoot has written the new root
// pointer. Without this, two concurrent inserts against an empty tree can
// each observe no root, each allocate a leaf, and race on which one's
// root pointer sticks, silently orphaning the other's write.
func (t *BTree[K, V]) Insert(key K, value V) error {
	headerGuard, err := t.pool.FetchWrite(disk.HeaderPageID)
	if err != nil {
		return err
	}
	rootID := disk.DecodeRootPageID(headerGuard.Page().Data())
	if rootID == page.InvalidID {
		return t.startNewTree(headerGuard, key, value)
	}

	headerHeld := true
	releaseHeader := func() {
		if headerHeld {
			headerGuard.Release()
			headerHeld = false
		}
	}

	var stack []buffer.WriteGuard
	releaseAbove := func(keep int) {
		for len(stack) > keep {
			stack[len(stack)-1].Release()
			stack = stack[:len(stack)-1]
		}
	}

	guard, err := t.pool.FetchWrite(rootID)
	if err != nil {
		releaseHeader()
		return err
	}
	stack = append(stack, guard)

	for {
		top := &stack[len(stack)-1]
		pg := top.Page()
		if t.pageType(pg) == leafNode {
			leaf, err := t.loadLeaf(pg)
			if err != nil {
				releaseAbove(0)
				releaseHeader()
				return err
			}
			idx, ok := leaf.find(key, t.cmp)
			if ok {
				releaseAbove(0)
				releaseHeader()
				return fmt.Errorf("%w: %v", ErrKeyExists, key)
			}
			leaf.insertAt(idx, leafEntry[K, V]{Key: key, Value: value})
			if leaf.size() < leaf.maxSize {
				leaf.encode(pg.Data(), t.kc, t.vc)
				releaseAbove(0)
				releaseHeader()
				return nil
			}
			return t.splitLeafAndBubbleUp(headerGuard, releaseHeader, stack, leaf)
		}

		internal, err := t.loadInternal(pg)
		if err != nil {
			releaseAbove(0)
			releaseHeader()
			return err
		}
		childIdx := internal.lookup(key, t.cmp)
		childID := internal.entries[childIdx].Child
		child, err := t.pool.FetchWrite(childID)
		if err != nil {
			releaseAbove(0)
			releaseHeader()
			return err
		}

		wouldSplit, err := t.childWouldSplit(child)
		if err != nil {
			releaseAbove(0)
			releaseHeader()
			return err
		}
		childSafe := !wouldSplit
		if childSafe {
			releaseAbove(0)
			releaseHeader()
		}
		stack = append(stack, child)
	}
}

func (t *BTree[K, V]) childWouldSplit(g buffer.WriteGuard) (bool, error) {
	pg := g.Page()
	if t.pageType(pg) == leafNode {
		leaf, err := t.loadLeaf(pg)
		if err != nil {
			return false, err
		}
		return leaf.size()+1 >= t.leafMaxSize, nil
	}
	internal, err := t.loadInternal(pg)
	if err != nil {
		return false, err
	}
	return internal.size()+1 >= t.internalMaxSize, nil
}

// startNewTree allocates the tree's first page, a leaf holding the one
// entry, and records it as the root. headerGuard must already be held by
// the caller (across the whole empty-check-and-create); startNewTree
// releases it once the new root pointer is written.
func (t *BTree[K, V]) startNewTree(headerGuard buffer.WriteGuard, key K, value V) error {
	g, err := t.pool.NewWrite()
	if err != nil {
		headerGuard.Release()
		return err
	}
	leaf := &leafPage[K, V]{maxSize: t.leafMaxSize, next: page.InvalidID}
	leaf.insertAt(0, leafEntry[K, V]{Key: key, Value: value})
	leaf.encode(g.Page().Data(), t.kc, t.vc)
	id := g.Page().ID()
	g.Release()
	disk.EncodeRootPageID(headerGuard.Page().Data(), id)
	headerGuard.Release()
	return nil
}

// splitLeafAndBubbleUp splits an overfull leaf (the top of stack) and
// propagates a new separator up through stack's ancestors, splitting them
// in turn if they overflow, finally creating a new root if the existing
// root split. releaseHeader releases the header guard once it's clear the
// root pointer itself won't need to change (see insertIntoParent/makeNewRoot).
func (t *BTree[K, V]) splitLeafAndBubbleUp(headerGuard buffer.WriteGuard, releaseHeader func(), stack []buffer.WriteGuard, leaf *leafPage[K, V]) error {
	leafGuard := stack[len(stack)-1]
	mid := leaf.minSize()
	newLeaf := &leafPage[K, V]{maxSize: t.leafMaxSize, next: leaf.next}
	newLeaf.entries = append(newLeaf.entries, leaf.entries[mid:]...)
	leaf.entries = leaf.entries[:mid]

	newGuard, err := t.pool.NewWrite()
	if err != nil {
		return err
	}
	leaf.next = newGuard.Page().ID()
	newLeaf.encode(newGuard.Page().Data(), t.kc, t.vc)
	leaf.encode(leafGuard.Page().Data(), t.kc, t.vc)
	t.metrics.Splits.Add(context.Background(), 1)

	separator := newLeaf.entries[0].Key
	rightChild := newGuard.Page().ID()
	newGuard.Release()
	leafGuard.Release()

	return t.insertIntoParent(headerGuard, releaseHeader, stack[:len(stack)-1], separator, rightChild)
}

// insertIntoParent inserts (separator, rightChild) into the parent at the
// top of stack, recursively splitting internal pages and finally creating
// a new root when stack is empty (the old root just split).
func (t *BTree[K, V]) insertIntoParent(headerGuard buffer.WriteGuard, releaseHeader func(), stack []buffer.WriteGuard, separator K, rightChild page.ID) error {
	if len(stack) == 0 {
		return t.makeNewRoot(headerGuard, releaseHeader, separator, rightChild)
	}

	parentGuard := stack[len(stack)-1]
	parent, err := t.loadInternal(parentGuard.Page())
	if err != nil {
		for i := range stack {
			stack[i].Release()
		}
		releaseHeader()
		return err
	}
	idx := parent.lookup(separator, t.cmp) + 1
	parent.insertAt(idx, internalEntry[K]{Key: separator, Child: rightChild})

	if parent.size() < parent.maxSize {
		parent.encode(parentGuard.Page().Data(), t.kc)
		parentGuard.Release()
		for i := 0; i < len(stack)-1; i++ {
			stack[i].Release()
		}
		releaseHeader()
		return nil
	}

	mid := parent.minSize()
	pushUp := parent.entries[mid].Key
	newInternal := &internalPage[K]{maxSize: t.internalMaxSize}
	newInternal.entries = append(newInternal.entries, parent.entries[mid:]...)
	parent.entries = parent.entries[:mid]

	newGuard, err := t.pool.NewWrite()
	if err != nil {
		return err
	}
	newInternal.encode(newGuard.Page().Data(), t.kc)
	parent.encode(parentGuard.Page().Data(), t.kc)
	t.metrics.Splits.Add(context.Background(), 1)

	rightPageID := newGuard.Page().ID()
	newGuard.Release()
	parentGuard.Release()

	return t.insertIntoParent(headerGuard, releaseHeader, stack[:len(stack)-1], pushUp, rightPageID)
}

// makeNewRoot builds a fresh internal root with two children: the old
// root (now the left child) and rightChild, separated by separator. The
// caller still holds headerGuard; makeNewRoot writes the new root pointer
// into it and releases it.
func (t *BTree[K, V]) makeNewRoot(headerGuard buffer.WriteGuard, releaseHeader func(), separator K, rightChild page.ID) error {
	oldRoot := disk.DecodeRootPageID(headerGuard.Page().Data())
	g, err := t.pool.NewWrite()
	if err != nil {
		releaseHeader()
		return err
	}
	root := &internalPage[K]{maxSize: t.internalMaxSize}
	var zero K
	root.entries = append(root.entries, internalEntry[K]{Key: zero, Child: oldRoot})
	root.entries = append(root.entries, internalEntry[K]{Key: separator, Child: rightChild})
	root.encode(g.Page().Data(), t.kc)
	id := g.Page().ID()
	g.Release()
	disk.EncodeRootPageID(headerGuard.Page().Data(), id)
	releaseHeader()
	return nil
}
