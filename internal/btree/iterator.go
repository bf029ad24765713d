package btree

// Iterator walks leaf entries in ascending key order, following the
// leaf chain's next-page links. Unlike BusTub's C++ iterator, which
// compares against a sentinel End() iterator, this type exposes Valid()
// directly — Go has no iterator-comparison operator to lean on.
type Iterator[K any, V any] struct {
	tree *BTree[K, V]
	leaf *leafPage[K, V]
	pos  int
	done bool
	err  error
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *BTree[K, V]) Begin() *Iterator[K, V] {
	if t.IsEmpty() {
		return &Iterator[K, V]{tree: t, done: true}
	}
	root, err := t.rootID()
	if err != nil {
		return &Iterator[K, V]{tree: t, done: true, err: err}
	}
	guard, err := t.pool.FetchRead(root)
	if err != nil {
		return &Iterator[K, V]{tree: t, done: true, err: err}
	}
	for t.pageType(guard.Page()) != leafNode {
		internal, err := t.loadInternal(guard.Page())
		if err != nil {
			guard.Release()
			return &Iterator[K, V]{tree: t, done: true, err: err}
		}
		childID := internal.entries[0].Child
		next, err := t.pool.FetchRead(childID)
		guard.Release()
		if err != nil {
			return &Iterator[K, V]{tree: t, done: true, err: err}
		}
		guard = next
	}
	leaf, err := t.loadLeaf(guard.Page())
	guard.Release()
	if err != nil {
		return &Iterator[K, V]{tree: t, done: true, err: err}
	}
	it := &Iterator[K, V]{tree: t, leaf: leaf}
	if leaf.size() == 0 {
		it.done = true
	}
	return it
}

// BeginAt returns an iterator positioned at the smallest key >= key.
func (t *BTree[K, V]) BeginAt(key K) *Iterator[K, V] {
	if t.IsEmpty() {
		return &Iterator[K, V]{tree: t, done: true}
	}
	root, err := t.rootID()
	if err != nil {
		return &Iterator[K, V]{tree: t, done: true, err: err}
	}
	guard, err := t.pool.FetchRead(root)
	if err != nil {
		return &Iterator[K, V]{tree: t, done: true, err: err}
	}
	for t.pageType(guard.Page()) != leafNode {
		internal, err := t.loadInternal(guard.Page())
		if err != nil {
			guard.Release()
			return &Iterator[K, V]{tree: t, done: true, err: err}
		}
		childID := internal.entries[internal.lookup(key, t.cmp)].Child
		next, err := t.pool.FetchRead(childID)
		guard.Release()
		if err != nil {
			return &Iterator[K, V]{tree: t, done: true, err: err}
		}
		guard = next
	}
	leaf, err := t.loadLeaf(guard.Page())
	guard.Release()
	if err != nil {
		return &Iterator[K, V]{tree: t, done: true, err: err}
	}

	pos, _ := leaf.find(key, t.cmp)
	for pos >= leaf.size() {
		if leaf.next == 0 {
			return &Iterator[K, V]{tree: t, done: true}
		}
		g, err := t.pool.FetchRead(leaf.next)
		if err != nil {
			return &Iterator[K, V]{tree: t, done: true, err: err}
		}
		leaf, err = t.loadLeaf(g.Page())
		g.Release()
		if err != nil {
			return &Iterator[K, V]{tree: t, done: true, err: err}
		}
		pos = 0
	}
	return &Iterator[K, V]{tree: t, leaf: leaf, pos: pos}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator[K, V]) Valid() bool { return !it.done && it.err == nil }

// Err returns any error encountered while positioning the iterator.
func (it *Iterator[K, V]) Err() error { return it.err }

// Key returns the current entry's key. Valid() must be true.
func (it *Iterator[K, V]) Key() K { return it.leaf.entries[it.pos].Key }

// Value returns the current entry's value. Valid() must be true.
func (it *Iterator[K, V]) Value() V { return it.leaf.entries[it.pos].Value }

// Next advances to the following entry, crossing into the next leaf page
// via the leaf chain if the current leaf is exhausted.
func (it *Iterator[K, V]) Next() {
	if it.done {
		return
	}
	it.pos++
	if it.pos < it.leaf.size() {
		return
	}
	if it.leaf.next == 0 {
		it.done = true
		return
	}
	g, err := it.tree.pool.FetchRead(it.leaf.next)
	if err != nil {
		it.done = true
		it.err = err
		return
	}
	leaf, err := it.tree.loadLeaf(g.Page())
	g.Release()
	if err != nil {
		it.done = true
		it.err = err
		return
	}
	it.leaf = leaf
	it.pos = 0
	if it.leaf.size() == 0 {
		it.done = true
	}
}
