package btree

import (
	"context"

	"github.com/dblab/storagecore/internal/buffer"
	"github.com/dblab/storagecore/internal/disk"
	"github.com/dblab/storagecore/internal/page"
)

// Delete removes key from the tree, borrowing from or merging with a
// sibling when a node falls below its minimum occupancy, and collapsing
// the root when it is left with a single child. Grounded on BusTub's
// Remove/MergeOrRedistribute/FindSibling/RootAdjust, which the teacher's
// own deleteRecursive never implemented.
//
// Like Insert, this holds a write guard on the header page across the
// whole operation, released only once no ancestor up to and including the
// root can still change (the same "proven safe" point releaseAllButLast
// already tracks for the rest of the path), or once a root collapse has
// written the new root pointer.
func (t *BTree[K, V]) Delete(key K) error {
	headerGuard, err := t.pool.FetchWrite(disk.HeaderPageID)
	if err != nil {
		return err
	}
	rootID := disk.DecodeRootPageID(headerGuard.Page().Data())
	if rootID == page.InvalidID {
		headerGuard.Release()
		return ErrKeyNotFound
	}

	headerHeld := true
	releaseHeader := func() {
		if headerHeld {
			headerGuard.Release()
			headerHeld = false
		}
	}

	var stack []buffer.WriteGuard
	guard, err := t.pool.FetchWrite(rootID)
	if err != nil {
		releaseHeader()
		return err
	}
	stack = append(stack, guard)

	for t.pageType(stack[len(stack)-1].Page()) != leafNode {
		top := stack[len(stack)-1]
		internal, err := t.loadInternal(top.Page())
		if err != nil {
			releaseAll(stack)
			releaseHeader()
			return err
		}
		childIdx := internal.lookup(key, t.cmp)
		childID := internal.entries[childIdx].Child
		child, err := t.pool.FetchWrite(childID)
		if err != nil {
			releaseAll(stack)
			releaseHeader()
			return err
		}
		stack = append(stack, child)
		safe, err := t.childSafeForDelete(child)
		if err != nil {
			releaseAll(stack)
			releaseHeader()
			return err
		}
		if safe {
			releaseAllButLast(&stack)
			releaseHeader()
		}
	}

	leafGuard := stack[len(stack)-1]
	leaf, err := t.loadLeaf(leafGuard.Page())
	if err != nil {
		releaseAll(stack)
		releaseHeader()
		return err
	}
	idx, ok := leaf.find(key, t.cmp)
	if !ok {
		releaseAll(stack)
		releaseHeader()
		return ErrKeyNotFound
	}
	leaf.removeAt(idx)

	if len(stack) == 1 {
		// Leaf is also the root: no minimum occupancy to enforce.
		if leaf.size() == 0 {
			id := leafGuard.Page().ID()
			leafGuard.Release()
			t.pool.DeletePage(id)
			disk.EncodeRootPageID(headerGuard.Page().Data(), page.InvalidID)
			releaseHeader()
			return nil
		}
		leaf.encode(leafGuard.Page().Data(), t.kc, t.vc)
		leafGuard.Release()
		releaseHeader()
		return nil
	}

	if leaf.size() >= leaf.minSize() {
		leaf.encode(leafGuard.Page().Data(), t.kc, t.vc)
		leafGuard.Release()
		for i := 0; i < len(stack)-1; i++ {
			stack[i].Release()
		}
		releaseHeader()
		return nil
	}

	return t.fixLeafUnderflow(headerGuard, releaseHeader, stack, leaf)
}

func (t *BTree[K, V]) childSafeForDelete(g buffer.WriteGuard) (bool, error) {
	pg := g.Page()
	if t.pageType(pg) == leafNode {
		leaf, err := t.loadLeaf(pg)
		if err != nil {
			return false, err
		}
		return leaf.size()-1 >= leaf.minSize(), nil
	}
	n, err := t.loadInternal(pg)
	if err != nil {
		return false, err
	}
	return n.size()-1 >= n.minSize(), nil
}

func releaseAll(stack []buffer.WriteGuard) {
	for i := range stack {
		stack[i].Release()
	}
}

func releaseAllButLast(stack *[]buffer.WriteGuard) {
	s := *stack
	for i := 0; i < len(s)-1; i++ {
		s[i].Release()
	}
	*stack = s[len(s)-1:]
}

func indexOfChild[K any](parent *internalPage[K], id page.ID) int {
	for i, e := range parent.entries {
		if e.Child == id {
			return i
		}
	}
	return -1
}

// fixLeafUnderflow handles an underfull leaf at the top of stack by
// borrowing from or merging with a sibling, then propagates any resulting
// internal-node underflow up through the remaining stack. headerGuard is
// still held by the caller (Delete); releaseHeader must be called on
// every exit path, exactly like the ancestor guards in stack.
func (t *BTree[K, V]) fixLeafUnderflow(headerGuard buffer.WriteGuard, releaseHeader func(), stack []buffer.WriteGuard, leaf *leafPage[K, V]) error {
	leafGuard := stack[len(stack)-1]
	parentGuard := stack[len(stack)-2]
	parent, err := t.loadInternal(parentGuard.Page())
	if err != nil {
		releaseAll(stack)
		releaseHeader()
		return err
	}
	pos := indexOfChild(parent, leafGuard.Page().ID())

	var siblingPos int
	var siblingIsLeft bool
	if pos > 0 {
		siblingPos, siblingIsLeft = pos-1, true
	} else {
		siblingPos, siblingIsLeft = pos+1, false
	}
	siblingGuard, err := t.pool.FetchWrite(parent.entries[siblingPos].Child)
	if err != nil {
		releaseAll(stack)
		releaseHeader()
		return err
	}
	sibling, err := t.loadLeaf(siblingGuard.Page())
	if err != nil {
		siblingGuard.Release()
		releaseAll(stack)
		releaseHeader()
		return err
	}

	if sibling.size()+leaf.size() <= t.leafMaxSize {
		// Merge: combine into whichever page is the left one, drop the
		// separator that pointed at the right page, and deallocate it.
		var left, right *leafPage[K, V]
		var leftGuard, rightGuard buffer.WriteGuard
		var dropIdx int
		if siblingIsLeft {
			left, right = sibling, leaf
			leftGuard, rightGuard = siblingGuard, leafGuard
			dropIdx = pos
		} else {
			left, right = leaf, sibling
			leftGuard, rightGuard = leafGuard, siblingGuard
			dropIdx = siblingPos
		}
		left.entries = append(left.entries, right.entries...)
		left.next = right.next
		left.encode(leftGuard.Page().Data(), t.kc, t.vc)
		rightID := rightGuard.Page().ID()
		rightGuard.Release()
		leftGuard.Release()
		t.pool.DeletePage(rightID)
		t.metrics.Merges.Add(context.Background(), 1)

		parent.removeAt(dropIdx)
		return t.fixInternalAfterChange(headerGuard, releaseHeader, stack[:len(stack)-1], parent)
	}

	// Redistribute: move one entry across from sibling, then fix the
	// separator key in the parent so it still reflects the split point.
	if siblingIsLeft {
		n := len(sibling.entries)
		moved := sibling.entries[n-1]
		sibling.entries = sibling.entries[:n-1]
		leaf.insertAt(0, moved)
		parent.entries[pos].Key = leaf.entries[0].Key
	} else {
		moved := sibling.entries[0]
		sibling.entries = sibling.entries[1:]
		leaf.insertAt(leaf.size(), moved)
		parent.entries[siblingPos].Key = sibling.entries[0].Key
	}
	t.metrics.Borrows.Add(context.Background(), 1)

	leaf.encode(leafGuard.Page().Data(), t.kc, t.vc)
	sibling.encode(siblingGuard.Page().Data(), t.kc, t.vc)
	parent.encode(parentGuard.Page().Data(), t.kc)
	leafGuard.Release()
	siblingGuard.Release()
	parentGuard.Release()
	for i := 0; i < len(stack)-2; i++ {
		stack[i].Release()
	}
	releaseHeader()
	return nil
}

// fixInternalAfterChange re-encodes parent (the node at the top of
// stack, which just had an entry removed by a child merge) and, if it
// has fallen below minimum occupancy, recursively borrows/merges it with
// one of its own siblings, or collapses the root if it is left with a
// single child. headerGuard is released once the root either collapses
// (the new root pointer has been written) or is proven not to need to
// change.
func (t *BTree[K, V]) fixInternalAfterChange(headerGuard buffer.WriteGuard, releaseHeader func(), stack []buffer.WriteGuard, node *internalPage[K]) error {
	guard := stack[len(stack)-1]

	if len(stack) == 1 {
		if node.size() == 1 {
			onlyChild := node.entries[0].Child
			id := guard.Page().ID()
			guard.Release()
			t.pool.DeletePage(id)
			disk.EncodeRootPageID(headerGuard.Page().Data(), onlyChild)
			releaseHeader()
			return nil
		}
		node.encode(guard.Page().Data(), t.kc)
		guard.Release()
		releaseHeader()
		return nil
	}

	if node.size() >= node.minSize() {
		node.encode(guard.Page().Data(), t.kc)
		guard.Release()
		for i := 0; i < len(stack)-1; i++ {
			stack[i].Release()
		}
		releaseHeader()
		return nil
	}

	parentGuard := stack[len(stack)-2]
	parent, err := t.loadInternal(parentGuard.Page())
	if err != nil {
		releaseAll(stack)
		releaseHeader()
		return err
	}
	pos := indexOfChild(parent, guard.Page().ID())

	var siblingPos int
	var siblingIsLeft bool
	if pos > 0 {
		siblingPos, siblingIsLeft = pos-1, true
	} else {
		siblingPos, siblingIsLeft = pos+1, false
	}
	siblingGuard, err := t.pool.FetchWrite(parent.entries[siblingPos].Child)
	if err != nil {
		releaseAll(stack)
		releaseHeader()
		return err
	}
	sibling, err := t.loadInternal(siblingGuard.Page())
	if err != nil {
		siblingGuard.Release()
		releaseAll(stack)
		releaseHeader()
		return err
	}

	if sibling.size()+node.size() <= t.internalMaxSize {
		var left, right *internalPage[K]
		var leftGuard, rightGuard buffer.WriteGuard
		var dropIdx, sepIdx int
		if siblingIsLeft {
			left, right = sibling, node
			leftGuard, rightGuard = siblingGuard, guard
			dropIdx, sepIdx = pos, pos
		} else {
			left, right = node, sibling
			leftGuard, rightGuard = guard, siblingGuard
			dropIdx, sepIdx = siblingPos, siblingPos
		}
		right.entries[0].Key = parent.entries[sepIdx].Key
		left.entries = append(left.entries, right.entries...)
		left.encode(leftGuard.Page().Data(), t.kc)
		rightID := rightGuard.Page().ID()
		rightGuard.Release()
		leftGuard.Release()
		t.pool.DeletePage(rightID)
		t.metrics.Merges.Add(context.Background(), 1)

		parent.removeAt(dropIdx)
		return t.fixInternalAfterChange(headerGuard, releaseHeader, stack[:len(stack)-1], parent)
	}

	if siblingIsLeft {
		n := len(sibling.entries)
		moved := sibling.entries[n-1]
		sibling.entries = sibling.entries[:n-1]
		pulled := parent.entries[pos].Key
		parent.entries[pos].Key = moved.Key
		node.entries[0].Key = pulled
		node.insertAt(0, moved)
	} else {
		moved := sibling.entries[0]
		sibling.entries = sibling.entries[1:]
		moved.Key = parent.entries[siblingPos].Key
		parent.entries[siblingPos].Key = sibling.entries[0].Key
		node.insertAt(node.size(), moved)
	}
	t.metrics.Borrows.Add(context.Background(), 1)

	node.encode(guard.Page().Data(), t.kc)
	sibling.encode(siblingGuard.Page().Data(), t.kc)
	parent.encode(parentGuard.Page().Data(), t.kc)
	guard.Release()
	siblingGuard.Release()
	parentGuard.Release()
	for i := 0; i < len(stack)-2; i++ {
		stack[i].Release()
	}
	releaseHeader()
	return nil
}
