package btree

import (
	"fmt"
	"strings"

	"github.com/dblab/storagecore/internal/page"
)

// String renders a indented dump of the tree's structure, adapted from
// the teacher's stringRecursive debug helper, for use in test failure
// messages.
func (t *BTree[K, V]) String() string {
	if t.IsEmpty() {
		return "<empty tree>"
	}
	id, err := t.rootID()
	if err != nil {
		return fmt.Sprintf("<error reading header page: %v>", err)
	}
	var b strings.Builder
	t.dump(&b, id, 0)
	return b.String()
}

func (t *BTree[K, V]) dump(b *strings.Builder, id page.ID, depth int) {
	guard, err := t.pool.FetchRead(id)
	if err != nil {
		fmt.Fprintf(b, "%s<error reading page %d: %v>\n", strings.Repeat("  ", depth), id, err)
		return
	}
	pg := guard.Page()
	if t.pageType(pg) == leafNode {
		leaf, err := t.loadLeaf(pg)
		if err != nil {
			guard.Release()
			fmt.Fprintf(b, "%s<error decoding leaf %d: %v>\n", strings.Repeat("  ", depth), id, err)
			return
		}
		keys := make([]K, len(leaf.entries))
		for i, e := range leaf.entries {
			keys[i] = e.Key
		}
		guard.Release()
		fmt.Fprintf(b, "%sleaf[%d] %v -> next=%d\n", strings.Repeat("  ", depth), id, keys, leaf.next)
		return
	}
	internal, err := t.loadInternal(pg)
	if err != nil {
		guard.Release()
		fmt.Fprintf(b, "%s<error decoding internal %d: %v>\n", strings.Repeat("  ", depth), id, err)
		return
	}
	children := make([]page.ID, len(internal.entries))
	for i, e := range internal.entries {
		children[i] = e.Child
	}
	guard.Release()
	fmt.Fprintf(b, "%sinternal[%d]\n", strings.Repeat("  ", depth), id)
	for _, c := range children {
		t.dump(b, c, depth+1)
	}
}

// Height returns the number of levels from root to leaf, inclusive.
func (t *BTree[K, V]) Height() int {
	if t.IsEmpty() {
		return 0
	}
	height := 1
	id, err := t.rootID()
	if err != nil {
		return height
	}
	for {
		guard, err := t.pool.FetchRead(id)
		if err != nil {
			return height
		}
		if t.pageType(guard.Page()) == leafNode {
			guard.Release()
			return height
		}
		internal, err := t.loadInternal(guard.Page())
		if err != nil {
			guard.Release()
			return height
		}
		id = internal.entries[0].Child
		guard.Release()
		height++
	}
}
