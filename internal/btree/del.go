// del.go implements deletion and the structural repairs that follow it:
// moving single nodes between siblings, merging pages, and collapsing the
// root. A page becomes a rebalance candidate when its fill factor drops
// below a quarter of the usable bytes.
package btree

import "fmt"

// Del removes key, returning the prior value, or ErrKeyNotFound.
func (t *Txn) Del(key []byte) ([]byte, error) {
	if err := t.check(true); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	b := t.bt

	mp, err := b.searchPage(t, key, nil, true)
	if err != nil {
		return nil, err
	}

	idx, exact := b.searchNode(mp, key)
	if idx >= mp.page.numKeys() || !exact {
		b.mpagePrune()
		return nil, ErrKeyNotFound
	}

	old, err := b.readData(mp.page.node(idx))
	if err != nil {
		return nil, err
	}

	mp.delNode(idx)
	b.meta.entries--

	if err := b.rebalance(mp); err != nil {
		t.poison()
		b.mpagePrune()

		return nil, fmt.Errorf("%w: rebalance: %v", ErrTxnFailed, err)
	}

	b.mpagePrune()

	return old, nil
}

// rebalance restores the tree invariants around an underfull page: borrow a
// node from a healthy sibling, or merge with it and recurse into the
// parent. At the root, an empty leaf empties the tree and a single-child
// branch collapses into its child.
func (b *Btree) rebalance(mp *mpage) error {
	if mp.page.fill() >= fillThreshold {
		return nil
	}

	parent := mp.parent

	if parent == nil {
		if mp.page.numKeys() == 0 {
			b.txn.root = pInvalid
			b.meta.depth--
			b.meta.leafPages--
		} else if mp.page.isBranch() && mp.page.numKeys() == 1 {
			b.txn.root = mp.page.node(0).pgno()
			root, err := b.getMpage(b.txn.root)
			if err != nil {
				return err
			}
			root.parent = nil
			b.meta.depth--
			b.meta.branchPages--
		}

		return nil
	}

	// Pick a neighbor: the right sibling when this page is leftmost in
	// its parent, otherwise the left sibling.
	var (
		neighbor *mpage
		si, di   int
		err      error
	)
	if mp.parentIndex == 0 {
		neighbor, err = b.getMpage(parent.page.node(mp.parentIndex + 1).pgno())
		if err != nil {
			return err
		}
		neighbor.parentIndex = mp.parentIndex + 1
		si = 0
		di = mp.page.numKeys()
	} else {
		neighbor, err = b.getMpage(parent.page.node(mp.parentIndex - 1).pgno())
		if err != nil {
			return err
		}
		neighbor.parentIndex = mp.parentIndex - 1
		si = neighbor.page.numKeys() - 1
		di = 0
	}
	neighbor.parent = parent

	// A healthy neighbor with keys to spare donates one node. Otherwise
	// merge: the leftmost page absorbs its right neighbor, every other
	// page folds into its left neighbor.
	if neighbor.page.fill() >= fillThreshold && neighbor.page.numKeys() >= 2 {
		return b.moveNode(neighbor, si, mp, di)
	}
	if mp.parentIndex == 0 {
		return b.merge(neighbor, mp)
	}

	return b.merge(mp, neighbor)
}

// lowestLeaf descends along slot 0 from mp to the leftmost leaf below it,
// which holds the real key behind a branch's implicit slot 0.
func (b *Btree) lowestLeaf(mp *mpage) (*mpage, error) {
	return b.searchPageRoot(mp, nil, nil, false)
}

// fullKey reconstructs the full key of slot indx on mp, resolving a branch
// slot 0 through its leftmost leaf descendant.
func (b *Btree) fullKey(mp *mpage, indx int, out *btkey) error {
	if indx == 0 && mp.page.isBranch() {
		low, err := b.lowestLeaf(mp)
		if err != nil {
			return err
		}
		expandPrefix(low, 0, out)

		return nil
	}

	expandPrefix(mp, indx, out)

	return nil
}

// reapplyPrefix recomputes mp's effective prefix and, when it changed,
// rewrites every stored key accordingly.
func (b *Btree) reapplyPrefix(mp *mpage) error {
	old := mp.prefix
	findCommonPrefix(mp)
	if mp.prefix.n == old.n {
		return nil
	}

	delta := mp.prefix.n - old.n
	var fell []byte
	if delta < 0 {
		fell = old.str[mp.prefix.n:old.n]
	}

	return b.adjustPrefix(mp, delta, fell)
}

// moveNode moves the node at src slot srcindx to dst slot dstindx,
// preserving separator and prefix invariants on both pages, their parents,
// and (for branches) the moved child.
func (b *Btree) moveNode(src *mpage, srcindx int, dst *mpage, dstindx int) error {
	findCommonPrefix(src)

	srcnode := src.page.node(srcindx)

	// A moved branch node may change the prefix of the page it points to.
	var (
		child       *mpage
		childOldPfx btkey
	)
	if src.page.isBranch() {
		var err error
		if child, err = b.getMpage(srcnode.pgno()); err != nil {
			return err
		}
		child.parent = src
		child.parentIndex = srcindx
		findCommonPrefix(child)
		childOldPfx = child.prefix
	}

	// Mark src and dst as dirty.
	src = b.mpageTouch(src)
	dst = b.mpageTouch(dst)
	srcnode = src.page.node(srcindx)

	findCommonPrefix(dst)

	// Reconstruct the moving node's full key.
	var moved btkey
	if err := b.fullKey(src, srcindx, &moved); err != nil {
		return err
	}

	// If the incoming key shares less than the destination's current
	// prefix, the destination must shrink its prefix on every node first.
	var common btkey
	commonPrefix(&moved, &dst.prefix, &common)
	if common.n != dst.prefix.n {
		old := dst.prefix
		if err := b.adjustPrefix(dst, common.n-old.n, old.str[common.n:old.n]); err != nil {
			return err
		}
		dst.prefix = common
	}

	// When a branch gains a node at slot 0, the former implicit child
	// shifts to slot 1 and needs its real separator back.
	if dstindx == 0 && dst.page.isBranch() && dst.page.numKeys() > 0 {
		child0, err := b.getMpage(dst.page.node(0).pgno())
		if err != nil {
			return err
		}
		child0.parent = dst
		child0.parentIndex = 0
		findCommonPrefix(child0)

		var lowKey btkey
		if err := b.fullKey(dst, 0, &lowKey); err != nil {
			return err
		}
		if err := dst.updateKey(0, stripPrefix(lowKey.bytes(), dst.prefix.n)); err != nil {
			return err
		}
	}

	// Insert on the destination with its prefix stripped, then delete
	// from the source.
	var data btval
	if src.page.isLeaf() {
		data = btval{data: srcnode.data(), size: srcnode.dsize()}
	}
	if err := b.addNode(dst, dstindx, stripPrefix(moved.bytes(), dst.prefix.n), data, srcnode.pgno(), srcnode.flags()); err != nil {
		return err
	}

	src.delNode(srcindx)

	// Update the parent separators where slot 0 changed.
	var tmp btkey
	if srcindx == 0 && src.parentIndex != 0 {
		if err := b.fullKey(src, 0, &tmp); err != nil {
			return err
		}
		if err := src.parent.updateKey(src.parentIndex, stripPrefix(tmp.bytes(), src.parent.prefix.n)); err != nil {
			return err
		}
	}
	if srcindx == 0 && src.page.isBranch() {
		if err := src.updateKey(0, nil); err != nil {
			return err
		}
	}
	if dstindx == 0 && dst.parentIndex != 0 {
		if err := b.fullKey(dst, 0, &tmp); err != nil {
			return err
		}
		if err := dst.parent.updateKey(dst.parentIndex, stripPrefix(tmp.bytes(), dst.parent.prefix.n)); err != nil {
			return err
		}
	}
	if dstindx == 0 && dst.page.isBranch() {
		if err := dst.updateKey(0, nil); err != nil {
			return err
		}
	}

	// Both pages can end up with new prefixes; rewrite their keys.
	if err := b.reapplyPrefix(src); err != nil {
		return err
	}
	if err := b.reapplyPrefix(dst); err != nil {
		return err
	}

	// Fix the moved child's prefix under its new parent.
	if dst.page.isBranch() && child != nil {
		child.parent = dst
		child.parentIndex = dstindx
		findCommonPrefix(child)
		if child.prefix.n != childOldPfx.n {
			child = b.mpageTouch(child)

			delta := child.prefix.n - childOldPfx.n
			var fell []byte
			if delta < 0 {
				fell = childOldPfx.str[child.prefix.n:childOldPfx.n]
			}
			if err := b.adjustPrefix(child, delta, fell); err != nil {
				return err
			}
		}
	}

	return nil
}

// merge folds every node of src into dst, unlinks src from its parent, and
// rebalances the parent.
func (b *Btree) merge(src, dst *mpage) error {
	// Mark src and dst as dirty.
	src = b.mpageTouch(src)
	dst = b.mpageTouch(dst)

	findCommonPrefix(src)
	findCommonPrefix(dst)

	// The destination prefix must cover the incoming keys; shrink it to
	// the common prefix of both pages first.
	var common btkey
	commonPrefix(&src.prefix, &dst.prefix, &common)
	if common.n != dst.prefix.n {
		old := dst.prefix
		if err := b.adjustPrefix(dst, common.n-old.n, old.str[common.n:old.n]); err != nil {
			return err
		}
		dst.prefix = common
	}

	// Move all nodes from src to dst.
	var full btkey
	for i := 0; i < src.page.numKeys(); i++ {
		srcnode := src.page.node(i)

		if err := b.fullKey(src, i, &full); err != nil {
			return err
		}

		var data btval
		if src.page.isLeaf() {
			data = btval{data: srcnode.data(), size: srcnode.dsize()}
		}
		if err := b.addNode(dst, dst.page.numKeys(), stripPrefix(full.bytes(), dst.prefix.n), data, srcnode.pgno(), srcnode.flags()); err != nil {
			return err
		}
	}

	// Unlink src from its parent.
	parent := src.parent
	parent.delNode(src.parentIndex)
	if src.parentIndex == 0 {
		if err := parent.updateKey(0, nil); err != nil {
			return err
		}
	}

	if src.page.isLeaf() {
		b.meta.leafPages--
	} else {
		b.meta.branchPages--
	}

	return b.rebalance(parent)
}
