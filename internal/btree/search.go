// search.go implements in-page binary search and root-to-leaf descent.
package btree

import "fmt"

// searchNode binary-searches mp for key, honoring the page prefix (stored
// keys are prefix-stripped, so the query is stripped before comparing).
// Branch pages skip slot 0, whose implicit key sorts before everything.
// Returns the smallest slot whose key is greater or equal to the query;
// idx == numKeys means no such slot.
func (b *Btree) searchNode(mp *mpage, key []byte) (idx int, exact bool) {
	low := 0
	if mp.page.isBranch() {
		low = 1
	}
	high := mp.page.numKeys() - 1

	i, rc := 0, 0
	for low <= high {
		i = (low + high) / 2

		rc = cmpStripped(key, mp.page.node(i).key(), &mp.prefix)
		if rc == 0 {
			break
		}
		if rc > 0 {
			low = i + 1
		} else {
			high = i - 1
		}
	}

	if rc > 0 { // found entry is less than the key
		i++
	}

	return i, rc == 0
}

// searchPageRoot descends from root to the leaf that bounds key, fixing up
// each child's parent back-reference and effective prefix on entry. A nil
// key descends along slot 0 to the leftmost leaf. With modify set, every
// page on the path is touched (copy-on-write) so the caller may mutate the
// leaf. If cursor is non-nil the visited pages are pushed on its stack.
func (b *Btree) searchPageRoot(root *mpage, key []byte, cursor *Cursor, modify bool) (*mpage, error) {
	if cursor != nil {
		cursor.pushPage(root)
	}

	mp := root
	for mp.page.isBranch() {
		var i int
		if key != nil {
			var exact bool
			i, exact = b.searchNode(mp, key)
			if i >= mp.page.numKeys() {
				i = mp.page.numKeys() - 1
			} else if !exact {
				i--
			}
		}

		if cursor != nil {
			cursor.top().ki = i
		}

		child, err := b.getMpage(mp.page.node(i).pgno())
		if err != nil {
			return nil, err
		}
		child.parent = mp
		child.parentIndex = i
		findCommonPrefix(child)

		if cursor != nil {
			cursor.pushPage(child)
		}

		if modify {
			child = b.mpageTouch(child)
		}

		mp = child
	}

	if !mp.page.isLeaf() {
		return nil, fmt.Errorf("%w: page %d is not a leaf", ErrCorrupted, mp.pgno)
	}

	return mp, nil
}

// searchPage locates the leaf page bounding key under the transaction's
// root. With modify set the descent reallocates page numbers top-down and
// the new root is recorded on the transaction.
func (b *Btree) searchPage(t *Txn, key []byte, cursor *Cursor, modify bool) (*mpage, error) {
	if t.poisoned {
		return nil, ErrTxnFailed
	}
	if modify && t.rdonly {
		return nil, ErrReadOnly
	}

	root := t.root
	if root == pInvalid { // the tree is empty
		return nil, ErrKeyNotFound
	}

	mp, err := b.getMpage(root)
	if err != nil {
		return nil, err
	}

	// The root has no bounding separators: no parent, no prefix.
	mp.parent = nil
	mp.prefix.n = 0

	if modify && !mp.dirty {
		mp = b.mpageTouch(mp)
		t.root = mp.pgno
	}

	return b.searchPageRoot(mp, key, cursor, modify)
}

// readData materializes the value of a leaf node into a fresh caller-owned
// slice, following the overflow chain for big-data nodes.
func (b *Btree) readData(leaf node) ([]byte, error) {
	if leaf.flags()&fBigData == 0 {
		data := make([]byte, leaf.dsize())
		copy(data, leaf.data())

		return data, nil
	}

	// Read overflow data.
	data := make([]byte, 0, leaf.dsize())
	max := int(b.head.psize) - pageHdrSize

	next := leaf.overflowPgno()
	for len(data) < leaf.dsize() {
		omp, err := b.getMpage(next)
		if err != nil {
			return nil, err
		}
		if !omp.page.isOverflow() {
			return nil, fmt.Errorf("%w: page %d is not an overflow page", ErrCorrupted, next)
		}

		sz := leaf.dsize() - len(data)
		if sz > max {
			sz = max
		}
		data = append(data, omp.page.body()[:sz]...)
		next = omp.page.nextPgno()
	}

	return data, nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	b := t.bt

	mp, err := b.searchPage(t, key, nil, false)
	if err != nil {
		return nil, err
	}

	idx, exact := b.searchNode(mp, key)
	if idx >= mp.page.numKeys() || !exact {
		b.mpagePrune()
		return nil, ErrKeyNotFound
	}

	data, err := b.readData(mp.page.node(idx))
	b.mpagePrune()
	if err != nil {
		return nil, err
	}

	return data, nil
}
