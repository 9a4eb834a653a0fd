// put.go implements insertion and page splitting.
package btree

import (
	"errors"
	"fmt"
)

// Put stores value under key, overwriting any existing entry.
func (t *Txn) Put(key, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	b := t.bt

	var (
		mp        *mpage
		ki        int
		overwrote bool
	)

	mp, err := b.searchPage(t, key, nil, true)
	switch {
	case err == nil:
		var exact bool
		ki, exact = b.searchNode(mp, key)
		if ki < mp.page.numKeys() && exact {
			// Same semantics as an overwrite: drop the old node first.
			mp.delNode(ki)
			overwrote = true
		}
		if ki > mp.page.numKeys() {
			ki = mp.page.numKeys()
		}
	case errors.Is(err, ErrKeyNotFound):
		// Empty tree: start with a root leaf page.
		if mp, err = b.newPage(pLeaf); err != nil {
			t.poison()
			return err
		}
		t.root = mp.pgno
		b.meta.depth++
		ki = 0
	default:
		return err
	}

	data := btval{data: value, size: len(value)}

	if mp.page.sizeLeft() < b.leafSize(key, data) {
		err = b.split(&mp, &ki, key, &data, pInvalid)
	} else {
		// There is room already in this leaf page.
		err = b.addNode(mp, ki, stripPrefix(key, mp.prefix.n), data, 0, 0)
	}

	if err != nil {
		t.poison()
		b.mpagePrune()

		return fmt.Errorf("%w: put: %v", ErrTxnFailed, err)
	}

	if !overwrote {
		b.meta.entries++
	}
	b.mpagePrune()

	return nil
}

// split divides the page *mpp in two and inserts (newkey, newdata|newpgno)
// at index *newindxp as if the page had not been split. The separator is
// pushed into the parent, recursively splitting it when full. On return
// *mpp and *newindxp identify where the new entry actually landed. newkey
// is a full (unstripped) key.
func (b *Btree) split(mpp **mpage, newindxp *int, newkey []byte, newdata *btval, newpgno pgno) error {
	mp := *mpp
	newindx := *newindxp

	origPrefix := mp.prefix

	if mp.parent == nil {
		// Splitting the root: grow the tree with a fresh branch root
		// whose slot 0 carries the implicit low key.
		parent, err := b.newPage(pBranch)
		if err != nil {
			return err
		}
		mp.parent = parent
		mp.parentIndex = 0
		b.txn.root = parent.pgno
		b.meta.depth++

		if err := b.addNode(parent, 0, nil, btval{}, mp.pgno, 0); err != nil {
			return err
		}
	}

	// Create a right sibling.
	pright, err := b.newPage(mp.page.flags())
	if err != nil {
		return err
	}
	pright.parent = mp.parent
	pright.parentIndex = mp.parentIndex + 1

	// Keep the original entries in a scratch copy and clear the page.
	scratch := make(page, len(mp.page))
	copy(scratch, mp.page)
	mp.page.init(mp.pgno, mp.page.flags())

	splitIndx := scratch.numKeys()/2 + 1
	isLeaf := mp.page.isLeaf()

	// Find the separator between the split pages. If the new entry lands
	// exactly on the split index it is its own separator.
	var sepkey []byte
	if newindx == splitIndx {
		sepkey = stripPrefix(newkey, origPrefix.n)
	} else {
		sepkey = scratch.node(splitIndx).key()
	}

	if isLeaf {
		// Shrink the separator to the shortest string that still
		// separates the siblings (prefix B-trees, Bayer & Unterauer).
		sepkey = reduceSeparator(scratch.node(splitIndx-1).key(), sepkey)
	}

	var sepFull btkey
	n := copy(sepFull.str[:], origPrefix.bytes())
	n += copy(sepFull.str[n:], sepkey)
	sepFull.n = n

	// Push the separator into the parent.
	if pright.parent.page.sizeLeft() < b.branchSize(sepFull.bytes()) {
		pp, pi := pright.parent, pright.parentIndex
		err = b.split(&pp, &pi, sepFull.bytes(), nil, pright.pgno)
		pright.parent, pright.parentIndex = pp, pi
		if err != nil {
			return err
		}

		// The right page may have moved under a new parent page; check
		// whether the left page moved with it.
		if pright.parent != mp.parent && mp.parentIndex >= mp.parent.page.numKeys() {
			mp.parent = pright.parent
			mp.parentIndex = pright.parentIndex - 1
		}
	} else {
		stored := stripPrefix(sepFull.bytes(), pright.parent.prefix.n)
		if err := b.addNode(pright.parent, pright.parentIndex, stored, btval{}, pright.pgno, 0); err != nil {
			return err
		}
	}

	// Both siblings may have new prefixes now that the parent changed.
	findCommonPrefix(pright)
	findCommonPrefix(mp)

	// Redistribute the original entries plus the new one over the two
	// siblings, applying each sibling's new prefix.
	var full btkey
	insNew := false
	for i, j := 0, 0; ; j++ {
		var p *mpage
		if i < splitIndx {
			p = mp
		} else {
			if i == splitIndx {
				// Reset the insert index for the right sibling.
				j = 0
				if i == newindx && insNew {
					j = 1
				}
			}
			p = pright
		}

		var (
			rkey  []byte
			rdata btval
			rpgno pgno
			rflag uint8
		)

		if i == newindx && !insNew {
			// Insert the entry that caused the split.
			rkey = newkey
			if isLeaf {
				rdata = *newdata
			} else {
				rpgno = newpgno
			}
			insNew = true

			*newindxp = j
			*mpp = p
		} else if i == scratch.numKeys() {
			break
		} else {
			nd := scratch.node(i)
			n := copy(full.str[:], origPrefix.bytes())
			n += copy(full.str[n:], nd.key())
			full.n = n
			rkey = full.bytes()

			if isLeaf {
				rdata = btval{data: nd.data(), size: nd.dsize()}
			} else {
				rpgno = nd.pgno()
			}
			rflag = nd.flags()
			i++
		}

		if !isLeaf && j == 0 {
			// Branch slot 0 keeps the implicit low key.
			rkey = nil
		} else {
			rkey = stripPrefix(rkey, p.prefix.n)
		}

		if err := b.addNode(p, j, rkey, rdata, rpgno, rflag); err != nil {
			return fmt.Errorf("redistributing into page %d: %w", p.pgno, err)
		}
	}

	return nil
}
