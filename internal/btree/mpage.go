// mpage.go implements the in-memory page cache: a map from page number to
// decoded page plus an LRU list bounding how many clean, unreferenced pages
// are kept around.
package btree

import "container/list"

// mpage is an in-memory cached page. The cache owns the entry; cursors pin
// it through the reference count while it is on their stack. The parent
// back-reference and prefix are transient descent state, valid only for the
// duration of the current operation.
type mpage struct {
	pgno        pgno
	page        page
	parent      *mpage // nil if root
	parentIndex int
	prefix      btkey
	ref         int  // pinned by cursors
	dirty       bool // queued for writeback
	lru         *list.Element
}

// mpageLookup finds a cached page and bumps it to the MRU end.
func (b *Btree) mpageLookup(n pgno) *mpage {
	mp, ok := b.pages[n]
	if !ok {
		return nil
	}
	b.lru.MoveToBack(mp.lru)

	return mp
}

// mpageAdd inserts a page into the cache at the MRU end.
func (b *Btree) mpageAdd(mp *mpage) {
	b.pages[mp.pgno] = mp
	mp.lru = b.lru.PushBack(mp)
}

// mpageDel removes a page from the cache and the LRU list.
func (b *Btree) mpageDel(mp *mpage) {
	delete(b.pages, mp.pgno)
	b.lru.Remove(mp.lru)
	mp.lru = nil
}

// mpageFlush empties the cache.
func (b *Btree) mpageFlush() {
	b.pages = make(map[pgno]*mpage)
	b.lru.Init()
}

// mpageCopy duplicates a page for copy-on-write when the original is still
// pinned by a cursor.
func (b *Btree) mpageCopy(mp *mpage) *mpage {
	cp := &mpage{
		pgno:        mp.pgno,
		page:        make(page, len(mp.page)),
		parent:      mp.parent,
		parentIndex: mp.parentIndex,
		prefix:      mp.prefix,
	}
	copy(cp.page, mp.page)

	return cp
}

// mpagePrune evicts least recently used pages until the cache is within its
// bound. Dirty pages and pages pinned by cursors are kept; the
// cache may legitimately exceed its bound while such pages exist.
func (b *Btree) mpagePrune() {
	var next *list.Element
	for e := b.lru.Front(); e != nil && len(b.pages) > b.maxCache; e = next {
		next = e.Next()
		mp := e.Value.(*mpage)
		if !mp.dirty && mp.ref <= 0 {
			b.mpageDel(mp)
		}
	}
}

// mpageDirty marks a page dirty and queues it for writeback at commit.
func (b *Btree) mpageDirty(mp *mpage) {
	if !mp.dirty {
		mp.dirty = true
		b.txn.dirty = append(b.txn.dirty, mp)
	}
}

// mpageTouch performs the copy-on-write step: the first time a clean page is
// modified in a transaction it is assigned a fresh page number from the
// transaction's allocator, re-inserted into the cache, and the parent's
// child slot is redirected to the new number. Pinned pages are duplicated so
// readers keep their snapshot.
func (b *Btree) mpageTouch(mp *mpage) *mpage {
	if !mp.dirty {
		if mp.ref == 0 {
			b.mpageDel(mp)
		} else {
			mp = b.mpageCopy(mp)
		}
		mp.pgno = b.txn.nextPgno
		b.txn.nextPgno++
		mp.page.setPgno(mp.pgno)
		b.mpageDirty(mp)
		b.mpageAdd(mp)

		if mp.parent != nil {
			mp.parent.page.node(mp.parentIndex).setPgno(mp.pgno)
		}
	}

	return mp
}
