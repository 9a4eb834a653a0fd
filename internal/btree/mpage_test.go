package btree

import (
	"container/list"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCache(maxCache int) *Btree {
	return &Btree{
		head:     bthead{psize: 4096},
		pages:    make(map[pgno]*mpage),
		lru:      list.New(),
		maxCache: maxCache,
	}
}

func cachePage(b *Btree, n pgno) *mpage {
	mp := &mpage{pgno: n, page: make(page, b.head.psize)}
	mp.page.init(n, pLeaf)
	b.mpageAdd(mp)

	return mp
}

func TestCacheLookupBumpsLRU(t *testing.T) {
	b := testCache(2)

	cachePage(b, 1)
	cachePage(b, 2)
	cachePage(b, 3)

	// Page 1 is the eviction candidate until it is looked up.
	require.NotNil(t, b.mpageLookup(1))
	b.mpagePrune()

	require.NotNil(t, b.pages[1])
	require.Nil(t, b.pages[2])
	require.Equal(t, 2, len(b.pages))
}

func TestCachePruneSkipsPinnedAndDirty(t *testing.T) {
	b := testCache(1)

	pinned := cachePage(b, 1)
	pinned.ref = 1

	dirty := cachePage(b, 2)
	dirty.dirty = true

	cachePage(b, 3)

	b.mpagePrune()

	// Only the clean, unreferenced page went; the cache legitimately
	// stays over its bound.
	require.NotNil(t, b.pages[1])
	require.NotNil(t, b.pages[2])
	require.Nil(t, b.pages[3])

	// Releasing the pin makes page 1 evictable.
	pinned.ref = 0
	b.mpagePrune()
	require.Nil(t, b.pages[1])
}

func TestCachePruneStopsAtBound(t *testing.T) {
	b := testCache(4)

	for i := 1; i <= 8; i++ {
		cachePage(b, pgno(i))
	}

	b.mpagePrune()
	require.Equal(t, 4, len(b.pages))

	// The oldest pages were the ones evicted.
	for i := 1; i <= 4; i++ {
		require.Nil(t, b.pages[pgno(i)], fmt.Sprint(i))
	}
	for i := 5; i <= 8; i++ {
		require.NotNil(t, b.pages[pgno(i)], fmt.Sprint(i))
	}
}

func TestTouchAssignsFreshPageNumber(t *testing.T) {
	b := testCache(16)
	b.txn = &Txn{bt: b, nextPgno: 50}

	parent := cachePage(b, 9)
	parent.page.setFlags(pBranch)
	require.NoError(t, b.addNode(parent, 0, nil, btval{}, 10, 0))
	parent.dirty = true

	child := cachePage(b, 10)
	child.parent = parent
	child.parentIndex = 0

	touched := b.mpageTouch(child)

	// Unreferenced pages move: same entry, new number, parent slot
	// updated, queued dirty.
	require.Same(t, child, touched)
	require.Equal(t, pgno(50), touched.pgno)
	require.True(t, touched.dirty)
	require.Equal(t, pgno(50), parent.page.node(0).pgno())
	require.Nil(t, b.pages[10])
	require.Same(t, touched, b.pages[50])
	require.Equal(t, pgno(51), b.txn.nextPgno)

	// Touching a dirty page is a no-op.
	require.Same(t, touched, b.mpageTouch(touched))
	require.Equal(t, pgno(51), b.txn.nextPgno)
}

func TestTouchCopiesPinnedPage(t *testing.T) {
	b := testCache(16)
	b.txn = &Txn{bt: b, nextPgno: 50}

	mp := cachePage(b, 10)
	mp.ref = 1 // a cursor still reads the old revision

	touched := b.mpageTouch(mp)

	require.NotSame(t, mp, touched)
	require.Equal(t, pgno(10), mp.pgno)
	require.Equal(t, pgno(50), touched.pgno)
	require.False(t, mp.dirty)
	require.True(t, touched.dirty)

	// Both stay reachable under their own numbers.
	require.Same(t, mp, b.pages[10])
	require.Same(t, touched, b.pages[50])
}
