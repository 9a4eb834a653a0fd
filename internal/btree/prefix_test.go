package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	require.Negative(t, Compare([]byte("a"), []byte("b")))
	require.Positive(t, Compare([]byte("b"), []byte("a")))
	require.Zero(t, Compare([]byte("ab"), []byte("ab")))
	// Length breaks ties: a shorter prefix orders first.
	require.Negative(t, Compare([]byte("ab"), []byte("abc")))
	require.Positive(t, Compare([]byte("abc"), []byte("ab")))
}

func TestCommonPrefix(t *testing.T) {
	var min, max, pfx btkey

	min.set([]byte("applepie"))
	max.set([]byte("applesauce"))
	commonPrefix(&min, &max, &pfx)
	require.Equal(t, "apple", string(pfx.bytes()))

	min.set([]byte("xyz"))
	max.set([]byte("abc"))
	commonPrefix(&min, &max, &pfx)
	require.Zero(t, pfx.n)

	// An empty bound yields an empty prefix.
	min.set(nil)
	max.set([]byte("abc"))
	commonPrefix(&min, &max, &pfx)
	require.Zero(t, pfx.n)
}

func TestReduceSeparator(t *testing.T) {
	// One byte past the first differing position.
	require.Equal(t, "b", string(reduceSeparator([]byte("apple"), []byte("banana"))))
	require.Equal(t, "apples", string(reduceSeparator([]byte("apple"), []byte("applesauce"))))
	require.Equal(t, "applf", string(reduceSeparator([]byte("apple"), []byte("applf"))))
}

func TestStripPrefix(t *testing.T) {
	require.Equal(t, "sauce", string(stripPrefix([]byte("applesauce"), 5)))
	require.Equal(t, "abc", string(stripPrefix([]byte("abc"), 0)))
	require.Empty(t, stripPrefix([]byte("ab"), 5))
}

// buildBranch wires a two-level synthetic tree fragment: a branch page with
// the given separators over child pages, returning the branch and children.
func buildBranch(t *testing.T, b *Btree, seps []string, children []*mpage) *mpage {
	t.Helper()

	p := make(page, int(b.head.psize))
	p.init(100, pBranch)
	parent := &mpage{pgno: 100, page: p}

	for i, child := range children {
		var key []byte
		if i > 0 {
			key = []byte(seps[i-1])
		}
		require.NoError(t, b.addNode(parent, i, key, btval{}, child.pgno, 0))
		child.parent = parent
		child.parentIndex = i
	}

	return parent
}

func TestFindCommonPrefixFromBounds(t *testing.T) {
	b := testBtree(4096)

	left := testLeaf(4096)
	mid := testLeaf(4096)
	right := testLeaf(4096)
	buildBranch(t, b, []string{"user/1000", "user/1999"}, []*mpage{left, mid, right})

	// The middle child is bounded by "user/1000" and "user/1999".
	findCommonPrefix(mid)
	require.Equal(t, "user/1", string(mid.prefix.bytes()))

	// Edge children have a single bound and inherit the parent's (empty)
	// prefix.
	findCommonPrefix(left)
	require.Zero(t, left.prefix.n)
	findCommonPrefix(right)
	require.Zero(t, right.prefix.n)
}

func TestAdjustPrefixRewritesKeys(t *testing.T) {
	b := testBtree(4096)
	mp := testLeaf(4096)

	// Keys stored under an effective prefix of "user/1".
	mp.prefix.set([]byte("user/1"))
	for i, k := range []string{"000", "500", "999"} {
		require.NoError(t, b.addNode(mp, i, []byte(k), btval{data: []byte("v"), size: 1}, 0, 0))
	}

	// The prefix grows by two bytes: strip them from every key.
	require.NoError(t, b.adjustPrefix(mp, 2, nil))
	require.Equal(t, "0", string(mp.page.node(0).key()))
	require.Equal(t, "0", string(mp.page.node(1).key()))
	require.Equal(t, "9", string(mp.page.node(2).key()))

	// And back: the two bytes fall out of the prefix again.
	require.NoError(t, b.adjustPrefix(mp, -2, []byte("00")))
	require.Equal(t, "000", string(mp.page.node(0).key()))

	// Values ride along untouched.
	require.Equal(t, "v", string(mp.page.node(0).data()))
}

func TestSearchNodeWithPrefix(t *testing.T) {
	b := testBtree(4096)
	mp := testLeaf(4096)

	mp.prefix.set([]byte("user/"))
	for i, k := range []string{"alice", "bob", "carol"} {
		require.NoError(t, b.addNode(mp, i, []byte(k), btval{data: []byte("v"), size: 1}, 0, 0))
	}

	idx, exact := b.searchNode(mp, []byte("user/bob"))
	require.True(t, exact)
	require.Equal(t, 1, idx)

	idx, exact = b.searchNode(mp, []byte("user/bo"))
	require.False(t, exact)
	require.Equal(t, 1, idx)

	idx, exact = b.searchNode(mp, []byte("user/zed"))
	require.False(t, exact)
	require.Equal(t, 3, idx)
}
