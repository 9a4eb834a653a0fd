package btree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Btree {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	b, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func put(t *testing.T, b *Btree, kv map[string]string) {
	t.Helper()

	txn, err := b.Begin(false)
	require.NoError(t, err)
	for k, v := range kv {
		require.NoError(t, txn.Put([]byte(k), []byte(v)))
	}
	require.NoError(t, txn.Commit())
}

func TestGetOnEmptyTree(t *testing.T) {
	b := openTest(t)

	txn, err := b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = txn.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPutGetRoundTrip(t *testing.T) {
	b := openTest(t)

	put(t, b, map[string]string{"apple": "1", "banana": "2"})

	txn, err := b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("apple"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = txn.Get([]byte("banana"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	_, err = txn.Get([]byte("cherry"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.Equal(t, uint64(2), b.Stat().Entries)
}

func TestReopenSeesCommitted(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"apple": "1", "banana": "2"})
	path := b.Path()
	require.NoError(t, b.Close())

	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err := b2.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("banana"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
	require.Equal(t, uint64(2), b2.Stat().Entries)
}

func TestOverwriteKeepsSingleEntry(t *testing.T) {
	b := openTest(t)

	put(t, b, map[string]string{"k": "v1"})
	put(t, b, map[string]string{"k": "v2"})

	txn, err := b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	require.Equal(t, uint64(1), b.Stat().Entries)
}

func TestKeyValidation(t *testing.T) {
	b := openTest(t)

	txn, err := b.Begin(false)
	require.NoError(t, err)
	defer txn.Abort()

	require.ErrorIs(t, txn.Put(nil, []byte("v")), ErrInvalid)
	require.ErrorIs(t, txn.Put(make([]byte, MaxKeySize+1), []byte("v")), ErrInvalid)

	// Boundary lengths are fine, as are empty values.
	require.NoError(t, txn.Put([]byte("a"), nil))
	require.NoError(t, txn.Put(make([]byte, MaxKeySize), []byte("v")))

	v, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestDelete(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"a": "1", "b": "2", "c": "3"})

	txn, err := b.Begin(false)
	require.NoError(t, err)

	old, err := txn.Del([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), old)

	_, err = txn.Del([]byte("nope"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, txn.Commit())

	txn, err = b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = txn.Get([]byte("b"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.Equal(t, uint64(2), b.Stat().Entries)
}

func TestDeleteToEmptyAndRefill(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"a": "1"})

	txn, err := b.Begin(false)
	require.NoError(t, err)
	_, err = txn.Del([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.Equal(t, uint64(0), b.Stat().Entries)
	require.Equal(t, uint32(0), b.Stat().Depth)

	put(t, b, map[string]string{"b": "2"})

	txn, err = b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestAbortDiscardsChanges(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"keep": "1"})

	before := b.Stat()

	txn, err := b.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("drop"), []byte("2")))
	txn.Abort()

	require.Equal(t, before, b.Stat())

	txn, err = b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = txn.Get([]byte("drop"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	v, err := txn.Get([]byte("keep"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestWriterExclusion(t *testing.T) {
	b := openTest(t)

	txn, err := b.Begin(false)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = b.Begin(false)
	require.ErrorIs(t, err, ErrBusy)

	// Readers are unaffected.
	rtxn, err := b.Begin(true)
	require.NoError(t, err)
	rtxn.Abort()
}

func TestCrossHandleWriterExclusion(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"a": "1"})

	b2, err := Open(b.Path(), NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err := b.Begin(false)
	require.NoError(t, err)

	_, err = b2.Begin(false)
	require.ErrorIs(t, err, ErrBusy)

	txn.Abort()

	txn2, err := b2.Begin(false)
	require.NoError(t, err)
	txn2.Abort()
}

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"a": "1"})

	txn, err := b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	require.ErrorIs(t, txn.Put([]byte("x"), []byte("y")), ErrReadOnly)
	_, err = txn.Del([]byte("a"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestCommitOnReadOnlyTxnFails(t *testing.T) {
	b := openTest(t)

	txn, err := b.Begin(true)
	require.NoError(t, err)
	require.ErrorIs(t, txn.Commit(), ErrReadOnly)
}

func TestReaderSnapshotIsolation(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"k": "old"})

	rtxn, err := b.Begin(true)
	require.NoError(t, err)

	put(t, b, map[string]string{"k": "new"})

	// The reader began before the second commit and keeps its root.
	v, err := rtxn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
	rtxn.Abort()

	rtxn, err = b.Begin(true)
	require.NoError(t, err)
	defer rtxn.Abort()

	v, err = rtxn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func manyKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%012d", i)
	}

	return keys
}

func TestSplitUnderPressure(t *testing.T) {
	b := openTest(t)

	keys := manyKeys(10000)
	value := make([]byte, 64)
	for i := range value {
		value[i] = byte(i)
	}

	txn, err := b.Begin(false)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, txn.Put([]byte(k), value))
	}
	require.NoError(t, txn.Commit())

	st := b.Stat()
	require.Equal(t, uint64(len(keys)), st.Entries)
	require.GreaterOrEqual(t, st.Depth, uint32(2))
	require.Greater(t, st.BranchPages, uint32(0))

	// Reopen and enumerate: exactly the inserted set, in order.
	path := b.Path()
	require.NoError(t, b.Close())
	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err = b2.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	c, err := txn.CursorOpen()
	require.NoError(t, err)
	defer c.Close()

	i := 0
	for {
		k, v, err := c.Get(nil, CursorNext)
		if err != nil {
			require.ErrorIs(t, err, ErrKeyNotFound)
			break
		}
		require.Equal(t, keys[i], string(k))
		require.Equal(t, value, v)
		i++
	}
	require.Equal(t, len(keys), i)
}

func TestOverflowValues(t *testing.T) {
	b := openTest(t)

	big := make([]byte, 2*int(b.head.psize))
	for i := range big {
		big[i] = byte(i * 31)
	}

	txn, err := b.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("big"), big))
	require.NoError(t, txn.Commit())

	require.GreaterOrEqual(t, b.Stat().OverflowPages, uint32(2))

	path := b.Path()
	require.NoError(t, b.Close())
	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err = b2.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, v)
}

func TestDeleteMerge(t *testing.T) {
	b := openTest(t)

	keys := manyKeys(1000)
	value := make([]byte, 64)

	txn, err := b.Begin(false)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, txn.Put([]byte(k), value))
	}
	require.NoError(t, txn.Commit())

	leavesBefore := b.Stat().LeafPages

	txn, err = b.Begin(false)
	require.NoError(t, err)
	for i := 0; i < len(keys); i += 2 {
		_, err := txn.Del([]byte(keys[i]))
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	st := b.Stat()
	require.Equal(t, uint64(len(keys)/2), st.Entries)
	require.Less(t, st.LeafPages, leavesBefore)

	txn, err = b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	c, err := txn.CursorOpen()
	require.NoError(t, err)
	defer c.Close()

	i := 1
	for {
		k, _, err := c.Get(nil, CursorNext)
		if err != nil {
			break
		}
		require.Equal(t, keys[i], string(k))
		i += 2
	}
	require.Equal(t, len(keys)+1, i)
}

func TestCursorOps(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"c": "3", "a": "1", "b": "2", "d": "4"})

	txn, err := b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	c, err := txn.CursorOpen()
	require.NoError(t, err)
	defer c.Close()

	for _, want := range []string{"a", "b", "c", "d"} {
		k, v, err := c.Get(nil, CursorNext)
		require.NoError(t, err)
		require.Equal(t, want, string(k))
		require.NotEmpty(t, v)
	}

	_, _, err = c.Get(nil, CursorNext)
	require.ErrorIs(t, err, ErrKeyNotFound)

	// First rewinds.
	k, _, err := c.Get(nil, CursorFirst)
	require.NoError(t, err)
	require.Equal(t, "a", string(k))

	// Set lands on the smallest key >= target.
	k, _, err = c.Get([]byte("bb"), CursorSet)
	require.NoError(t, err)
	require.Equal(t, "c", string(k))

	// SetExact requires presence.
	_, _, err = c.Get([]byte("bb"), CursorSetExact)
	require.ErrorIs(t, err, ErrKeyNotFound)

	k, v, err := c.Get([]byte("b"), CursorSetExact)
	require.NoError(t, err)
	require.Equal(t, "b", string(k))
	require.Equal(t, "2", string(v))

	// And the cursor continues from the set position.
	k, _, err = c.Get(nil, CursorNext)
	require.NoError(t, err)
	require.Equal(t, "c", string(k))
}

func TestRevert(t *testing.T) {
	b := openTest(t)

	put(t, b, map[string]string{"k": "one"})
	put(t, b, map[string]string{"k": "two"})

	require.NoError(t, b.Revert())

	txn, err := b.Begin(true)
	require.NoError(t, err)
	v, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v)
	txn.Abort()

	// Commits continue from the restored revision.
	put(t, b, map[string]string{"k2": "x"})

	txn, err = b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err = txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v)
}

func TestRevertWithoutHistory(t *testing.T) {
	b := openTest(t)
	require.ErrorIs(t, b.Revert(), ErrKeyNotFound)

	put(t, b, map[string]string{"a": "1"})
	require.ErrorIs(t, b.Revert(), ErrKeyNotFound)
}

func TestCompact(t *testing.T) {
	b := openTest(t)

	keys := manyKeys(2000)
	txn, err := b.Begin(false)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, txn.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, txn.Commit())

	// Churn to create garbage.
	for i := 0; i < 5; i++ {
		put(t, b, map[string]string{"churn": fmt.Sprint(i)})
	}

	path := b.Path()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	sizeBefore := fi.Size()

	// A second handle opened before the swap.
	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	require.NoError(t, b.Compact())

	fi, err = os.Stat(path)
	require.NoError(t, err)
	require.LessOrEqual(t, fi.Size(), sizeBefore)

	// The compacting handle and the second handle are both stale now.
	_, err = b.Begin(true)
	require.ErrorIs(t, err, ErrStale)
	_, err = b2.Begin(true)
	require.ErrorIs(t, err, ErrStale)

	// A fresh open picks up the replacement and sees everything.
	b3, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b3.Close()

	require.Equal(t, uint64(len(keys)+1), b3.Stat().Entries)

	txn, err = b3.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	for _, k := range []string{keys[0], keys[999], keys[1999], "churn"} {
		_, err := txn.Get([]byte(k))
		require.NoError(t, err)
	}
}

func TestCompactPreservesOverflow(t *testing.T) {
	b := openTest(t)

	big := make([]byte, 3*int(b.head.psize))
	for i := range big {
		big[i] = byte(i * 7)
	}

	txn, err := b.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("big"), big))
	require.NoError(t, txn.Put([]byte("small"), []byte("v")))
	require.NoError(t, txn.Commit())

	path := b.Path()
	require.NoError(t, b.Compact())

	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err = b2.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, v)
}

func TestTornWriteRecovery(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"a": "1"})
	path := b.Path()
	psize := int(b.head.psize)
	require.NoError(t, b.Close())

	// Simulate a torn commit: a partial page at the end of the file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, psize/3))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err := b2.Begin(true)
	require.NoError(t, err)
	v, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	txn.Abort()

	// The next commit pads the file back to page alignment.
	put(t, b2, map[string]string{"b": "2"})

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, fi.Size()%int64(psize))

	txn, err = b2.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()
	v, err = txn.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestTornMetaFallsBackToPreviousRevision(t *testing.T) {
	b := openTest(t)
	put(t, b, map[string]string{"k": "good"})
	path := b.Path()
	psize := int(b.head.psize)
	require.NoError(t, b.Close())

	// Append a page that looks like a torn meta write: right page number
	// and meta flag, corrupt content. The hash cannot validate, so it
	// must be ignored in favor of the previous valid meta.
	fi, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	require.NoError(t, err)
	garbage := make([]byte, psize)
	for i := range garbage {
		garbage[i] = 0x5a
	}
	binary.LittleEndian.PutUint32(garbage[0:], uint32(fi.Size())/uint32(psize))
	binary.LittleEndian.PutUint32(garbage[4:], pMeta)
	_, err = f.Write(garbage)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2, err := Open(path, NoSync, 0o644, nil)
	require.NoError(t, err)
	defer b2.Close()

	txn, err := b2.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	v, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("good"), v)
}

func TestOpenRejectsGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o644))

	_, err := Open(path, NoSync, 0o644, nil)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestWalkTreeOrdering(t *testing.T) {
	b := openTest(t)

	keys := manyKeys(3000)
	txn, err := b.Begin(false)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, txn.Put([]byte(k), []byte("v")))
	}
	require.NoError(t, txn.Commit())

	txn, err = b.Begin(true)
	require.NoError(t, err)
	defer txn.Abort()

	var leaves, branches int
	prev := ""
	err = txn.WalkTree(func(info PageInfo) error {
		if info.Branch {
			branches++
			return nil
		}
		leaves++
		// Depth-first walk visits leaves in key order; full keys on
		// every leaf must be ascending across the whole tree.
		for _, k := range info.Keys {
			require.Greater(t, string(k), prev)
			prev = string(k)
		}
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, branches, 0)
	require.Equal(t, int(b.Stat().LeafPages), leaves)
}
