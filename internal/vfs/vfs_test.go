package vfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendVecAndReadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")

	f, err := Open(path, false, 0o644)
	require.NoError(t, err)
	defer f.Close()

	a := make([]byte, 512)
	b := make([]byte, 512)
	for i := range a {
		a[i] = 0xaa
		b[i] = 0xbb
	}

	n, err := f.AppendVec([][]byte{a, b})
	require.NoError(t, err)
	require.Equal(t, 1024, n)

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(1024), size)

	got := make([]byte, 512)
	_, err = f.ReadAt(got, 512)
	require.NoError(t, err)
	require.Equal(t, b, got)

	// Appends always land at the end, regardless of prior reads.
	_, err = f.Append(a)
	require.NoError(t, err)

	size, err = f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(1536), size)
}

func TestExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.db")

	f1, err := Open(path, false, 0o644)
	require.NoError(t, err)
	defer f1.Close()

	f2, err := Open(path, false, 0o644)
	require.NoError(t, err)
	defer f2.Close()

	require.NoError(t, f1.TryLockExclusive())
	require.Error(t, f2.TryLockExclusive())

	f1.Unlock()
	require.NoError(t, f2.TryLockExclusive())
}
