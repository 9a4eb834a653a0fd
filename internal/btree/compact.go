// compact.go implements offline compaction. Space in the database file is
// never reused in place, so reclaiming it means rewriting the live tree
// into a fresh file: pages are renumbered in traversal order, the new file
// is renamed over the original, and a tombstone meta page on the old file
// tells other handles to reopen by path.
package btree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dpeckett/screwdb/internal/vfs"
)

// compactTree rewrites the subtree rooted at n into dst, renumbering every
// page with dst's transaction allocator. Child pointers (branch slots,
// overflow heads, overflow chain links) are rewritten bottom-up before the
// page itself is appended. Returns the page's number in the new file.
func (b *Btree) compactTree(n pgno, dst *Btree) (pgno, error) {
	mp, err := b.getMpage(n)
	if err != nil {
		return pInvalid, err
	}

	p := make(page, b.head.psize)
	copy(p, mp.page)

	switch {
	case p.isBranch():
		for i := 0; i < p.numKeys(); i++ {
			nd := p.node(i)
			child, err := b.compactTree(nd.pgno(), dst)
			if err != nil {
				return pInvalid, err
			}
			nd.setPgno(child)
		}
	case p.isLeaf():
		for i := 0; i < p.numKeys(); i++ {
			nd := p.node(i)
			if nd.flags()&fBigData != 0 {
				head, err := b.compactTree(nd.overflowPgno(), dst)
				if err != nil {
					return pInvalid, err
				}
				binary.LittleEndian.PutUint32(nd[nodeHdrSize+nd.ksize():], head)
			}
		}
	case p.isOverflow():
		if next := p.nextPgno(); next > 0 {
			moved, err := b.compactTree(next, dst)
			if err != nil {
				return pInvalid, err
			}
			p.setNextPgno(moved)
		}
	default:
		return pInvalid, fmt.Errorf("%w: page %d has unexpected flags %#x", ErrCorrupted, n, p.flags())
	}

	newPgno := dst.txn.nextPgno
	dst.txn.nextPgno++
	p.setPgno(newPgno)

	rc, err := dst.file.Append(p)
	if err != nil || rc != int(b.head.psize) {
		return pInvalid, fmt.Errorf("%w: writing compacted page %d: %v", ErrIO, newPgno, err)
	}

	b.mpagePrune()

	return newPgno, nil
}

// Compact rewrites the live tree into a fresh file beside the original,
// renames it over the original path, and tombstones the superseded file so
// other handles detect the swap. The handle itself must be reopened
// afterwards; its next transaction fails with ErrStale.
func (b *Btree) Compact() error {
	if b.path == "" {
		return ErrInvalid
	}

	// Hold the writer lock on the source for the duration of the swap.
	txn, err := b.Begin(false)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	tmpf, err := vfs.CreateTemp(dir, filepath.Base(b.path)+".compact.*")
	if err != nil {
		txn.Abort()
		return fmt.Errorf("%w: creating compaction file: %v", ErrIO, err)
	}
	tmpPath := tmpf.Name()

	fail := func(err error) error {
		txn.Abort()
		_ = os.Remove(tmpPath)
		b.mpagePrune()

		return err
	}

	dst, err := open(tmpf, tmpPath, 0, &Options{Logger: b.log})
	if err != nil {
		_ = tmpf.Close()
		return fail(err)
	}

	// Carry the counters over; the new file starts its own revision
	// history.
	dst.meta = b.meta
	dst.meta.revisions = 0

	dstTxn, err := dst.Begin(false)
	if err != nil {
		_ = dst.Close()
		return fail(err)
	}

	failDst := func(err error) error {
		dstTxn.Abort()
		_ = dst.Close()

		return fail(err)
	}

	if b.meta.root != pInvalid {
		root, err := b.compactTree(b.meta.root, dst)
		if err != nil {
			return failDst(err)
		}
		if err := dst.writeMeta(root, 0); err != nil {
			return failDst(err)
		}
	}

	if err := dst.Sync(); err != nil {
		return failDst(fmt.Errorf("%w: sync: %v", ErrIO, err))
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		return failDst(fmt.Errorf("%w: rename: %v", ErrIO, err))
	}

	// Tombstone the superseded file so other open handles pick up the
	// swap and reopen by path.
	if err := b.writeMeta(pInvalid, metaTombstone); err != nil {
		dstTxn.Abort()
		_ = dst.Close()
		txn.Abort()
		b.mpagePrune()

		return err
	}

	// The tombstone is this transaction's outcome; keep it in effect.
	txn.committed = true

	b.log.Debug("database compacted",
		zap.String("path", b.path),
		zap.Uint64("entries", dst.meta.entries))

	dstTxn.Abort()
	_ = dst.Close()
	txn.Abort()
	b.mpagePrune()

	return nil
}
