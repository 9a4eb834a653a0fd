// txn.go implements the transaction protocol. Readers snapshot the root of
// the current revision and keep reading it regardless of later commits.
// The single writer holds an exclusive file lock, allocates fresh page
// numbers from the end of the file, and queues every created or touched
// page on a FIFO dirty queue that commit writes back in batches, followed
// by a new meta page between two fsyncs.
package btree

import (
	"fmt"

	"go.uber.org/zap"
)

// Txn is a transaction on a Btree. At most one write transaction exists per
// database file at a time, enforced across processes by the file lock.
type Txn struct {
	bt       *Btree
	root     pgno // root page snapshot at begin
	nextPgno pgno // next unallocated page number
	dirty    []*mpage
	rdonly   bool
	poisoned bool

	// Writer-only: the meta state at begin, restored on abort so the
	// in-memory counters track the committed revision.
	origMeta     btmeta
	origMetaPgno pgno
	committed    bool
}

// Begin starts a transaction. A writer takes the exclusive file lock
// non-blockingly, failing with ErrBusy when another writer holds the
// database. Both kinds re-read the meta state so they observe the newest
// committed revision.
func (b *Btree) Begin(rdonly bool) (*Txn, error) {
	txn := &Txn{bt: b, rdonly: rdonly}

	if !rdonly {
		if b.flags&ReadOnly != 0 {
			return nil, ErrReadOnly
		}
		if b.txn != nil {
			return nil, ErrBusy
		}
		if err := b.file.TryLockExclusive(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		b.txn = txn
	}

	b.addRef()

	if err := b.readMeta(&txn.nextPgno); err != nil {
		txn.Abort()
		return nil, err
	}

	txn.root = b.meta.root
	if !rdonly {
		txn.origMeta = b.meta
		txn.origMetaPgno = b.metaPgno
	}

	return txn, nil
}

// poison marks the transaction failed; every later operation and the
// eventual commit fail fast, forcing an abort.
func (t *Txn) poison() {
	t.poisoned = true
}

// removeDirty drops mp from the dirty queue without clearing its flag.
func (t *Txn) removeDirty(mp *mpage) {
	for i := len(t.dirty) - 1; i >= 0; i-- {
		if t.dirty[i] == mp {
			t.dirty = append(t.dirty[:i], t.dirty[i+1:]...)
			return
		}
	}
}

// Abort discards the transaction. Dirty pages are dropped from the cache,
// the writer's meta view rolls back to the state at begin, and the file
// lock is released.
func (t *Txn) Abort() {
	if t == nil || t.bt == nil {
		return
	}
	b := t.bt

	if !t.rdonly {
		for _, mp := range t.dirty {
			if mp.lru != nil {
				b.mpageDel(mp)
			}
		}
		t.dirty = nil

		if !t.committed {
			b.meta = t.origMeta
			b.metaPgno = t.origMetaPgno
		}

		b.txn = nil
		b.file.Unlock()
	}

	t.bt = nil
	_ = b.Close()
}

// Commit publishes the transaction: dirty pages are appended in batches of
// up to commitPages with gathered writes, the file is synced, a meta page
// anchoring the new root is written, and the file is synced again. With no
// dirty pages the commit is a no-op and no revision is created.
func (t *Txn) Commit() error {
	if t == nil || t.bt == nil {
		return ErrInvalid
	}
	b := t.bt

	if t.rdonly {
		t.Abort()
		return ErrReadOnly
	}
	if b.txn != t {
		t.Abort()
		return ErrInvalid
	}
	if t.poisoned {
		t.Abort()
		return ErrTxnFailed
	}

	if len(t.dirty) > 0 {
		if err := t.writeDirtyPages(); err != nil {
			t.Abort()
			return err
		}

		if err := b.Sync(); err != nil {
			t.Abort()
			return fmt.Errorf("%w: sync: %v", ErrIO, err)
		}
		if err := b.writeMeta(t.root, 0); err != nil {
			t.Abort()
			return err
		}
		if err := b.Sync(); err != nil {
			t.Abort()
			return fmt.Errorf("%w: sync: %v", ErrIO, err)
		}
	}

	t.committed = true
	b.mpagePrune()
	t.Abort()

	return nil
}

// writeDirtyPages pads out a torn trailing page if one was detected at open,
// then writes the dirty queue to the end of the file in batches.
func (t *Txn) writeDirtyPages() error {
	b := t.bt

	if b.flags&fixPadding != 0 {
		size, err := b.file.Size()
		if err != nil {
			return fmt.Errorf("%w: stat: %v", ErrIO, err)
		}
		size += int64(b.head.psize) - size%int64(b.head.psize)
		if err := b.file.Truncate(size); err != nil {
			return fmt.Errorf("%w: truncate: %v", ErrIO, err)
		}
		b.flags &^= fixPadding
	}

	written := 0
	for len(t.dirty) > 0 {
		n := len(t.dirty)
		if n > commitPages {
			n = commitPages
		}

		bufs := make([][]byte, n)
		for i := 0; i < n; i++ {
			bufs[i] = t.dirty[i].page
		}

		rc, err := b.file.AppendVec(bufs)
		if err != nil || rc != n*int(b.head.psize) {
			return fmt.Errorf("%w: writing %d dirty pages: %v", ErrIO, n, err)
		}

		for i := 0; i < n; i++ {
			t.dirty[i].dirty = false
		}
		t.dirty = t.dirty[n:]
		written += n
	}

	b.log.Debug("dirty pages written", zap.Int("pages", written))

	return nil
}

// check validates that the transaction is live and not poisoned and, when
// write is set, that it is allowed to mutate.
func (t *Txn) check(write bool) error {
	if t == nil || t.bt == nil {
		return ErrInvalid
	}
	if t.poisoned {
		return ErrTxnFailed
	}
	if write && t.rdonly {
		return ErrReadOnly
	}

	return nil
}

// validKey reports whether a key is storable: non-empty and at most
// MaxKeySize bytes.
func validKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return fmt.Errorf("%w: key length %d", ErrInvalid, len(key))
	}

	return nil
}
