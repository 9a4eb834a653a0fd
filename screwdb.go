package screwdb

import (
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/dpeckett/screwdb/internal/btree"
)

// Flags control how a database is opened.
type Flags uint32

const (
	// NoSync skips the fsyncs after commit, trading durability for
	// throughput.
	NoSync Flags = Flags(btree.NoSync)
	// ReadOnly opens the database read-only.
	ReadOnly Flags = Flags(btree.ReadOnly)
)

// MaxKeySize is the largest accepted key length in bytes.
const MaxKeySize = btree.MaxKeySize

// Errors returned by the store. Wrapped variants carry detail; match with
// errors.Is.
var (
	ErrKeyNotFound = btree.ErrKeyNotFound
	ErrInvalid     = btree.ErrInvalid
	ErrCorrupted   = btree.ErrCorrupted
	ErrIO          = btree.ErrIO
	ErrBusy        = btree.ErrBusy
	ErrReadOnly    = btree.ErrReadOnly
	ErrTxnFailed   = btree.ErrTxnFailed
	ErrStale       = btree.ErrStale
)

// Stat is a snapshot of the counters of the current committed revision.
type Stat = btree.Stat

// Option tunes an opened database.
type Option func(*btree.Options)

// WithCacheSize bounds the page cache to n pages. The default is 1024.
func WithCacheSize(n int) Option {
	return func(o *btree.Options) {
		o.MaxCache = n
	}
}

// WithLogger wires a logger for debug events. The default discards them.
func WithLogger(log *zap.Logger) Option {
	return func(o *btree.Options) {
		o.Logger = log
	}
}

// DB is an open database.
type DB struct {
	bt *btree.Btree
}

// Open opens the database at path, creating it when missing and writable.
// Opening a file left behind by a compaction swap fails with ErrStale; the
// caller should retry, which picks up the replacement file.
func Open(path string, flags Flags, mode os.FileMode, opts ...Option) (*DB, error) {
	var o btree.Options
	for _, opt := range opts {
		opt(&o)
	}

	bt, err := btree.Open(path, uint32(flags), mode, &o)
	if err != nil {
		return nil, err
	}

	return &DB{bt: bt}, nil
}

// Close releases the handle. Outstanding transactions and cursors keep the
// underlying file open until they finish.
func (db *DB) Close() error {
	return db.bt.Close()
}

// SetCacheSize adjusts the page cache bound.
func (db *DB) SetCacheSize(n int) {
	db.bt.SetCacheSize(n)
}

// Sync flushes the database file unless the handle was opened with NoSync.
func (db *DB) Sync() error {
	return db.bt.Sync()
}

// Compact rewrites the live tree into a fresh file and renames it over the
// database path. See the package documentation for handle staleness.
func (db *DB) Compact() error {
	return db.bt.Compact()
}

// Revert rolls the handle back to the previous committed revision. The
// next commit continues from the restored revision.
func (db *DB) Revert() error {
	return db.bt.Revert()
}

// Stat returns the counters of the current committed revision.
func (db *DB) Stat() Stat {
	return db.bt.Stat()
}

// Compare orders two keys the way the store does.
func (db *DB) Compare(a, b []byte) int {
	return btree.Compare(a, b)
}

// Tx is a transaction. Read transactions observe the revision committed at
// begin; write transactions buffer their changes until commit.
type Tx struct {
	txn *btree.Txn
}

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	txn, err := db.bt.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()

	return fn(&Tx{txn: txn})
}

// Update runs fn in a write transaction, committing when fn returns nil
// and aborting otherwise. Fails with ErrBusy when another writer holds the
// database.
func (db *DB) Update(fn func(*Tx) error) error {
	txn, err := db.bt.Begin(false)
	if err != nil {
		return err
	}

	if err := fn(&Tx{txn: txn}); err != nil {
		txn.Abort()
		return err
	}

	return txn.Commit()
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	return tx.txn.Get(key)
}

// Put stores value under key, overwriting any existing entry.
func (tx *Tx) Put(key, value []byte) error {
	return tx.txn.Put(key, value)
}

// Delete removes key, failing with ErrKeyNotFound when absent.
func (tx *Tx) Delete(key []byte) error {
	_, err := tx.txn.Del(key)

	return err
}

// DeleteReturning removes key and returns the value it held.
func (tx *Tx) DeleteReturning(key []byte) ([]byte, error) {
	return tx.txn.Del(key)
}

// Cursor opens a cursor over the transaction's snapshot. Close it before
// the transaction finishes.
func (tx *Tx) Cursor() (*Cursor, error) {
	c, err := tx.txn.CursorOpen()
	if err != nil {
		return nil, err
	}

	return &Cursor{c: c}, nil
}

// Cursor traverses the database in key order. Returned keys and values are
// fresh allocations owned by the caller.
type Cursor struct {
	c *btree.Cursor
}

// Close releases the cursor.
func (c *Cursor) Close() {
	c.c.Close()
}

// First positions at the smallest key.
func (c *Cursor) First() ([]byte, []byte, error) {
	return c.c.Get(nil, btree.CursorFirst)
}

// Next advances to the next key in order, or First when the cursor is
// fresh. Fails with ErrKeyNotFound at the end of the database.
func (c *Cursor) Next() ([]byte, []byte, error) {
	return c.c.Get(nil, btree.CursorNext)
}

// Seek positions at the smallest key greater than or equal to key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	return c.c.Get(key, btree.CursorSet)
}

// SeekExact positions at key, failing with ErrKeyNotFound unless present.
func (c *Cursor) SeekExact(key []byte) ([]byte, []byte, error) {
	return c.c.Get(key, btree.CursorSetExact)
}

// IsNotFound reports whether err is the not-found condition, as a
// convenience for callers that treat absence as a non-error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
