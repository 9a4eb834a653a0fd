package btree

import "errors"

// Sentinel errors returned by the engine. Callers match them with errors.Is;
// wrapped variants carry positional detail.
var (
	// ErrKeyNotFound is returned when a key is absent, or when an
	// operation runs against an empty tree.
	ErrKeyNotFound = errors.New("btree: key not found")

	// ErrInvalid is returned for malformed arguments: empty keys, keys
	// over MaxKeySize, or operations on a mismatched handle.
	ErrInvalid = errors.New("btree: invalid argument")

	// ErrCorrupted is returned when on-disk structures fail validation.
	ErrCorrupted = errors.New("btree: corruption detected")

	// ErrIO is returned for short reads and writes.
	ErrIO = errors.New("btree: i/o error")

	// ErrBusy is returned when a write transaction cannot start because
	// another writer holds the database.
	ErrBusy = errors.New("btree: database is locked by another writer")

	// ErrReadOnly is returned when a mutation is attempted through a
	// read-only transaction or handle.
	ErrReadOnly = errors.New("btree: read-only")

	// ErrTxnFailed is returned once a write transaction has been
	// poisoned by a structural error; the caller must abort.
	ErrTxnFailed = errors.New("btree: transaction has failed, abort it")

	// ErrStale is returned when the file has been superseded by
	// compaction; the caller must reopen by path.
	ErrStale = errors.New("btree: file has been superseded, reopen by path")
)

// errPageFull is a local condition, not a failure: an insertion that does
// not fit triggers a split in the caller.
var errPageFull = errors.New("btree: page full")

