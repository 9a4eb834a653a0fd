/*
Package screwdb provides an embeddable, single-file, ordered key/value
store backed by an append-only, copy-on-write B+tree.

A database is one file. Committed revisions are immutable: a write
transaction appends its modified pages and a new meta page anchoring the
new root, so readers that began earlier keep their snapshot and a crash at
any point leaves either the old or the new revision intact. Each meta page
is sealed with a SHA-256 hash; opening a database selects the newest meta
page that validates.

Keys are ordered lexicographically, byte-wise, with length as the
tiebreaker, and are limited to 255 bytes. Values of any size are supported;
large values are paginated onto overflow page chains. Keys on each tree
page are stored with the common prefix of the page's bounding separators
removed.

# Usage

	db, err := screwdb.Open(path, 0, 0o644)
	if err != nil {
		...
	}
	defer db.Close()

	err = db.Update(func(tx *screwdb.Tx) error {
		return tx.Put([]byte("hello"), []byte("world"))
	})

	err = db.View(func(tx *screwdb.Tx) error {
		value, err := tx.Get([]byte("hello"))
		...
	})

Because the file only ever grows, reclaiming space from deleted and
superseded pages is an explicit, offline operation: Compact rewrites the
live tree into a fresh file and swaps it in place. Handles that were open
across a compaction observe ErrStale and must be reopened by path.

# Concurrency

A DB handle serves one goroutine at a time. Across handles and processes,
any number of readers may run concurrently with at most one writer; writer
exclusion is enforced with a non-blocking advisory file lock, so a second
writer fails immediately with ErrBusy rather than queueing.
*/
package screwdb
