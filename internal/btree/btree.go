// Package btree implements a single-file, embeddable, ordered key-value
// store organized as an append-only, copy-on-write B+tree.
//
// Pages are only ever appended: the first mutation of a page inside a write
// transaction allocates it a fresh page number at the end of the file.
// A commit writes the dirty pages, then a meta page anchoring the new root,
// each followed by an fsync. The meta page carries a SHA-256 hash over its
// contents, so opening a database scans backward from the end of the file
// for the newest meta page whose hash validates; a torn commit is simply
// skipped in favor of the previous revision.
//
// Keys on each page are stored with the common prefix of the page's
// bounding separators removed; see prefix.go.
package btree

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/dpeckett/screwdb/internal/vfs"
)

// Open flags.
const (
	// NoSync skips the fsyncs after commit, trading durability for
	// throughput.
	NoSync uint32 = 0x02
	// ReadOnly opens the file read-only.
	ReadOnly uint32 = 0x04

	// fixPadding marks a torn trailing partial page that must be padded
	// out before the next commit writes.
	fixPadding uint32 = 0x01
)

// bthead is the content of page 0, written once at creation.
type bthead struct {
	magic   uint32
	version uint32
	flags   uint32
	psize   uint32
}

// Options tune an engine handle.
type Options struct {
	// MaxCache bounds the page cache; 0 means the default of 1024 pages.
	MaxCache int
	// Logger receives debug events; nil disables logging.
	Logger *zap.Logger
}

// Btree is a handle to a database file. It is not safe for concurrent use;
// the supported model is a single goroutine per handle, with cross-process
// exclusion of writers through the file lock.
type Btree struct {
	file  *vfs.File
	path  string
	flags uint32
	head  bthead

	meta     btmeta
	metaPgno pgno // page number of the active meta, 0 if none

	pages    map[pgno]*mpage
	lru      *list.List
	maxCache int

	txn *Txn // current write transaction
	ref  int // bumped by transactions and cursors

	size int64 // known file size
	log  *zap.Logger
}

// Stat is a snapshot of the counters in the active meta page.
type Stat struct {
	BranchPages   uint32
	LeafPages     uint32
	OverflowPages uint32
	Revisions     uint32
	Depth         uint32
	Entries       uint64
}

// Open opens or creates the database at path.
func Open(path string, flags uint32, mode os.FileMode, opts *Options) (*Btree, error) {
	f, err := vfs.Open(path, flags&ReadOnly != 0, mode)
	if err != nil {
		return nil, err
	}

	b, err := open(f, path, flags, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return b, nil
}

// open initializes a handle over an already-open file. Used by Open and by
// compaction, which builds the replacement database in a temporary file.
func open(f *vfs.File, path string, flags uint32, opts *Options) (*Btree, error) {
	if opts == nil {
		opts = &Options{}
	}

	b := &Btree{
		file:     f,
		path:     path,
		flags:    flags &^ fixPadding,
		pages:    make(map[pgno]*mpage),
		lru:      list.New(),
		maxCache: defaultMaxCache,
		ref:      1,
		log:      opts.Logger,
	}
	if opts.MaxCache > 0 {
		b.maxCache = opts.MaxCache
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.meta.root = pInvalid

	if err := b.readHeader(); err != nil {
		if !errors.Is(err, errNoHeader) {
			return nil, err
		}
		if flags&ReadOnly != 0 {
			return nil, fmt.Errorf("%w: empty database opened read-only", ErrIO)
		}
		if err := b.writeHeader(); err != nil {
			return nil, err
		}
	}

	if err := b.readMeta(nil); err != nil {
		return nil, err
	}

	b.log.Debug("database opened",
		zap.String("path", path),
		zap.Uint32("psize", b.head.psize),
		zap.Uint32("revisions", b.meta.revisions),
		zap.Uint64("entries", b.meta.entries))

	return b, nil
}

// errNoHeader reports an empty file with no header page yet.
var errNoHeader = errors.New("btree: no header")

// readHeader reads and validates page 0. The page size is unknown at this
// point, so the minimum page size worth of bytes is read.
func (b *Btree) readHeader() error {
	buf := make([]byte, pageSize)

	n, err := b.file.ReadAt(buf, 0)
	if n == 0 {
		return errNoHeader
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}
	if n < pageHdrSize+16 {
		return fmt.Errorf("%w: short header page", ErrIO)
	}

	p := page(buf[:n])
	if !p.isHead() {
		return fmt.Errorf("%w: page 0 is not a header page", ErrCorrupted)
	}

	h := decodeHead(p.body())
	if h.magic != magic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorrupted, h.magic)
	}
	if h.version != version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupted, h.version)
	}

	b.head = h

	return nil
}

// writeHeader creates page 0. The page size is taken from the file system's
// preferred block size, capped so offsets fit the 16-bit page bounds and
// floored so a page always holds several maximum-size nodes.
func (b *Btree) writeHeader() error {
	psize := uint32(pageSize)
	if bs := b.file.BlockSize(); bs > pageSize {
		if bs > maxPageSize {
			bs = maxPageSize
		}
		psize = uint32(bs)
	}

	b.head = bthead{magic: magic, version: version, psize: psize}

	p := make(page, psize)
	p.init(0, pHead)
	encodeHead(p.body(), b.head)

	n, err := b.file.Append(p)
	if err != nil || n != int(psize) {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}

	return nil
}

// readPage reads the raw page pgno into buf, validating its self-stored
// page number.
func (b *Btree) readPage(n pgno, buf page) error {
	rc, err := b.file.ReadAt(buf, int64(n)*int64(b.head.psize))
	if rc == 0 {
		return fmt.Errorf("%w: page %d beyond end of file", ErrKeyNotFound, n)
	}
	if rc != int(b.head.psize) {
		return fmt.Errorf("%w: short read of page %d", ErrIO, n)
	}
	_ = err

	if buf.pgno() != n {
		return fmt.Errorf("%w: page %d has stored pgno %d", ErrCorrupted, n, buf.pgno())
	}

	return nil
}

// getMpage returns the cached page, reading it from the file on a miss.
func (b *Btree) getMpage(n pgno) (*mpage, error) {
	if mp := b.mpageLookup(n); mp != nil {
		return mp, nil
	}

	buf := make(page, b.head.psize)
	if err := b.readPage(n, buf); err != nil {
		return nil, err
	}

	mp := &mpage{pgno: n, page: buf}
	b.mpageAdd(mp)

	return mp, nil
}

// newPage allocates a page of the given type in the current write
// transaction, numbering it from the transaction's allocator and queuing it
// dirty.
func (b *Btree) newPage(flags uint32) (*mpage, error) {
	if b.txn == nil {
		return nil, ErrInvalid
	}

	mp := &mpage{
		pgno: b.txn.nextPgno,
		page: make(page, b.head.psize),
	}
	b.txn.nextPgno++
	mp.page.init(mp.pgno, flags)

	switch {
	case mp.page.isBranch():
		b.meta.branchPages++
	case mp.page.isLeaf():
		b.meta.leafPages++
	case mp.page.isOverflow():
		b.meta.overflowPages++
	}

	b.mpageAdd(mp)
	b.mpageDirty(mp)

	return mp, nil
}

// Sync flushes the file unless the handle was opened with NoSync.
func (b *Btree) Sync() error {
	if b.flags&NoSync == 0 {
		return b.file.Sync()
	}

	return nil
}

// SetCacheSize adjusts the page cache bound.
func (b *Btree) SetCacheSize(n int) {
	if n > 0 {
		b.maxCache = n
	}
}

// Stat returns the counters of the active revision.
func (b *Btree) Stat() Stat {
	return Stat{
		BranchPages:   b.meta.branchPages,
		LeafPages:     b.meta.leafPages,
		OverflowPages: b.meta.overflowPages,
		Revisions:     b.meta.revisions,
		Depth:         b.meta.depth,
		Entries:       b.meta.entries,
	}
}

// Path returns the file path the handle was opened with.
func (b *Btree) Path() string {
	return b.path
}

// PageSize returns the page size the file was created with.
func (b *Btree) PageSize() uint32 {
	return b.head.psize
}

func (b *Btree) addRef() {
	b.ref++
}

// Close drops the handle's reference. When transactions and cursors have
// all released theirs, the cache is flushed and the file closed.
func (b *Btree) Close() error {
	if b == nil {
		return nil
	}

	b.ref--
	if b.ref > 0 {
		return nil
	}

	b.mpageFlush()

	return b.file.Close()
}
