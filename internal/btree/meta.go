// meta.go implements the meta manager. A meta page anchors one committed
// revision: it names the root page, carries the tree counters, and is
// sealed with a SHA-256 hash over its contents. Meta pages are interleaved
// with data pages; the newest page whose hash validates is the current
// revision, so a torn final commit is skipped in favor of the previous one.
package btree

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Meta flags.
const metaTombstone = 0x01 // file is replaced; reopen by path

const (
	metaHashLen = 48 // hashed portion of the meta content
	metaSize    = metaHashLen + sha256.Size
)

// btmeta is the decoded content of a meta page.
type btmeta struct {
	flags         uint32
	root          pgno
	prevMeta      pgno // meta page of the previous revision, 0 if none
	createdAt     int64
	branchPages   uint32
	leafPages     uint32
	overflowPages uint32
	revisions     uint32
	depth         uint32
	entries       uint64
	hash          [sha256.Size]byte
}

func encodeMeta(dst []byte, m *btmeta) {
	binary.LittleEndian.PutUint32(dst[0:], m.flags)
	binary.LittleEndian.PutUint32(dst[4:], m.root)
	binary.LittleEndian.PutUint32(dst[8:], m.prevMeta)
	binary.LittleEndian.PutUint64(dst[12:], uint64(m.createdAt))
	binary.LittleEndian.PutUint32(dst[20:], m.branchPages)
	binary.LittleEndian.PutUint32(dst[24:], m.leafPages)
	binary.LittleEndian.PutUint32(dst[28:], m.overflowPages)
	binary.LittleEndian.PutUint32(dst[32:], m.revisions)
	binary.LittleEndian.PutUint32(dst[36:], m.depth)
	binary.LittleEndian.PutUint64(dst[40:], m.entries)
	copy(dst[metaHashLen:metaSize], m.hash[:])
}

func decodeMeta(src []byte) btmeta {
	var m btmeta
	m.flags = binary.LittleEndian.Uint32(src[0:])
	m.root = binary.LittleEndian.Uint32(src[4:])
	m.prevMeta = binary.LittleEndian.Uint32(src[8:])
	m.createdAt = int64(binary.LittleEndian.Uint64(src[12:]))
	m.branchPages = binary.LittleEndian.Uint32(src[20:])
	m.leafPages = binary.LittleEndian.Uint32(src[24:])
	m.overflowPages = binary.LittleEndian.Uint32(src[28:])
	m.revisions = binary.LittleEndian.Uint32(src[32:])
	m.depth = binary.LittleEndian.Uint32(src[36:])
	m.entries = binary.LittleEndian.Uint64(src[40:])
	copy(m.hash[:], src[metaHashLen:metaSize])

	return m
}

func encodeHead(dst []byte, h bthead) {
	binary.LittleEndian.PutUint32(dst[0:], h.magic)
	binary.LittleEndian.PutUint32(dst[4:], h.version)
	binary.LittleEndian.PutUint32(dst[8:], h.flags)
	binary.LittleEndian.PutUint32(dst[12:], h.psize)
}

func decodeHead(src []byte) bthead {
	return bthead{
		magic:   binary.LittleEndian.Uint32(src[0:]),
		version: binary.LittleEndian.Uint32(src[4:]),
		flags:   binary.LittleEndian.Uint32(src[8:]),
		psize:   binary.LittleEndian.Uint32(src[12:]),
	}
}

// isMetaPage reports whether p is a valid meta page: flagged as meta, root
// older than the meta itself, and hash intact.
func isMetaPage(p page) bool {
	if !p.isMeta() {
		return false
	}

	body := p.body()
	m := decodeMeta(body)

	if m.root >= p.pgno() && m.root != pInvalid {
		return false
	}

	sum := sha256.Sum256(body[:metaHashLen])

	return bytes.Equal(sum[:], m.hash[:])
}

// writeMeta appends a meta page anchoring root as the new revision. The
// caller is responsible for the surrounding fsyncs.
func (b *Btree) writeMeta(root pgno, flags uint32) error {
	mp, err := b.newPage(pMeta)
	if err != nil {
		return err
	}

	b.meta.flags = flags
	b.meta.prevMeta = b.metaPgno
	b.meta.root = root
	b.meta.createdAt = time.Now().Unix()
	b.meta.revisions++

	body := mp.page.body()
	encodeMeta(body, &b.meta)
	sum := sha256.Sum256(body[:metaHashLen])
	b.meta.hash = sum
	copy(body[metaHashLen:metaSize], sum[:])

	// The meta page is written directly, not through the dirty queue.
	mp.dirty = false
	b.txn.removeDirty(mp)

	n, err := b.file.Append(mp.page)
	if err != nil || n != int(b.head.psize) {
		return fmt.Errorf("%w: writing meta page %d: %v", ErrIO, mp.pgno, err)
	}

	b.metaPgno = mp.pgno
	if size, err := b.file.Size(); err == nil {
		b.size = size
	}

	b.log.Debug("meta page written",
		zap.Uint32("pgno", mp.pgno),
		zap.Uint32("root", root),
		zap.Uint32("revisions", b.meta.revisions))

	return nil
}

// readMeta refreshes the handle's view of the file: it re-checks the file
// length and, when it grew, scans backward from the last page for the
// newest valid meta page. pNext, if non-nil, receives the next unallocated
// page number for a starting transaction.
func (b *Btree) readMeta(pNext *pgno) error {
	size, err := b.file.Size()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrIO, err)
	}

	if size < b.size {
		return fmt.Errorf("%w: file shrank below %d bytes", ErrIO, b.size)
	}

	psize := int64(b.head.psize)

	if size == psize { // only the header: a fresh database
		if pNext != nil {
			*pNext = 1
		}
		return nil
	}

	nextPgno := pgno(size / psize)
	if nextPgno == 0 {
		return fmt.Errorf("%w: file smaller than a page", ErrIO)
	}

	metaPgno := nextPgno - 1

	if size%psize != 0 {
		// A torn write left a partial trailing page; pad it out before
		// the next commit.
		b.flags |= fixPadding
		nextPgno++
	}

	if pNext != nil {
		*pNext = nextPgno
	}

	if size == b.size { // nothing new since the last scan
		if b.meta.flags&metaTombstone != 0 {
			return ErrStale
		}
		return nil
	}
	b.size = size

	for metaPgno > 0 {
		mp, err := b.getMpage(metaPgno)
		if err != nil {
			break
		}
		if isMetaPage(mp.page) {
			m := decodeMeta(mp.page.body())
			if m.flags&metaTombstone != 0 {
				return ErrStale
			}
			b.meta = m
			b.metaPgno = metaPgno

			return nil
		}
		metaPgno-- // scan backward to the newest valid meta page
	}

	return fmt.Errorf("%w: no valid meta page found", ErrIO)
}

// Revert rolls the handle back to the previous committed revision by
// re-reading the meta page the active revision chains to. It only moves the
// in-memory anchor; the next commit continues the chain from the restored
// revision. Fails with ErrBusy while a write transaction is active and with
// ErrKeyNotFound when no earlier revision exists.
func (b *Btree) Revert() error {
	if b.txn != nil {
		return ErrBusy
	}
	if b.metaPgno == 0 || b.meta.prevMeta == 0 {
		return fmt.Errorf("%w: no previous revision", ErrKeyNotFound)
	}

	mp, err := b.getMpage(b.meta.prevMeta)
	if err != nil {
		return err
	}
	if !isMetaPage(mp.page) {
		return fmt.Errorf("%w: previous meta page %d does not validate", ErrCorrupted, b.meta.prevMeta)
	}

	m := decodeMeta(mp.page.body())
	if m.flags&metaTombstone != 0 {
		return ErrStale
	}

	prev := b.metaPgno
	b.metaPgno = b.meta.prevMeta
	b.meta = m

	b.log.Debug("reverted to previous revision",
		zap.Uint32("from", prev),
		zap.Uint32("to", b.metaPgno),
		zap.Uint32("revisions", b.meta.revisions))

	return nil
}
