// page.go defines the on-disk page layout and its accessors.
//
// Every page starts with a 12-byte header:
//
//	offset 0  u32  pgno
//	offset 4  u32  flags
//	offset 8  u16  lower | u32 next_pgno (overflow pages)
//	offset 10 u16  upper
//
// Branch and leaf pages hold a slot array of u16 payload offsets growing up
// from the header, and node payloads growing down from the end of the page.
// Overflow pages reuse the bounds word as the next page number of a singly
// linked chain. All integers are little-endian.
package btree

import "encoding/binary"

type pgno = uint32

const (
	pageSize    = 4096 // fallback page size
	maxPageSize = 32 * 1024

	minKeys = 4

	magic      = 0xB3DBB3DB
	version    = 4
	MaxKeySize = 255

	pInvalid pgno = 0xFFFFFFFF

	pageHdrSize = 12

	commitPages     = 64   // max pages written per gathered write
	defaultMaxCache = 1024 // max pages kept in the cache

	fillThreshold = 250 // per-mille fill below which pages rebalance
)

// Page type flags.
const (
	pBranch   = 0x01
	pLeaf     = 0x02
	pOverflow = 0x04
	pMeta     = 0x08
	pHead     = 0x10
)

// page is a raw on-disk page, always exactly psize bytes.
type page []byte

func (p page) pgno() pgno         { return binary.LittleEndian.Uint32(p[0:]) }
func (p page) setPgno(n pgno)     { binary.LittleEndian.PutUint32(p[0:], n) }
func (p page) flags() uint32      { return binary.LittleEndian.Uint32(p[4:]) }
func (p page) setFlags(f uint32)  { binary.LittleEndian.PutUint32(p[4:], f) }
func (p page) lower() int         { return int(binary.LittleEndian.Uint16(p[8:])) }
func (p page) setLower(v int)     { binary.LittleEndian.PutUint16(p[8:], uint16(v)) }
func (p page) upper() int         { return int(binary.LittleEndian.Uint16(p[10:])) }
func (p page) setUpper(v int)     { binary.LittleEndian.PutUint16(p[10:], uint16(v)) }
func (p page) nextPgno() pgno     { return binary.LittleEndian.Uint32(p[8:]) }
func (p page) setNextPgno(n pgno) { binary.LittleEndian.PutUint32(p[8:], n) }

func (p page) isLeaf() bool     { return p.flags()&pLeaf != 0 }
func (p page) isBranch() bool   { return p.flags()&pBranch != 0 }
func (p page) isOverflow() bool { return p.flags()&pOverflow != 0 }
func (p page) isMeta() bool     { return p.flags()&pMeta != 0 }
func (p page) isHead() bool     { return p.flags()&pHead != 0 }

// ptr returns the payload offset stored in slot i.
func (p page) ptr(i int) int {
	return int(binary.LittleEndian.Uint16(p[pageHdrSize+2*i:]))
}

func (p page) setPtr(i, off int) {
	binary.LittleEndian.PutUint16(p[pageHdrSize+2*i:], uint16(off))
}

// numKeys returns the number of populated slots.
func (p page) numKeys() int {
	return (p.lower() - pageHdrSize) >> 1
}

// sizeLeft returns the free bytes between the slot array and the payloads.
func (p page) sizeLeft() int {
	return p.upper() - p.lower()
}

// node returns a view of the node stored in slot i.
func (p page) node(i int) node {
	return node(p[p.ptr(i):])
}

// body returns the raw payload area of an overflow, meta or header page.
func (p page) body() []byte {
	return p[pageHdrSize:]
}

// fill returns the page fill factor in per-mille of usable bytes.
func (p page) fill() int {
	usable := len(p) - pageHdrSize

	return 1000 * (usable - p.sizeLeft()) / usable
}

// init clears the page into an empty branch/leaf/overflow/meta page.
func (p page) init(n pgno, flags uint32) {
	for i := range p {
		p[i] = 0
	}
	p.setPgno(n)
	p.setFlags(flags)
	if flags&(pBranch|pLeaf) != 0 {
		p.setLower(pageHdrSize)
		p.setUpper(len(p))
	}
}
