// node.go implements the variable-length node codec inside branch and leaf
// pages.
//
// A node is laid out as a 7-byte header followed by the key bytes and, on
// leaves, the value bytes:
//
//	offset 0 u32  child pgno (branch) | data size (leaf)
//	offset 4 u16  key size
//	offset 6 u8   flags
//	offset 7      key bytes, then value bytes or a u32 overflow head pgno
//
// Keys are stored with the page prefix already stripped.
package btree

import "encoding/binary"

const nodeHdrSize = 7

// Node flags.
const fBigData = 0x01 // value lives on an overflow chain

// node is a view into a page's payload area.
type node []byte

func (n node) pgno() pgno        { return binary.LittleEndian.Uint32(n[0:]) }
func (n node) setPgno(p pgno)    { binary.LittleEndian.PutUint32(n[0:], p) }
func (n node) dsize() int        { return int(binary.LittleEndian.Uint32(n[0:])) }
func (n node) setDsize(size int) { binary.LittleEndian.PutUint32(n[0:], uint32(size)) }
func (n node) ksize() int        { return int(binary.LittleEndian.Uint16(n[4:])) }
func (n node) setKsize(size int) { binary.LittleEndian.PutUint16(n[4:], uint16(size)) }
func (n node) flags() uint8      { return n[6] }
func (n node) setFlags(f uint8)  { n[6] = f }

// key returns the stored (prefix-stripped) key bytes.
func (n node) key() []byte {
	return n[nodeHdrSize : nodeHdrSize+n.ksize()]
}

// data returns the value area following the key. For big-data nodes this
// holds the 4-byte overflow head pgno, not the value itself.
func (n node) data() []byte {
	if n.flags()&fBigData != 0 {
		return n[nodeHdrSize+n.ksize() : nodeHdrSize+n.ksize()+4]
	}

	return n[nodeHdrSize+n.ksize() : nodeHdrSize+n.ksize()+n.dsize()]
}

// overflowPgno returns the overflow chain head of a big-data node.
func (n node) overflowPgno() pgno {
	return binary.LittleEndian.Uint32(n[nodeHdrSize+n.ksize():])
}

// btval carries a value through structural operations. size is the logical
// value size; for big-data nodes in transit, data holds only the 4-byte
// overflow head while size keeps the full length, mirroring the node codec.
type btval struct {
	data []byte
	size int
}

// physSize returns the bytes a node occupies in the payload area.
func (n node) physSize(leaf bool) int {
	sz := nodeHdrSize + n.ksize()
	if leaf {
		if n.flags()&fBigData != 0 {
			sz += 4
		} else {
			sz += n.dsize()
		}
	}

	return sz
}

// leafSize returns the space a leaf insertion requires, slot included.
func (b *Btree) leafSize(key []byte, data btval) int {
	sz := nodeHdrSize + len(key) + data.size
	if data.size >= int(b.head.psize)/minKeys {
		// Value goes on an overflow chain; the node keeps the head pgno.
		sz -= data.size - 4
	}

	return sz + 2
}

// branchSize returns the space a branch insertion requires, slot included.
func (b *Btree) branchSize(key []byte) int {
	return nodeHdrSize + len(key) + 2
}

// addNode inserts a node at slot indx of mp. The key must already be
// stripped of the page prefix. For leaves, data carries the value; values at
// or above psize/4 are spilled to a fresh overflow chain. For branches, n is
// the child page number. Returns errPageFull when the page cannot hold the
// node; the caller splits.
func (b *Btree) addNode(mp *mpage, indx int, key []byte, data btval, n pgno, flags uint8) error {
	p := mp.page

	nodeSize := nodeHdrSize + len(key)

	var ofp *mpage // overflow page
	if p.isLeaf() {
		nodeSize += data.size
		if flags&fBigData != 0 {
			// Value already lives on an overflow chain.
			nodeSize -= data.size - 4
		} else if data.size >= int(b.head.psize)/minKeys {
			// Spill the value to an overflow chain.
			nodeSize -= data.size - 4
			var err error
			if ofp, err = b.newPage(pOverflow); err != nil {
				return err
			}
			flags |= fBigData
		}
	}

	if nodeSize+2 > p.sizeLeft() {
		return errPageFull
	}

	// Move higher slots up by one.
	for i := p.numKeys(); i > indx; i-- {
		p.setPtr(i, p.ptr(i-1))
	}

	ofs := p.upper() - nodeSize
	p.setPtr(indx, ofs)
	p.setUpper(ofs)
	p.setLower(p.lower() + 2)

	nd := p.node(indx)
	nd.setKsize(len(key))
	nd.setFlags(flags)
	if p.isLeaf() {
		nd.setDsize(data.size)
	} else {
		nd.setPgno(n)
	}

	copy(nd[nodeHdrSize:], key)

	if p.isLeaf() {
		payload := nd[nodeHdrSize+len(key):]
		switch {
		case ofp != nil:
			binary.LittleEndian.PutUint32(payload, ofp.pgno)
			if err := b.writeOverflowData(ofp.page, data.data); err != nil {
				return err
			}
		case flags&fBigData != 0:
			copy(payload, data.data[:4])
		default:
			copy(payload, data.data[:data.size])
		}
	}

	return nil
}

// delNode removes the node at slot indx of mp, reclaiming its payload bytes
// and fixing up every surviving slot offset below it.
func (mp *mpage) delNode(indx int) {
	p := mp.page

	sz := p.node(indx).physSize(p.isLeaf())
	ptr := p.ptr(indx)

	numKeys := p.numKeys()
	j := 0
	for i := 0; i < numKeys; i++ {
		if i == indx {
			continue
		}
		if p.ptr(i) < ptr {
			p.setPtr(j, p.ptr(i)+sz)
		} else {
			p.setPtr(j, p.ptr(i))
		}
		j++
	}

	upper := p.upper()
	copy(p[upper+sz:ptr+sz], p[upper:ptr])

	p.setLower(p.lower() - 2)
	p.setUpper(upper + sz)
}

// updateKey overwrites the key of the node at slot indx, shifting payloads
// when the size changes.
func (mp *mpage) updateKey(indx int, key []byte) error {
	p := mp.page

	nd := p.node(indx)
	ptr := p.ptr(indx)

	if len(key) != nd.ksize() {
		delta := len(key) - nd.ksize()
		if delta > 0 && p.sizeLeft() < delta {
			return errPageFull
		}

		numKeys := p.numKeys()
		for i := 0; i < numKeys; i++ {
			if p.ptr(i) <= ptr {
				p.setPtr(i, p.ptr(i)-delta)
			}
		}

		upper := p.upper()
		length := ptr - upper + nodeHdrSize
		copy(p[upper-delta:upper-delta+length], p[upper:upper+length])
		p.setUpper(upper - delta)

		nd = p.node(indx)
		nd.setKsize(len(key))
	}

	copy(nd[nodeHdrSize:], key)

	return nil
}

// writeOverflowData lays the value out across a chain of overflow pages
// rooted at p, allocating continuation pages as needed.
func (b *Btree) writeOverflowData(p page, data []byte) error {
	max := int(b.head.psize) - pageHdrSize

	for done := 0; done < len(data); {
		rest := len(data) - done
		if rest > max {
			// Need another overflow page.
			next, err := b.newPage(pOverflow)
			if err != nil {
				return err
			}
			p.setNextPgno(next.pgno)

			sz := copy(p.body(), data[done:done+max])
			done += sz
			p = next.page
		} else {
			p.setNextPgno(0)
			done += copy(p.body(), data[done:])
		}
	}

	return nil
}
