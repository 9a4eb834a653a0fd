// prefix.go implements per-page key prefix compression.
//
// Every branch/leaf page stores its keys with a common prefix removed. The
// prefix is never stored in the page itself: it is the longest common prefix
// of the two ancestor separators bounding the page, recomputed on every
// descent. Reads reconstruct full keys by concatenation; structural moves
// re-apply each page's prefix wholesale when it changes.
//
// Separator minimization at split time follows prefix B-trees
// (Bayer & Unterauer, 1977).
package btree

import "bytes"

// btkey is a fixed-capacity key buffer used for prefix bookkeeping, sized to
// the maximum key length.
type btkey struct {
	n   int
	str [MaxKeySize]byte
}

func (k *btkey) bytes() []byte {
	return k.str[:k.n]
}

func (k *btkey) set(b []byte) {
	k.n = copy(k.str[:], b)
}

// Compare is the store's key ordering: lexicographic byte-wise with length
// as the tiebreaker.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// commonPrefix computes the longest common prefix of min and max. An empty
// bound yields an empty prefix.
func commonPrefix(min, max, pfx *btkey) {
	if min.n == 0 || max.n == 0 {
		pfx.n = 0
		return
	}

	n := 0
	for n < min.n && n < max.n && min.str[n] == max.str[n] {
		n++
	}

	copy(pfx.str[:], max.str[:n])
	pfx.n = n
}

// stripPrefix drops the leading pfxlen bytes of key.
func stripPrefix(key []byte, pfxlen int) []byte {
	if pfxlen <= 0 {
		return key
	}
	if pfxlen >= len(key) {
		return key[len(key):]
	}

	return key[pfxlen:]
}

// expandPrefix reconstructs the full key of slot indx: page prefix plus the
// stored bytes.
func expandPrefix(mp *mpage, indx int, expkey *btkey) {
	nd := mp.page.node(indx)
	n := copy(expkey.str[:], mp.prefix.bytes())
	n += copy(expkey.str[n:], nd.key())
	expkey.n = n
}

// cmpStripped compares a full query key against a stored node key, stripping
// the page prefix off the query first.
func cmpStripped(key, nodeKey []byte, pfx *btkey) int {
	return Compare(stripPrefix(key, pfx.n), nodeKey)
}

// findCommonPrefix computes the effective prefix of mp from its bounding
// ancestor separators: the nearest non-leftmost separator on the left and
// the nearest non-rightmost separator on the right. With only one bound
// present, the parent's prefix is inherited; the root has none.
func findCommonPrefix(mp *mpage) {
	mp.prefix.n = 0

	var lbound, ubound int

	lp := mp
	for lp.parent != nil {
		if lp.parentIndex > 0 {
			lbound = lp.parentIndex
			break
		}
		lp = lp.parent
	}

	up := mp
	for up.parent != nil {
		if up.parentIndex+1 < up.parent.page.numKeys() {
			ubound = up.parentIndex + 1
			break
		}
		up = up.parent
	}

	if lp.parent != nil && up.parent != nil {
		var lprefix, uprefix btkey
		expandPrefix(lp.parent, lbound, &lprefix)
		expandPrefix(up.parent, ubound, &uprefix)
		commonPrefix(&lprefix, &uprefix, &mp.prefix)
	} else if mp.parent != nil {
		mp.prefix = mp.parent.prefix
	}
}

// adjustPrefix rewrites every key on mp after its effective prefix changed
// by delta bytes: for delta > 0 the leading delta bytes are stripped, for
// delta < 0 the fell bytes (the tail the old prefix lost) are prepended.
// The implicit empty key in branch slot 0 is left alone.
func (b *Btree) adjustPrefix(mp *mpage, delta int, fell []byte) error {
	var tmpkey btkey

	start := 0
	if mp.page.isBranch() {
		start = 1
	}

	for i := start; i < mp.page.numKeys(); i++ {
		nd := mp.page.node(i)
		if delta > 0 {
			tmpkey.set(nd.key()[delta:])
		} else {
			n := copy(tmpkey.str[:], fell)
			n += copy(tmpkey.str[n:], nd.key())
			tmpkey.n = n
		}
		if err := mp.updateKey(i, tmpkey.bytes()); err != nil {
			return err
		}
	}

	return nil
}

// reduceSeparator truncates sep to the minimum length that still compares
// greater than min: one byte past their first differing position.
func reduceSeparator(min, sep []byte) []byte {
	n := 0
	for n < len(min) && n < len(sep) && min[n] == sep[n] {
		n++
	}

	if n+1 > len(sep) {
		return sep
	}

	return sep[:n+1]
}
