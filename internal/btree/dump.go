// dump.go exposes a read-only walk over the tree structure for offline
// inspection tooling.
package btree

// PageInfo describes one tree page to a WalkTree visitor. Keys are full
// reconstructed keys; on branch pages the slot 0 separator is the implicit
// low key and is reported empty.
type PageInfo struct {
	Pgno    uint32
	Level   int // 0 at the root
	Branch  bool
	NumKeys int
	Fill    int // per-mille of usable bytes
	Prefix  []byte
	Keys    [][]byte
}

// WalkTree visits every branch and leaf page of the transaction's snapshot
// in depth-first order.
func (t *Txn) WalkTree(visit func(info PageInfo) error) error {
	if t == nil || t.bt == nil {
		return ErrInvalid
	}
	if t.root == pInvalid {
		return nil
	}

	mp, err := t.bt.getMpage(t.root)
	if err != nil {
		return err
	}
	mp.parent = nil
	mp.prefix.n = 0

	return t.bt.walkPage(mp, 0, visit)
}

func (b *Btree) walkPage(mp *mpage, level int, visit func(info PageInfo) error) error {
	p := mp.page

	info := PageInfo{
		Pgno:    mp.pgno,
		Level:   level,
		Branch:  p.isBranch(),
		NumKeys: p.numKeys(),
		Fill:    p.fill(),
		Prefix:  append([]byte(nil), mp.prefix.bytes()...),
	}

	var full btkey
	for i := 0; i < p.numKeys(); i++ {
		if i == 0 && p.isBranch() {
			info.Keys = append(info.Keys, nil)
			continue
		}
		expandPrefix(mp, i, &full)
		info.Keys = append(info.Keys, append([]byte(nil), full.bytes()...))
	}

	if err := visit(info); err != nil {
		return err
	}

	if !p.isBranch() {
		return nil
	}

	for i := 0; i < p.numKeys(); i++ {
		child, err := b.getMpage(p.node(i).pgno())
		if err != nil {
			return err
		}
		child.parent = mp
		child.parentIndex = i
		findCommonPrefix(child)

		if err := b.walkPage(child, level+1, visit); err != nil {
			return err
		}
	}

	return nil
}
