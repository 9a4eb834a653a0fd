// cursor.go implements ordered traversal. A cursor keeps the descent stack
// from the root to its current leaf; moving past the end of a leaf pops
// frames until an ancestor can advance, then pushes back down the leftmost
// path of the next subtree. Pages on the stack are pinned in the cache
// through their reference counts.
package btree

import "fmt"

// CursorOp selects what a Cursor.Get call does.
type CursorOp int

const (
	// CursorSet positions at the smallest key greater than or equal to
	// the given key.
	CursorSet CursorOp = iota
	// CursorSetExact positions at the given key, failing unless present.
	CursorSetExact
	// CursorFirst positions at the first key of the database.
	CursorFirst
	// CursorNext advances to the next key in order.
	CursorNext
)

type cframe struct {
	mp *mpage
	ki int // cursor index on the page
}

// Cursor traverses a transaction's view of the tree in key order.
type Cursor struct {
	bt          *Btree
	txn         *Txn
	stack       []cframe
	initialized bool
	eof         bool
}

// CursorOpen creates a cursor over the transaction's snapshot. The caller
// must Close it before the transaction finishes.
func (t *Txn) CursorOpen() (*Cursor, error) {
	if t == nil || t.bt == nil {
		return nil, ErrInvalid
	}
	t.bt.addRef()

	return &Cursor{bt: t.bt, txn: t}, nil
}

// Close releases the cursor's page pins and its handle reference.
func (c *Cursor) Close() {
	if c == nil || c.bt == nil {
		return
	}
	c.clearStack()
	_ = c.bt.Close()
	c.bt = nil
}

func (c *Cursor) top() *cframe {
	return &c.stack[len(c.stack)-1]
}

func (c *Cursor) pushPage(mp *mpage) {
	mp.ref++
	c.stack = append(c.stack, cframe{mp: mp})
}

func (c *Cursor) popPage() {
	top := c.top()
	top.mp.ref--
	c.stack = c.stack[:len(c.stack)-1]
}

func (c *Cursor) clearStack() {
	for len(c.stack) > 0 {
		c.popPage()
	}
}

// setKey materializes the full key of a node: page prefix plus stored
// bytes, in a fresh caller-owned slice.
func setKey(mp *mpage, nd node) []byte {
	key := make([]byte, 0, mp.prefix.n+nd.ksize())
	key = append(key, mp.prefix.bytes()...)
	key = append(key, nd.key()...)

	return key
}

// sibling moves the cursor to the adjacent leaf, popping exhausted frames
// and pushing back down the edge of the neighboring subtree.
func (c *Cursor) sibling(moveRight bool) error {
	if len(c.stack) < 2 {
		return fmt.Errorf("%w: root page has no siblings", ErrKeyNotFound)
	}

	parent := &c.stack[len(c.stack)-2]
	c.popPage()

	atEdge := parent.ki == 0
	if moveRight {
		atEdge = parent.ki+1 >= parent.mp.page.numKeys()
	}

	if atEdge {
		if err := c.sibling(moveRight); err != nil {
			return err
		}
		parent = c.top()
	} else if moveRight {
		parent.ki++
	} else {
		parent.ki--
	}

	mp, err := c.bt.getMpage(parent.mp.page.node(parent.ki).pgno())
	if err != nil {
		return err
	}
	mp.parent = parent.mp
	mp.parentIndex = parent.ki

	c.pushPage(mp)
	findCommonPrefix(mp)

	return nil
}

// next advances within the current leaf, moving to the right sibling when
// the leaf is exhausted.
func (c *Cursor) next() ([]byte, []byte, error) {
	if c.eof {
		return nil, nil, ErrKeyNotFound
	}

	top := c.top()
	if top.ki+1 >= top.mp.page.numKeys() {
		if err := c.sibling(true); err != nil {
			c.eof = true
			return nil, nil, ErrKeyNotFound
		}
		top = c.top()
	} else {
		top.ki++
	}

	return c.current()
}

// set positions the cursor at key. With exact set it fails unless the key
// is present; otherwise it lands on the smallest key greater or equal,
// crossing into the next leaf when the found leaf's keys are all smaller.
func (c *Cursor) set(key []byte, exact bool) ([]byte, []byte, error) {
	mp, err := c.bt.searchPage(c.txn, key, c, false)
	if err != nil {
		return nil, nil, err
	}

	top := c.top()
	idx, isExact := c.bt.searchNode(mp, key)
	top.ki = idx

	if exact && !isExact {
		return nil, nil, ErrKeyNotFound
	}

	if idx >= mp.page.numKeys() {
		// The key is greater than everything here: continue on the
		// next page.
		if err := c.sibling(true); err != nil {
			return nil, nil, err
		}
		c.top().ki = 0
	}

	c.initialized = true
	c.eof = false

	return c.current()
}

// first positions the cursor at the leftmost leaf's first entry.
func (c *Cursor) first() ([]byte, []byte, error) {
	_, err := c.bt.searchPage(c.txn, nil, c, false)
	if err != nil {
		return nil, nil, err
	}

	c.top().ki = 0
	c.initialized = true
	c.eof = false

	return c.current()
}

// current returns the entry under the cursor.
func (c *Cursor) current() ([]byte, []byte, error) {
	top := c.top()
	nd := top.mp.page.node(top.ki)

	data, err := c.bt.readData(nd)
	if err != nil {
		return nil, nil, err
	}

	return setKey(top.mp, nd), data, nil
}

// Get performs a cursor operation and returns the entry it lands on. key is
// only consulted for CursorSet and CursorSetExact.
func (c *Cursor) Get(key []byte, op CursorOp) ([]byte, []byte, error) {
	if c == nil || c.bt == nil || c.txn == nil || c.txn.bt == nil {
		return nil, nil, ErrInvalid
	}

	var (
		k, v []byte
		err  error
	)

	switch op {
	case CursorSet, CursorSetExact:
		c.clearStack()
		if verr := validKey(key); verr != nil {
			err = verr
			break
		}
		k, v, err = c.set(key, op == CursorSetExact)
	case CursorNext:
		if !c.initialized {
			k, v, err = c.first()
		} else {
			k, v, err = c.next()
		}
	case CursorFirst:
		c.clearStack()
		k, v, err = c.first()
	default:
		err = fmt.Errorf("%w: unknown cursor op %d", ErrInvalid, op)
	}

	c.bt.mpagePrune()

	return k, v, err
}
