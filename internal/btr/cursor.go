package btr

import (
	"fmt"

	"btrcore/internal/ahi"
	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

// LatchMode selects how a search latches the tree and its pages.
type LatchMode int

const (
	// SearchLeaf S-latches the leaf and keeps nothing else.
	SearchLeaf LatchMode = iota
	// ModifyLeaf X-latches the leaf and keeps nothing else.
	ModifyLeaf
	// ModifyTree takes the tree latch in X mode and X-latches the path,
	// the leaf and both leaf siblings, keeping everything until commit.
	ModifyTree
	// ContModifyTree searches again inside a mini-transaction that
	// already holds the tree latch in X mode.
	ContModifyTree
)

func (l LatchMode) String() string {
	switch l {
	case SearchLeaf:
		return "search-leaf"
	case ModifyLeaf:
		return "modify-leaf"
	case ModifyTree:
		return "modify-tree"
	case ContModifyTree:
		return "cont-modify-tree"
	}
	return fmt.Sprintf("LatchMode(%d)", int(l))
}

func (l LatchMode) page() mtr.LatchMode {
	if l == SearchLeaf {
		return mtr.SLatch
	}
	return mtr.XLatch
}

// Cursor is a position on a latched page, valid inside the mini-transaction
// that produced it.
type Cursor struct {
	tree  *Tree
	mtr   *mtr.MTR
	block *storage.Block
	latch mtr.LatchMode

	rec               int
	low, up           int
	lowMatch, upMatch rec.Match

	// Left and Right are the X-latched leaf siblings of a ModifyTree search.
	Left, Right *storage.Block

	hashHit  bool
	treeSlot int
}

// Block returns the page the cursor is on.
func (c *Cursor) Block() *storage.Block { return c.block }

// Page returns the frame of the page the cursor is on.
func (c *Cursor) Page() page.Page { return c.block.Page() }

// Rec returns the offset of the record the cursor is on.
func (c *Cursor) Rec() int { return c.rec }

// Low and Up are the records around the search key.
func (c *Cursor) Low() int { return c.low }
func (c *Cursor) Up() int  { return c.up }

// HashHit reports whether the adaptive hash index served the search.
func (c *Cursor) HashHit() bool { return c.hashHit }

// IsUser reports whether the cursor is on a user record.
func (c *Cursor) IsUser() bool { return c.Page().IsUser(c.rec) }

// Tuple copies the record under the cursor, uniquifier stripped.
func (c *Cursor) Tuple() rec.Tuple {
	return c.tree.toUser(c.tree.recordOf(c.Page(), c.rec))
}

// Key copies the key fields of the record under the cursor.
func (c *Cursor) Key() rec.Tuple {
	return c.tree.keyOf(c.Page(), c.rec)
}

func (c *Cursor) position(tup rec.Tuple, mode page.Mode) {
	var offs rec.Offsets
	res := c.Page().Search(c.tree.ix, tup, mode, &offs)
	c.rec, c.low, c.up = res.Rec, res.Low, res.Up
	c.lowMatch, c.upMatch = res.LowMatch, res.UpMatch
}

// matchesLow reports whether the low record equals tup on its fields.
func (c *Cursor) matchesLow(tup rec.Tuple) bool {
	p := c.Page()
	if !p.IsUser(c.low) {
		return false
	}
	var offs rec.Offsets
	n := min(len(tup), c.tree.ix.NUniq)
	cmp, _ := rec.Compare(tup, p.B, c.low, p.Offsets(c.tree.ix, c.low, &offs), n)
	return cmp == 0
}

// Search positions a cursor on the leaf level.
func (t *Tree) Search(m *mtr.MTR, tup rec.Tuple, mode page.Mode, latch LatchMode) (*Cursor, error) {
	return t.SearchToLevel(m, 0, tup, mode, latch)
}

// SearchToLevel descends from the root to level and positions a cursor on
// the page there that tup leads to under mode. Node pointer levels are
// searched with mode.NonLeaf().
func (t *Tree) SearchToLevel(m *mtr.MTR, level int, tup rec.Tuple, mode page.Mode, latch LatchMode) (*Cursor, error) {
	if latch == ContModifyTree && !m.HoldsTree(&t.latch, mtr.XLatch) {
		panic("btr: continued tree search without the tree latch")
	}
	c := &Cursor{tree: t, mtr: m, latch: latch.page()}

	leafOnly := level == 0 && latch <= ModifyLeaf
	hashTried := false
	if leafOnly && t.env.AHI != nil && t.env.AHI.Enabled() && t.info.LastHashSucc() {
		hashTried = true
		if c.guess(tup, mode) {
			return c, nil
		}
	}

	c.treeSlot = m.Savepoint()
	switch latch {
	case SearchLeaf, ModifyLeaf:
		m.LatchTree(&t.latch, mtr.SLatch)
	case ModifyTree:
		m.LatchTree(&t.latch, mtr.XLatch)
	}

	upper := mtr.SLatch
	if latch >= ModifyTree {
		upper = mtr.XLatch
	}
	b, err := m.GetPage(t.rootKey(), upper)
	if err != nil {
		return nil, err
	}
	if err := t.checkNode(b, -1); err != nil {
		return nil, err
	}
	lvl := b.Page().Level()
	if lvl < level {
		return nil, fmt.Errorf("btr: index %d has no level %d", t.def.ID, level)
	}
	if lvl == level && c.latch != upper {
		m.ReleaseBlock(b)
		if b, err = m.GetPage(t.rootKey(), c.latch); err != nil {
			return nil, err
		}
	}

	var offs rec.Offsets
	for lvl > level {
		p := b.Page()
		res := p.Search(t.ix, tup, mode.NonLeaf(), &offs)
		if !p.IsUser(res.Rec) {
			return nil, t.corruption(b.Key(), "no node pointer for %s at level %d", tup, lvl)
		}
		child := t.pageKey(p.ChildPageNo(t.ix, res.Rec, &offs))
		lvl--

		var cb *storage.Block
		switch {
		case lvl == 0 && latch == ModifyTree:
			cb, err = c.latchLeaves(child)
		case lvl == level:
			cb, err = m.GetPage(child, c.latch)
		default:
			cb, err = m.GetPage(child, upper)
		}
		if err != nil {
			return nil, err
		}
		if err := t.checkNode(cb, lvl); err != nil {
			return nil, err
		}
		if latch <= ModifyLeaf {
			m.ReleaseBlock(b)
		}
		b = cb
	}

	c.block = b
	c.position(tup, mode)
	if latch <= ModifyLeaf {
		m.ReleaseAt(c.treeSlot)
	}
	if leafOnly && t.env.AHI != nil {
		t.env.AHI.Update(t.ix, t.info, b, ahi.Outcome{
			Tuple:    tup,
			Rec:      c.rec,
			LowMatch: c.lowMatch,
			UpMatch:  c.upMatch,
			HashFail: hashTried,
		})
	}
	return c, nil
}

// latchLeaves X-latches the leaf at key together with its siblings, left
// to right. The left sibling is read from the leaf before it is latched;
// the tree latch keeps the link stable.
func (c *Cursor) latchLeaves(key base.PageKey) (*storage.Block, error) {
	t, m := c.tree, c.mtr
	nb, err := m.GetPage(key, mtr.NoLatch)
	if err != nil {
		return nil, err
	}
	prev := nb.Page().Prev()
	m.ReleaseBlock(nb)

	if prev != base.FilNull {
		if c.Left, err = m.GetPage(t.pageKey(prev), mtr.XLatch); err != nil {
			return nil, err
		}
		if err := t.checkNode(c.Left, 0); err != nil {
			return nil, err
		}
	}
	b, err := m.GetPage(key, mtr.XLatch)
	if err != nil {
		return nil, err
	}
	p := b.Page()
	if c.Left != nil && c.Left.Page().Next() != key.PageNo {
		return nil, t.corruption(key, "left sibling %d links to %d", prev, c.Left.Page().Next())
	}
	if next := p.Next(); next != base.FilNull {
		if c.Right, err = m.GetPage(t.pageKey(next), mtr.XLatch); err != nil {
			return nil, err
		}
		if err := t.checkNode(c.Right, 0); err != nil {
			return nil, err
		}
		if c.Right.Page().Prev() != key.PageNo {
			return nil, t.corruption(key, "right sibling %d links back to %d", next, c.Right.Page().Prev())
		}
	}
	return b, nil
}

// guess tries the adaptive hash index. On success the leaf is latched in
// the mini-transaction and the cursor positioned.
func (c *Cursor) guess(tup rec.Tuple, mode page.Mode) bool {
	t := c.tree
	g, ok := t.env.AHI.GuessOnHash(t.ix, t.info, tup, mode, c.latch, c.mtr)
	if !ok {
		return false
	}
	c.block, c.rec, c.hashHit = g.Block, g.Rec, true
	p := c.Page()
	if mode == page.ModeG || mode == page.ModeGE {
		c.up, c.low = g.Rec, p.PrevRec(g.Rec)
	} else {
		c.low, c.up = g.Rec, p.NextRec(g.Rec)
	}
	c.lowMatch, c.upMatch = c.matchAt(tup, c.low), c.matchAt(tup, c.up)
	return true
}

func (c *Cursor) matchAt(tup rec.Tuple, o int) rec.Match {
	p := c.Page()
	if !p.IsUser(o) {
		return rec.Match{}
	}
	var offs rec.Offsets
	_, m := rec.Compare(tup, p.B, o, p.Offsets(c.tree.ix, o, &offs), c.tree.ix.NUniq)
	return m
}

// FirstLeaf positions a cursor on the infimum of the leftmost leaf.
func (t *Tree) FirstLeaf(m *mtr.MTR, latch LatchMode) (*Cursor, error) {
	return t.edgeLeaf(m, latch, true)
}

// LastLeaf positions a cursor on the supremum of the rightmost leaf.
func (t *Tree) LastLeaf(m *mtr.MTR, latch LatchMode) (*Cursor, error) {
	return t.edgeLeaf(m, latch, false)
}

func (t *Tree) edgeLeaf(m *mtr.MTR, latch LatchMode, left bool) (*Cursor, error) {
	c := &Cursor{tree: t, mtr: m, latch: latch.page(), treeSlot: m.Savepoint()}
	m.LatchTree(&t.latch, mtr.SLatch)
	b, err := m.GetPage(t.rootKey(), mtr.SLatch)
	if err != nil {
		return nil, err
	}
	if err := t.checkNode(b, -1); err != nil {
		return nil, err
	}
	if b.Page().IsLeaf() && c.latch != mtr.SLatch {
		m.ReleaseBlock(b)
		if b, err = m.GetPage(t.rootKey(), c.latch); err != nil {
			return nil, err
		}
	}
	for lvl := b.Page().Level(); lvl > 0; {
		p := b.Page()
		o := p.First()
		if !left {
			o = p.Last()
		}
		if !p.IsUser(o) {
			return nil, t.corruption(b.Key(), "empty node pointer page")
		}
		lvl--
		mode := mtr.SLatch
		if lvl == 0 {
			mode = c.latch
		}
		cb, err := m.GetPage(t.pageKey(t.childOf(p, o)), mode)
		if err != nil {
			return nil, err
		}
		if err := t.checkNode(cb, lvl); err != nil {
			return nil, err
		}
		m.ReleaseBlock(b)
		b = cb
	}
	m.ReleaseAt(c.treeSlot)
	c.block = b
	if left {
		c.rec = b.Page().Infimum()
	} else {
		c.rec = b.Page().Supremum()
	}
	c.low, c.up = c.rec, c.rec
	return c, nil
}

// Next moves to the next user record, crossing to the right sibling with
// latch coupling. It returns false on the supremum of the last leaf.
func (c *Cursor) Next() (bool, error) {
	p := c.Page()
	o := c.rec
	if !p.IsSupremum(o) {
		o = p.NextRec(o)
	}
	for p.IsSupremum(o) {
		next := p.Next()
		if next == base.FilNull {
			c.rec = o
			return false, nil
		}
		nb, err := c.mtr.GetPage(c.tree.pageKey(next), c.latch)
		if err != nil {
			return false, err
		}
		if err := c.tree.checkNode(nb, p.Level()); err != nil {
			return false, err
		}
		c.release()
		c.block = nb
		p = nb.Page()
		o = p.First()
	}
	c.rec = o
	return true, nil
}

// Prev moves to the previous user record. Latching a left sibling while
// holding a page would invert the latch order, so at a page boundary the
// page is released first and the link is verified once the left sibling is
// latched; if it changed meanwhile the position is restored by a search.
func (c *Cursor) Prev() (bool, error) {
	p := c.Page()
	if !p.IsInfimum(c.rec) {
		if o := p.PrevRec(c.rec); !p.IsInfimum(o) {
			c.rec = o
			return true, nil
		}
	}
	for {
		p = c.Page()
		prev := p.Prev()
		if prev == base.FilNull {
			c.rec = p.Infimum()
			return false, nil
		}
		cur := c.block.Key().PageNo
		level := p.Level()
		var saved rec.Tuple
		if first := p.First(); p.IsUser(first) {
			saved = c.tree.keyOf(p, first)
		}
		c.release()

		lb, err := c.mtr.GetPage(c.tree.pageKey(prev), c.latch)
		if err != nil {
			return false, err
		}
		lp := lb.Page()
		if lp.Type() == page.TypeIndex && lp.IndexID() == c.tree.def.ID && lp.Level() == level &&
			lp.Next() == cur && lp.NRecs() > 0 {
			c.block, c.rec = lb, lp.Last()
			return true, nil
		}
		c.mtr.ReleaseBlock(lb)
		if saved == nil {
			return false, c.tree.corruption(c.tree.pageKey(cur), "empty page in a scan")
		}

		latch := SearchLeaf
		if c.latch == mtr.XLatch {
			latch = ModifyLeaf
		}
		nc, err := c.tree.SearchToLevel(c.mtr, 0, saved, page.ModeL, latch)
		if err != nil {
			return false, err
		}
		*c = *nc
		if !c.Page().IsInfimum(c.rec) {
			return true, nil
		}
	}
}

func (c *Cursor) release() {
	if c.block != nil {
		c.mtr.ReleaseBlock(c.block)
	}
}
