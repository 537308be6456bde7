package btr

import (
	"fmt"

	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
	"btrcore/internal/zip"
)

// Delete removes the record with the given key. On a non-unique index the
// key fields select the last of the equal records.
func (t *Tree) Delete(key rec.Tuple) error {
	if err := t.usable(); err != nil {
		return err
	}
	if len(key) < t.def.NUniq {
		return fmt.Errorf("%w: key has %d fields, index %d needs %d", base.ErrInvalidTuple, len(key), t.def.ID, t.def.NUniq)
	}
	key = key[:t.def.NUniq]

	done := false
	err := t.run(func(m *mtr.MTR) error {
		c, err := t.Search(m, key, page.ModeLE, ModifyLeaf)
		if err != nil {
			return err
		}
		if !c.matchesLow(key) {
			// Node pointers of leaves may be lower than the first record,
			// so the key can still sit at the end of the left sibling.
			if p := c.Page(); p.IsInfimum(c.low) && p.Prev() != base.FilNull {
				return nil
			}
			return fmt.Errorf("%w: %s in index %d", base.ErrKeyNotFound, key, t.def.ID)
		}
		c.rec = c.low
		done = t.deleteOptimistic(m, c)
		return nil
	})
	if err != nil || done {
		return err
	}
	return t.run(func(m *mtr.MTR) error {
		return t.deletePessimistic(m, key)
	})
}

// deleteOptimistic deletes without touching the tree structure when the
// page stays full enough and keeps a sibling.
func (t *Tree) deleteOptimistic(m *mtr.MTR, c *Cursor) bool {
	b := c.block
	p := b.Page()
	if b.Key().PageNo != t.root {
		if p.NRecs() < 2 || (p.Prev() == base.FilNull && p.Next() == base.FilNull) {
			return false
		}
		var offs rec.Offsets
		size := p.Offsets(t.ix, c.rec, &offs).Size()
		if p.DataSize()-size < t.mergeLimit() {
			return false
		}
	}
	t.deleteRec(m, b, c.rec)
	return true
}

func (t *Tree) deletePessimistic(m *mtr.MTR, key rec.Tuple) error {
	sp := m.Savepoint()
	c, err := t.Search(m, key, page.ModeLE, ModifyTree)
	if err != nil {
		return err
	}
	if !c.matchesLow(key) {
		left := c.Left
		if !c.Page().IsInfimum(c.low) || left == nil {
			return fmt.Errorf("%w: %s in index %d", base.ErrKeyNotFound, key, t.def.ID)
		}
		lp := left.Page()
		last := lp.Last()
		if !lp.IsUser(last) || t.compareAt(lp, last, key) != 0 {
			return fmt.Errorf("%w: %s in index %d", base.ErrKeyNotFound, key, t.def.ID)
		}
		// Search again for the exact record so that its own siblings
		// are the ones latched.
		full := t.keyOf(lp, last)
		m.ReleaseToSavepoint(sp)
		if c, err = t.Search(m, full, page.ModeLE, ModifyTree); err != nil {
			return err
		}
		if !c.matchesLow(full) {
			return t.corruption(c.block.Key(), "record %s vanished under the tree latch", full)
		}
	}
	c.rec = c.low

	root, err := m.GetPage(t.rootKey(), mtr.XLatch)
	if err != nil {
		return err
	}
	// Replacing a node pointer key may split the father.
	n := root.Page().Level() + 1
	if t.def.ZipSize > 0 {
		n = t.splitReserve(root.Page().Level())
	}
	res, err := m.Reserve(t.def.Space, n)
	if err != nil {
		return err
	}
	return t.deleteAt(m, c, res)
}

func (t *Tree) compareAt(p page.Page, o int, key rec.Tuple) int {
	var offs rec.Offsets
	c, _ := rec.Compare(key, p.B, o, p.Offsets(t.ix, o, &offs), len(key))
	return c
}

// deleteAt deletes the record under the cursor and repairs the tree: the
// only record of a page discards the page, the first node pointer of a
// level hands its role to the next one, and an underfull page is merged.
func (t *Tree) deleteAt(m *mtr.MTR, c *Cursor, res *storage.Reservation) error {
	b := c.block
	p := b.Page()
	o := c.rec
	if b.Key().PageNo != t.root && p.NRecs() == 1 {
		return t.discardPage(m, b, res)
	}
	if !p.IsLeaf() && o == p.First() {
		next := p.NextRec(o)
		switch {
		case p.IsSupremum(next):
		case p.Prev() == base.FilNull:
			t.setMinRec(m, b, next)
		default:
			// The father's pointer must carry the new first key.
			if err := t.replaceNodePtrKey(m, b, t.keyOf(p, next), res); err != nil {
				return err
			}
		}
	}
	t.deleteRec(m, b, o)
	return t.compressIfUseful(m, b, res)
}

// replaceNodePtrKey rewrites the node pointer to b with key, the key of
// the record about to become b's first.
func (t *Tree) replaceNodePtrKey(m *mtr.MTR, b *storage.Block, key rec.Tuple, res *storage.Reservation) error {
	fc, err := t.getFather(m, b)
	if err != nil {
		return err
	}
	fp := fc.Page()
	if fc.rec == fp.First() && fp.Prev() != base.FilNull {
		if err := t.replaceNodePtrKey(m, fc.block, key, res); err != nil {
			return err
		}
	}
	t.deleteRec(m, fc.block, fc.rec)
	return t.insertNodePtr(m, fp.Level(), t.nodePtr(key, b.Key().PageNo), res)
}

// discardPage removes a page whose last record is being deleted.
func (t *Tree) discardPage(m *mtr.MTR, b *storage.Block, res *storage.Reservation) error {
	p := b.Page()
	prev, next := p.Prev(), p.Next()
	if prev == base.FilNull && next == base.FilNull {
		return t.discardOnlyPageOnLevel(m, b)
	}
	fc, err := t.getFather(m, b)
	if err != nil {
		return err
	}
	var lb, rb *storage.Block
	if prev != base.FilNull {
		if lb, err = m.GetPage(t.pageKey(prev), mtr.XLatch); err != nil {
			return err
		}
	}
	if next != base.FilNull {
		if rb, err = m.GetPage(t.pageKey(next), mtr.XLatch); err != nil {
			return err
		}
	}
	if lb != nil {
		t.setNext(m, lb, next)
	}
	if rb != nil {
		t.setPrev(m, rb, prev)
		if prev == base.FilNull && !p.IsLeaf() {
			t.setMinRec(m, rb, rb.Page().First())
		}
	}
	t.dropHash(b)
	if err := t.deleteAt(m, fc, res); err != nil {
		return err
	}
	m.FreePage(b)
	t.discards.Add(1)
	return nil
}

// discardOnlyPageOnLevel frees b and its single-page ancestors and leaves
// the root as an empty leaf: b held the last record of the tree.
func (t *Tree) discardOnlyPageOnLevel(m *mtr.MTR, b *storage.Block) error {
	cur := b
	for cur.Key().PageNo != t.root {
		fc, err := t.getFather(m, cur)
		if err != nil {
			return err
		}
		t.dropHash(cur)
		m.FreePage(cur)
		t.discards.Add(1)
		cur = fc.block
	}
	counter := cur.Page().MaxTrxID()
	t.createPage(m, cur, 0)
	if counter != 0 {
		t.writeMaxTrxID(m, cur, counter)
	}
	t.env.Logger.Info("index emptied", "index", t.def.ID)
	return nil
}

// compressIfUseful merges an underfull page into a sibling, or lifts a
// page that is alone on its level into its father.
func (t *Tree) compressIfUseful(m *mtr.MTR, b *storage.Block, res *storage.Reservation) error {
	if b.Key().PageNo == t.root {
		return nil
	}
	p := b.Page()
	if p.Prev() == base.FilNull && p.Next() == base.FilNull {
		return t.liftPageUp(m, b)
	}
	if p.DataSize() >= t.mergeLimit() {
		return nil
	}
	return t.compress(m, b, res)
}

// compress merges b into its left sibling when both share a father and
// the records fit, otherwise into its right sibling under the same terms.
func (t *Tree) compress(m *mtr.MTR, b *storage.Block, res *storage.Reservation) error {
	fc, err := t.getFather(m, b)
	if err != nil {
		return err
	}
	fp := fc.Page()
	p := b.Page()

	if prev := p.Prev(); prev != base.FilNull {
		if o := fp.PrevRec(fc.rec); fp.IsUser(o) && t.childOf(fp, o) == prev {
			lb, err := m.GetPage(t.pageKey(prev), mtr.XLatch)
			if err != nil {
				return err
			}
			if t.canMove(lb, p, lb.Page().NRecs()-1) {
				return t.mergeLeft(m, b, lb, fc, res)
			}
		}
	}
	if next := p.Next(); next != base.FilNull {
		if o := fp.NextRec(fc.rec); fp.IsUser(o) && t.childOf(fp, o) == next {
			rb, err := m.GetPage(t.pageKey(next), mtr.XLatch)
			if err != nil {
				return err
			}
			if t.canMove(rb, p, -1) {
				return t.mergeRight(m, b, rb, fc, res)
			}
		}
	}
	return nil
}

// moveTarget is a page receiving moved records: either a block edited
// under the mini-transaction or a private scratch copy used to find out in
// advance whether a move succeeds.
type moveTarget interface {
	page() page.Page
	insert(prev int, src page.Page, o int) (int, bool)
	reorganize() bool
}

type blockTarget struct {
	t *Tree
	m *mtr.MTR
	b *storage.Block
}

func (bt blockTarget) page() page.Page { return bt.b.Page() }

func (bt blockTarget) insert(prev int, src page.Page, o int) (int, bool) {
	return bt.t.copyRec(bt.m, bt.b, prev, src, o)
}

func (bt blockTarget) reorganize() bool { return bt.t.reorganize(bt.m, bt.b) }

// scratchTarget mirrors blockTarget on a copy of the frame and of its
// compressed shadow.
type scratchTarget struct {
	ix   *rec.Index
	p    page.Page
	z    *zip.Page
	offs rec.Offsets
	tmp  rec.Offsets
}

func newScratch(ix *rec.Index, b *storage.Block) *scratchTarget {
	st := &scratchTarget{ix: ix, p: page.New(append([]byte(nil), b.Frame()...))}
	if b.Zip != nil {
		st.z = b.Zip.Clone()
	}
	return st
}

func (st *scratchTarget) page() page.Page { return st.p }

// applyZip is the scratch counterpart of applyZip for blocks.
func (st *scratchTarget) applyZip() bool {
	if st.z == nil {
		return true
	}
	if _, ok := st.z.Apply(st.p.B); !ok {
		st.z.Restore(st.p.B)
		return false
	}
	return true
}

func (st *scratchTarget) insert(prev int, src page.Page, o int) (int, bool) {
	src.Offsets(st.ix, o, &st.offs)
	n, ok := st.p.InsertAfter(st.ix, prev, src.Image(o, &st.offs), st.offs.Extra(), &st.tmp)
	if !ok || !st.applyZip() {
		return 0, false
	}
	return n, true
}

func (st *scratchTarget) reorganize() bool {
	st.p.Reorganize(st.ix, &st.offs)
	return st.applyZip()
}

// moveAll copies every record of src into dst after the record with index
// at (-1 for the infimum). A record that does not fit is retried once after
// reorganizing dst. It returns false when a record still does not fit;
// dst then holds the records moved so far.
func moveAll(dst moveTarget, src page.Page, at int) bool {
	position := func() int {
		if at < 0 {
			return dst.page().Infimum()
		}
		return dst.page().NthRec(at)
	}
	prev := position()
	ok := true
	src.ForEach(func(o int) bool {
		n, fit := dst.insert(prev, src, o)
		if !fit {
			if !dst.reorganize() {
				ok = false
				return false
			}
			if n, fit = dst.insert(position(), src, o); !fit {
				ok = false
				return false
			}
		}
		prev = n
		at++
		return true
	})
	return ok
}

// canMove runs the move of src into dst on a scratch copy of dst. The
// scratch follows the same steps as moveRecords, so a true result means the
// real move cannot run short of space.
func (t *Tree) canMove(dst *storage.Block, src page.Page, at int) bool {
	if dst.Page().MaxInsertSizeAfterReorganize() < src.DataSize() {
		return false
	}
	return moveAll(newScratch(t.ix, dst), src, at)
}

// moveRecords moves src into dst. Callers check canMove or canLift first.
func (t *Tree) moveRecords(m *mtr.MTR, dst *storage.Block, src page.Page, at int) {
	if !moveAll(blockTarget{t: t, m: m, b: dst}, src, at) {
		panic(fmt.Sprintf("btr: merge into page %s overflows", dst.Key()))
	}
}

// mergeLeft appends b's records to its left sibling and frees b.
func (t *Tree) mergeLeft(m *mtr.MTR, b, lb *storage.Block, fc *Cursor, res *storage.Reservation) error {
	p := b.Page()
	next := p.Next()
	var rb *storage.Block
	if next != base.FilNull {
		var err error
		if rb, err = m.GetPage(t.pageKey(next), mtr.XLatch); err != nil {
			return err
		}
	}
	t.dropHash(b)
	t.dropHash(lb)
	t.moveRecords(m, lb, p, lb.Page().NRecs()-1)

	t.setNext(m, lb, next)
	if rb != nil {
		t.setPrev(m, rb, lb.Key().PageNo)
	}
	if err := t.deleteAt(m, fc, res); err != nil {
		return err
	}
	m.FreePage(b)
	t.merges.Add(1)
	return t.liftIfAlone(m, lb)
}

// mergeRight prepends b's records to its right sibling and frees b. The
// father's pointer to b is kept and repointed, the one to the sibling
// removed, so the sibling keeps b's lower bound.
func (t *Tree) mergeRight(m *mtr.MTR, b, rb *storage.Block, fc *Cursor, res *storage.Reservation) error {
	p := b.Page()
	prev := p.Prev()
	var lb *storage.Block
	if prev != base.FilNull {
		var err error
		if lb, err = m.GetPage(t.pageKey(prev), mtr.XLatch); err != nil {
			return err
		}
	}
	t.dropHash(b)
	t.dropHash(rb)
	t.moveRecords(m, rb, p, -1)

	t.setPrev(m, rb, prev)
	if lb != nil {
		t.setNext(m, lb, rb.Key().PageNo)
	}
	fb := fc.block
	t.setChild(m, fb, fc.rec, rb.Key().PageNo)
	sc := &Cursor{tree: t, mtr: m, block: fb, latch: mtr.XLatch, rec: fb.Page().NextRec(fc.rec)}
	if err := t.deleteAt(m, sc, res); err != nil {
		return err
	}
	m.FreePage(b)
	t.merges.Add(1)
	return t.liftIfAlone(m, rb)
}

func (t *Tree) liftIfAlone(m *mtr.MTR, b *storage.Block) error {
	p := b.Page()
	if b.Key().PageNo == t.root || p.Prev() != base.FilNull || p.Next() != base.FilNull {
		return nil
	}
	return t.liftPageUp(m, b)
}

// liftPageUp moves the records of b, the only page on its level, into its
// father and frees b. Every ancestor drops one level; when the father is
// the root the tree loses a level.
func (t *Tree) liftPageUp(m *mtr.MTR, b *storage.Block) error {
	fc, err := t.getFather(m, b)
	if err != nil {
		return err
	}
	father := fc.block
	var ancestors []*storage.Block
	for cur := father; cur.Key().PageNo != t.root; {
		ac, err := t.getFather(m, cur)
		if err != nil {
			return err
		}
		ancestors = append(ancestors, ac.block)
		cur = ac.block
	}

	p := b.Page()
	level := p.Level()
	counter := father.Page().MaxTrxID()
	keepCounter := father.Key().PageNo == t.root && counter != 0
	if !t.canLift(father, p, level, keepCounter) {
		// The page stays alone on its level until a later delete shrinks it.
		return nil
	}
	t.dropHash(b)
	t.createPage(m, father, level)
	if keepCounter {
		t.writeMaxTrxID(m, father, counter)
	}
	t.moveRecords(m, father, p, -1)
	for i, a := range ancestors {
		t.setLevel(m, a, level+1+i)
	}
	m.FreePage(b)
	t.lifts.Add(1)
	if father.Key().PageNo == t.root {
		t.env.Logger.Info("index root lowered", "index", t.def.ID, "height", level+1)
	}
	return nil
}

// canLift replays liftPageUp's edits of the father on a scratch page.
func (t *Tree) canLift(father *storage.Block, p page.Page, level int, keepCounter bool) bool {
	st := &scratchTarget{ix: t.ix, p: page.New(make([]byte, len(father.Frame())))}
	page.Create(st.p.B, father.Key(), t.def.Compact, level, t.def.ID, t.def.ZipSize)
	if t.def.ZipSize > 0 {
		z, ok := zip.Compress(st.p.B, t.def.ZipSize)
		if !ok {
			return false
		}
		st.z = z
	}
	if keepCounter {
		st.p.SetMaxTrxID(father.Page().MaxTrxID())
		if !st.applyZip() {
			return false
		}
	}
	return moveAll(st, p, -1)
}

// getFather positions a cursor on the node pointer to b. The pointer is
// found by searching for b's first key; if that lands elsewhere the
// father level is walked.
func (t *Tree) getFather(m *mtr.MTR, b *storage.Block) (*Cursor, error) {
	p := b.Page()
	level := p.Level() + 1
	child := b.Key().PageNo
	if first := p.First(); p.IsUser(first) {
		c, err := t.SearchToLevel(m, level, t.keyOf(p, first), page.ModeLE, ContModifyTree)
		if err != nil {
			return nil, err
		}
		if fp := c.Page(); fp.IsUser(c.rec) && t.childOf(fp, c.rec) == child {
			return c, nil
		}
	}
	return t.fatherByWalk(m, level, child)
}

func (t *Tree) fatherByWalk(m *mtr.MTR, level int, child base.PageNo) (*Cursor, error) {
	b, err := m.GetPage(t.rootKey(), mtr.XLatch)
	if err != nil {
		return nil, err
	}
	for b.Page().Level() > level {
		p := b.Page()
		first := p.First()
		if !p.IsUser(first) {
			return nil, t.corruption(b.Key(), "empty node pointer page")
		}
		if b, err = m.GetPage(t.pageKey(t.childOf(p, first)), mtr.XLatch); err != nil {
			return nil, err
		}
	}
	for {
		p := b.Page()
		found := -1
		p.ForEach(func(o int) bool {
			if t.childOf(p, o) == child {
				found = o
				return false
			}
			return true
		})
		if found >= 0 {
			return &Cursor{tree: t, mtr: m, block: b, latch: mtr.XLatch, rec: found, low: found, up: p.NextRec(found)}, nil
		}
		next := p.Next()
		if next == base.FilNull {
			return nil, t.corruption(t.pageKey(child), "no node pointer at level %d", level)
		}
		if b, err = m.GetPage(t.pageKey(next), mtr.XLatch); err != nil {
			return nil, err
		}
	}
}
