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

// maxSplitRounds bounds how often one insert splits the page that should
// receive the record. Only compressed pages ever need more than one round.
const maxSplitRounds = 8

// Insert adds a record. On a unique index a record with an equal key fails
// with base.ErrDuplicateKey; a non-unique index gets a fresh uniquifier.
func (t *Tree) Insert(tup rec.Tuple) error {
	if err := t.usable(); err != nil {
		return err
	}
	phys, err := t.toPhysical(tup)
	if err != nil {
		return err
	}
	img, extra, err := t.ix.Encode(nil, phys, rec.StatusOrdinary)
	if err != nil {
		return err
	}
	if err := t.checkSize(phys, img, extra); err != nil {
		return err
	}

	done := false
	err = t.run(func(m *mtr.MTR) error {
		c, err := t.Search(m, phys, page.ModeLE, ModifyLeaf)
		if err != nil {
			return err
		}
		if t.def.Unique && c.matchesLow(phys) {
			return fmt.Errorf("%w: %s in index %d", base.ErrDuplicateKey, tup, t.def.ID)
		}
		done = t.insertOptimistic(m, c, phys, img, extra)
		return nil
	})
	if err != nil || done {
		return err
	}
	return t.run(func(m *mtr.MTR) error {
		return t.insertPessimistic(m, phys, img, extra)
	})
}

// checkSize rejects records that could not share a page with another
// record of the same size.
func (t *Tree) checkSize(tup rec.Tuple, img []byte, extra int) error {
	size := t.env.Pages.PageSize()
	limit := page.MaxRecordSize(size, t.def.Compact)
	if len(img) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", base.ErrRecordTooLarge, len(img), limit)
	}
	ptr, _, err := t.ix.Encode(nil, t.nodePtr(tup, 0), rec.StatusNodePtr)
	if err != nil {
		return err
	}
	if len(ptr) > limit {
		return fmt.Errorf("%w: node pointer of %d bytes, limit %d", base.ErrRecordTooLarge, len(ptr), limit)
	}
	if t.def.ZipSize == 0 {
		return nil
	}
	frame := make([]byte, size)
	p := page.Create(frame, base.PageKey{}, true, 0, t.def.ID, t.def.ZipSize)
	var offs rec.Offsets
	prev := p.Infimum()
	for i := 0; i < 2; i++ {
		o, ok := p.InsertAfter(t.ix, prev, img, extra, &offs)
		if !ok {
			return fmt.Errorf("%w: %d bytes", base.ErrRecordTooLarge, len(img))
		}
		prev = o
	}
	if !zip.Fits(frame, t.def.ZipSize) {
		return fmt.Errorf("%w: %d bytes do not compress into %d", base.ErrRecordTooLarge, len(img), t.def.ZipSize)
	}
	return nil
}

// insertOptimistic inserts after the cursor's low record when that needs
// no split, reorganizing the page if that makes room.
func (t *Tree) insertOptimistic(m *mtr.MTR, c *Cursor, tup rec.Tuple, img []byte, extra int) bool {
	b := c.block
	if _, ok := t.insertRec(m, b, c.low, img, extra); ok {
		return true
	}
	p := b.Page()
	if p.MaxInsertSizeAfterReorganize() < len(img) || p.Garbage() == 0 {
		return false
	}
	if !t.reorganize(m, b) {
		return false
	}
	c.position(tup, page.ModeLE)
	_, ok := t.insertRec(m, b, c.low, img, extra)
	return ok
}

// insertPessimistic inserts with the tree latched for a split.
func (t *Tree) insertPessimistic(m *mtr.MTR, tup rec.Tuple, img []byte, extra int) error {
	c, err := t.Search(m, tup, page.ModeLE, ModifyTree)
	if err != nil {
		return err
	}
	if t.def.Unique && c.matchesLow(tup) {
		return fmt.Errorf("%w: %s in index %d", base.ErrDuplicateKey, t.toUser(tup), t.def.ID)
	}
	root, err := m.GetPage(t.rootKey(), mtr.XLatch)
	if err != nil {
		return err
	}
	// The split below allocates from res only; running dry halfway would
	// leave the tree half split.
	res, err := m.Reserve(t.def.Space, t.splitReserve(root.Page().Level()))
	if err != nil {
		return err
	}

	// Another thread may have made room since the optimistic attempt.
	if t.insertOptimistic(m, c, tup, img, extra) {
		return nil
	}
	return t.splitAndInsert(m, c, tup, img, extra, res)
}

// splitReserve is the number of pages one insert may allocate in a tree
// whose root is at level: every level splits, the root is raised and one
// spare covers the new level's pointer page. Compressed pages may split up
// to maxSplitRounds times per level.
func (t *Tree) splitReserve(level int) int {
	if t.def.ZipSize > 0 {
		return (level+2)*maxSplitRounds + 1
	}
	return level + 3
}

// insertNodePtr inserts a node pointer at level, splitting as needed.
func (t *Tree) insertNodePtr(m *mtr.MTR, level int, ptr rec.Tuple, res *storage.Reservation) error {
	img, extra, err := t.ix.Encode(nil, ptr, rec.StatusNodePtr)
	if err != nil {
		return err
	}
	c, err := t.SearchToLevel(m, level, ptr, page.ModeLE, ContModifyTree)
	if err != nil {
		return err
	}
	if t.insertOptimistic(m, c, ptr, img, extra) {
		return nil
	}
	return t.splitAndInsert(m, c, ptr, img, extra, res)
}

// splitAndInsert splits the cursor's page and inserts the record into the
// half it belongs to, splitting that half again if it still does not fit.
func (t *Tree) splitAndInsert(m *mtr.MTR, c *Cursor, tup rec.Tuple, img []byte, extra int, res *storage.Reservation) error {
	b := c.block
	if b.Key().PageNo == t.root {
		child, err := t.raiseRoot(m, b, res)
		if err != nil {
			return err
		}
		b = child
	}
	for round := 0; round < maxSplitRounds; round++ {
		target, err := t.splitPage(m, b, tup, len(img), res)
		if err != nil {
			return err
		}
		var offs rec.Offsets
		low := target.Page().Search(t.ix, tup, page.ModeLE, &offs).Low
		if _, ok := t.insertRec(m, target, low, img, extra); ok {
			return nil
		}
		b = target
	}
	panic(fmt.Sprintf("btr: record of %d bytes does not fit after %d splits", len(img), maxSplitRounds))
}

// raiseRoot moves the root's records into a new child and turns the root
// into a node pointer page one level up, growing the tree by one level.
// The root page number never changes.
func (t *Tree) raiseRoot(m *mtr.MTR, root *storage.Block, res *storage.Reservation) (*storage.Block, error) {
	rp := root.Page()
	level := rp.Level()
	child, err := m.NewPage(t.def.Space, t.root, storage.AllocUp, res)
	if err != nil {
		return nil, err
	}
	t.createPage(m, child, level)
	params, hashed := t.dropHash(root)

	prev := child.Page().Infimum()
	rp.ForEach(func(o int) bool {
		prev = t.mustCopyRec(m, child, prev, rp, o)
		return true
	})

	counter := rp.MaxTrxID()
	t.createPage(m, root, level+1)
	if counter != 0 {
		t.writeMaxTrxID(m, root, counter)
	}
	first := child.Page().First()
	ptr := t.nodePtr(t.keyOf(child.Page(), first), child.Key().PageNo)
	img, extra, err := t.ix.Encode(nil, ptr, rec.StatusNodePtr)
	if err != nil {
		return nil, err
	}
	o := t.mustInsertRec(m, root, root.Page().Infimum(), img, extra)
	t.setMinRec(m, root, o)

	if hashed && t.env.AHI != nil {
		t.env.AHI.MoveOrDeleteOnSplit(t.ix, t.info, child, root, params)
	}
	t.raises.Add(1)
	t.env.Logger.Info("index root raised", "index", t.def.ID, "height", level+2, "child", child.Key().PageNo)
	return child, nil
}

func (t *Tree) mustCopyRec(m *mtr.MTR, dst *storage.Block, prev int, src page.Page, o int) int {
	n, ok := t.copyRec(m, dst, prev, src, o)
	if !ok {
		panic(fmt.Sprintf("btr: record copy into page %s overflows", dst.Key()))
	}
	return n
}

// splitHint says where a page is cut. Records [0, at) stay on the lower
// half and [at, n) go to the upper half; left means the new page is the
// lower half. upper tells which half receives the inserted record.
type splitHint struct {
	at    int
	left  bool
	upper bool
}

// chooseSplit picks the split point. A run of inserts in one direction
// splits at the insert position, so ascending or descending loads leave
// full pages behind; otherwise the page is cut at the middle of its data.
func (t *Tree) chooseSplit(p page.Page, recs []int, k int, tupSize int) splitHint {
	n := len(recs)
	streak := p.NDirection() >= t.env.SplitDirectionStreak
	last := p.LastInsert()
	switch {
	case streak && p.Direction() == page.DirRight && k > 0 && recs[k-1] == last:
		return splitHint{at: k, upper: true}
	case streak && p.Direction() == page.DirLeft && k < n && recs[k] == last:
		return splitHint{at: k, left: true}
	}

	var offs rec.Offsets
	sizes := make([]int, 0, n+1)
	total := 0
	for i, o := range recs {
		if i == k {
			sizes = append(sizes, tupSize)
			total += tupSize
		}
		s := p.Offsets(t.ix, o, &offs).Size()
		sizes = append(sizes, s)
		total += s
	}
	if k == n {
		sizes = append(sizes, tupSize)
		total += tupSize
	}
	// j is the first slot of the upper half, 1 <= j <= n.
	j, acc := 1, sizes[0]
	for j < n && acc+sizes[j]/2 < total/2 {
		acc += sizes[j]
		j++
	}
	lowerRecs := j
	if k < j {
		lowerRecs--
	}
	if lowerRecs == 0 {
		// The record alone is the lower half.
		return splitHint{at: 0, left: true}
	}
	return splitHint{at: lowerRecs, upper: k >= j}
}

// splitPage splits b for inserting tup and returns the half the record
// belongs in. The node pointer of the new page is inserted one level up,
// which may split pages there in turn.
func (t *Tree) splitPage(m *mtr.MTR, b *storage.Block, tup rec.Tuple, tupSize int, res *storage.Reservation) (*storage.Block, error) {
	p := b.Page()
	level := p.Level()
	recs := make([]int, 0, p.NRecs())
	p.ForEach(func(o int) bool {
		recs = append(recs, o)
		return true
	})
	var offs rec.Offsets
	sr := p.Search(t.ix, tup, page.ModeLE, &offs)
	k := 0
	for k < len(recs) && recs[k] != sr.Up {
		k++
	}
	h := t.chooseSplit(p, recs, k, tupSize)

	// A left split repoints the father's pointer, so find it first.
	var father *Cursor
	if h.left {
		f, err := t.getFather(m, b)
		if err != nil {
			return nil, err
		}
		father = f
	}

	dir := storage.AllocUp
	if h.left {
		dir = storage.AllocDown
	}
	nb, err := m.NewPage(t.def.Space, b.Key().PageNo, dir, res)
	if err != nil {
		return nil, err
	}
	t.createPage(m, nb, level)
	params, hashed := t.dropHash(b)

	var lower, upper *storage.Block
	self := b.Key().PageNo
	other := nb.Key().PageNo
	if !h.left {
		prev := nb.Page().Infimum()
		for _, o := range recs[h.at:] {
			prev = t.mustCopyRec(m, nb, prev, p, o)
		}
		if h.at < len(recs) {
			t.deleteListEnd(m, b, recs[h.at])
		}
		next := p.Next()
		t.setPrev(m, nb, self)
		t.setNext(m, nb, next)
		if next != base.FilNull {
			rb, err := m.GetPage(t.pageKey(next), mtr.XLatch)
			if err != nil {
				return nil, err
			}
			t.setPrev(m, rb, other)
		}
		t.setNext(m, b, other)
		lower, upper = b, nb
	} else {
		prev := nb.Page().Infimum()
		for _, o := range recs[:h.at] {
			prev = t.mustCopyRec(m, nb, prev, p, o)
		}
		if h.at > 0 {
			t.deleteListStart(m, b, recs[h.at])
		}
		before := p.Prev()
		t.setNext(m, nb, self)
		t.setPrev(m, nb, before)
		if before != base.FilNull {
			lb, err := m.GetPage(t.pageKey(before), mtr.XLatch)
			if err != nil {
				return nil, err
			}
			t.setNext(m, lb, other)
		}
		t.setPrev(m, b, other)
		lower, upper = nb, b
	}
	if hashed && level == 0 && t.env.AHI != nil {
		t.env.AHI.MoveOrDeleteOnSplit(t.ix, t.info, nb, b, params)
	}
	t.splits.Add(1)

	// Node pointers: the upper half is keyed by its first record, which
	// is the inserted record when that lands in front of it.
	up := upper.Page()
	var key rec.Tuple
	if h.upper && (up.NRecs() == 0 || t.compareFirst(up, tup) < 0) {
		key = tup[:t.ix.NUniq]
	} else {
		key = t.keyOf(up, up.First())
	}
	if h.left {
		t.setChild(m, father.block, father.rec, lower.Key().PageNo)
	}
	if err := t.insertNodePtr(m, level+1, t.nodePtr(key, upper.Key().PageNo), res); err != nil {
		return nil, err
	}
	if h.upper {
		return upper, nil
	}
	return lower, nil
}

// compareFirst compares tup with the first record of p.
func (t *Tree) compareFirst(p page.Page, tup rec.Tuple) int {
	var offs rec.Offsets
	o := p.First()
	c, _ := rec.Compare(tup, p.B, o, p.Offsets(t.ix, o, &offs), t.ix.NUniq)
	return c
}
