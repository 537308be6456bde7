package ahi

import (
	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

// Guess is a leaf record found through the hash. The block is pinned and
// latched in the mini-transaction that asked for it.
type Guess struct {
	Block *storage.Block
	Rec   int
}

// GuessOnHash tries to position on the record t leads to under mode without
// descending the tree. latch is SLatch or XLatch. The candidate page is
// latched without waiting; on any doubt the guess fails and the caller
// searches the tree.
func (m *Manager) GuessOnHash(ix *rec.Index, info *SearchInfo, t rec.Tuple, mode page.Mode, latch mtr.LatchMode, mt *mtr.MTR) (Guess, bool) {
	if !m.Enabled() || !info.LastHashSucc() || m.pages == nil {
		return Guess{}, false
	}
	params := info.Recommended()
	need := params.NFields
	if params.NBytes > 0 {
		need++
	}
	if need == 0 || len(t) < need {
		return Guess{}, false
	}

	fold := rec.FoldTuple(t, params.NFields, params.NBytes, ix.ID)
	part := m.partition(ix.ID)
	part.latch.RLock()
	loc, ok := part.table.Search(fold)
	part.latch.RUnlock()
	if !ok || loc.Index != ix.ID {
		return m.guessFailed(info)
	}

	b, ok := m.pages.TryFix(loc.Key)
	if !ok {
		return m.guessFailed(info)
	}
	if b.Generation() != loc.Gen || !tryLatch(b, latch) {
		m.pages.Unfix(b)
		return m.guessFailed(info)
	}

	// With the page latched the entries of this page cannot change; if the
	// entry is still there it points at a live record.
	part.latch.RLock()
	cur, ok := part.table.Search(fold)
	valid := ok && cur == loc && b.Hash.Hashed && b.Hash.IndexID == ix.ID && hashedParams(&b.Hash) == params
	part.latch.RUnlock()

	o := int(loc.Offset)
	if !valid || !checkGuess(ix, b.Page(), o, t, mode) {
		unlatch(b, latch)
		m.pages.Unfix(b)
		return m.guessFailed(info)
	}

	mt.Adopt(b, latch)
	info.lastHashSucc.Store(true)
	info.succ.Add(1)
	m.hits.Add(1)
	m.searches.Add(1)
	return Guess{Block: b, Rec: o}, true
}

func (m *Manager) guessFailed(info *SearchInfo) (Guess, bool) {
	info.lastHashSucc.Store(false)
	info.fail.Add(1)
	m.misses.Add(1)
	return Guess{}, false
}

func tryLatch(b *storage.Block, latch mtr.LatchMode) bool {
	if latch == mtr.XLatch {
		return b.TryLock()
	}
	return b.TryRLock()
}

func unlatch(b *storage.Block, latch mtr.LatchMode) {
	if latch == mtr.XLatch {
		b.Unlock()
	} else {
		b.RUnlock()
	}
}

// checkGuess verifies that o is where a tree search for t under mode would
// land. A neighbour on another page cannot be checked; the guess then only
// stands at the edge of the level.
func checkGuess(ix *rec.Index, p page.Page, o int, t rec.Tuple, mode page.Mode) bool {
	if !p.IsLeaf() || p.IndexID() != ix.ID || !p.IsUser(o) {
		return false
	}
	n := page.CompareFields(ix)
	var offs rec.Offsets
	cmp := func(r int) int {
		c, _ := rec.Compare(t, p.B, r, p.Offsets(ix, r, &offs), n)
		return c
	}

	c := cmp(o)
	switch mode {
	case page.ModeGE, page.ModeG:
		if (mode == page.ModeGE && c > 0) || (mode == page.ModeG && c >= 0) {
			return false
		}
		prev := p.PrevRec(o)
		if p.IsInfimum(prev) {
			return p.Prev() == base.FilNull
		}
		if mode == page.ModeGE {
			return cmp(prev) > 0
		}
		return cmp(prev) >= 0
	case page.ModeLE, page.ModeL:
		if (mode == page.ModeLE && c < 0) || (mode == page.ModeL && c <= 0) {
			return false
		}
		next := p.NextRec(o)
		if p.IsSupremum(next) {
			return p.Next() == base.FilNull
		}
		if mode == page.ModeLE {
			return cmp(next) < 0
		}
		return cmp(next) <= 0
	}
	return false
}
