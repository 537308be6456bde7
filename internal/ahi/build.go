package ahi

import (
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

func location(ix *rec.Index, b *storage.Block, o int) Location {
	return Location{Index: ix.ID, Key: b.Key(), Gen: b.Generation(), Offset: uint16(o)}
}

// pageFolds folds every user record of p on params.
func pageFolds(ix *rec.Index, p page.Page, params Params) (folds []uint32, recs []int) {
	var offs rec.Offsets
	folds = make([]uint32, 0, p.NRecs())
	recs = make([]int, 0, p.NRecs())
	p.ForEach(func(o int) bool {
		folds = append(folds, rec.FoldRec(p.B, o, p.Offsets(ix, o, &offs), params.NFields, params.NBytes, ix.ID))
		recs = append(recs, o)
		return true
	})
	return folds, recs
}

// BuildPageHash hashes every run of equal folds on the leaf b: the first
// record of the run when params.LeftSide, the last one otherwise. The page
// is latched by the caller.
func (m *Manager) BuildPageHash(ix *rec.Index, info *SearchInfo, b *storage.Block, params Params) {
	p := b.Page()
	if !m.Enabled() || !p.IsLeaf() || p.IndexID() != ix.ID || p.NRecs() == 0 {
		return
	}
	need := params.NFields
	if params.NBytes > 0 {
		need++
	}
	if need == 0 || need > page.CompareFields(ix) {
		return
	}

	folds, recs := pageFolds(ix, p, params)
	var pick []int
	for i := range folds {
		if params.LeftSide {
			if i == 0 || folds[i] != folds[i-1] {
				pick = append(pick, i)
			}
		} else if i == len(folds)-1 || folds[i] != folds[i+1] {
			pick = append(pick, i)
		}
	}

	part := m.partition(ix.ID)
	part.latch.Lock()
	defer part.latch.Unlock()
	if !m.Enabled() {
		return
	}
	hs := &b.Hash
	wasHashed := hs.Hashed
	if hs.Hashed && (hs.IndexID != ix.ID || hashedParams(hs) != params) {
		m.dropLocked(part, b)
		wasHashed = false
	}

	added := 0
	for _, i := range pick {
		if !part.table.Insert(folds[i], location(ix, b, recs[i])) {
			m.logger.Warn("adaptive hash index full", "index", ix.ID, "page", b.Key().String())
			break
		}
		added++
	}
	m.rowsAdded.Add(uint64(added))

	hs.Hashed = true
	hs.IndexID = ix.ID
	hs.NFields, hs.NBytes, hs.LeftSide = params.NFields, params.NBytes, params.LeftSide
	if !wasHashed {
		info.addRef(1)
		m.pagesHashed.Add(1)
	}
}

// DropPageHash removes every entry pointing into b and returns the params
// the page was hashed on. The caller holds the page latch and has not yet
// changed the records the entries were built from.
func (m *Manager) DropPageHash(b *storage.Block) (Params, bool) {
	part := m.partition(b.Page().IndexID())
	part.latch.RLock()
	hashed := b.Hash.Hashed
	part.latch.RUnlock()
	if !hashed {
		return Params{}, false
	}

	part.latch.Lock()
	defer part.latch.Unlock()
	return m.dropLocked(part, b)
}

func (m *Manager) dropLocked(part *partition, b *storage.Block) (Params, bool) {
	hs := &b.Hash
	if !hs.Hashed {
		return Params{}, false
	}
	params := hashedParams(hs)
	key := b.Key()
	onPage := func(loc Location) bool { return loc.Key == key }

	removed := 0
	reg, ok := part.indexes[hs.IndexID]
	if ok && b.Page().IndexID() == hs.IndexID {
		folds, _ := pageFolds(reg.ix, b.Page(), params)
		for i, f := range folds {
			if i > 0 && f == folds[i-1] {
				continue
			}
			removed += part.table.RemoveAllForPage(f, onPage)
		}
	} else {
		removed = part.table.RemoveIf(func(_ uint32, loc Location) bool { return onPage(loc) })
	}
	m.rowsRemoved.Add(uint64(removed))
	m.pagesDropped.Add(1)

	hs.Hashed = false
	hs.NFields, hs.NBytes, hs.LeftSide = 0, 0, false
	if ok {
		reg.info.addRef(-1)
	}
	return params, true
}

// EvictHook drops the hash of a block the page store is about to evict.
func (m *Manager) EvictHook(b *storage.Block) {
	if params, ok := m.DropPageHash(b); ok {
		m.logger.Info("evicted hashed page", "page", b.Key().String(), "n_fields", params.NFields)
	}
}

// MoveOrDeleteOnSplit rehashes the two halves of a split page that was
// hashed on params before its records moved. Both pages are X-latched.
func (m *Manager) MoveOrDeleteOnSplit(ix *rec.Index, info *SearchInfo, newBlock, oldBlock *storage.Block, params Params) {
	m.BuildPageHash(ix, info, oldBlock, params)
	m.BuildPageHash(ix, info, newBlock, params)
}

// hashedFor returns the partition of ix with its latch held in X mode when
// b is hashed for ix. The caller unlocks it.
func (m *Manager) hashedFor(ix *rec.Index, b *storage.Block) (*partition, bool) {
	part := m.partition(ix.ID)
	part.latch.RLock()
	hashed := b.Hash.Hashed && b.Hash.IndexID == ix.ID
	part.latch.RUnlock()
	if !hashed {
		return nil, false
	}
	part.latch.Lock()
	if !b.Hash.Hashed || b.Hash.IndexID != ix.ID {
		part.latch.Unlock()
		return nil, false
	}
	return part, true
}

// UpdateOnInsert maintains the entries of a hashed page after the record
// at o was inserted. The page is X-latched.
func (m *Manager) UpdateOnInsert(ix *rec.Index, b *storage.Block, o int) {
	part, ok := m.hashedFor(ix, b)
	if !ok {
		return
	}
	defer part.latch.Unlock()

	p := b.Page()
	params := hashedParams(&b.Hash)
	var offs rec.Offsets
	fold := func(r int) uint32 {
		return rec.FoldRec(p.B, r, p.Offsets(ix, r, &offs), params.NFields, params.NBytes, ix.ID)
	}
	insert := func(f uint32, r int) {
		if part.table.Insert(f, location(ix, b, r)) {
			m.rowsAdded.Add(1)
		}
	}

	prev, next := p.PrevRec(o), p.NextRec(o)
	insFold := fold(o)
	if p.IsInfimum(prev) {
		if params.LeftSide {
			insert(insFold, o)
		}
	} else if prevFold := fold(prev); prevFold != insFold {
		if params.LeftSide {
			insert(insFold, o)
		} else {
			insert(prevFold, prev)
		}
	}

	if p.IsSupremum(next) {
		if !params.LeftSide {
			insert(insFold, o)
		}
	} else if nextFold := fold(next); nextFold != insFold {
		if params.LeftSide {
			insert(nextFold, next)
		} else {
			insert(insFold, o)
		}
	}
}

// UpdateOnDelete removes the entry of the record at o, which is about to be
// deleted. The page is X-latched.
func (m *Manager) UpdateOnDelete(ix *rec.Index, b *storage.Block, o int) {
	part, ok := m.hashedFor(ix, b)
	if !ok {
		return
	}
	defer part.latch.Unlock()

	p := b.Page()
	params := hashedParams(&b.Hash)
	var offs rec.Offsets
	f := rec.FoldRec(p.B, o, p.Offsets(ix, o, &offs), params.NFields, params.NBytes, ix.ID)
	if part.table.Delete(f, location(ix, b, o)) {
		m.rowsRemoved.Add(1)
	}
}

// IsHashed reports whether b is currently hashed for ix.
func (m *Manager) IsHashed(ix *rec.Index, b *storage.Block) bool {
	part := m.partition(ix.ID)
	part.latch.RLock()
	defer part.latch.RUnlock()
	return b.Hash.Hashed && b.Hash.IndexID == ix.ID
}
