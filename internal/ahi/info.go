package ahi

import (
	"sync"
	"sync/atomic"

	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

// SearchInfo holds the per-index search heuristics: the key prefix recent
// searches suggest hashing on and how many searches in a row that prefix
// would have served.
type SearchInfo struct {
	mu             sync.Mutex
	params         Params
	hashAnalysis   int
	nHashPotential int
	refCount       int // pages hashed for this index
	lastHashSucc   atomic.Bool

	succ, fail atomic.Uint64
}

// NewSearchInfo returns the initial heuristics of an index.
func NewSearchInfo() *SearchInfo {
	return &SearchInfo{params: Params{NFields: 1, LeftSide: true}}
}

// Recommended returns the prefix the heuristics currently recommend.
func (si *SearchInfo) Recommended() Params {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.params
}

// Potential returns how many searches in a row the recommendation would
// have served.
func (si *SearchInfo) Potential() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.nHashPotential
}

// LastHashSucc reports whether the last search succeeded or would have
// succeeded through the hash. Guesses are only attempted when it holds.
func (si *SearchInfo) LastHashSucc() bool { return si.lastHashSucc.Load() }

// RefCount returns the number of pages hashed for the index.
func (si *SearchInfo) RefCount() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.refCount
}

// HashStats returns the successful and failed guesses.
func (si *SearchInfo) HashStats() (succ, fail uint64) {
	return si.succ.Load(), si.fail.Load()
}

func (si *SearchInfo) addRef(d int) {
	si.mu.Lock()
	si.refCount += d
	si.mu.Unlock()
}

func (si *SearchInfo) resetHashed() {
	si.mu.Lock()
	si.refCount = 0
	si.mu.Unlock()
	si.lastHashSucc.Store(false)
}

// Outcome describes a completed non-hash leaf search.
type Outcome struct {
	Tuple    rec.Tuple
	Rec      int
	LowMatch rec.Match
	UpMatch  rec.Match
	HashFail bool // a guess was attempted first and failed
}

func cmpPair(f1, b1, f2, b2 int) int {
	switch {
	case f1 != f2:
		if f1 < f2 {
			return -1
		}
		return 1
	case b1 < b2:
		return -1
	case b1 > b2:
		return 1
	}
	return 0
}

// updateHash checks whether the recommendation would have served the
// search and derives a new one from the cursor matches when it would not.
func (si *SearchInfo) updateHash(nUniq int, out Outcome) {
	p := &si.params
	up, low := out.UpMatch, out.LowMatch

	if si.nHashPotential > 0 {
		if p.NFields >= nUniq && up.Fields >= nUniq {
			si.nHashPotential++
			return
		}
		c := cmpPair(p.NFields, p.NBytes, low.Fields, low.Bytes)
		if (p.LeftSide && c > 0) || (!p.LeftSide && c <= 0) {
			c = cmpPair(p.NFields, p.NBytes, up.Fields, up.Bytes)
			if (p.LeftSide && c <= 0) || (!p.LeftSide && c > 0) {
				si.nHashPotential++
				return
			}
		}
	}

	si.hashAnalysis = 0
	switch c := cmpPair(up.Fields, up.Bytes, low.Fields, low.Bytes); {
	case c == 0:
		si.nHashPotential = 0
		*p = Params{NFields: 1, LeftSide: true}
	case c > 0:
		si.nHashPotential = 1
		switch {
		case up.Fields >= nUniq:
			*p = Params{NFields: nUniq}
		case low.Fields < up.Fields:
			*p = Params{NFields: low.Fields + 1}
		default:
			*p = Params{NFields: low.Fields, NBytes: low.Bytes + 1}
		}
		p.LeftSide = true
	default:
		si.nHashPotential = 1
		switch {
		case low.Fields >= nUniq:
			*p = Params{NFields: nUniq}
		case low.Fields > up.Fields:
			*p = Params{NFields: up.Fields + 1}
		default:
			*p = Params{NFields: up.Fields, NBytes: up.Bytes + 1}
		}
		p.LeftSide = false
	}
}

// Update feeds a non-hash leaf search into the heuristics and builds the
// page hash once they say so. The leaf is latched by the caller.
func (m *Manager) Update(ix *rec.Index, info *SearchInfo, b *storage.Block, out Outcome) {
	if !m.Enabled() {
		return
	}
	m.searches.Add(1)

	info.mu.Lock()
	info.hashAnalysis++
	if info.hashAnalysis < m.hashAnalysis {
		info.mu.Unlock()
		return
	}
	info.updateHash(page.CompareFields(ix), out)
	params, potential := info.params, info.nHashPotential
	info.mu.Unlock()

	if out.HashFail {
		m.updateHashRef(ix, b, params, potential, out.Rec)
	}

	part := m.partition(ix.ID)
	part.latch.Lock()
	build := m.updateBlockHashInfo(ix, info, b, params, potential)
	part.latch.Unlock()

	if build {
		m.BuildPageHash(ix, info, b, params)
	}
}

// updateBlockHashInfo counts how many searches in a row on the block agreed
// with the recommendation. Called under the partition latch.
func (m *Manager) updateBlockHashInfo(ix *rec.Index, info *SearchInfo, b *storage.Block, params Params, potential int) bool {
	hs := &b.Hash
	info.lastHashSucc.Store(false)

	if hs.NHashHelps > 0 && potential > 0 &&
		hs.CurrNFields == params.NFields && hs.CurrNBytes == params.NBytes && hs.CurrLeftSide == params.LeftSide {
		if hs.Hashed && hs.IndexID == ix.ID &&
			hs.NFields == params.NFields && hs.NBytes == params.NBytes && hs.LeftSide == params.LeftSide {
			info.lastHashSucc.Store(true)
		}
		hs.NHashHelps++
	} else {
		hs.NHashHelps = 1
		hs.CurrNFields = params.NFields
		hs.CurrNBytes = params.NBytes
		hs.CurrLeftSide = params.LeftSide
	}

	nRecs := b.Page().NRecs()
	if hs.NHashHelps > nRecs/m.pageBuildLimit && potential >= m.buildLimit {
		if !hs.Hashed || hs.NHashHelps > 2*nRecs ||
			hs.NFields != hs.CurrNFields || hs.NBytes != hs.CurrNBytes || hs.LeftSide != hs.CurrLeftSide {
			return true
		}
	}
	return false
}

// updateHashRef points the fold of the record a failed guess should have
// found at that record.
func (m *Manager) updateHashRef(ix *rec.Index, b *storage.Block, params Params, potential int, o int) {
	p := b.Page()
	if potential == 0 || !p.IsUser(o) || !p.IsLeaf() {
		return
	}
	part := m.partition(ix.ID)
	part.latch.Lock()
	defer part.latch.Unlock()
	hs := &b.Hash
	if !m.Enabled() || !hs.Hashed || hs.IndexID != ix.ID || hashedParams(hs) != params {
		return
	}
	var offs rec.Offsets
	fold := rec.FoldRec(p.B, o, p.Offsets(ix, o, &offs), params.NFields, params.NBytes, ix.ID)
	if part.table.Insert(fold, location(ix, b, o)) {
		m.rowsAdded.Add(1)
	}
}

func hashedParams(hs *storage.HashState) Params {
	return Params{NFields: hs.NFields, NBytes: hs.NBytes, LeftSide: hs.LeftSide}
}
