package page

import (
	"fmt"

	"btrcore/internal/base"
	"btrcore/internal/rec"
)

// Validate checks the physical consistency of the page: record order, the
// directory, heap numbers, counters and the free list.
func (p Page) Validate(ix *rec.Index) error {
	if p.Type() != TypeIndex {
		return p.corrupt("page type %d is not an index page", p.Type())
	}
	if p.IsCompact() != ix.Compact {
		return p.corrupt("record format does not match index")
	}
	if p.IndexID() != ix.ID {
		return p.corrupt("index id %d, want %d", p.IndexID(), ix.ID)
	}

	var offs, prevOffs rec.Offsets
	seenHeap := make(map[int]bool)
	nRecs, slot, owned := 0, 0, 0
	limit := p.HeapTop()
	prev := -1
	for o := p.Infimum(); ; o = p.NextRec(o) {
		if o < PageData || o >= limit+1 {
			return p.corrupt("record offset %d out of bounds", o)
		}
		h := p.HeapNo(o)
		if h >= p.NHeap() || seenHeap[h] {
			return p.corrupt("bad heap number %d at %d", h, o)
		}
		seenHeap[h] = true
		owned++

		if p.IsUser(o) {
			nRecs++
			p.Offsets(ix, o, &offs)
			if o+offs.DataSize() > limit {
				return p.corrupt("record at %d overruns the heap", o)
			}
			if prev >= 0 && p.IsUser(prev) {
				p.Offsets(ix, prev, &prevOffs)
				if rec.CompareRecs(p.B, prev, &prevOffs, p.B, o, &offs, ix.NUniq) >= 0 {
					return p.corrupt("records at %d and %d out of order", prev, o)
				}
			}
			if p.IsMinRec(o) && (p.IsLeaf() || prev != p.Infimum()) {
				return p.corrupt("misplaced min-rec mark at %d", o)
			}
		}

		if n := p.NOwned(o); n != 0 {
			if slot >= p.NDirSlots() || p.DirSlot(slot) != o {
				return p.corrupt("owner %d is not in directory slot %d", o, slot)
			}
			if n != owned {
				return p.corrupt("slot %d owns %d records, counted %d", slot, n, owned)
			}
			last := slot == p.NDirSlots()-1
			switch {
			case slot == 0 && n != 1:
				return p.corrupt("infimum slot owns %d records", n)
			case slot > 0 && !last && (n < DirSlotMinOwned || n > DirSlotMaxOwned):
				return p.corrupt("slot %d owns %d records", slot, n)
			case last && n > DirSlotMaxOwned:
				return p.corrupt("supremum slot owns %d records", n)
			}
			slot++
			owned = 0
		}
		if p.IsSupremum(o) {
			break
		}
		prev = o
		if nRecs > p.Size() {
			return p.corrupt("record chain loops")
		}
	}
	if slot != p.NDirSlots() {
		return p.corrupt("directory has %d slots, chain used %d", p.NDirSlots(), slot)
	}
	if nRecs != p.NRecs() {
		return p.corrupt("n_recs %d, counted %d", p.NRecs(), nRecs)
	}

	garbage := 0
	for o := p.FreeHead(); o != 0; o = p.NextRec(o) {
		h := p.HeapNo(o)
		if seenHeap[h] {
			return p.corrupt("free record %d reuses heap number %d", o, h)
		}
		seenHeap[h] = true
		garbage += p.Offsets(ix, o, &offs).Size()
	}
	if garbage > p.Garbage() {
		return p.corrupt("free list holds %d bytes, garbage is %d", garbage, p.Garbage())
	}
	if p.HeapTop() > p.dirStart() {
		return p.corrupt("heap overlaps the directory")
	}
	return nil
}

func (p Page) corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: page %s: %s", base.ErrCorruption, p.Key(), fmt.Sprintf(format, args...))
}
