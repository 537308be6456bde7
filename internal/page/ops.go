package page

import (
	"btrcore/internal/base"
	"btrcore/internal/rec"
)

// InsertAfter inserts the record image img (whose origin lies extra bytes
// into it) after the record prev. The head of the free list is reused when
// it is large enough, otherwise the record is carved from the heap top. It
// returns the origin of the new record, or false if the page lacks room.
func (p Page) InsertAfter(ix *rec.Index, prev int, img []byte, extra int, offs *rec.Offsets) (int, bool) {
	size := len(img)
	compact := p.IsCompact()
	if p.FreeSpace() < DirSlotSize {
		return 0, false
	}

	start, heapNo := -1, 0
	if free := p.FreeHead(); free != 0 {
		fo := p.Offsets(ix, free, offs)
		if fo.Size() >= size {
			start = free - fo.Extra()
			heapNo = p.HeapNo(free)
			p.setHdr(PageFree, p.NextRec(free))
			p.setHdr(PageGarbage, p.Garbage()-size)
		}
	}
	if start < 0 {
		if size+DirSlotSize > p.FreeSpace() || p.NHeap() > rec.MaxHeapNo {
			return 0, false
		}
		start = p.HeapTop()
		heapNo = p.NHeap()
		p.setHdr(PageHeapTop, start+size)
		p.setNHeap(heapNo + 1)
	}

	copy(p.B[start:], img)
	o := start + extra
	rec.SetHeapNo(p.B, o, compact, heapNo)
	p.setNOwned(o, 0)
	next := p.NextRec(prev)
	p.setNextRec(o, next)
	p.setNextRec(prev, o)
	p.setHdr(PageNRecs, p.NRecs()+1)

	last := p.LastInsert()
	switch {
	case last == 0:
		p.setHdr(PageDirection, DirNoDirection)
		p.setHdr(PageNDirection, 0)
	case last == prev && p.Direction() != DirLeft:
		p.setHdr(PageDirection, DirRight)
		p.setHdr(PageNDirection, p.NDirection()+1)
	case next == last && p.Direction() != DirRight:
		p.setHdr(PageDirection, DirLeft)
		p.setHdr(PageNDirection, p.NDirection()+1)
	default:
		p.setHdr(PageDirection, DirNoDirection)
		p.setHdr(PageNDirection, 0)
	}
	p.setHdr(PageLastInsert, o)

	owner := next
	for p.NOwned(owner) == 0 {
		owner = p.NextRec(owner)
	}
	n := p.NOwned(owner) + 1
	p.setNOwned(owner, n)
	if n > DirSlotMaxOwned {
		p.splitSlot(p.FindOwnerSlot(owner))
	}
	return o, true
}

// Delete unlinks the user record at o and puts it on the free list.
func (p Page) Delete(ix *rec.Index, o int, offs *rec.Offsets) {
	size := p.Offsets(ix, o, offs).Size()

	slot := p.FindOwnerSlot(o)
	owner := p.DirSlot(slot)
	nOwned := p.NOwned(owner)
	p.setHdr(PageLastInsert, 0)

	prev := p.DirSlot(slot - 1)
	for p.NextRec(prev) != o {
		prev = p.NextRec(prev)
	}
	p.setNextRec(prev, p.NextRec(o))

	if o == owner {
		p.setNOwned(o, 0)
		p.setDirSlot(slot, prev)
		owner = prev
	}
	p.setNOwned(owner, nOwned-1)

	p.setNextRec(o, p.FreeHead())
	p.setHdr(PageFree, o)
	p.setHdr(PageGarbage, p.Garbage()+size)
	p.setHdr(PageNRecs, p.NRecs()-1)

	if nOwned <= DirSlotMinOwned {
		p.balanceSlot(slot)
	}
}

// DeleteListEnd deletes from and every user record after it.
func (p Page) DeleteListEnd(ix *rec.Index, from int, offs *rec.Offsets) {
	for o := from; !p.IsSupremum(o); {
		next := p.NextRec(o)
		p.Delete(ix, o, offs)
		o = next
	}
}

// DeleteListStart deletes every user record before upTo.
func (p Page) DeleteListStart(ix *rec.Index, upTo int, offs *rec.Offsets) {
	for o := p.First(); o != upTo && !p.IsSupremum(o); {
		next := p.NextRec(o)
		p.Delete(ix, o, offs)
		o = next
	}
}

// Reorganize rewrites the page so that records are stored contiguously in
// key order, reclaiming all garbage. Heap numbers are reassigned and the
// directory is rebuilt with the fewest slots it can have, so a page never
// needs more room after reorganizing than before.
func (p Page) Reorganize(ix *rec.Index, offs *rec.Offsets) {
	old := Page{B: append([]byte(nil), p.B...)}
	compact := old.IsCompact()
	p.format(compact, old.Level(), old.IndexID(), old.ZipSize())
	p.SetMaxTrxID(old.MaxTrxID())

	prev, n := p.Infimum(), 0
	old.ForEach(func(o int) bool {
		img := old.Image(o, old.Offsets(ix, o, offs))
		start := p.HeapTop()
		if start+len(img) > len(p.B)-FilTrailerSize {
			panic("page: reorganize overflow")
		}
		copy(p.B[start:], img)
		r := start + offs.Extra()
		rec.SetHeapNo(p.B, r, compact, p.NHeap())
		p.setNOwned(r, 0)
		p.setHdr(PageHeapTop, start+len(img))
		p.setNHeap(p.NHeap() + 1)
		p.setNextRec(prev, r)
		prev = r
		n++
		return true
	})
	p.setNextRec(prev, p.Supremum())
	p.setHdr(PageNRecs, n)
	p.packDir()
	if p.HeapTop() > p.dirStart() {
		panic("page: reorganize overflow")
	}
}

// SetMinRec marks the record at o as the predefined minimum of its level.
func (p Page) SetMinRec(o int) {
	rec.SetInfoBits(p.B, o, p.IsCompact(), p.InfoBits(o)|rec.InfoMinRec)
}

// ChildPageNo returns the child page number of the node pointer at o.
func (p Page) ChildPageNo(ix *rec.Index, o int, offs *rec.Offsets) base.PageNo {
	return rec.ChildPageNo(p.B, o, p.Offsets(ix, o, offs))
}

// SetChildPageNo rewrites the child page number of the node pointer at o.
func (p Page) SetChildPageNo(ix *rec.Index, o int, child base.PageNo, offs *rec.Offsets) {
	rec.SetChildPageNo(p.B, o, p.Offsets(ix, o, offs), child)
}
