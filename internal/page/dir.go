package page

// Directory slots grow downwards from the trailer. Slot 0 owns the infimum,
// the last slot owns the supremum, and every other owner record carries the
// number of records in its group (itself included) in n_owned.

func (p Page) slotOffset(i int) int {
	return len(p.B) - FilTrailerSize - (i+1)*DirSlotSize
}

// DirSlot returns the owner record of slot i.
func (p Page) DirSlot(i int) int {
	return p.u16(p.slotOffset(i))
}

func (p Page) setDirSlot(i, o int) {
	p.setU16(p.slotOffset(i), o)
}

// FindOwnerSlot returns the slot owning the record at o.
func (p Page) FindOwnerSlot(o int) int {
	for p.NOwned(o) == 0 {
		o = p.NextRec(o)
	}
	for i := p.NDirSlots() - 1; i >= 0; i-- {
		if p.DirSlot(i) == o {
			return i
		}
	}
	panic("page: record owner missing from directory")
}

// PrevRec returns the record preceding o, which must not be the infimum.
func (p Page) PrevRec(o int) int {
	slot := p.FindOwnerSlot(o)
	r := p.DirSlot(slot - 1)
	for {
		next := p.NextRec(r)
		if next == o {
			return r
		}
		r = next
	}
}

// addSlot opens a slot above slot i by shifting slots i+1.. down in memory.
func (p Page) addSlot(i int) {
	n := p.NDirSlots()
	p.setHdr(PageNDirSlots, n+1)
	for j := n; j > i+1; j-- {
		p.setDirSlot(j, p.DirSlot(j-1))
	}
}

// deleteSlot merges slot i into slot i+1.
func (p Page) deleteSlot(i int) {
	n := p.NDirSlots()
	owned := p.NOwned(p.DirSlot(i))
	p.setNOwned(p.DirSlot(i), 0)
	up := p.DirSlot(i + 1)
	p.setNOwned(up, owned+p.NOwned(up))
	for j := i + 1; j < n; j++ {
		p.setDirSlot(j-1, p.DirSlot(j))
	}
	p.setU16(p.slotOffset(n-1), 0)
	p.setHdr(PageNDirSlots, n-1)
}

// splitSlot divides an overfull slot, giving the lower half to a new slot.
func (p Page) splitSlot(i int) {
	owner := p.DirSlot(i)
	n := p.NOwned(owner)
	r := p.DirSlot(i - 1)
	for j := 0; j < n/2; j++ {
		r = p.NextRec(r)
	}
	p.addSlot(i - 1)
	p.setDirSlot(i, r)
	p.setNOwned(r, n/2)
	p.setNOwned(owner, n-n/2)
}

// balanceSlot restores the minimum group size of slot i after a delete by
// borrowing a record from the upper slot or merging with it.
func (p Page) balanceSlot(i int) {
	if i == p.NDirSlots()-1 {
		return
	}
	owner := p.DirSlot(i)
	up := p.DirSlot(i + 1)
	n := p.NOwned(owner)
	upN := p.NOwned(up)
	if upN > DirSlotMinOwned {
		next := p.NextRec(owner)
		p.setNOwned(owner, 0)
		p.setNOwned(next, n+1)
		p.setDirSlot(i, next)
		p.setNOwned(up, upN-1)
		return
	}
	p.deleteSlot(i)
}

// packDir rebuilds the directory of a page whose records are linked but
// unowned: every DirSlotMaxOwned-th record owns a slot and the supremum owns
// the remainder.
func (p Page) packDir() {
	sup := p.Supremum()
	slots, count := 1, 0
	for o := p.NextRec(p.Infimum()); ; o = p.NextRec(o) {
		count++
		if o == sup || count == DirSlotMaxOwned {
			p.setDirSlot(slots, o)
			p.setNOwned(o, count)
			slots++
			count = 0
		}
		if o == sup {
			break
		}
	}
	p.setHdr(PageNDirSlots, slots)
}
