package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"btrcore/internal/base"
	"btrcore/internal/page"
)

// Direction hints where a new page should be placed relative to the hint
// page, keeping pages of a growing tree level close together.
type Direction int

const (
	AllocNoDir Direction = iota
	AllocUp
	AllocDown
)

// Page 0 of every space is the space header: allocation state persisted at
// checkpoints.
const (
	SpaceHeaderPageNo base.PageNo = 0
	TypeSpaceHeader   uint16      = 8

	spaceHeaderMagic = 0x42545348 // "BTSH"
	shMagic          = page.FilPageData
	shHighWater      = shMagic + 4
	shNFree          = shHighWater + 4
	shFreeList       = shNFree + 4
)

// spaceState tracks allocation in one tablespace.
type spaceState struct {
	id       uint32
	hwm      base.PageNo // first page number never handed out
	free     *btree.BTreeG[base.PageNo]
	reserved int
}

func newSpaceState(id uint32) *spaceState {
	return &spaceState{
		id:   id,
		hwm:  SpaceHeaderPageNo + 1,
		free: btree.NewOrderedG[base.PageNo](32),
	}
}

func (sp *spaceState) available(maxPages base.PageNo) int {
	n := sp.free.Len()
	if sp.hwm < maxPages {
		n += int(maxPages - sp.hwm)
	}
	return n
}

// take removes and returns a free page near hint, or extends the space.
func (sp *spaceState) take(hint base.PageNo, dir Direction, maxPages base.PageNo) (base.PageNo, bool) {
	found, ok := base.PageNo(0), false
	pick := func(n base.PageNo) bool {
		found, ok = n, true
		return false
	}
	switch dir {
	case AllocUp:
		sp.free.AscendGreaterOrEqual(hint+1, pick)
	case AllocDown:
		if hint > 0 {
			sp.free.DescendLessOrEqual(hint-1, pick)
		}
	default:
		sp.free.AscendGreaterOrEqual(hint, pick)
	}
	if !ok {
		found, ok = sp.free.Min()
	}
	if ok {
		sp.free.Delete(found)
		return found, true
	}
	if sp.hwm >= maxPages {
		return 0, false
	}
	found = sp.hwm
	sp.hwm++
	return found, true
}

// noteUsed marks n as allocated, as replay discovers pages created after
// the last checkpoint.
func (sp *spaceState) noteUsed(n base.PageNo) {
	if n == SpaceHeaderPageNo {
		return
	}
	sp.free.Delete(n)
	for sp.hwm <= n {
		if sp.hwm != n {
			sp.free.ReplaceOrInsert(sp.hwm)
		}
		sp.hwm++
	}
}

// encodeSpaceHeader writes the allocation state into a page image. Free
// pages that do not fit are dropped from the image and stay unused after a
// restart.
func (sp *spaceState) encodeSpaceHeader(buf []byte) (dropped int) {
	clear(buf)
	binary.BigEndian.PutUint32(buf[page.FilPageOffset:], uint32(SpaceHeaderPageNo))
	binary.BigEndian.PutUint32(buf[page.FilPageSpaceID:], sp.id)
	binary.BigEndian.PutUint32(buf[page.FilPagePrev:], base.FilNull)
	binary.BigEndian.PutUint32(buf[page.FilPageNext:], base.FilNull)
	binary.BigEndian.PutUint16(buf[page.FilPageType:], TypeSpaceHeader)
	binary.BigEndian.PutUint32(buf[shMagic:], spaceHeaderMagic)
	binary.BigEndian.PutUint32(buf[shHighWater:], sp.hwm)

	capacity := (len(buf) - page.FilTrailerSize - shFreeList) / 4
	n := 0
	sp.free.Ascend(func(p base.PageNo) bool {
		if n == capacity {
			return false
		}
		binary.BigEndian.PutUint32(buf[shFreeList+4*n:], p)
		n++
		return true
	})
	binary.BigEndian.PutUint32(buf[shNFree:], uint32(n))
	page.New(buf).StampChecksum()
	return sp.free.Len() - n
}

func decodeSpaceHeader(id uint32, buf []byte) (*spaceState, error) {
	if binary.BigEndian.Uint16(buf[page.FilPageType:]) != TypeSpaceHeader ||
		binary.BigEndian.Uint32(buf[shMagic:]) != spaceHeaderMagic {
		return nil, fmt.Errorf("%w: space %d has no space header", base.ErrCorruption, id)
	}
	sp := newSpaceState(id)
	sp.hwm = binary.BigEndian.Uint32(buf[shHighWater:])
	n := int(binary.BigEndian.Uint32(buf[shNFree:]))
	if shFreeList+4*n > len(buf)-page.FilTrailerSize {
		return nil, fmt.Errorf("%w: space %d header lists %d free pages", base.ErrCorruption, id, n)
	}
	for i := 0; i < n; i++ {
		sp.free.ReplaceOrInsert(binary.BigEndian.Uint32(buf[shFreeList+4*i:]))
	}
	return sp, nil
}

// Reservation guarantees that a number of pages can be allocated in a space
// without running out of space halfway through a structural change.
type Reservation struct {
	store *Store
	space uint32
	n     int
}

// Remaining returns the number of reserved pages not yet allocated.
func (r *Reservation) Remaining() int { return r.n }

// Release returns the unused part of the reservation.
func (r *Reservation) Release() {
	if r == nil || r.n == 0 {
		return
	}
	r.store.allocMu.Lock()
	defer r.store.allocMu.Unlock()
	r.store.spaceLocked(r.space).reserved -= r.n
	r.n = 0
}

// Reserve sets aside n pages in space or fails with base.ErrOutOfSpace.
func (s *Store) Reserve(space uint32, n int) (*Reservation, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	sp := s.spaceLocked(space)
	if sp.available(s.maxPages)-sp.reserved < n {
		return nil, fmt.Errorf("%w: space %d cannot reserve %d pages", base.ErrOutOfSpace, space, n)
	}
	sp.reserved += n
	return &Reservation{store: s, space: space, n: n}, nil
}

// Allocate picks a free page in space near hint. With a reservation the
// allocation draws on it and cannot fail; without one it must leave every
// outstanding reservation intact.
func (s *Store) Allocate(space uint32, hint base.PageNo, dir Direction, res *Reservation) (base.PageKey, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	sp := s.spaceLocked(space)

	switch {
	case res != nil && res.n > 0:
		if res.space != space {
			panic("storage: reservation used in another space")
		}
		res.n--
		sp.reserved--
	case sp.available(s.maxPages)-sp.reserved < 1:
		return base.PageKey{}, fmt.Errorf("%w: space %d", base.ErrOutOfSpace, space)
	}

	n, ok := sp.take(hint, dir, s.maxPages)
	if !ok {
		panic("storage: reserved page unavailable")
	}
	s.stats.allocated.Add(1)
	return base.PageKey{Space: space, PageNo: n}, nil
}

// Free returns a page to its space. The caller has already dropped every
// reference to it (adaptive hash entries, node pointers).
func (s *Store) Free(key base.PageKey) {
	if b := s.resident(key); b != nil {
		b.generation.Add(1)
		b.Zip = nil
	}
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	sp := s.spaceLocked(key.Space)
	if _, dup := sp.free.ReplaceOrInsert(key.PageNo); dup {
		panic(fmt.Sprintf("storage: page %s freed twice", key))
	}
	s.stats.freed.Add(1)
}

// IsFree reports whether page n of space is currently free.
func (s *Store) IsFree(key base.PageKey) bool {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	sp := s.spaceLocked(key.Space)
	return key.PageNo >= sp.hwm || sp.free.Has(key.PageNo)
}

// FreePages returns the number of free pages of a space, counting never
// used ones.
func (s *Store) FreePages(space uint32) int {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	return s.spaceLocked(space).available(s.maxPages)
}

func (s *Store) spaceLocked(id uint32) *spaceState {
	sp, ok := s.spaces[id]
	if !ok {
		sp = newSpaceState(id)
		s.spaces[id] = sp
	}
	return sp
}
