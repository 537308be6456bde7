// Package page implements the index page layout: the file header and
// trailer, the index page header, the infimum/supremum sentinels, the singly
// linked record chain and the sparse page directory.
//
// Every page in the store is a fixed-size frame:
//
//	┌──────────────────────────┐ 0
//	│ file header (38 bytes)   │ checksum, page no, prev, next, LSN, type, space
//	├──────────────────────────┤ 38
//	│ index header (56 bytes)  │ slots, heap top, n_heap, free, garbage, ...
//	├──────────────────────────┤ 94
//	│ infimum, supremum        │
//	│ record heap ↓            │
//	│                          │
//	│ free space               │
//	│                          │
//	│ directory slots ↑        │ slot 0 (infimum) is the last two bytes
//	├──────────────────────────┤ size-8
//	│ trailer (8 bytes)        │ checksum, low 32 bits of LSN
//	└──────────────────────────┘ size
//
// The functions here mutate frames directly. Redo logging and latching are
// the caller's business; redo replay drives the same functions so a replayed
// page is byte-identical to the original.
package page

import (
	"encoding/binary"

	"btrcore/internal/base"
	"btrcore/internal/rec"
)

// File header offsets.
const (
	FilPageSpaceOrChksum = 0
	FilPageOffset        = 4
	FilPagePrev          = 8
	FilPageNext          = 12
	FilPageLSN           = 16
	FilPageType          = 24
	FilPageFileFlushLSN  = 26
	FilPageSpaceID       = 34
	FilPageData          = 38
	FilTrailerSize       = 8
)

// Index header field offsets, relative to PageHeader.
const (
	PageHeader     = FilPageData
	PageNDirSlots  = 0
	PageHeapTop    = 2
	PageNHeap      = 4
	PageFree       = 6
	PageGarbage    = 8
	PageLastInsert = 10
	PageDirection  = 12
	PageNDirection = 14
	PageNRecs      = 16
	PageMaxTrxID   = 18
	PageLevel      = 26
	PageIndexID    = 28
	PageZipSize    = 36
	PageHeaderSize = 56
	PageData       = PageHeader + PageHeaderSize

	NewInfimum     = PageData + rec.NewExtraBytes
	NewSupremum    = NewInfimum + 8 + rec.NewExtraBytes
	NewSupremumEnd = NewSupremum + 8
	OldInfimum     = PageData + 1 + rec.OldExtraBytes
	OldSupremum    = OldInfimum + 8 + 1 + rec.OldExtraBytes
	OldSupremumEnd = OldSupremum + 8

	compactFlag = 0x8000
)

// Page types.
const (
	TypeAllocated uint16 = 0
	TypeIndex     uint16 = 17855
)

// Insert direction values kept in PAGE_DIRECTION.
const (
	DirLeft        = 1
	DirRight       = 2
	DirNoDirection = 5
)

// Directory slot bounds on the number of owned records.
const (
	DirSlotSize     = 2
	DirSlotMinOwned = 4
	DirSlotMaxOwned = 8
)

// Page is a view over one page frame.
type Page struct {
	B []byte
}

// New wraps a frame.
func New(b []byte) Page { return Page{B: b} }

func (p Page) u16(off int) int             { return int(binary.BigEndian.Uint16(p.B[off:])) }
func (p Page) setU16(off, v int)           { binary.BigEndian.PutUint16(p.B[off:], uint16(v)) }
func (p Page) u32(off int) uint32          { return binary.BigEndian.Uint32(p.B[off:]) }
func (p Page) setU32(off int, v uint32)    { binary.BigEndian.PutUint32(p.B[off:], v) }
func (p Page) hdr(field int) int           { return p.u16(PageHeader + field) }
func (p Page) setHdr(field, v int)         { p.setU16(PageHeader+field, v) }
func (p Page) Size() int                   { return len(p.B) }
func (p Page) PageNo() base.PageNo         { return p.u32(FilPageOffset) }
func (p Page) Space() uint32               { return p.u32(FilPageSpaceID) }
func (p Page) Prev() base.PageNo           { return p.u32(FilPagePrev) }
func (p Page) Next() base.PageNo           { return p.u32(FilPageNext) }
func (p Page) SetPrev(n base.PageNo)       { p.setU32(FilPagePrev, n) }
func (p Page) SetNext(n base.PageNo)       { p.setU32(FilPageNext, n) }
func (p Page) Type() uint16                { return uint16(p.u16(FilPageType)) }
func (p Page) LSN() base.LSN               { return binary.BigEndian.Uint64(p.B[FilPageLSN:]) }
func (p Page) Level() int                  { return p.hdr(PageLevel) }
func (p Page) IsLeaf() bool                { return p.Level() == 0 }
func (p Page) IndexID() uint64             { return binary.BigEndian.Uint64(p.B[PageHeader+PageIndexID:]) }
func (p Page) ZipSize() int                { return p.hdr(PageZipSize) }
func (p Page) IsCompact() bool             { return p.hdr(PageNHeap)&compactFlag != 0 }
func (p Page) NHeap() int                  { return p.hdr(PageNHeap) &^ compactFlag }
func (p Page) NRecs() int                  { return p.hdr(PageNRecs) }
func (p Page) NDirSlots() int              { return p.hdr(PageNDirSlots) }
func (p Page) HeapTop() int                { return p.hdr(PageHeapTop) }
func (p Page) FreeHead() int               { return p.hdr(PageFree) }
func (p Page) Garbage() int                { return p.hdr(PageGarbage) }
func (p Page) LastInsert() int             { return p.hdr(PageLastInsert) }
func (p Page) Direction() int              { return p.hdr(PageDirection) }
func (p Page) NDirection() int             { return p.hdr(PageNDirection) }
func (p Page) MaxTrxID() uint64            { return binary.BigEndian.Uint64(p.B[PageHeader+PageMaxTrxID:]) }
func (p Page) Key() base.PageKey           { return base.PageKey{Space: p.Space(), PageNo: p.PageNo()} }
func (p Page) IsInfimum(o int) bool        { return o == p.Infimum() }
func (p Page) IsSupremum(o int) bool       { return o == p.Supremum() }
func (p Page) IsUser(o int) bool           { return o != p.Infimum() && o != p.Supremum() }
func (p Page) NextRec(o int) int           { return rec.Next(p.B, o) }
func (p Page) First() int                  { return p.NextRec(p.Infimum()) }
func (p Page) Last() int                   { return p.PrevRec(p.Supremum()) }
func (p Page) setNHeap(n int)              { p.setHdr(PageNHeap, n|p.hdr(PageNHeap)&compactFlag) }
func (p Page) SetLevelRaw(level int)       { p.setHdr(PageLevel, level) }
func (p Page) SetMaxTrxID(id uint64)       { binary.BigEndian.PutUint64(p.B[PageHeader+PageMaxTrxID:], id) }
func (p Page) dirStart() int               { return len(p.B) - FilTrailerSize - p.NDirSlots()*DirSlotSize }
func (p Page) supremumEnd() int            { return p.Supremum() + 8 }
func (p Page) InfoBits(o int) byte         { return rec.InfoBits(p.B, o, p.IsCompact()) }
func (p Page) IsMinRec(o int) bool         { return rec.IsMinRec(p.B, o, p.IsCompact()) }
func (p Page) HeapNo(o int) int            { return rec.HeapNo(p.B, o, p.IsCompact()) }
func (p Page) NOwned(o int) int            { return rec.NOwned(p.B, o, p.IsCompact()) }
func (p Page) setNOwned(o, n int)          { rec.SetNOwned(p.B, o, p.IsCompact(), n) }
func (p Page) setNextRec(o, next int)      { rec.SetNext(p.B, o, next) }
func (p Page) HeaderFieldOffset(f int) int { return PageHeader + f }

// Infimum returns the origin of the infimum record.
func (p Page) Infimum() int {
	if p.IsCompact() {
		return NewInfimum
	}
	return OldInfimum
}

// Supremum returns the origin of the supremum record.
func (p Page) Supremum() int {
	if p.IsCompact() {
		return NewSupremum
	}
	return OldSupremum
}

// SetLSN stamps the page LSN in the header and the trailer.
func (p Page) SetLSN(lsn base.LSN) {
	binary.BigEndian.PutUint64(p.B[FilPageLSN:], lsn)
	p.setU32(len(p.B)-FilTrailerSize+4, uint32(lsn))
}

// Offsets computes the field offsets of the record at o.
func (p Page) Offsets(ix *rec.Index, o int, offs *rec.Offsets) *rec.Offsets {
	return offs.Compute(p.B, o, ix, p.IsLeaf())
}

// Image returns the bytes of the record at o, header included.
func (p Page) Image(o int, offs *rec.Offsets) []byte {
	return p.B[o-offs.Extra() : o+offs.DataSize()]
}

// Create formats the frame as an empty index page. The whole frame is
// zeroed, so siblings are reset to FilNull and the LSN to zero.
func Create(b []byte, key base.PageKey, compact bool, level int, indexID uint64, zipSize int) Page {
	clear(b)
	p := Page{B: b}
	p.setU32(FilPageOffset, key.PageNo)
	p.setU32(FilPageSpaceID, key.Space)
	p.SetPrev(base.FilNull)
	p.SetNext(base.FilNull)
	p.setU16(FilPageType, int(TypeIndex))
	p.format(compact, level, indexID, zipSize)
	return p
}

// format writes the index header, sentinels and directory of an empty page.
func (p Page) format(compact bool, level int, indexID uint64, zipSize int) {
	clear(p.B[PageHeader : len(p.B)-FilTrailerSize])

	inf, infExtra := rec.EncodeSentinel(compact, rec.StatusInfimum)
	sup, supExtra := rec.EncodeSentinel(compact, rec.StatusSupremum)
	copy(p.B[PageData:], inf)
	copy(p.B[PageData+len(inf):], sup)
	infO := PageData + infExtra
	supO := PageData + len(inf) + supExtra

	nHeap := 2
	if compact {
		nHeap |= compactFlag
	}
	p.setHdr(PageNHeap, nHeap)
	p.setHdr(PageHeapTop, supO+8)
	p.setHdr(PageNDirSlots, 2)
	p.setHdr(PageDirection, DirNoDirection)
	p.setHdr(PageLevel, level)
	p.setHdr(PageZipSize, zipSize)
	binary.BigEndian.PutUint64(p.B[PageHeader+PageIndexID:], indexID)

	rec.SetNext(p.B, infO, supO)
	rec.SetNext(p.B, supO, 0)
	rec.SetNOwned(p.B, supO, compact, 1)
	p.setDirSlot(0, infO)
	p.setDirSlot(1, supO)
}

// Empty removes every record, keeping the file header and the identity of
// the page. The level may change (root raise and lift).
func (p Page) Empty(level int) {
	p.format(p.IsCompact(), level, p.IndexID(), p.ZipSize())
}

// DataSize returns the bytes used by user records, free-list garbage
// excluded.
func (p Page) DataSize() int {
	return p.HeapTop() - p.supremumEnd() - p.Garbage()
}

// FreeSpace returns the contiguous bytes between the heap top and the
// directory.
func (p Page) FreeSpace() int {
	return p.dirStart() - p.HeapTop()
}

// MaxInsertSize returns the largest record that fits without
// reorganization, reserving room for one more directory slot.
func (p Page) MaxInsertSize() int {
	return max(p.FreeSpace()-DirSlotSize, 0)
}

// MaxInsertSizeAfterReorganize returns the largest record that fits once
// garbage is reclaimed.
func (p Page) MaxInsertSizeAfterReorganize() int {
	return max(p.FreeSpace()+p.Garbage()-DirSlotSize, 0)
}

// EmptyFreeSpace returns the free space of an empty page of the given size.
func EmptyFreeSpace(size int, compact bool) int {
	end := OldSupremumEnd
	if compact {
		end = NewSupremumEnd
	}
	return size - FilTrailerSize - 2*DirSlotSize - end
}

// MaxRecordSize returns the largest record accepted on a page of the given
// size, so that any two records fit together on an empty page.
func MaxRecordSize(size int, compact bool) int {
	return EmptyFreeSpace(size, compact)/2 - 2*DirSlotSize
}

// ForEach calls fn for every user record in key order until fn returns
// false.
func (p Page) ForEach(fn func(o int) bool) {
	sup := p.Supremum()
	for o := p.First(); o != sup; o = p.NextRec(o) {
		if !fn(o) {
			return
		}
	}
}

// NthRec returns the n-th user record (0-based) or the supremum.
func (p Page) NthRec(n int) int {
	o := p.First()
	for i := 0; i < n && o != p.Supremum(); i++ {
		o = p.NextRec(o)
	}
	return o
}
