// Package rec implements the physical record layout shared by index pages:
// the old (redundant) 6-byte and compact 5-byte extra headers, field offset
// computation, tuple comparison and key-prefix folding.
//
// A record is addressed by its origin: the offset of its first data byte
// inside the page frame. Header bytes are read backwards from the origin.
//
// OLD FORMAT (n field end offsets, 1 or 2 bytes each, read backwards):
// ┌──────────────────┬──────────┬────────┬─────────┬──────────┬────────┬──────
// │ end[n-1] .. end[0]│ info|own │ heap_no│ n_fields│ 1b_offs  │  next  │ data
// │  (1 or 2 bytes)  │  (-6)    │ (-5,13b)│(-4,10b) │ (-3,1b)  │ (-2,2) │ origin →
// └──────────────────┴──────────┴────────┴─────────┴──────────┴────────┴──────
//
// COMPACT FORMAT (lengths and null bitmap derived from the index definition):
// ┌───────────────────┬────────────┬──────────┬────────────────┬────────┬──────
// │ var lens (reverse)│ null bitmap│ info|own │ heap_no|status │  next  │ data
// │                   │            │  (-5)    │  (-4,-3)       │ (-2,2) │ origin →
// └───────────────────┴────────────┴──────────┴────────────────┴────────┴──────
//
// Next pointers are absolute page offsets in both formats.
package rec

import (
	"encoding/binary"
)

const (
	OldExtraBytes = 6
	NewExtraBytes = 5

	// Info bits live in the high nibble of the first extra byte.
	InfoMinRec  byte = 0x10
	InfoDeleted byte = 0x20
	infoMask    byte = 0xF0
	ownedMask   byte = 0x0F

	StatusOrdinary = 0
	StatusNodePtr  = 1
	StatusInfimum  = 2
	StatusSupremum = 3

	HeapNoInfimum  = 0
	HeapNoSupremum = 1
	HeapNoUserLow  = 2
	MaxHeapNo      = 8191

	oldNullFlag1  = 0x80
	oldNullFlag2  = 0x8000
	oldOffsMask2  = 0x3FFF
	old1ByteLimit = 0x7F

	// MaxFieldLen is the longest field the 2-byte length encodings can carry.
	MaxFieldLen = 0x3FFF

	// ChildFieldLen is the width of the child page number in a node pointer.
	ChildFieldLen = 4
)

// Field describes one column of an index record.
type Field struct {
	Name     string
	FixedLen int // 0 means variable length
	Nullable bool
}

// Index is the physical description of an index needed to decode records.
// Fields[:NUniq] order the index; node pointers carry those fields plus the
// child page number.
type Index struct {
	ID      uint64
	Fields  []Field
	NUniq   int
	Compact bool
}

// NFields returns the number of fields in a record with the given status.
func (ix *Index) NFields(status int) int {
	switch status {
	case StatusNodePtr:
		return ix.NUniq + 1
	case StatusInfimum, StatusSupremum:
		return 1
	default:
		return len(ix.Fields)
	}
}

// field returns the definition of field i for records with the given status.
func (ix *Index) field(status, i int) Field {
	if status == StatusNodePtr && i == ix.NUniq {
		return Field{Name: "child", FixedLen: ChildFieldLen}
	}
	return ix.Fields[i]
}

func (ix *Index) nNullable(status int) int {
	n := 0
	for i := 0; i < ix.NFields(status); i++ {
		if ix.field(status, i).Nullable {
			n++
		}
	}
	return n
}

// ExtraBytes returns the fixed extra header size for the format.
func ExtraBytes(compact bool) int {
	if compact {
		return NewExtraBytes
	}
	return OldExtraBytes
}

// InfoBits returns the info bits (min-rec, deleted) of the record.
func InfoBits(b []byte, o int, compact bool) byte {
	return b[o-ExtraBytes(compact)] & infoMask
}

// SetInfoBits replaces the info bits of the record.
func SetInfoBits(b []byte, o int, compact bool, bits byte) {
	p := o - ExtraBytes(compact)
	b[p] = (b[p] & ownedMask) | (bits & infoMask)
}

// IsMinRec reports whether the record carries the predefined minimum mark.
func IsMinRec(b []byte, o int, compact bool) bool {
	return InfoBits(b, o, compact)&InfoMinRec != 0
}

// IsDeleted reports whether the record is delete-marked.
func IsDeleted(b []byte, o int, compact bool) bool {
	return InfoBits(b, o, compact)&InfoDeleted != 0
}

// NOwned returns the number of records owned by a directory slot owner.
func NOwned(b []byte, o int, compact bool) int {
	return int(b[o-ExtraBytes(compact)] & ownedMask)
}

// SetNOwned writes the owned count of the record.
func SetNOwned(b []byte, o int, compact bool, n int) {
	p := o - ExtraBytes(compact)
	b[p] = (b[p] & infoMask) | (byte(n) & ownedMask)
}

// HeapNo returns the heap number of the record.
func HeapNo(b []byte, o int, compact bool) int {
	if compact {
		return int(binary.BigEndian.Uint16(b[o-4:]) >> 3)
	}
	return int(binary.BigEndian.Uint16(b[o-5:]) >> 3)
}

// SetHeapNo writes the heap number, preserving the neighbouring bits.
func SetHeapNo(b []byte, o int, compact bool, heapNo int) {
	p := o - 5
	if compact {
		p = o - 4
	}
	v := binary.BigEndian.Uint16(b[p:])
	v = (v & 0x0007) | uint16(heapNo<<3)
	binary.BigEndian.PutUint16(b[p:], v)
}

// Status returns the compact-format record status.
func Status(b []byte, o int) int {
	return int(b[o-3] & 0x07)
}

func setStatus(b []byte, o int, status int) {
	b[o-3] = (b[o-3] &^ 0x07) | byte(status&0x07)
}

// OldNFields returns the field count stored in an old-format header.
func OldNFields(b []byte, o int) int {
	return int(binary.BigEndian.Uint16(b[o-4:])&0x07FE) >> 1
}

func setOldNFields(b []byte, o int, n int) {
	v := binary.BigEndian.Uint16(b[o-4:])
	v = (v &^ 0x07FE) | uint16(n<<1)&0x07FE
	binary.BigEndian.PutUint16(b[o-4:], v)
}

func oldShort(b []byte, o int) bool {
	return b[o-3]&0x01 != 0
}

func setOldShort(b []byte, o int, short bool) {
	if short {
		b[o-3] |= 0x01
	} else {
		b[o-3] &^= 0x01
	}
}

// Next returns the absolute offset of the next record in the chain.
func Next(b []byte, o int) int {
	return int(binary.BigEndian.Uint16(b[o-2:]))
}

// SetNext links the record to the record at next.
func SetNext(b []byte, o int, next int) {
	binary.BigEndian.PutUint16(b[o-2:], uint16(next))
}
