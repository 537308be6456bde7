package rec

import "encoding/binary"

// Offsets describes the field boundaries of one record. It is filled by
// Offsets.Compute and may be reused for any record; its buffers only grow.
type Offsets struct {
	compact bool
	status  int
	extra   int
	ends    []int
	nulls   []bool
}

// N returns the number of fields.
func (f *Offsets) N() int { return len(f.ends) }

// Extra returns the number of header bytes before the origin.
func (f *Offsets) Extra() int { return f.extra }

// DataSize returns the number of data bytes after the origin.
func (f *Offsets) DataSize() int {
	if len(f.ends) == 0 {
		return 0
	}
	return f.ends[len(f.ends)-1]
}

// Size returns the total record size, header included.
func (f *Offsets) Size() int { return f.extra + f.DataSize() }

// Status returns the record status (compact) or the equivalent status
// inferred from the field count (old format).
func (f *Offsets) Status() int { return f.status }

// IsNull reports whether field i is SQL NULL.
func (f *Offsets) IsNull(i int) bool { return f.nulls[i] }

// FieldBounds returns the [start, end) data offsets of field i relative to
// the origin.
func (f *Offsets) FieldBounds(i int) (int, int) {
	start := 0
	if i > 0 {
		start = f.ends[i-1]
	}
	return start, f.ends[i]
}

// Field returns the bytes of field i of the record at origin o.
func (f *Offsets) Field(b []byte, o, i int) []byte {
	s, e := f.FieldBounds(i)
	return b[o+s : o+e]
}

func (f *Offsets) reset(n int) {
	if cap(f.ends) < n {
		f.ends = make([]int, n)
		f.nulls = make([]bool, n)
	}
	f.ends = f.ends[:n]
	f.nulls = f.nulls[:n]
}

// Compute fills f for the record at origin o. The status of infimum and
// supremum is detected from the header in both formats, so ix is only
// consulted for ordinary records and node pointers.
func (f *Offsets) Compute(b []byte, o int, ix *Index, leaf bool) *Offsets {
	f.compact = ix.Compact
	if ix.Compact {
		f.computeCompact(b, o, ix)
	} else {
		f.computeOld(b, o, ix, leaf)
	}
	return f
}

func (f *Offsets) computeCompact(b []byte, o int, ix *Index) {
	status := Status(b, o)
	f.status = status
	if status == StatusInfimum || status == StatusSupremum {
		f.reset(1)
		f.ends[0] = 8
		f.nulls[0] = false
		f.extra = NewExtraBytes
		return
	}

	n := ix.NFields(status)
	f.reset(n)

	nulls := o - NewExtraBytes - 1
	lens := nulls - (ix.nNullable(status)+7)/8
	var nullMask byte = 1
	end := 0
	for i := 0; i < n; i++ {
		fd := ix.field(status, i)
		f.nulls[i] = false
		if fd.Nullable {
			if nullMask == 0 {
				nulls--
				nullMask = 1
			}
			isNull := b[nulls]&nullMask != 0
			nullMask <<= 1
			if isNull {
				f.nulls[i] = true
				f.ends[i] = end
				continue
			}
		}
		if fd.FixedLen > 0 {
			end += fd.FixedLen
		} else {
			l := int(b[lens])
			lens--
			if l&0x80 != 0 {
				l = (l&0x3F)<<8 | int(b[lens])
				lens--
			}
			end += l
		}
		f.ends[i] = end
	}
	f.extra = o - (lens + 1)
}

func (f *Offsets) computeOld(b []byte, o int, ix *Index, leaf bool) {
	n := OldNFields(b, o)
	f.reset(n)
	switch {
	case HeapNo(b, o, false) == HeapNoInfimum:
		f.status = StatusInfimum
	case HeapNo(b, o, false) == HeapNoSupremum:
		f.status = StatusSupremum
	case !leaf:
		f.status = StatusNodePtr
	default:
		f.status = StatusOrdinary
	}

	p := o - OldExtraBytes
	if oldShort(b, o) {
		for i := 0; i < n; i++ {
			p--
			v := int(b[p])
			f.nulls[i] = v&oldNullFlag1 != 0
			f.ends[i] = v &^ oldNullFlag1
		}
	} else {
		for i := 0; i < n; i++ {
			p -= 2
			v := int(binary.BigEndian.Uint16(b[p:]))
			f.nulls[i] = v&oldNullFlag2 != 0
			f.ends[i] = v & oldOffsMask2
		}
	}
	f.extra = o - p
}
