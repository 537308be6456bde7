package rec

import (
	"encoding/binary"
	"fmt"

	"btrcore/internal/base"
)

// Datum is one field value of a tuple.
type Datum struct {
	Data []byte
	Null bool
}

// Tuple is a logical record: an ordered list of field values.
type Tuple []Datum

// Bytes wraps b as a non-null field.
func Bytes(b []byte) Datum { return Datum{Data: b} }

// Null returns an SQL NULL field.
func Null() Datum { return Datum{Null: true} }

// Uint32 encodes v as a 4-byte big-endian field.
func Uint32(v uint32) Datum {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return Datum{Data: b[:]}
}

// Uint64 encodes v as an 8-byte big-endian field.
func Uint64(v uint64) Datum {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return Datum{Data: b[:]}
}

// Clone deep-copies the tuple.
func (t Tuple) Clone() Tuple {
	out := make(Tuple, len(t))
	for i, d := range t {
		out[i] = Datum{Null: d.Null, Data: append([]byte(nil), d.Data...)}
	}
	return out
}

func (t Tuple) String() string {
	s := "("
	for i, d := range t {
		if i > 0 {
			s += ", "
		}
		if d.Null {
			s += "NULL"
		} else {
			s += fmt.Sprintf("%x", d.Data)
		}
	}
	return s + ")"
}

// Validate checks that t can be stored as a record with the given status.
func (ix *Index) Validate(t Tuple, status int) error {
	if n := ix.NFields(status); len(t) != n {
		return fmt.Errorf("%w: %d fields, want %d", base.ErrInvalidTuple, len(t), n)
	}
	for i, d := range t {
		fd := ix.field(status, i)
		switch {
		case d.Null && !fd.Nullable:
			return fmt.Errorf("%w: field %q is not nullable", base.ErrInvalidTuple, fd.Name)
		case d.Null:
		case fd.FixedLen > 0 && len(d.Data) != fd.FixedLen:
			return fmt.Errorf("%w: field %q has %d bytes, want %d", base.ErrInvalidTuple, fd.Name, len(d.Data), fd.FixedLen)
		case len(d.Data) > MaxFieldLen:
			return fmt.Errorf("%w: field %q exceeds %d bytes", base.ErrRecordTooLarge, fd.Name, MaxFieldLen)
		}
	}
	return nil
}

// EncodedSize returns the header and data sizes of t encoded as a record.
func (ix *Index) EncodedSize(t Tuple, status int) (extra, data int) {
	for _, d := range t {
		if !d.Null {
			data += len(d.Data)
		}
	}
	if !ix.Compact {
		if data <= old1ByteLimit {
			return OldExtraBytes + len(t), data
		}
		return OldExtraBytes + 2*len(t), data
	}
	extra = NewExtraBytes + (ix.nNullable(status)+7)/8
	for i, d := range t {
		fd := ix.field(status, i)
		if d.Null || fd.FixedLen > 0 {
			continue
		}
		if len(d.Data) < 0x80 {
			extra++
		} else {
			extra += 2
		}
	}
	return extra, data
}

// Encode appends the record image of t to dst. The image starts with the
// header; the origin lies extra bytes into it. Heap number, owned count and
// next pointer are left zero for the page to fill in.
func (ix *Index) Encode(dst []byte, t Tuple, status int) (img []byte, extra int, err error) {
	if err := ix.Validate(t, status); err != nil {
		return nil, 0, err
	}
	extra, data := ix.EncodedSize(t, status)
	start := len(dst)
	img = append(dst, make([]byte, extra+data)...)
	b := img[start:]
	o := extra

	pos := o
	for _, d := range t {
		if !d.Null {
			pos += copy(b[pos:], d.Data)
		}
	}

	if ix.Compact {
		setStatus(b, o, status)
		nulls := o - NewExtraBytes - 1
		lens := nulls - (ix.nNullable(status)+7)/8
		var nullMask byte = 1
		for i, d := range t {
			fd := ix.field(status, i)
			if fd.Nullable {
				if nullMask == 0 {
					nulls--
					nullMask = 1
				}
				if d.Null {
					b[nulls] |= nullMask
				}
				nullMask <<= 1
				if d.Null {
					continue
				}
			}
			if fd.FixedLen > 0 {
				continue
			}
			l := len(d.Data)
			if l < 0x80 {
				b[lens] = byte(l)
				lens--
			} else {
				b[lens] = 0x80 | byte(l>>8)
				b[lens-1] = byte(l)
				lens -= 2
			}
		}
		return img, extra, nil
	}

	setOldNFields(b, o, len(t))
	short := data <= old1ByteLimit
	setOldShort(b, o, short)
	p := o - OldExtraBytes
	end := 0
	for _, d := range t {
		if !d.Null {
			end += len(d.Data)
		}
		if short {
			p--
			v := byte(end)
			if d.Null {
				v |= oldNullFlag1
			}
			b[p] = v
		} else {
			p -= 2
			v := uint16(end)
			if d.Null {
				v |= oldNullFlag2
			}
			binary.BigEndian.PutUint16(b[p:], v)
		}
	}
	return img, extra, nil
}

var (
	infimumData  = []byte("infimum\x00")
	supremumData = []byte("supremum")
)

// EncodeSentinel returns the image of the infimum or supremum record.
func EncodeSentinel(compact bool, status int) (img []byte, extra int) {
	data := infimumData
	heapNo := HeapNoInfimum
	if status == StatusSupremum {
		data = supremumData
		heapNo = HeapNoSupremum
	}
	if compact {
		extra = NewExtraBytes
		img = make([]byte, extra+len(data))
		setStatus(img, extra, status)
	} else {
		extra = OldExtraBytes + 1
		img = make([]byte, extra+len(data))
		setOldNFields(img, extra, 1)
		setOldShort(img, extra, true)
		img[0] = byte(len(data))
	}
	copy(img[extra:], data)
	SetHeapNo(img, extra, compact, heapNo)
	if status == StatusInfimum {
		SetNOwned(img, extra, compact, 1)
	}
	return img, extra
}

// ToTuple copies the first n fields of the record at o.
func ToTuple(b []byte, o int, offs *Offsets, n int) Tuple {
	t := make(Tuple, n)
	for i := 0; i < n; i++ {
		if offs.IsNull(i) {
			t[i] = Null()
			continue
		}
		t[i] = Bytes(append([]byte(nil), offs.Field(b, o, i)...))
	}
	return t
}

// NodePtr builds the node pointer tuple for the record at o: its key prefix
// followed by the child page number.
func (ix *Index) NodePtr(b []byte, o int, offs *Offsets, child base.PageNo) Tuple {
	t := ToTuple(b, o, offs, ix.NUniq)
	return append(t, Uint32(child))
}

// ChildPageNo returns the child page number of a node pointer record.
func ChildPageNo(b []byte, o int, offs *Offsets) base.PageNo {
	return binary.BigEndian.Uint32(offs.Field(b, o, offs.N()-1))
}

// SetChildPageNo overwrites the child page number of a node pointer record.
func SetChildPageNo(b []byte, o int, offs *Offsets, child base.PageNo) {
	binary.BigEndian.PutUint32(offs.Field(b, o, offs.N()-1), child)
}

// ChildFieldOffset returns the page offset of the child page number field.
func ChildFieldOffset(o int, offs *Offsets) int {
	s, _ := offs.FieldBounds(offs.N() - 1)
	return o + s
}
