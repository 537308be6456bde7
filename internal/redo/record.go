// Package redo implements the physical redo log: record encoding and
// parsing, the log service that assigns LSNs and makes records durable, and
// crash replay of parsed records onto page frames.
//
// A record is a type byte, the compressed space id, the compressed page
// number and a type-specific body. The records of one mini-transaction form
// a group: either a single record whose type byte carries SingleRecFlag, or
// several records closed by a MultiRecEnd record.
package redo

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"btrcore/internal/base"
	"btrcore/internal/rec"
)

// Type identifies a redo record.
type Type byte

const (
	Write1          Type = 1
	Write2          Type = 2
	Write4          Type = 4
	Write8          Type = 8
	RecInsert       Type = 9
	RecDelete       Type = 14
	ListEndDelete   Type = 15
	ListStartDelete Type = 16
	PageReorganize  Type = 18
	PageCreate      Type = 19
	RecMinMark      Type = 26
	WriteString     Type = 30
	MultiRecEnd     Type = 31
	ZipPageCompress Type = 51
	NodePtrSetChild Type = 60
	SingleRecFlag   byte = 0x80
	typeMask        byte = 0x7F
)

func (t Type) String() string {
	switch t {
	case Write1:
		return "WRITE_1"
	case Write2:
		return "WRITE_2"
	case Write4:
		return "WRITE_4"
	case Write8:
		return "WRITE_8"
	case RecInsert:
		return "REC_INSERT"
	case RecDelete:
		return "REC_DELETE"
	case ListEndDelete:
		return "LIST_END_DELETE"
	case ListStartDelete:
		return "LIST_START_DELETE"
	case PageReorganize:
		return "PAGE_REORGANIZE"
	case PageCreate:
		return "PAGE_CREATE"
	case RecMinMark:
		return "REC_MIN_MARK"
	case WriteString:
		return "WRITE_STRING"
	case MultiRecEnd:
		return "MULTI_REC_END"
	case ZipPageCompress:
		return "ZIP_PAGE_COMPRESS"
	case NodePtrSetChild:
		return "NODE_PTR_SET_CHILD"
	}
	return "UNKNOWN"
}

var (
	// ErrIncomplete means the buffer ends inside a record or group.
	ErrIncomplete = errors.New("incomplete redo record")
	// ErrCorruptLog means the buffer holds bytes that are not a valid record.
	ErrCorruptLog = errors.New("corrupt redo log")
)

// Record is a parsed redo record. Which fields are set depends on Type.
type Record struct {
	Type   Type
	Single bool
	Key    base.PageKey

	Offset  int
	Value   uint64
	Data    []byte
	Extra   int
	Index   *rec.Index
	Child   base.PageNo
	Compact bool
	Level   int
	IndexID uint64
	ZipSize int
}

// AppendHeader appends the type byte and page identity of a record.
func AppendHeader(b []byte, t Type, key base.PageKey) []byte {
	b = append(b, byte(t))
	b = AppendCompressed(b, key.Space)
	return AppendCompressed(b, key.PageNo)
}

// AppendIndex appends the layout of ix. Old-format records describe
// themselves, so only the format flag is written for them.
func AppendIndex(b []byte, ix *rec.Index) []byte {
	if !ix.Compact {
		return append(b, 0)
	}
	b = append(b, 1)
	b = AppendCompressed(b, uint32(len(ix.Fields)))
	b = AppendCompressed(b, uint32(ix.NUniq))
	for _, f := range ix.Fields {
		v := uint32(f.FixedLen) << 1
		if f.Nullable {
			v |= 1
		}
		b = AppendCompressed(b, v)
	}
	return b
}

// WriteBody encodes the body of a Write1/2/4/8 record.
func WriteBody(b []byte, t Type, offset int, v uint64) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(offset))
	if t == Write8 {
		return AppendCompressed64(b, v)
	}
	return AppendCompressed(b, uint32(v))
}

// WriteStringBody encodes the body of a WriteString record.
func WriteStringBody(b []byte, offset int, data []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(offset))
	b = binary.BigEndian.AppendUint16(b, uint16(len(data)))
	return append(b, data...)
}

// RecInsertBody encodes the insert of record image img after the record at
// prev.
func RecInsertBody(b []byte, ix *rec.Index, prev int, img []byte, extra int) []byte {
	b = AppendIndex(b, ix)
	b = binary.BigEndian.AppendUint16(b, uint16(prev))
	b = AppendCompressed(b, uint32(extra))
	b = AppendCompressed(b, uint32(len(img)))
	return append(b, img...)
}

// RecBody encodes the bodies of RecDelete, ListEndDelete, ListStartDelete
// and RecMinMark records: an index layout (omitted for RecMinMark) and a
// record offset.
func RecBody(b []byte, t Type, ix *rec.Index, offset int) []byte {
	if t != RecMinMark {
		b = AppendIndex(b, ix)
	}
	return binary.BigEndian.AppendUint16(b, uint16(offset))
}

// PageCreateBody encodes the creation of an empty index page.
func PageCreateBody(b []byte, compact bool, level int, indexID uint64, zipSize int) []byte {
	var f byte
	if compact {
		f = 1
	}
	b = append(b, f)
	b = AppendCompressed(b, uint32(level))
	b = AppendCompressed64(b, indexID)
	return AppendCompressed(b, uint32(zipSize))
}

// PageReorganizeBody encodes a page reorganization.
func PageReorganizeBody(b []byte, ix *rec.Index) []byte {
	return AppendIndex(b, ix)
}

// NodePtrSetChildBody encodes a child page number change.
func NodePtrSetChildBody(b []byte, ix *rec.Index, offset int, child base.PageNo) []byte {
	b = AppendIndex(b, ix)
	b = binary.BigEndian.AppendUint16(b, uint16(offset))
	return binary.BigEndian.AppendUint32(b, child)
}

// ZipPageCompressBody encodes a full compressed page image.
func ZipPageCompressBody(b []byte, zipSize int, stream []byte) []byte {
	b = AppendCompressed(b, uint32(zipSize))
	b = AppendCompressed(b, uint32(len(stream)))
	return append(b, stream...)
}

// reader walks a buffer and remembers whether it ran out of bytes.
type reader struct {
	b   []byte
	pos int
	eof bool
}

func (r *reader) compressed() uint32 {
	if r.eof {
		return 0
	}
	v, n, ok := ReadCompressed(r.b[r.pos:])
	if !ok {
		r.eof = true
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) compressed64() uint64 {
	if r.eof {
		return 0
	}
	v, n, ok := ReadCompressed64(r.b[r.pos:])
	if !ok {
		r.eof = true
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.eof || len(r.b)-r.pos < n {
		r.eof = true
		return nil
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *reader) u8() byte {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() int {
	if b := r.bytes(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) index() (*rec.Index, error) {
	switch r.u8() {
	case 0:
		return &rec.Index{NUniq: 0}, nil
	case 1:
	default:
		if r.eof {
			return nil, nil
		}
		return nil, errors.Wrap(ErrCorruptLog, "bad index format flag")
	}
	n := int(r.compressed())
	ix := &rec.Index{Compact: true, NUniq: int(r.compressed())}
	if r.eof {
		return nil, nil
	}
	if n > rec.MaxHeapNo || ix.NUniq > n {
		return nil, errors.Wrapf(ErrCorruptLog, "index layout with %d fields, %d unique", n, ix.NUniq)
	}
	ix.Fields = make([]rec.Field, n)
	for i := range ix.Fields {
		v := r.compressed()
		ix.Fields[i] = rec.Field{FixedLen: int(v >> 1), Nullable: v&1 != 0}
	}
	return ix, nil
}

// Parse decodes the record at the start of b and returns it with its length.
// A truncated record yields ErrIncomplete, never a corruption error.
func Parse(b []byte) (Record, int, error) {
	var r Record
	if len(b) == 0 {
		return r, 0, ErrIncomplete
	}
	rd := &reader{b: b}
	tb := rd.u8()
	r.Single = tb&SingleRecFlag != 0
	r.Type = Type(tb & typeMask)
	if r.Type == MultiRecEnd {
		return r, 1, nil
	}
	r.Key.Space = rd.compressed()
	r.Key.PageNo = rd.compressed()

	var err error
	switch r.Type {
	case Write1, Write2, Write4:
		r.Offset = rd.u16()
		r.Value = uint64(rd.compressed())
	case Write8:
		r.Offset = rd.u16()
		r.Value = rd.compressed64()
	case WriteString:
		r.Offset = rd.u16()
		r.Data = rd.bytes(rd.u16())
	case RecInsert:
		if r.Index, err = rd.index(); err != nil {
			break
		}
		r.Offset = rd.u16()
		r.Extra = int(rd.compressed())
		r.Data = rd.bytes(int(rd.compressed()))
		if !rd.eof && r.Extra > len(r.Data) {
			err = errors.Wrapf(ErrCorruptLog, "record extra size %d exceeds image %d", r.Extra, len(r.Data))
		}
	case RecDelete, ListEndDelete, ListStartDelete:
		if r.Index, err = rd.index(); err != nil {
			break
		}
		r.Offset = rd.u16()
	case RecMinMark:
		r.Offset = rd.u16()
	case PageReorganize:
		r.Index, err = rd.index()
	case PageCreate:
		r.Compact = rd.u8() != 0
		r.Level = int(rd.compressed())
		r.IndexID = rd.compressed64()
		r.ZipSize = int(rd.compressed())
	case NodePtrSetChild:
		if r.Index, err = rd.index(); err != nil {
			break
		}
		r.Offset = rd.u16()
		r.Child = rd.u32()
	case ZipPageCompress:
		r.ZipSize = int(rd.compressed())
		r.Data = rd.bytes(int(rd.compressed()))
	default:
		return r, 0, errors.Wrapf(ErrCorruptLog, "unknown record type %d", tb)
	}
	if rd.eof {
		return Record{}, 0, ErrIncomplete
	}
	if err != nil {
		return Record{}, 0, err
	}
	return r, rd.pos, nil
}

// ParseGroup decodes one mini-transaction group from the start of b. The
// MultiRecEnd marker is consumed but not returned.
func ParseGroup(b []byte) ([]Record, int, error) {
	first, n, err := Parse(b)
	if err != nil {
		return nil, 0, err
	}
	if first.Type == MultiRecEnd {
		return nil, 0, errors.Wrap(ErrCorruptLog, "group starts with MULTI_REC_END")
	}
	if first.Single {
		return []Record{first}, n, nil
	}
	group := []Record{first}
	pos := n
	for {
		r, n, err := Parse(b[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if r.Type == MultiRecEnd {
			return group, pos, nil
		}
		if r.Single {
			return nil, 0, errors.Wrapf(ErrCorruptLog, "single-record flag inside a group at %d", pos-n)
		}
		group = append(group, r)
	}
}
