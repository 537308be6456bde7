package rec

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// A fold hashes the first nFields complete fields of a key plus the first
// nBytes bytes of the following field, seeded with the index id. Tuples and
// records holding the same prefix fold to the same value.
type folder struct {
	d   *xxhash.Digest
	buf [8]byte
}

func newFolder(indexID uint64) *folder {
	f := &folder{d: xxhash.New()}
	binary.BigEndian.PutUint64(f.buf[:], indexID)
	_, _ = f.d.Write(f.buf[:])
	return f
}

func (f *folder) field(data []byte, null bool) {
	if null {
		_, _ = f.d.Write([]byte{0xFF})
		return
	}
	binary.BigEndian.PutUint16(f.buf[:2], uint16(len(data)))
	_, _ = f.d.Write(f.buf[:2])
	_, _ = f.d.Write(data)
}

func (f *folder) prefix(data []byte, null bool, nBytes int) {
	if null {
		return
	}
	_, _ = f.d.Write([]byte{0xFE})
	_, _ = f.d.Write(data[:min(len(data), nBytes)])
}

func (f *folder) sum() uint32 {
	s := f.d.Sum64()
	return uint32(s) ^ uint32(s>>32)
}

// FoldTuple folds the key prefix of t.
func FoldTuple(t Tuple, nFields, nBytes int, indexID uint64) uint32 {
	f := newFolder(indexID)
	n := min(nFields, len(t))
	for i := 0; i < n; i++ {
		f.field(t[i].Data, t[i].Null)
	}
	if nBytes > 0 && n < len(t) {
		f.prefix(t[n].Data, t[n].Null, nBytes)
	}
	return f.sum()
}

// FoldRec folds the key prefix of the record at o.
func FoldRec(b []byte, o int, offs *Offsets, nFields, nBytes int, indexID uint64) uint32 {
	f := newFolder(indexID)
	n := min(nFields, offs.N())
	for i := 0; i < n; i++ {
		f.field(offs.Field(b, o, i), offs.IsNull(i))
	}
	if nBytes > 0 && n < offs.N() {
		f.prefix(offs.Field(b, o, n), offs.IsNull(n), nBytes)
	}
	return f.sum()
}
