package redo

import "encoding/binary"

// Compressed integers use a 1 to 5 byte big-endian encoding whose leading
// bits give the length:
//
//	0xxxxxxx                                   < 2^7
//	10xxxxxx xxxxxxxx                          < 2^14
//	110xxxxx xxxxxxxx xxxxxxxx                 < 2^21
//	1110xxxx xxxxxxxx xxxxxxxx xxxxxxxx        < 2^28
//	11110000 xxxxxxxx xxxxxxxx xxxxxxxx xxxxxxxx
//
// 64-bit values are a compressed high word followed by the low word.

// AppendCompressed appends the compressed encoding of v.
func AppendCompressed(b []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(b, byte(v))
	case v < 0x4000:
		return append(b, byte(v>>8)|0x80, byte(v))
	case v < 0x200000:
		return append(b, byte(v>>16)|0xC0, byte(v>>8), byte(v))
	case v < 0x10000000:
		return append(b, byte(v>>24)|0xE0, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b, 0xF0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// CompressedSize returns the encoded length of v.
func CompressedSize(v uint32) int {
	switch {
	case v < 0x80:
		return 1
	case v < 0x4000:
		return 2
	case v < 0x200000:
		return 3
	case v < 0x10000000:
		return 4
	default:
		return 5
	}
}

// ReadCompressed decodes a compressed integer. ok is false when b is too
// short.
func ReadCompressed(b []byte) (v uint32, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	f := b[0]
	switch {
	case f < 0x80:
		return uint32(f), 1, true
	case f < 0xC0:
		n = 2
	case f < 0xE0:
		n = 3
	case f < 0xF0:
		n = 4
	default:
		n = 5
	}
	if len(b) < n {
		return 0, 0, false
	}
	switch n {
	case 2:
		v = uint32(binary.BigEndian.Uint16(b)) & 0x3FFF
	case 3:
		v = (uint32(f)&0x1F)<<16 | uint32(binary.BigEndian.Uint16(b[1:]))
	case 4:
		v = binary.BigEndian.Uint32(b) & 0x0FFFFFFF
	case 5:
		v = binary.BigEndian.Uint32(b[1:])
	}
	return v, n, true
}

// AppendCompressed64 appends a 64-bit value as compressed high word plus
// 4-byte low word.
func AppendCompressed64(b []byte, v uint64) []byte {
	b = AppendCompressed(b, uint32(v>>32))
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

// ReadCompressed64 decodes a value written by AppendCompressed64.
func ReadCompressed64(b []byte) (v uint64, n int, ok bool) {
	hi, n, ok := ReadCompressed(b)
	if !ok || len(b) < n+4 {
		return 0, 0, false
	}
	return uint64(hi)<<32 | uint64(binary.BigEndian.Uint32(b[n:])), n + 4, true
}
