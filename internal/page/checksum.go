package page

import "github.com/cespare/xxhash/v2"

// Checksum hashes everything between the checksum field and the trailer.
func Checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b[FilPageOffset : len(b)-FilTrailerSize]))
}

// StampChecksum writes the checksum to the header and the trailer.
func (p Page) StampChecksum() {
	c := Checksum(p.B)
	p.setU32(FilPageSpaceOrChksum, c)
	p.setU32(len(p.B)-FilTrailerSize, c)
}

// VerifyChecksum reports whether both stored checksums match the content.
// A never-written, all-zero page is valid.
func (p Page) VerifyChecksum() bool {
	if isZero(p.B) {
		return true
	}
	c := Checksum(p.B)
	return p.u32(FilPageSpaceOrChksum) == c && p.u32(len(p.B)-FilTrailerSize) == c
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
