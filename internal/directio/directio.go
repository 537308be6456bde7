// Package directio opens files that bypass the OS page cache and hands out
// buffers aligned the way such files require.
package directio

import (
	"os"
	"unsafe"
)

// OpenFile opens name like os.OpenFile and asks the OS not to cache it.
// direct reports whether that took effect; filesystems such as tmpfs refuse
// it and the file is then opened normally.
func OpenFile(name string, flag int, perm os.FileMode) (f *os.File, direct bool, err error) {
	return openFile(name, flag, perm)
}

// IsAligned reports whether block starts on an AlignSize boundary.
func IsAligned(block []byte) bool {
	return AlignSize == 0 || len(block) == 0 || alignment(block) == 0
}

// AlignedBlock returns a zeroed slice of size bytes starting on an
// AlignSize boundary.
func AlignedBlock(size int) []byte {
	block := make([]byte, size+AlignSize)
	if AlignSize == 0 || size == 0 {
		return block[:size]
	}
	offset := 0
	if a := alignment(block); a != 0 {
		offset = AlignSize - a
	}
	return block[offset : offset+size]
}

func alignment(block []byte) int {
	align := uintptr(AlignSize)
	return int(uintptr(unsafe.Pointer(&block[0])) & (align - 1))
}
