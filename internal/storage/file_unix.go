//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

func pread(f *os.File, buf []byte, off int64) (int, error) {
	return unix.Pread(int(f.Fd()), buf, off)
}

func pwrite(f *os.File, buf []byte, off int64) (int, error) {
	return unix.Pwrite(int(f.Fd()), buf, off)
}

func fsync(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
