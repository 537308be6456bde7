//go:build !unix

package storage

import (
	"errors"
	"io"
	"os"
)

func pread(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func pwrite(f *os.File, buf []byte, off int64) (int, error) {
	return f.WriteAt(buf, off)
}

func fsync(f *os.File) error {
	return f.Sync()
}
