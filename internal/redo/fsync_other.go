//go:build !unix

package redo

import "os"

func fsync(f *os.File) error {
	return f.Sync()
}
