//go:build linux

package directio

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// AlignSize is the alignment O_DIRECT wants for buffers, offsets and
// lengths.
const AlignSize = 4096

func openFile(name string, flag int, perm os.FileMode) (*os.File, bool, error) {
	f, err := os.OpenFile(name, flag|unix.O_DIRECT, perm)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, unix.EINVAL) {
		return nil, false, err
	}
	f, err = os.OpenFile(name, flag, perm)
	return f, false, err
}
