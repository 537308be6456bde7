//go:build darwin

package directio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// AlignSize is 0: F_NOCACHE places no alignment demands on buffers.
const AlignSize = 0

func openFile(name string, flag int, perm os.FileMode) (*os.File, bool, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, false, err
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_NOCACHE, 1); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("set F_NOCACHE on %s: %w", name, err)
	}
	return f, true, nil
}
