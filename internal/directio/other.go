//go:build !linux && !darwin

package directio

import "os"

const AlignSize = 0

func openFile(name string, flag int, perm os.FileMode) (*os.File, bool, error) {
	f, err := os.OpenFile(name, flag, perm)
	return f, false, err
}
