package directio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedBlock(t *testing.T) {
	for _, size := range []int{0, 512, 4096, 16384} {
		b := AlignedBlock(size)
		assert.Len(t, b, size)
		assert.True(t, IsAligned(b), "size %d", size)
	}
}

func TestOpenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "space")
	f, _, err := OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	require.NoError(t, err)
	defer f.Close()

	out := AlignedBlock(4096)
	for i := range out {
		out[i] = byte(i)
	}
	_, err = f.WriteAt(out, 4096)
	require.NoError(t, err)

	in := AlignedBlock(4096)
	_, err = f.ReadAt(in, 4096)
	require.NoError(t, err)
	assert.Equal(t, out, in)
}
