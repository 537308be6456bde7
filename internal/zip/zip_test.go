package zip

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrcore/internal/base"
	"btrcore/internal/page"
	"btrcore/internal/rec"
)

const (
	frameSize = 8192
	zipSize   = 4096
)

var testIndex = &rec.Index{
	ID:      1,
	Fields:  []rec.Field{{Name: "k", FixedLen: 4}, {Name: "v"}},
	NUniq:   1,
	Compact: true,
}

func newPage(t *testing.T) page.Page {
	t.Helper()
	return page.Create(make([]byte, frameSize), base.PageKey{Space: 1, PageNo: 3}, true, 0, testIndex.ID, zipSize)
}

func insert(t *testing.T, p page.Page, k uint32, v []byte) bool {
	t.Helper()
	var offs rec.Offsets
	tup := rec.Tuple{rec.Uint32(k), rec.Bytes(v)}
	img, extra, err := testIndex.Encode(nil, tup, rec.StatusOrdinary)
	require.NoError(t, err)
	res := p.Search(testIndex, tup, page.ModeLE, &offs)
	_, ok := p.InsertAfter(testIndex, res.Low, img, extra, &offs)
	return ok
}

func TestCompressEmptyPage(t *testing.T) {
	p := newPage(t)
	z, ok := Compress(p.B, zipSize)
	require.True(t, ok)
	assert.Less(t, z.Used(), zipSize)
	assert.Empty(t, z.Dir())
	require.NoError(t, z.Verify(p.B))

	out := make([]byte, frameSize)
	require.NoError(t, Decompress(z.Stream(), out))
	assert.Equal(t, p.B[page.FilPageData:frameSize-page.FilTrailerSize], out[page.FilPageData:frameSize-page.FilTrailerSize])
}

func TestApplyUsesModificationLog(t *testing.T) {
	p := newPage(t)
	z, ok := Compress(p.B, zipSize)
	require.True(t, ok)
	stream := z.Stream()

	require.True(t, insert(t, p, 1, []byte("hello")))
	recompressed, ok := z.Apply(p.B)
	require.True(t, ok)
	assert.False(t, recompressed)
	assert.Greater(t, z.LogSize(), 0)
	assert.Equal(t, stream, z.Stream())
	assert.Len(t, z.Dir(), 1)
	require.NoError(t, z.Verify(p.B))
}

func TestApplyRecompressesWhenLogIsFull(t *testing.T) {
	p := newPage(t)
	z, ok := Compress(p.B, zipSize)
	require.True(t, ok)

	sawRecompress := false
	for k := 0; k < 150; k++ {
		require.True(t, insert(t, p, uint32(k), []byte(fmt.Sprintf("compressible value %04d", k))))
		recompressed, ok := z.Apply(p.B)
		require.True(t, ok, "insert %d", k)
		if recompressed {
			sawRecompress = true
			assert.Zero(t, z.LogSize())
		}
	}
	assert.True(t, sawRecompress)
	assert.Len(t, z.Dir(), 150)
	require.NoError(t, z.Verify(p.B))
}

func TestOverflowLeavesShadowIntact(t *testing.T) {
	p := newPage(t)
	z, ok := Compress(p.B, zipSize)
	require.True(t, ok)

	rng := rand.New(rand.NewSource(7))
	noise := func() []byte {
		b := make([]byte, 300)
		rng.Read(b)
		return b
	}

	var k uint32
	for {
		before := append([]byte(nil), p.B...)
		require.True(t, insert(t, p, k, noise()), "frame filled before the compressed page")
		if _, ok := z.Apply(p.B); !ok {
			z.Restore(p.B)
			assert.Equal(t, before[page.FilPageData:frameSize-page.FilTrailerSize],
				p.B[page.FilPageData:frameSize-page.FilTrailerSize])
			break
		}
		k++
	}
	assert.Greater(t, k, uint32(3))
	require.NoError(t, z.Verify(p.B))
	assert.LessOrEqual(t, z.Used(), zipSize)
	assert.False(t, Fits(p.B, zipSize/4))
}

func TestVerifyDetectsDivergence(t *testing.T) {
	p := newPage(t)
	require.True(t, insert(t, p, 1, []byte("x")))
	z, ok := Compress(p.B, zipSize)
	require.True(t, ok)

	p.B[page.NewSupremumEnd+5] ^= 0x01
	assert.ErrorIs(t, z.Verify(p.B), base.ErrCorruption)
}

func TestCloneIsIndependent(t *testing.T) {
	p := newPage(t)
	z, ok := Compress(p.B, zipSize)
	require.True(t, ok)
	require.True(t, insert(t, p, 1, []byte("one")))
	_, ok = z.Apply(p.B)
	require.True(t, ok)

	c := z.Clone()
	q := page.New(append([]byte(nil), p.B...))
	require.True(t, insert(t, q, 2, []byte("two")))
	_, ok = c.Apply(q.B)
	require.True(t, ok)

	require.NoError(t, z.Verify(p.B))
	require.NoError(t, c.Verify(q.B))
	assert.NotEqual(t, z.Dir(), c.Dir())
}
