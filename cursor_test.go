package btrcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evenIndex holds the keys 0, 2, ..., 998.
func evenIndex(t *testing.T) *Index {
	t.Helper()
	e := setup(t)
	ix, err := e.CreateIndex(kvIndex)
	require.NoError(t, err)
	for k := 0; k < 1000; k += 2 {
		require.NoError(t, ix.Insert(k4(k), val(k, 20)))
	}
	return ix
}

func keyOf(c *Cursor) int {
	b := c.Key()
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}

func TestCursorFullScans(t *testing.T) {
	ix := evenIndex(t)

	c, err := ix.First()
	require.NoError(t, err)
	var got []int
	for ok := c.Valid(); ok; ok = c.Next() {
		got = append(got, keyOf(c))
		assert.Equal(t, val(keyOf(c), 20), c.Value())
	}
	require.NoError(t, c.Err())
	require.Len(t, got, 500)
	for i, k := range got {
		assert.Equal(t, i*2, k)
	}

	c, err = ix.Last()
	require.NoError(t, err)
	got = got[:0]
	for ok := c.Valid(); ok; ok = c.Prev() {
		got = append(got, keyOf(c))
	}
	require.Len(t, got, 500)
	assert.Equal(t, 998, got[0])
	assert.Equal(t, 0, got[499])
}

func TestCursorSeekModes(t *testing.T) {
	ix := evenIndex(t)

	tests := []struct {
		name  string
		key   int
		mode  SeekMode
		want  int
		valid bool
	}{
		{"ge between", 101, SeekGE, 102, true},
		{"ge exact", 100, SeekGE, 100, true},
		{"gt exact", 102, SeekGT, 104, true},
		{"le between", 101, SeekLE, 100, true},
		{"le exact", 100, SeekLE, 100, true},
		{"lt exact", 100, SeekLT, 98, true},
		{"ge past end", 2000, SeekGE, 0, false},
		{"gt last", 998, SeekGT, 0, false},
		{"lt first", 0, SeekLT, 0, false},
		{"le before start", 0, SeekLE, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ix.Seek(k4(tt.key), tt.mode)
			require.NoError(t, err)
			defer c.Close()
			require.Equal(t, tt.valid, c.Valid())
			if tt.valid {
				assert.Equal(t, tt.want, keyOf(c))
			}
		})
	}
}

func TestCursorChangesDirection(t *testing.T) {
	ix := evenIndex(t)

	c, err := ix.Seek(k4(500), SeekGE)
	require.NoError(t, err)
	for i := 0; i < 70; i++ {
		require.True(t, c.Next())
	}
	assert.Equal(t, 640, keyOf(c))

	require.True(t, c.Prev())
	assert.Equal(t, 638, keyOf(c))
	require.True(t, c.Prev())
	assert.Equal(t, 636, keyOf(c))
	require.True(t, c.Next())
	assert.Equal(t, 638, keyOf(c))
}

func TestCursorContinuesAfterConcurrentDelete(t *testing.T) {
	ix := evenIndex(t)

	c, err := ix.First()
	require.NoError(t, err)
	for i := 0; i < cursorBatch-1; i++ {
		require.True(t, c.Next())
	}
	require.Equal(t, 126, keyOf(c))

	require.NoError(t, ix.Delete(k4(126)))
	require.NoError(t, ix.Delete(k4(128)))
	require.NoError(t, ix.Insert(k4(129), []byte("new")))

	require.True(t, c.Next())
	assert.Equal(t, 129, keyOf(c))
	assert.Equal(t, []byte("new"), c.Value())
	require.True(t, c.Next())
	assert.Equal(t, 130, keyOf(c))
}

func TestCursorOnEmptyIndex(t *testing.T) {
	e := setup(t)
	ix, err := e.CreateIndex(kvIndex)
	require.NoError(t, err)

	c, err := ix.First()
	require.NoError(t, err)
	assert.False(t, c.Valid())
	assert.False(t, c.Next())
	assert.Nil(t, c.Key())

	c, err = ix.Last()
	require.NoError(t, err)
	assert.False(t, c.Valid())
	assert.NoError(t, c.Err())
}

func TestClosedCursor(t *testing.T) {
	ix := evenIndex(t)

	c, err := ix.First()
	require.NoError(t, err)
	require.True(t, c.Valid())
	require.NoError(t, c.Close())

	assert.False(t, c.Valid())
	assert.False(t, c.Next())
	assert.Nil(t, c.Value())
	assert.ErrorIs(t, c.Err(), ErrCursorClosed)
}
