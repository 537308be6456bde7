package hashtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loc struct {
	page uint32
	off  int
}

func TestInsertReplacesExistingFold(t *testing.T) {
	tbl := New[loc](7, 0)

	require.True(t, tbl.Insert(42, loc{1, 100}))
	require.True(t, tbl.Insert(42, loc{2, 200}))

	got, ok := tbl.Search(42)
	require.True(t, ok)
	assert.Equal(t, loc{2, 200}, got)
	assert.Equal(t, 1, tbl.Len())
}

func TestCollidingFoldsShareCell(t *testing.T) {
	tbl := New[loc](3, 0)
	n := uint32(tbl.Cells())

	// All three folds land in cell 1.
	folds := []uint32{1, 1 + n, 1 + 2*n}
	for i, f := range folds {
		require.True(t, tbl.Insert(f, loc{uint32(i), i}))
	}
	assert.Equal(t, 3, tbl.Len())

	for i, f := range folds {
		got, ok := tbl.Search(f)
		require.True(t, ok)
		assert.Equal(t, loc{uint32(i), i}, got)
	}

	require.True(t, tbl.Delete(folds[1], loc{1, 1}))
	_, ok := tbl.Search(folds[1])
	assert.False(t, ok)
	_, ok = tbl.Search(folds[2])
	assert.True(t, ok)
}

func TestDeleteRequiresMatchingData(t *testing.T) {
	tbl := New[loc](11, 0)
	tbl.Insert(5, loc{1, 10})

	assert.False(t, tbl.Delete(5, loc{1, 11}))
	assert.True(t, tbl.Delete(5, loc{1, 10}))
	assert.False(t, tbl.Delete(5, loc{1, 10}))
	assert.Equal(t, 0, tbl.Len())
}

func TestNodeCap(t *testing.T) {
	tbl := New[loc](11, 2)

	assert.True(t, tbl.Insert(1, loc{}))
	assert.True(t, tbl.Insert(2, loc{}))
	assert.False(t, tbl.Insert(3, loc{}), "cap reached")
	// Updating an existing fold never needs a node.
	assert.True(t, tbl.Insert(2, loc{page: 9}))

	tbl.Delete(1, loc{})
	assert.True(t, tbl.Insert(3, loc{}))
}

func TestSearchAndUpdateIfFound(t *testing.T) {
	tbl := New[loc](11, 0)
	tbl.Insert(7, loc{1, 50})

	assert.False(t, tbl.SearchAndUpdateIfFound(7, loc{1, 51}, loc{1, 60}))
	assert.True(t, tbl.SearchAndUpdateIfFound(7, loc{1, 50}, loc{1, 60}))

	got, _ := tbl.Search(7)
	assert.Equal(t, loc{1, 60}, got)
}

func TestRemoveAllForPage(t *testing.T) {
	tbl := New[loc](3, 0)
	n := uint32(tbl.Cells())
	tbl.Insert(0, loc{1, 1})
	tbl.Insert(n, loc{2, 1})
	tbl.Insert(2*n, loc{1, 2})

	onPage1 := func(l loc) bool { return l.page == 1 }
	assert.Equal(t, 1, tbl.RemoveAllForPage(0, onPage1))
	assert.Equal(t, 0, tbl.RemoveAllForPage(n, onPage1))
	assert.Equal(t, 2, tbl.Len())
}

func TestRemoveIfAndClear(t *testing.T) {
	tbl := New[loc](101, 0)
	for i := 0; i < 500; i++ {
		require.True(t, tbl.Insert(uint32(i), loc{uint32(i % 5), i}))
	}

	removed := tbl.RemoveIf(func(_ uint32, l loc) bool { return l.page == 0 })
	assert.Equal(t, 100, removed)
	assert.Equal(t, 400, tbl.Len())

	tbl.Clear()
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.Search(1)
	assert.False(t, ok)

	// Released nodes are reused.
	require.True(t, tbl.Insert(1, loc{}))
	assert.Equal(t, 1, tbl.Len())
}

func TestSizeForBudget(t *testing.T) {
	tests := []struct {
		name   string
		budget int
		want   int
	}{
		{"tiny budget floors at 16", 10, 16},
		{"one megabyte", 1 << 20, (1 << 20) / 56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cells, nodes := SizeForBudget(tt.budget)
			assert.Equal(t, tt.want, nodes)
			assert.Equal(t, nodes, cells)
		})
	}
}

func TestCellCountIsPrime(t *testing.T) {
	for _, n := range []int{0, 4, 100, 1024} {
		c := New[int](n, 0).Cells()
		assert.True(t, isPrime(c), "cells=%d", c)
		assert.GreaterOrEqual(t, c, n)
	}
}
