package btr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrcore/internal/ahi"
	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
)

type testEnv struct {
	store *storage.Store
	log   *redo.Log
	ahi   *ahi.Manager
	env   *Env
}

func newTestEnv(t *testing.T, pageSize int) *testEnv {
	t.Helper()
	return newLimitedEnv(t, pageSize, 0)
}

// newLimitedEnv caps every space at maxPages pages; 0 leaves it unbounded.
func newLimitedEnv(t *testing.T, pageSize int, maxPages base.PageNo) *testEnv {
	t.Helper()
	log, err := redo.Open(redo.Options{})
	require.NoError(t, err)
	store, err := storage.New(storage.Options{PageSize: pageSize, PoolSize: 256, MaxPages: maxPages, Backend: storage.NewMemoryBackend(), Log: log})
	require.NoError(t, err)
	m := ahi.New(ahi.Config{Enabled: true, Partitions: 4, MemoryBudget: 1 << 20, Pages: store})
	store.SetEvictHook(m.EvictHook)
	return &testEnv{
		store: store,
		log:   log,
		ahi:   m,
		env:   &Env{Pages: store, Log: log, AHI: m},
	}
}

func kvDef(id uint64, unique bool) Def {
	return Def{
		ID:    id,
		Space: 1,
		Fields: []rec.Field{
			{Name: "k", FixedLen: 4},
			{Name: "v"},
		},
		NUniq:   1,
		Unique:  unique,
		Compact: true,
	}
}

func (e *testEnv) create(t *testing.T, def Def) *Tree {
	t.Helper()
	tree, err := Create(e.env, def)
	require.NoError(t, err)
	return tree
}

func key(k uint32) rec.Tuple { return rec.Tuple{rec.Uint32(k)} }

func payload(k uint32, n int) []byte {
	return bytes.Repeat([]byte{byte(k), byte(k >> 8)}, n/2+1)[:n]
}

func row(k uint32, n int) rec.Tuple {
	return rec.Tuple{rec.Uint32(k), rec.Bytes(payload(k, n))}
}

func keyOfRow(tup rec.Tuple) uint32 { return binary.BigEndian.Uint32(tup[0].Data) }

func scanAll(t *testing.T, tree *Tree) []rec.Tuple {
	t.Helper()
	var out []rec.Tuple
	require.NoError(t, tree.Scan(func(tup rec.Tuple) bool {
		out = append(out, tup)
		return true
	}))
	return out
}

type oracleRow struct {
	k uint32
	v []byte
}

func lessRow(a, b oracleRow) bool { return a.k < b.k }

func requireMatches(t *testing.T, tree *Tree, oracle *btree.BTreeG[oracleRow]) {
	t.Helper()
	got := scanAll(t, tree)
	require.Len(t, got, oracle.Len())
	i := 0
	oracle.Ascend(func(r oracleRow) bool {
		assert.Equal(t, r.k, keyOfRow(got[i]), "row %d", i)
		assert.Equal(t, r.v, got[i][1].Data, "row %d", i)
		i++
		return true
	})
}

func TestCreateEmptyTree(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(7, true))

	h, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h)
	assert.Empty(t, scanAll(t, tree))
	require.NoError(t, tree.Validate())

	_, err = tree.Get(key(1))
	assert.ErrorIs(t, err, base.ErrKeyNotFound)
	assert.ErrorIs(t, tree.Delete(key(1)), base.ErrKeyNotFound)
}

func TestDefValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(d *Def)
		ok   bool
	}{
		{"plain", func(d *Def) {}, true},
		{"no key fields", func(d *Def) { d.NUniq = 0 }, false},
		{"too many key fields", func(d *Def) { d.NUniq = 3 }, false},
		{"compressed", func(d *Def) { d.ZipSize = 2048 }, true},
		{"compressed redundant", func(d *Def) { d.ZipSize = 2048; d.Compact = false }, false},
		{"compressed not a power of two", func(d *Def) { d.ZipSize = 3000 }, false},
		{"compressed as large as the page", func(d *Def) { d.ZipSize = 4096 }, false},
		{"reserved field name", func(d *Def) { d.Fields[1].Name = UniqField }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := kvDef(1, false)
			d.Fields = append([]rec.Field(nil), d.Fields...)
			tt.edit(&d)
			err := d.Validate(4096)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestInsertGetDelete(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(7, true))

	for k := uint32(1); k <= 50; k++ {
		require.NoError(t, tree.Insert(row(k, 20)))
	}
	got, err := tree.Get(key(17))
	require.NoError(t, err)
	assert.Equal(t, payload(17, 20), got[1].Data)

	assert.ErrorIs(t, tree.Insert(row(17, 5)), base.ErrDuplicateKey)

	require.NoError(t, tree.Delete(key(17)))
	_, err = tree.Get(key(17))
	assert.ErrorIs(t, err, base.ErrKeyNotFound)
	assert.ErrorIs(t, tree.Delete(key(17)), base.ErrKeyNotFound)
	require.NoError(t, tree.Insert(row(17, 5)))

	assert.Len(t, scanAll(t, tree), 50)
	require.NoError(t, tree.Validate())
}

func TestInvalidTuples(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(7, true))

	tests := []struct {
		name string
		tup  rec.Tuple
		err  error
	}{
		{"short key", rec.Tuple{rec.Bytes([]byte{1}), rec.Bytes(nil)}, base.ErrInvalidTuple},
		{"missing field", rec.Tuple{rec.Uint32(1)}, base.ErrInvalidTuple},
		{"null key", rec.Tuple{rec.Null(), rec.Bytes(nil)}, base.ErrInvalidTuple},
		{"too large", row(1, 4000), base.ErrRecordTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tree.Insert(tt.tup), tt.err)
		})
	}
	assert.Empty(t, scanAll(t, tree))
}

func TestSequentialGrowAndShrink(t *testing.T) {
	e := newTestEnv(t, 8192)
	tree := e.create(t, kvDef(9, true))

	for k := uint32(1); k <= 500; k++ {
		require.NoError(t, tree.Insert(row(k, 200)))
	}
	require.NoError(t, tree.Validate())
	h, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	assert.Equal(t, uint64(1), tree.Stats().Raises)
	assert.NotZero(t, tree.Stats().Splits)

	for k := uint32(1); k <= 480; k++ {
		require.NoError(t, tree.Delete(key(k)), "key %d", k)
	}
	require.NoError(t, tree.Validate())
	h, err = tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h)

	rows := scanAll(t, tree)
	require.Len(t, rows, 20)
	for i, r := range rows {
		assert.Equal(t, uint32(481+i), keyOfRow(r))
	}
}

func TestDescendingInsertsSplitLeft(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(9, true))

	for k := uint32(2000); k > 0; k-- {
		require.NoError(t, tree.Insert(row(k, 40)))
	}
	require.NoError(t, tree.Validate())
	rows := scanAll(t, tree)
	require.Len(t, rows, 2000)
	for i, r := range rows {
		assert.Equal(t, uint32(i+1), keyOfRow(r))
	}
	h, err := tree.Height()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h, 2)
}

func TestRandomOperationsMatchOracle(t *testing.T) {
	for _, compact := range []bool{true, false} {
		t.Run(fmt.Sprintf("compact=%v", compact), func(t *testing.T) {
			e := newTestEnv(t, 4096)
			def := kvDef(11, true)
			def.Compact = compact
			tree := e.create(t, def)
			oracle := btree.NewG(8, lessRow)
			rng := rand.New(rand.NewSource(42))

			for round := 0; round < 4; round++ {
				for i := 0; i < 1500; i++ {
					k := uint32(rng.Intn(1200))
					_, exists := oracle.Get(oracleRow{k: k})
					if rng.Intn(3) > 0 {
						n := 1 + rng.Intn(300)
						err := tree.Insert(row(k, n))
						if exists {
							require.ErrorIs(t, err, base.ErrDuplicateKey)
							continue
						}
						require.NoError(t, err)
						oracle.ReplaceOrInsert(oracleRow{k: k, v: payload(k, n)})
						continue
					}
					err := tree.Delete(key(k))
					if !exists {
						require.ErrorIs(t, err, base.ErrKeyNotFound)
						continue
					}
					require.NoError(t, err, "delete %d", k)
					oracle.Delete(oracleRow{k: k})
				}
				require.NoError(t, tree.Validate(), "round %d", round)
				requireMatches(t, tree, oracle)
			}

			// Drain everything, the tree shrinks back to a single leaf.
			oracle.Ascend(func(r oracleRow) bool {
				require.NoError(t, tree.Delete(key(r.k)))
				return true
			})
			require.NoError(t, tree.Validate())
			h, err := tree.Height()
			require.NoError(t, err)
			assert.Equal(t, 1, h)
			assert.Empty(t, scanAll(t, tree))
		})
	}
}

// Deletes leave garbage that free-list reuse only partly reclaims, so
// merge targets are fragmented when short rows churn on small pages.
func TestChurnWithShortRowsMergesSafely(t *testing.T) {
	for _, compact := range []bool{true, false} {
		for seed := int64(1); seed <= 5; seed++ {
			t.Run(fmt.Sprintf("compact=%v/seed=%d", compact, seed), func(t *testing.T) {
				e := newTestEnv(t, 4096)
				def := kvDef(21, true)
				def.Compact = compact
				tree := e.create(t, def)
				oracle := btree.NewG(8, lessRow)
				rng := rand.New(rand.NewSource(seed))

				for i := 0; i < 6000; i++ {
					k := uint32(rng.Intn(1500))
					_, exists := oracle.Get(oracleRow{k: k})
					if rng.Intn(2) == 0 {
						if exists {
							continue
						}
						n := 20 + rng.Intn(81)
						require.NoError(t, tree.Insert(row(k, n)), "op %d insert %d", i, k)
						oracle.ReplaceOrInsert(oracleRow{k: k, v: payload(k, n)})
						continue
					}
					if !exists {
						continue
					}
					require.NoError(t, tree.Delete(key(k)), "op %d delete %d", i, k)
					oracle.Delete(oracleRow{k: k})
				}
				require.NoError(t, tree.Validate())
				requireMatches(t, tree, oracle)
			})
		}
	}
}

func TestFullSpaceFailsInsertBeforeSplitting(t *testing.T) {
	tests := []struct {
		name     string
		pageSize int
		zipSize  int
		maxPages base.PageNo
	}{
		{name: "plain", pageSize: 4096, maxPages: 12},
		{name: "compressed", pageSize: 8192, zipSize: 4096, maxPages: 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newLimitedEnv(t, tt.pageSize, tt.maxPages)
			def := kvDef(22, true)
			def.ZipSize = tt.zipSize
			tree := e.create(t, def)
			oracle := btree.NewG(8, lessRow)
			rng := rand.New(rand.NewSource(9))

			full := 0
			for i := 0; i < 5000 && full < 50; i++ {
				k := uint32(rng.Intn(100000))
				if _, ok := oracle.Get(oracleRow{k: k}); ok {
					continue
				}
				n := 20 + rng.Intn(200)
				lsn := e.log.CurrentLSN()
				err := tree.Insert(row(k, n))
				if errors.Is(err, base.ErrOutOfSpace) {
					full++
					assert.Equal(t, lsn, e.log.CurrentLSN(), "failed insert logged changes")
					continue
				}
				require.NoError(t, err)
				oracle.ReplaceOrInsert(oracleRow{k: k, v: payload(k, n)})
			}
			require.NotZero(t, full, "space never filled up")
			require.NoError(t, tree.Validate())
			requireMatches(t, tree, oracle)
		})
	}
}

func TestSplitReserveCoversCompressedRounds(t *testing.T) {
	tests := []struct {
		zipSize int
		level   int
		want    int
	}{
		{zipSize: 0, level: 0, want: 3},
		{zipSize: 0, level: 2, want: 5},
		{zipSize: 2048, level: 0, want: 2*maxSplitRounds + 1},
		{zipSize: 2048, level: 1, want: 3*maxSplitRounds + 1},
	}
	for _, tt := range tests {
		tree := &Tree{def: Def{ZipSize: tt.zipSize}}
		assert.Equal(t, tt.want, tree.splitReserve(tt.level), "zip=%d level=%d", tt.zipSize, tt.level)
	}
}

func TestNonUniqueDuplicates(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(12, false))

	for i := 0; i < 3; i++ {
		require.NoError(t, tree.Insert(rec.Tuple{rec.Uint32(5), rec.Bytes([]byte{byte('a' + i)})}))
	}
	require.NoError(t, tree.Insert(rec.Tuple{rec.Uint32(4), rec.Bytes([]byte("x"))}))

	rows := scanAll(t, tree)
	require.Len(t, rows, 4)
	for _, r := range rows {
		assert.Len(t, r, 2, "uniquifier is not visible")
	}
	assert.Equal(t, []byte("a"), rows[1][1].Data)
	assert.Equal(t, []byte("c"), rows[3][1].Data)

	got, err := tree.Get(key(5))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got[1].Data)

	require.NoError(t, tree.Delete(key(5)))
	rows = scanAll(t, tree)
	require.Len(t, rows, 3)
	assert.Equal(t, []byte("b"), rows[2][1].Data)
	require.NoError(t, tree.Validate())
}

func TestNonUniqueManyDuplicatesSplit(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(12, false))

	for i := 0; i < 600; i++ {
		require.NoError(t, tree.Insert(rec.Tuple{rec.Uint32(uint32(i % 3)), rec.Bytes(payload(uint32(i), 60))}))
	}
	require.NoError(t, tree.Validate())
	rows := scanAll(t, tree)
	require.Len(t, rows, 600)
	for i := 1; i < len(rows); i++ {
		assert.LessOrEqual(t, keyOfRow(rows[i-1]), keyOfRow(rows[i]))
	}
	for i := 0; i < 300; i++ {
		require.NoError(t, tree.Delete(key(uint32(i%3))))
	}
	require.NoError(t, tree.Validate())
	assert.Len(t, scanAll(t, tree), 300)
}

func TestUniquifierSurvivesReopen(t *testing.T) {
	e := newTestEnv(t, 4096)
	def := kvDef(13, false)
	tree := e.create(t, def)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert(rec.Tuple{rec.Uint32(1), rec.Bytes([]byte{byte(i)})}))
	}

	again, err := Open(e.env, def, tree.Root())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, again.uniqNext, uint64(10))
	require.NoError(t, again.Insert(rec.Tuple{rec.Uint32(1), rec.Bytes([]byte{99})}))

	rows := scanAll(t, again)
	require.Len(t, rows, 11)
	assert.Equal(t, []byte{99}, rows[10][1].Data, "new records sort after the old ones")
	require.NoError(t, again.Validate())
}

func TestOpenRejectsForeignRoot(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(14, true))

	_, err := Open(e.env, kvDef(15, true), tree.Root())
	assert.ErrorIs(t, err, base.ErrCorruption)

	def := kvDef(14, true)
	def.Compact = false
	_, err = Open(e.env, def, tree.Root())
	assert.ErrorIs(t, err, base.ErrCorruption)
}

func TestCursorWalksBothWays(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(16, true))
	for k := uint32(0); k < 800; k += 2 {
		require.NoError(t, tree.Insert(row(k, 50)))
	}

	var back []uint32
	require.NoError(t, tree.run(func(m *mtr.MTR) error {
		c, err := tree.LastLeaf(m, SearchLeaf)
		if err != nil {
			return err
		}
		for {
			ok, err := c.Prev()
			if err != nil || !ok {
				return err
			}
			back = append(back, keyOfRow(c.Tuple()))
		}
	}))
	require.Len(t, back, 400)
	for i, k := range back {
		assert.Equal(t, uint32(798-2*i), k)
	}

	// GE on a missing key lands on the next one.
	require.NoError(t, tree.run(func(m *mtr.MTR) error {
		c, err := tree.Search(m, key(301), page.ModeGE, SearchLeaf)
		if err != nil {
			return err
		}
		if !c.IsUser() {
			ok, err := c.Next()
			require.NoError(t, err)
			require.True(t, ok)
		}
		assert.Equal(t, uint32(302), keyOfRow(c.Tuple()))
		return nil
	}))
}

func TestRepeatedGetsHitTheHash(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(17, true))
	for k := uint32(1); k <= 300; k++ {
		require.NoError(t, tree.Insert(row(k, 30)))
	}

	for i := 0; i < 21; i++ {
		got, err := tree.Get(key(150))
		require.NoError(t, err)
		assert.Equal(t, uint32(150), keyOfRow(got))
	}
	succ, _ := tree.SearchInfo().HashStats()
	assert.NotZero(t, succ)
	assert.NotZero(t, e.ahi.Stats().HashHits)

	// Changes keep the hashed pages consistent.
	for k := uint32(1); k <= 300; k += 3 {
		require.NoError(t, tree.Delete(key(k)))
	}
	for i := 0; i < 21; i++ {
		_, err := tree.Get(key(150))
		require.NoError(t, err)
		_, err = tree.Get(key(151))
		require.ErrorIs(t, err, base.ErrKeyNotFound)
	}
	require.NoError(t, tree.Validate())
}

func TestCompressedIndex(t *testing.T) {
	e := newTestEnv(t, 8192)
	def := kvDef(18, true)
	def.ZipSize = 4096
	tree := e.create(t, def)
	oracle := btree.NewG(8, lessRow)
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 1500; i++ {
		k := uint32(rng.Intn(2000))
		if _, ok := oracle.Get(oracleRow{k: k}); ok {
			continue
		}
		n := 20 + rng.Intn(200)
		require.NoError(t, tree.Insert(row(k, n)))
		oracle.ReplaceOrInsert(oracleRow{k: k, v: payload(k, n)})
	}
	require.NoError(t, tree.Validate())
	requireMatches(t, tree, oracle)

	var drop []uint32
	oracle.Ascend(func(r oracleRow) bool {
		if r.k%2 == 0 {
			drop = append(drop, r.k)
		}
		return true
	})
	for _, k := range drop {
		require.NoError(t, tree.Delete(key(k)))
		oracle.Delete(oracleRow{k: k})
	}
	require.NoError(t, tree.Validate())
	requireMatches(t, tree, oracle)
}

func TestCorruptPageMarksTree(t *testing.T) {
	e := newTestEnv(t, 4096)
	e.env.AHI = nil
	tree := e.create(t, kvDef(19, true))
	for k := uint32(1); k <= 10; k++ {
		require.NoError(t, tree.Insert(row(k, 10)))
	}

	b, err := e.store.Fix(base.PageKey{Space: 1, PageNo: tree.Root()})
	require.NoError(t, err)
	b.Lock()
	binary.BigEndian.PutUint64(b.Frame()[page.PageHeader+page.PageIndexID:], 999)
	b.Unlock()
	e.store.Unfix(b)

	_, err = tree.Get(key(3))
	assert.ErrorIs(t, err, base.ErrCorruption)
	assert.True(t, tree.Corrupt())

	err = tree.Insert(row(11, 10))
	assert.ErrorIs(t, err, base.ErrTreeCorrupt)
	assert.ErrorIs(t, tree.Delete(key(3)), base.ErrTreeCorrupt)
}

func TestFreeReturnsPages(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(20, true))
	for k := uint32(1); k <= 1000; k++ {
		require.NoError(t, tree.Insert(row(k, 60)))
	}
	counts, err := tree.Pages()
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	require.Greater(t, total, 1)
	before := e.store.FreePages(1)

	require.NoError(t, tree.Free())
	assert.Equal(t, before+total, e.store.FreePages(1))
	assert.ErrorIs(t, tree.Insert(row(1, 1)), base.ErrIndexDropped)
	_, err = tree.Get(key(1))
	assert.ErrorIs(t, err, base.ErrIndexDropped)
	require.NoError(t, tree.Free(), "second free is a no-op")

	// The freed pages are reused by the next index.
	other := e.create(t, kvDef(21, true))
	for k := uint32(1); k <= 200; k++ {
		require.NoError(t, other.Insert(row(k, 60)))
	}
	require.NoError(t, other.Validate())
}
