package ahi

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
)

var testIndex = &rec.Index{
	ID: 42,
	Fields: []rec.Field{
		{Name: "a", FixedLen: 4},
		{Name: "b", FixedLen: 4},
		{Name: "v"},
	},
	NUniq:   2,
	Compact: true,
}

func keyTuple(k uint32) rec.Tuple {
	return rec.Tuple{rec.Uint32(k), rec.Uint32(k * 10), rec.Bytes([]byte("payload"))}
}

type env struct {
	store *storage.Store
	log   *redo.Log
	m     *Manager
	info  *SearchInfo
}

func newEnv(t *testing.T, pool int) *env {
	t.Helper()
	log, err := redo.Open(redo.Options{})
	require.NoError(t, err)
	store, err := storage.New(storage.Options{PageSize: 4096, PoolSize: pool, Backend: storage.NewMemoryBackend(), Log: log})
	require.NoError(t, err)
	m := New(Config{Enabled: true, Partitions: 4, MemoryBudget: 1 << 20, Pages: store})
	store.SetEvictHook(m.EvictHook)
	info := NewSearchInfo()
	m.Register(testIndex, info)
	return &env{store: store, log: log, m: m, info: info}
}

// fillLeaf formats page n as a leaf holding keys and returns it pinned.
func (e *env) fillLeaf(t *testing.T, n base.PageNo, keys []uint32) *storage.Block {
	t.Helper()
	key := base.PageKey{Space: 1, PageNo: n}
	b, err := e.store.Fix(key)
	require.NoError(t, err)
	b.Lock()
	defer b.Unlock()
	p := page.Create(b.Frame(), key, true, 0, testIndex.ID, 0)
	prev := p.Infimum()
	var offs rec.Offsets
	for _, k := range keys {
		img, extra, err := testIndex.Encode(nil, keyTuple(k), rec.StatusOrdinary)
		require.NoError(t, err)
		o, ok := p.InsertAfter(testIndex, prev, img, extra, &offs)
		require.True(t, ok)
		prev = o
	}
	return b
}

func (e *env) search(b *storage.Block, t rec.Tuple) Outcome {
	b.RLock()
	defer b.RUnlock()
	var offs rec.Offsets
	res := b.Page().Search(testIndex, t, page.ModeGE, &offs)
	out := Outcome{Tuple: t, Rec: res.Rec, LowMatch: res.LowMatch, UpMatch: res.UpMatch}
	e.m.Update(testIndex, e.info, b, out)
	return out
}

func (e *env) guess(t *testing.T, tup rec.Tuple, mode page.Mode) (int, bool) {
	t.Helper()
	m := mtr.Start(e.store, e.log)
	defer func() { require.NoError(t, m.Commit()) }()
	g, ok := e.m.GuessOnHash(testIndex, e.info, tup, mode, mtr.SLatch, m)
	if !ok {
		return 0, false
	}
	return g.Rec, true
}

func seq(from, to uint32) []uint32 {
	var out []uint32
	for k := from; k <= to; k++ {
		out = append(out, k)
	}
	return out
}

// entries visits every entry of the test index partition.
func (e *env) entries(fn func(fold uint32, loc Location)) {
	part := e.m.partition(testIndex.ID)
	part.latch.RLock()
	defer part.latch.RUnlock()
	part.table.RemoveIf(func(fold uint32, loc Location) bool {
		fn(fold, loc)
		return false
	})
}

func TestRepeatedSearchesBuildHash(t *testing.T) {
	e := newEnv(t, 64)
	b := e.fillLeaf(t, 1, seq(1, 30))
	defer e.store.Unfix(b)

	needle := keyTuple(17)[:2]
	firstHit := 0
	var want int
	for i := 1; i <= 21 && firstHit == 0; i++ {
		if o, ok := e.guess(t, needle, page.ModeGE); ok {
			firstHit = i
			assert.Equal(t, want, o)
			break
		}
		want = e.search(b, needle).Rec
	}
	assert.Equal(t, 16, firstHit)
	assert.Equal(t, Params{NFields: 2, LeftSide: true}, e.info.Recommended())
	assert.True(t, e.m.IsHashed(testIndex, b))
	assert.Equal(t, 1, e.info.RefCount())
	assert.Equal(t, uint64(1), e.m.Stats().HashHits)
}

func (e *env) buildHash(t *testing.T, b *storage.Block) {
	t.Helper()
	b.RLock()
	e.m.BuildPageHash(testIndex, e.info, b, Params{NFields: 2, LeftSide: true})
	b.RUnlock()
	e.info.mu.Lock()
	e.info.params = Params{NFields: 2, LeftSide: true}
	e.info.mu.Unlock()
	e.info.lastHashSucc.Store(true)
	require.True(t, e.m.IsHashed(testIndex, b))
}

func TestGuessValidatesMode(t *testing.T) {
	e := newEnv(t, 64)
	b := e.fillLeaf(t, 1, seq(1, 20))
	defer e.store.Unfix(b)
	e.buildHash(t, b)

	tests := []struct {
		name string
		key  uint32
		mode page.Mode
		hit  bool
	}{
		{"GE on existing key", 7, page.ModeGE, true},
		{"LE on existing key", 7, page.ModeLE, true},
		{"G lands on the next record", 7, page.ModeG, false},
		{"L lands on the previous record", 7, page.ModeL, false},
		{"missing key", 99, page.ModeGE, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.info.lastHashSucc.Store(true)
			_, ok := e.guess(t, keyTuple(tt.key)[:2], tt.mode)
			assert.Equal(t, tt.hit, ok)
		})
	}
}

func TestDropPageHashRemovesEveryEntry(t *testing.T) {
	e := newEnv(t, 64)
	b1 := e.fillLeaf(t, 1, seq(1, 25))
	b2 := e.fillLeaf(t, 2, seq(26, 50))
	defer e.store.Unfix(b1)
	defer e.store.Unfix(b2)
	e.buildHash(t, b1)
	e.buildHash(t, b2)
	assert.Equal(t, 50, e.m.Stats().Entries)

	b1.Lock()
	params, ok := e.m.DropPageHash(b1)
	b1.Unlock()
	require.True(t, ok)
	assert.Equal(t, Params{NFields: 2, LeftSide: true}, params)

	e.entries(func(_ uint32, loc Location) {
		assert.NotEqual(t, b1.Key(), loc.Key)
	})
	assert.Equal(t, 25, e.m.Stats().Entries)
	for k := uint32(1); k <= 25; k++ {
		e.info.lastHashSucc.Store(true)
		_, ok := e.guess(t, keyTuple(k)[:2], page.ModeGE)
		assert.False(t, ok, "key %d", k)
	}
	assert.Equal(t, 1, e.info.RefCount())
}

func TestIncrementalMaintenanceKeepsEntriesValid(t *testing.T) {
	e := newEnv(t, 64)
	keys := seq(1, 40)
	for i := range keys {
		keys[i] *= 2
	}
	b := e.fillLeaf(t, 1, keys)
	defer e.store.Unfix(b)
	e.buildHash(t, b)

	rng := rand.New(rand.NewSource(7))
	var offs rec.Offsets
	for i := 0; i < 400; i++ {
		b.Lock()
		p := b.Page()
		k := uint32(rng.Intn(100) + 1)
		tup := keyTuple(k)
		res := p.Search(testIndex, tup, page.ModeGE, &offs)
		exists := p.IsUser(res.Up) && res.UpMatch.Fields == 2
		switch {
		case exists && p.NRecs() > 1:
			e.m.UpdateOnDelete(testIndex, b, res.Up)
			p.Delete(testIndex, res.Up, &offs)
		case !exists:
			img, extra, err := testIndex.Encode(nil, tup, rec.StatusOrdinary)
			require.NoError(t, err)
			if o, ok := p.InsertAfter(testIndex, res.Low, img, extra, &offs); ok {
				e.m.UpdateOnInsert(testIndex, b, o)
			}
		}
		b.Unlock()
	}

	b.RLock()
	defer b.RUnlock()
	p := b.Page()
	live := make(map[int]bool)
	p.ForEach(func(o int) bool {
		live[o] = true
		return true
	})
	n := 0
	e.entries(func(fold uint32, loc Location) {
		n++
		require.True(t, live[int(loc.Offset)], "entry points at dead offset %d", loc.Offset)
		o := int(loc.Offset)
		got := rec.FoldRec(p.B, o, p.Offsets(testIndex, o, &offs), 2, 0, testIndex.ID)
		assert.Equal(t, fold, got)
	})
	assert.Equal(t, p.NRecs(), n)
}

func TestDisableEmptiesAndEnableResumes(t *testing.T) {
	e := newEnv(t, 64)
	b := e.fillLeaf(t, 1, seq(1, 10))
	defer e.store.Unfix(b)
	e.buildHash(t, b)

	e.m.Disable()
	assert.False(t, e.m.Enabled())
	assert.Zero(t, e.m.Stats().Entries)
	assert.False(t, e.m.IsHashed(testIndex, b))
	assert.Zero(t, e.info.RefCount())
	_, ok := e.guess(t, keyTuple(3)[:2], page.ModeGE)
	assert.False(t, ok)

	b.RLock()
	e.m.BuildPageHash(testIndex, e.info, b, Params{NFields: 2, LeftSide: true})
	b.RUnlock()
	assert.False(t, e.m.IsHashed(testIndex, b), "builds are no-ops while disabled")

	e.m.Enable()
	e.buildHash(t, b)
	_, ok = e.guess(t, keyTuple(3)[:2], page.ModeGE)
	assert.True(t, ok)
}

func TestDisableDuringBuildsAndEvictions(t *testing.T) {
	e := newEnv(t, storage.MinPoolSize)
	const leaves = 12
	for n := base.PageNo(1); n <= leaves; n++ {
		e.store.Unfix(e.fillLeaf(t, n, seq(uint32(n)*100, uint32(n)*100+20)))
	}
	e.info.mu.Lock()
	e.info.params = Params{NFields: 2, LeftSide: true}
	e.info.mu.Unlock()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Pages past the leaves only push the leaves out of the pool.
				n := base.PageNo(1 + rng.Intn(4*leaves))
				b, err := e.store.Fix(base.PageKey{Space: 1, PageNo: n})
				if err != nil {
					return
				}
				b.RLock()
				e.m.BuildPageHash(testIndex, e.info, b, Params{NFields: 2, LeftSide: true})
				b.RUnlock()
				e.store.Unfix(b)
			}
		}(w)
	}

	time.Sleep(20 * time.Millisecond)
	e.m.Disable()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, e.m.Stats().Entries)
	for _, b := range e.store.Resident() {
		assert.False(t, b.Hash.Hashed, "page %s keeps hash state", b.Key())
	}
}

func TestEvictionDropsPageHash(t *testing.T) {
	e := newEnv(t, storage.MinPoolSize)
	b := e.fillLeaf(t, 1, seq(1, 10))
	e.buildHash(t, b)
	e.store.Unfix(b)
	require.NotZero(t, e.m.Stats().Entries)

	for n := base.PageNo(2); n < 60; n++ {
		blk, err := e.store.Fix(base.PageKey{Space: 1, PageNo: n})
		require.NoError(t, err)
		e.store.Unfix(blk)
	}
	_, resident := e.store.TryFix(b.Key())
	require.False(t, resident)
	assert.Zero(t, e.m.Stats().Entries)
	assert.Zero(t, e.info.RefCount())
}

func TestGenerationMismatchFailsGuess(t *testing.T) {
	e := newEnv(t, 64)
	b := e.fillLeaf(t, 1, seq(1, 10))
	defer e.store.Unfix(b)
	e.buildHash(t, b)

	// Freeing bumps the generation; a page freed without dropping its hash
	// must still never produce a hit.
	e.store.Free(b.Key())
	_, ok := e.guess(t, keyTuple(4)[:2], page.ModeGE)
	assert.False(t, ok)
}

func TestDropIndex(t *testing.T) {
	e := newEnv(t, 64)
	b := e.fillLeaf(t, 1, seq(1, 10))
	defer e.store.Unfix(b)
	e.buildHash(t, b)

	e.m.DropIndex(testIndex.ID)
	assert.Zero(t, e.m.Stats().Entries)
}

func TestFoldDistinguishesIndexes(t *testing.T) {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], 5)
	tup := rec.Tuple{rec.Bytes(k[:])}
	assert.NotEqual(t, rec.FoldTuple(tup, 1, 0, 1), rec.FoldTuple(tup, 1, 0, 2))
}
