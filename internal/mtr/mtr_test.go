package mtr

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrcore/internal/base"
	"btrcore/internal/page"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
)

func newEnv(t *testing.T) (*storage.Store, *redo.Log) {
	t.Helper()
	log, err := redo.Open(redo.Options{})
	require.NoError(t, err)
	store, err := storage.New(storage.Options{PageSize: 4096, PoolSize: 64, Backend: storage.NewMemoryBackend(), Log: log})
	require.NoError(t, err)
	return store, log
}

var k1 = base.PageKey{Space: 1, PageNo: 1}
var k2 = base.PageKey{Space: 1, PageNo: 2}

func groups(t *testing.T, log *redo.Log) []redo.Group {
	t.Helper()
	var out []redo.Group
	require.NoError(t, log.Scan(0, func(g redo.Group) error {
		out = append(out, g)
		return nil
	}))
	return out
}

func TestSingleRecordCommit(t *testing.T) {
	store, log := newEnv(t)

	m := Start(store, log)
	b, err := m.GetPage(k1, XLatch)
	require.NoError(t, err)
	m.WriteUint(b, 200, 0xABCD, 2)
	require.NoError(t, m.Commit())
	assert.Equal(t, Committed, m.State())

	gs := groups(t, log)
	require.Len(t, gs, 1)
	require.Len(t, gs[0].Records, 1)
	r := gs[0].Records[0]
	assert.True(t, r.Single)
	assert.Equal(t, redo.Write2, r.Type)
	assert.Equal(t, uint64(0xABCD), r.Value)

	start, end := m.LSNs()
	assert.Equal(t, gs[0].Start, start)
	assert.Equal(t, gs[0].End, end)

	assert.True(t, b.Dirty())
	assert.Equal(t, end, page.New(b.Frame()).LSN())
	assert.Zero(t, b.Pins())
	assert.True(t, b.TryLock(), "latch released at commit")
	b.Unlock()
}

func TestMultiRecordCommitEndsGroup(t *testing.T) {
	store, log := newEnv(t)

	require.NoError(t, Run(store, log, func(m *MTR) error {
		a, err := m.GetPage(k1, XLatch)
		if err != nil {
			return err
		}
		b, err := m.GetPage(k2, XLatch)
		if err != nil {
			return err
		}
		m.WriteUint(a, 100, 7, 1)
		m.WriteUint(b, 100, 1<<40, 8)
		m.WriteString(a, 300, []byte("xyz"))
		assert.Equal(t, 3, m.NRecords())
		return nil
	}))

	gs := groups(t, log)
	require.Len(t, gs, 1)
	require.Len(t, gs[0].Records, 3)
	assert.Equal(t, redo.WriteString, gs[0].Records[2].Type)
	for _, r := range gs[0].Records {
		assert.False(t, r.Single)
	}
}

func TestUnmodifiedCommitLogsNothing(t *testing.T) {
	store, log := newEnv(t)
	before := log.CurrentLSN()

	require.NoError(t, Run(store, log, func(m *MTR) error {
		_, err := m.GetPage(k1, SLatch)
		return err
	}))
	assert.Equal(t, before, log.CurrentLSN())
}

func TestRunErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		modify bool
	}{
		{name: "before any change", modify: false},
		{name: "after a change", modify: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, log := newEnv(t)
			before := log.CurrentLSN()
			var blk *storage.Block
			run := func() error {
				return Run(store, log, func(m *MTR) error {
					b, err := m.GetPage(k1, XLatch)
					require.NoError(t, err)
					blk = b
					if tt.modify {
						m.WriteUint(b, 120, 1, 4)
					}
					return boom
				})
			}

			if !tt.modify {
				assert.ErrorIs(t, run(), boom)
			} else {
				var pe *PartialChangeError
				func() {
					defer func() {
						r := recover()
						require.NotNil(t, r)
						var ok bool
						pe, ok = r.(*PartialChangeError)
						require.True(t, ok, "panic value %v", r)
					}()
					_ = run()
				}()
				assert.ErrorIs(t, pe, boom)
				assert.Equal(t, 1, pe.Pages)
			}
			// Nothing reaches the log and the page is neither dirty nor latched.
			assert.Equal(t, before, log.CurrentLSN())
			require.NotNil(t, blk)
			assert.Zero(t, blk.Pins())
			assert.False(t, blk.Dirty())
			assert.True(t, blk.TryLock())
			blk.Unlock()
		})
	}
}

func TestRunReleasesLatchesOnPanic(t *testing.T) {
	store, log := newEnv(t)
	var blk *storage.Block

	assert.Panics(t, func() {
		_ = Run(store, log, func(m *MTR) error {
			b, err := m.GetPage(k1, XLatch)
			require.NoError(t, err)
			blk = b
			panic("stop")
		})
	})
	require.NotNil(t, blk)
	assert.Zero(t, blk.Pins())
	assert.True(t, blk.TryLock())
	blk.Unlock()
}

func TestRelatchIsNoOp(t *testing.T) {
	store, log := newEnv(t)
	m := Start(store, log)
	defer m.Commit()

	a, err := m.GetPage(k1, XLatch)
	require.NoError(t, err)
	sp := m.Savepoint()
	again, err := m.GetPage(k1, SLatch)
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, sp, m.Savepoint())
	assert.Equal(t, 1, a.Pins())
}

func TestLatchUpgradePanics(t *testing.T) {
	store, log := newEnv(t)
	m := Start(store, log)
	_, err := m.GetPage(k1, SLatch)
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = m.GetPage(k1, XLatch) })
	require.NoError(t, m.Commit())
}

func TestSavepoints(t *testing.T) {
	store, log := newEnv(t)
	var tree sync.RWMutex

	m := Start(store, log)
	m.LatchTree(&tree, XLatch)
	treeSlot := 0
	_, err := m.GetPage(k1, SLatch)
	require.NoError(t, err)
	sp := m.Savepoint()
	b2, err := m.GetPage(k2, XLatch)
	require.NoError(t, err)

	m.ReleaseToSavepoint(sp)
	assert.Zero(t, b2.Pins())
	assert.True(t, b2.TryLock())
	b2.Unlock()

	assert.True(t, m.HoldsTree(&tree, XLatch))
	m.ReleaseAt(treeSlot)
	assert.False(t, m.HoldsTree(&tree, SLatch))
	assert.True(t, tree.TryLock(), "tree latch released")
	tree.Unlock()

	require.NoError(t, m.Commit())
}

func TestModifiedPageCannotBeReleasedEarly(t *testing.T) {
	store, log := newEnv(t)
	m := Start(store, log)
	b, err := m.GetPage(k1, XLatch)
	require.NoError(t, err)
	m.WriteUint(b, 100, 1, 1)
	assert.Panics(t, func() { m.ReleaseToSavepoint(0) })
	require.NoError(t, m.Commit())
}

func TestWriteWithoutXLatchPanics(t *testing.T) {
	store, log := newEnv(t)
	m := Start(store, log)
	b, err := m.GetPage(k1, SLatch)
	require.NoError(t, err)
	assert.Panics(t, func() { m.WriteUint(b, 100, 1, 1) })
	require.NoError(t, m.Commit())
	assert.Panics(t, func() { _ = m.Commit() }, "commit twice")
}

func TestReservationReturnedAtCommit(t *testing.T) {
	store, log := newEnv(t)
	free := store.FreePages(1)

	require.NoError(t, Run(store, log, func(m *MTR) error {
		res, err := m.Reserve(1, 3)
		if err != nil {
			return err
		}
		b, err := m.NewPage(1, 0, storage.AllocUp, res)
		if err != nil {
			return err
		}
		assert.True(t, m.Holds(b, XLatch))
		assert.Equal(t, 2, res.Remaining())
		_, err = m.Reserve(1, free)
		assert.ErrorIs(t, err, base.ErrOutOfSpace)
		return nil
	}))
	assert.Equal(t, free-1, store.FreePages(1))
}

func TestFreePageDeferredToCommit(t *testing.T) {
	store, log := newEnv(t)
	key, err := store.Allocate(1, 0, storage.AllocUp, nil)
	require.NoError(t, err)

	m := Start(store, log)
	b, err := m.GetPage(key, XLatch)
	require.NoError(t, err)
	m.FreePage(b)
	assert.False(t, store.IsFree(key))
	require.NoError(t, m.Commit())
	assert.True(t, store.IsFree(key))
}

func TestConcurrentMTRsSerializeOnPageLatch(t *testing.T) {
	store, log := newEnv(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				require.NoError(t, Run(store, log, func(m *MTR) error {
					b, err := m.GetPage(k1, XLatch)
					if err != nil {
						return err
					}
					v := page.New(b.Frame()).B[400]
					m.WriteUint(b, 400, uint64(v+1), 1)
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	b, err := store.Fix(k1)
	require.NoError(t, err)
	defer store.Unfix(b)
	assert.Equal(t, byte(400%256), b.Frame()[400])
	assert.Len(t, groups(t, log), 400)
}
