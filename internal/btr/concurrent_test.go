package btr

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"btrcore/internal/base"
	"btrcore/internal/rec"
)

func TestConcurrentWritersAndReaders(t *testing.T) {
	e := newTestEnv(t, 4096)
	tree := e.create(t, kvDef(30, true))

	const writers = 4
	const perWriter = 600

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWriter; i++ {
				k := uint32(i*writers + w)
				if err := tree.Insert(row(k, 20+rng.Intn(120))); err != nil {
					return err
				}
				// Every writer deletes its own keys divisible by 5.
				if k%5 == 0 {
					if err := tree.Delete(key(k)); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	for r := 0; r < 2; r++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(100 + r)))
			for i := 0; i < 2000; i++ {
				_, err := tree.Get(key(uint32(rng.Intn(writers * perWriter))))
				if err != nil && !errors.Is(err, base.ErrKeyNotFound) {
					return err
				}
			}
			prev := int64(-1)
			return tree.Scan(func(tup rec.Tuple) bool {
				k := int64(keyOfRow(tup))
				assert.Greater(t, k, prev)
				prev = k
				return true
			})
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, tree.Validate())

	rows := scanAll(t, tree)
	assert.Len(t, rows, writers*perWriter*4/5)
	for _, r := range rows {
		assert.NotZero(t, keyOfRow(r)%5)
	}
}
