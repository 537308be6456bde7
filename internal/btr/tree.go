package btr

import (
	"fmt"

	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

// freeBatch is how many pages one mini-transaction frees when a tree is
// dropped.
const freeBatch = 64

// Get returns the first record whose key fields equal key, uniquifier
// stripped.
func (t *Tree) Get(key rec.Tuple) (rec.Tuple, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	if len(key) < t.def.NUniq {
		return nil, fmt.Errorf("%w: key has %d fields, index %d needs %d", base.ErrInvalidTuple, len(key), t.def.ID, t.def.NUniq)
	}
	key = key[:t.def.NUniq]
	var out rec.Tuple
	err := t.run(func(m *mtr.MTR) error {
		c, err := t.Search(m, key, page.ModeGE, SearchLeaf)
		if err != nil {
			return err
		}
		if c.Page().IsSupremum(c.rec) {
			ok, err := c.Next()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s in index %d", base.ErrKeyNotFound, key, t.def.ID)
			}
		}
		if t.compareAt(c.Page(), c.rec, key) != 0 {
			return fmt.Errorf("%w: %s in index %d", base.ErrKeyNotFound, key, t.def.ID)
		}
		out = c.Tuple()
		return nil
	})
	return out, err
}

// Height returns the number of levels, 1 for a tree that is a single leaf.
func (t *Tree) Height() (int, error) {
	h := 0
	err := t.run(func(m *mtr.MTR) error {
		b, err := m.GetPage(t.rootKey(), mtr.SLatch)
		if err != nil {
			return err
		}
		h = b.Page().Level() + 1
		return nil
	})
	return h, err
}

// Scan calls fn for every record in key order until fn returns false. The
// scan holds one leaf latch at a time, so it must not modify the tree.
func (t *Tree) Scan(fn func(rec.Tuple) bool) error {
	if err := t.usable(); err != nil {
		return err
	}
	return t.run(func(m *mtr.MTR) error {
		c, err := t.FirstLeaf(m, SearchLeaf)
		if err != nil {
			return err
		}
		for {
			ok, err := c.Next()
			if err != nil || !ok {
				return err
			}
			if !fn(c.Tuple()) {
				return nil
			}
		}
	})
}

// Free releases every page of the tree, root last, and forgets the tree in
// the adaptive hash index. The tree is unusable afterwards.
func (t *Tree) Free() error {
	if !t.dropped.CompareAndSwap(false, true) {
		return nil
	}
	var levels [][]base.PageNo
	err := t.run(func(m *mtr.MTR) error {
		m.LatchTree(&t.latch, mtr.XLatch)
		var err error
		levels, err = t.collectPages(m)
		return err
	})
	if err != nil {
		return err
	}

	// Leaves first; the root is the single page of the last level.
	var pending []base.PageNo
	for _, pages := range levels {
		pending = append(pending, pages...)
	}
	for len(pending) > 0 {
		n := min(freeBatch, len(pending))
		batch := pending[:n]
		pending = pending[n:]
		err := t.run(func(m *mtr.MTR) error {
			m.LatchTree(&t.latch, mtr.XLatch)
			for _, no := range batch {
				b, err := m.GetPage(t.pageKey(no), mtr.XLatch)
				if err != nil {
					return err
				}
				t.dropHash(b)
				m.FreePage(b)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if t.env.AHI != nil {
		t.env.AHI.DropIndex(t.def.ID)
	}
	t.env.Logger.Info("index dropped", "index", t.def.ID)
	return nil
}

// collectPages lists the pages of every level, leaf level first.
func (t *Tree) collectPages(m *mtr.MTR) ([][]base.PageNo, error) {
	b, err := m.GetPage(t.rootKey(), mtr.SLatch)
	if err != nil {
		return nil, err
	}
	var levels [][]base.PageNo
	for {
		p := b.Page()
		leftmost := base.FilNull
		if !p.IsLeaf() {
			first := p.First()
			if !p.IsUser(first) {
				return nil, t.corruption(b.Key(), "empty node pointer page")
			}
			leftmost = t.childOf(p, first)
		}
		var pages []base.PageNo
		for {
			pages = append(pages, b.Key().PageNo)
			next := b.Page().Next()
			m.ReleaseBlock(b)
			if next == base.FilNull {
				break
			}
			if b, err = m.GetPage(t.pageKey(next), mtr.SLatch); err != nil {
				return nil, err
			}
		}
		levels = append([][]base.PageNo{pages}, levels...)
		if leftmost == base.FilNull {
			return levels, nil
		}
		if b, err = m.GetPage(t.pageKey(leftmost), mtr.SLatch); err != nil {
			return nil, err
		}
	}
}

// Pages returns the number of pages per level, leaf level first.
func (t *Tree) Pages() ([]int, error) {
	var counts []int
	err := t.run(func(m *mtr.MTR) error {
		m.LatchTree(&t.latch, mtr.SLatch)
		levels, err := t.collectPages(m)
		for _, l := range levels {
			counts = append(counts, len(l))
		}
		return err
	})
	return counts, err
}

var _ Pages = (*storage.Store)(nil)
