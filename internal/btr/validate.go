package btr

import (
	"errors"
	"fmt"

	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
)

// levelPage summarizes one validated page for the checks against the
// level above.
type levelPage struct {
	no          base.PageNo
	first, last rec.Tuple
	ptrs        []nodePtr
}

type nodePtr struct {
	key   rec.Tuple // nil for the level minimum
	child base.PageNo
}

// Validate checks every page of the tree and the links between them: page
// structure, levels, sibling links, key order inside and across pages,
// node pointer bounds, record sizes and compressed images. Any failure
// marks the tree corrupt.
func (t *Tree) Validate() error {
	err := t.run(func(m *mtr.MTR) error {
		m.LatchTree(&t.latch, mtr.XLatch)
		return t.validate(m)
	})
	if err != nil && errors.Is(err, base.ErrCorruption) {
		t.markCorrupt(err)
	}
	return err
}

func (t *Tree) validate(m *mtr.MTR) error {
	rb, err := m.GetPage(t.rootKey(), mtr.SLatch)
	if err != nil {
		return err
	}
	rootLevel := rb.Page().Level()
	m.ReleaseBlock(rb)

	var above []levelPage
	var lastLeafKey rec.Tuple
	for level := rootLevel; level >= 0; level-- {
		var expect []nodePtr
		start := t.root
		if level < rootLevel {
			for _, lp := range above {
				expect = append(expect, lp.ptrs...)
			}
			if len(expect) == 0 {
				return t.invalid(t.root, "level %d has no node pointers", level+1)
			}
			start = expect[0].child
		}

		var pages []levelPage
		prev := base.FilNull
		for no := start; no != base.FilNull; {
			lp, next, err := t.validatePage(m, no, level, prev, len(pages) == 0, &lastLeafKey)
			if err != nil {
				return err
			}
			pages = append(pages, lp)
			prev, no = no, next
		}

		if level == rootLevel && len(pages) != 1 {
			return t.invalid(t.root, "root has siblings")
		}
		if level < rootLevel {
			if len(pages) != len(expect) {
				return t.invalid(start, "level %d has %d pages, %d node pointers", level, len(pages), len(expect))
			}
			for i, lp := range pages {
				ptr := expect[i]
				if ptr.child != lp.no {
					return t.invalid(lp.no, "node pointer %d leads to page %d", i, ptr.child)
				}
				if lp.first == nil {
					return t.invalid(lp.no, "empty non-root page")
				}
				if ptr.key != nil && rec.CompareTuples(ptr.key, lp.first, t.ix.NUniq) > 0 {
					return t.invalid(lp.no, "node pointer %s above first key %s", ptr.key, lp.first)
				}
				if i+1 < len(expect) && rec.CompareTuples(lp.last, expect[i+1].key, t.ix.NUniq) >= 0 {
					return t.invalid(lp.no, "last key %s not below next node pointer %s", lp.last, expect[i+1].key)
				}
			}
		}
		above = pages
	}
	return nil
}

// validatePage checks one page and returns its summary and right sibling.
func (t *Tree) validatePage(m *mtr.MTR, no base.PageNo, level int, prev base.PageNo, leftmost bool, lastLeafKey *rec.Tuple) (levelPage, base.PageNo, error) {
	b, err := m.GetPage(t.pageKey(no), mtr.SLatch)
	if err != nil {
		return levelPage{}, 0, err
	}
	defer m.ReleaseBlock(b)

	p := b.Page()
	if p.Type() != page.TypeIndex || p.IndexID() != t.def.ID {
		return levelPage{}, 0, t.invalid(no, "type %d index %d", p.Type(), p.IndexID())
	}
	if p.Level() != level {
		return levelPage{}, 0, t.invalid(no, "level %d, expected %d", p.Level(), level)
	}
	if p.Prev() != prev {
		return levelPage{}, 0, t.invalid(no, "left link %d, expected %d", p.Prev(), prev)
	}
	if err := p.Validate(t.ix); err != nil {
		return levelPage{}, 0, t.invalid(no, "%v", err)
	}
	if b.Zip != nil {
		if err := b.Zip.Verify(b.Frame()); err != nil {
			return levelPage{}, 0, t.invalid(no, "compressed image: %v", err)
		}
	}

	lp := levelPage{no: no}
	limit := page.MaxRecordSize(p.Size(), t.def.Compact)
	var offs rec.Offsets
	var bad error
	p.ForEach(func(o int) bool {
		p.Offsets(t.ix, o, &offs)
		if offs.Size() > limit {
			bad = t.invalid(no, "record at %d has %d bytes", o, offs.Size())
			return false
		}
		isFirst := o == p.First()
		if p.IsMinRec(o) != (isFirst && leftmost && level > 0) {
			bad = t.invalid(no, "min-rec mark on record at %d is %v", o, p.IsMinRec(o))
			return false
		}
		key := rec.ToTuple(p.B, o, &offs, t.ix.NUniq)
		if isFirst {
			lp.first = key
		}
		lp.last = key
		if level == 0 {
			if *lastLeafKey != nil && rec.CompareTuples(*lastLeafKey, key, t.ix.NUniq) >= 0 {
				bad = t.invalid(no, "leaf key %s not above %s", key, *lastLeafKey)
				return false
			}
			*lastLeafKey = key
			return true
		}
		ptr := nodePtr{key: key, child: rec.ChildPageNo(p.B, o, &offs)}
		if p.IsMinRec(o) {
			ptr.key = nil
		}
		lp.ptrs = append(lp.ptrs, ptr)
		return true
	})
	if bad != nil {
		return levelPage{}, 0, bad
	}
	if no != t.root && p.NRecs() == 0 {
		return levelPage{}, 0, t.invalid(no, "empty non-root page")
	}
	return lp, p.Next(), nil
}

func (t *Tree) invalid(no base.PageNo, format string, args ...any) error {
	return fmt.Errorf("%w: index %d page %d: %s", base.ErrCorruption, t.def.ID, no, fmt.Sprintf(format, args...))
}
