// Package btr implements B-tree indexes on top of the page store: search
// with latch coupling, optimistic and pessimistic insert and delete, page
// split, merge and discard, root raise and lift, and whole-tree validation.
//
// Every change happens inside a mini-transaction. Leaf-only changes run
// under the tree latch in S mode and release it as soon as the leaf is
// latched; changes to the tree structure hold the tree latch in X mode
// until commit. Pages of one level are always latched left to right.
package btr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"btrcore/internal/ahi"
	"btrcore/internal/base"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

const (
	// DefaultMergeThresholdPct is the fill percentage below which a page
	// is merged with a sibling after a delete.
	DefaultMergeThresholdPct = 50

	// DefaultSplitDirectionStreak is how many inserts in a row in one
	// direction turn a midpoint split into a split at the insert point.
	DefaultSplitDirectionStreak = 3

	// uniqMargin is how far ahead of the handed out values the uniquifier
	// counter of a non-unique index is persisted.
	uniqMargin = 256

	// UniqField names the hidden field that makes keys of non-unique
	// indexes distinct.
	UniqField = "DB_UNIQ"
)

// Pages is the page store a tree lives in.
type Pages interface {
	mtr.Pages
	PageSize() int
}

// Env is what trees share: the page store, the redo log and the adaptive
// hash index.
type Env struct {
	Pages  Pages
	Log    mtr.Log
	AHI    *ahi.Manager // nil disables hash lookups
	Logger base.Logger

	MergeThresholdPct    int
	SplitDirectionStreak int
}

func (e *Env) withDefaults() Env {
	out := *e
	if out.Logger == nil {
		out.Logger = base.DiscardLogger{}
	}
	if out.MergeThresholdPct <= 0 {
		out.MergeThresholdPct = DefaultMergeThresholdPct
	}
	if out.SplitDirectionStreak <= 0 {
		out.SplitDirectionStreak = DefaultSplitDirectionStreak
	}
	return out
}

// Def is the logical definition of an index. Fields[:NUniq] form the key.
// A non-unique index gets a hidden uniquifier after the key fields.
type Def struct {
	ID      uint64
	Space   uint32
	Fields  []rec.Field
	NUniq   int
	Unique  bool
	Compact bool
	ZipSize int // 0 for uncompressed pages
}

// Validate checks a definition against a page size.
func (d *Def) Validate(pageSize int) error {
	if d.NUniq < 1 || d.NUniq > len(d.Fields) {
		return fmt.Errorf("%w: index %d has %d key fields out of %d", base.ErrInvalidTuple, d.ID, d.NUniq, len(d.Fields))
	}
	if d.ZipSize != 0 {
		if !d.Compact {
			return fmt.Errorf("index %d: compressed pages need the compact format", d.ID)
		}
		if d.ZipSize < 1024 || d.ZipSize >= pageSize || d.ZipSize&(d.ZipSize-1) != 0 {
			return fmt.Errorf("index %d: compressed page size %d", d.ID, d.ZipSize)
		}
	}
	for i, f := range d.Fields {
		if f.Name == UniqField && !d.Unique {
			return fmt.Errorf("index %d: field %d uses the reserved name %s", d.ID, i, UniqField)
		}
	}
	return nil
}

// physical returns the record layout of the index.
func (d *Def) physical() *rec.Index {
	ix := &rec.Index{ID: d.ID, Compact: d.Compact, NUniq: d.NUniq}
	if d.Unique {
		ix.Fields = append([]rec.Field(nil), d.Fields...)
		return ix
	}
	ix.Fields = make([]rec.Field, 0, len(d.Fields)+1)
	ix.Fields = append(ix.Fields, d.Fields[:d.NUniq]...)
	ix.Fields = append(ix.Fields, rec.Field{Name: UniqField, FixedLen: 8})
	ix.Fields = append(ix.Fields, d.Fields[d.NUniq:]...)
	ix.NUniq++
	return ix
}

// Stats counts structural changes of one tree.
type Stats struct {
	Splits   uint64
	Merges   uint64
	Discards uint64
	Raises   uint64
	Lifts    uint64
}

// Tree is one index. It is safe for concurrent use.
type Tree struct {
	def  Def
	ix   *rec.Index
	root base.PageNo
	env  Env

	// latch serializes structure changes against searches above the leaves.
	latch sync.RWMutex
	info  *ahi.SearchInfo

	corrupt atomic.Bool
	dropped atomic.Bool

	uniqMu        sync.Mutex
	uniqNext      uint64
	uniqPersisted uint64

	splits, merges, discards, raises, lifts atomic.Uint64
}

func newTree(env *Env, def Def, root base.PageNo) (*Tree, error) {
	e := env.withDefaults()
	if err := def.Validate(e.Pages.PageSize()); err != nil {
		return nil, err
	}
	t := &Tree{def: def, ix: def.physical(), root: root, env: e, info: ahi.NewSearchInfo()}
	return t, nil
}

// Create allocates the root page of a new, empty index.
func Create(env *Env, def Def) (*Tree, error) {
	t, err := newTree(env, def, base.FilNull)
	if err != nil {
		return nil, err
	}
	err = mtr.Run(t.env.Pages, t.env.Log, func(m *mtr.MTR) error {
		b, err := m.NewPage(def.Space, 0, storage.AllocNoDir, nil)
		if err != nil {
			return err
		}
		t.createPage(m, b, 0)
		t.root = b.Key().PageNo
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.register()
	t.env.Logger.Info("index created", "index", def.ID, "root", t.root)
	return t, nil
}

// Open attaches to an existing index whose root page is root.
func Open(env *Env, def Def, root base.PageNo) (*Tree, error) {
	t, err := newTree(env, def, root)
	if err != nil {
		return nil, err
	}
	err = mtr.Run(t.env.Pages, t.env.Log, func(m *mtr.MTR) error {
		b, err := m.GetPage(t.rootKey(), mtr.SLatch)
		if err != nil {
			return err
		}
		p := b.Page()
		if p.Type() != page.TypeIndex || p.IndexID() != def.ID {
			return fmt.Errorf("%w: page %s is not the root of index %d", base.ErrCorruption, b.Key(), def.ID)
		}
		if p.IsCompact() != def.Compact || p.ZipSize() != def.ZipSize {
			return fmt.Errorf("%w: root %s format does not match index %d", base.ErrCorruption, b.Key(), def.ID)
		}
		t.uniqNext = p.MaxTrxID()
		t.uniqPersisted = t.uniqNext
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.register()
	return t, nil
}

func (t *Tree) register() {
	if t.env.AHI != nil {
		t.env.AHI.Register(t.ix, t.info)
	}
}

// ID returns the index id.
func (t *Tree) ID() uint64 { return t.def.ID }

// Def returns the definition the tree was opened with.
func (t *Tree) Def() Def { return t.def }

// Index returns the physical record layout.
func (t *Tree) Index() *rec.Index { return t.ix }

// Root returns the root page number. It never changes for the life of
// the index.
func (t *Tree) Root() base.PageNo { return t.root }

// SearchInfo returns the adaptive hash heuristics of the index.
func (t *Tree) SearchInfo() *ahi.SearchInfo { return t.info }

// Stats returns the structural change counters.
func (t *Tree) Stats() Stats {
	return Stats{
		Splits:   t.splits.Load(),
		Merges:   t.merges.Load(),
		Discards: t.discards.Load(),
		Raises:   t.raises.Load(),
		Lifts:    t.lifts.Load(),
	}
}

// Corrupt reports whether the tree failed validation or a search found an
// inconsistent page.
func (t *Tree) Corrupt() bool { return t.corrupt.Load() }

func (t *Tree) rootKey() base.PageKey {
	return base.PageKey{Space: t.def.Space, PageNo: t.root}
}

func (t *Tree) pageKey(n base.PageNo) base.PageKey {
	return base.PageKey{Space: t.def.Space, PageNo: n}
}

func (t *Tree) run(fn func(m *mtr.MTR) error) error {
	return mtr.Run(t.env.Pages, t.env.Log, fn)
}

// usable fails once the tree is marked corrupt or dropped.
func (t *Tree) usable() error {
	if t.dropped.Load() {
		return fmt.Errorf("index %d: %w", t.def.ID, base.ErrIndexDropped)
	}
	if t.corrupt.Load() {
		return fmt.Errorf("%w: index %d: %w", base.ErrTreeCorrupt, t.def.ID, base.ErrCorruption)
	}
	return nil
}

// corruption marks the tree and returns the error to report.
func (t *Tree) corruption(key base.PageKey, format string, args ...any) error {
	err := fmt.Errorf("%w: index %d page %s: %s", base.ErrCorruption, t.def.ID, key, fmt.Sprintf(format, args...))
	t.markCorrupt(err)
	return err
}

func (t *Tree) markCorrupt(err error) {
	if t.corrupt.CompareAndSwap(false, true) {
		t.env.Logger.Error("index marked corrupt", "index", t.def.ID, "error", err)
	}
}

// checkNode verifies that a page reached by a descent belongs to the tree.
// level < 0 skips the level check.
func (t *Tree) checkNode(b *storage.Block, level int) error {
	p := b.Page()
	if p.Type() != page.TypeIndex || p.IndexID() != t.def.ID {
		return t.corruption(b.Key(), "expected a page of the index, found type %d index %d", p.Type(), p.IndexID())
	}
	if level >= 0 && p.Level() != level {
		return t.corruption(b.Key(), "expected level %d, found %d", level, p.Level())
	}
	return nil
}

// toPhysical inserts the uniquifier into a user tuple of a non-unique
// index. The value is taken from the persisted counter.
func (t *Tree) toPhysical(tup rec.Tuple) (rec.Tuple, error) {
	if t.def.Unique {
		return tup, nil
	}
	if len(tup) != len(t.def.Fields) {
		return nil, fmt.Errorf("%w: tuple has %d fields, index %d has %d", base.ErrInvalidTuple, len(tup), t.def.ID, len(t.def.Fields))
	}
	u, err := t.nextUniquifier()
	if err != nil {
		return nil, err
	}
	out := make(rec.Tuple, 0, len(tup)+1)
	out = append(out, tup[:t.def.NUniq]...)
	out = append(out, rec.Uint64(u))
	return append(out, tup[t.def.NUniq:]...), nil
}

// toUser strips the uniquifier from a record tuple.
func (t *Tree) toUser(tup rec.Tuple) rec.Tuple {
	if t.def.Unique || len(tup) <= t.def.NUniq {
		return tup
	}
	out := make(rec.Tuple, 0, len(tup)-1)
	out = append(out, tup[:t.def.NUniq]...)
	return append(out, tup[t.def.NUniq+1:]...)
}

// nextUniquifier hands out the next uniquifier value. The counter lives in
// the root page header and is persisted uniqMargin values ahead, so a
// restart skips at most that many values and never reuses one.
func (t *Tree) nextUniquifier() (uint64, error) {
	t.uniqMu.Lock()
	defer t.uniqMu.Unlock()

	v := t.uniqNext
	if v >= t.uniqPersisted {
		next := v + uniqMargin
		err := t.run(func(m *mtr.MTR) error {
			b, err := m.GetPage(t.rootKey(), mtr.XLatch)
			if err != nil {
				return err
			}
			t.writeMaxTrxID(m, b, next)
			return nil
		})
		if err != nil {
			return 0, err
		}
		t.uniqPersisted = next
	}
	t.uniqNext++
	return v, nil
}

// mergeLimit is the data size below which a page is merged.
func (t *Tree) mergeLimit() int {
	return t.env.Pages.PageSize() * t.env.MergeThresholdPct / 100
}

// keyOf copies the key fields of the record at o.
func (t *Tree) keyOf(p page.Page, o int) rec.Tuple {
	var offs rec.Offsets
	return rec.ToTuple(p.B, o, p.Offsets(t.ix, o, &offs), t.ix.NUniq)
}

// recordOf copies every field of the leaf record at o.
func (t *Tree) recordOf(p page.Page, o int) rec.Tuple {
	var offs rec.Offsets
	p.Offsets(t.ix, o, &offs)
	return rec.ToTuple(p.B, o, &offs, offs.N())
}

// nodePtr builds a node pointer tuple from a key.
func (t *Tree) nodePtr(key rec.Tuple, child base.PageNo) rec.Tuple {
	out := make(rec.Tuple, 0, t.ix.NUniq+1)
	out = append(out, key[:t.ix.NUniq]...)
	return append(out, rec.Uint32(child))
}

func (t *Tree) childOf(p page.Page, o int) base.PageNo {
	var offs rec.Offsets
	return p.ChildPageNo(t.ix, o, &offs)
}
