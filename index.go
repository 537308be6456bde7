package btrcore

import (
	"btrcore/internal/btr"
	"btrcore/internal/rec"
)

// IndexDef describes a key/value index.
type IndexDef struct {
	ID    uint64
	Space uint32 // tablespace holding the pages
	// Unique rejects a second record with an equal key. A non-unique index
	// keeps duplicates in insertion order.
	Unique bool
	// KeyLen fixes the key length in bytes; 0 allows any length.
	KeyLen int
	// Redundant selects the old record format instead of the compact one.
	Redundant bool
	// ZipSize stores pages compressed into this many bytes; 0 disables
	// compression. Requires the compact format.
	ZipSize int
}

func (d IndexDef) physical() btr.Def {
	return btr.Def{
		ID:    d.ID,
		Space: d.Space,
		Fields: []rec.Field{
			{Name: "key", FixedLen: d.KeyLen},
			{Name: "value"},
		},
		NUniq:   1,
		Unique:  d.Unique,
		Compact: !d.Redundant,
		ZipSize: d.ZipSize,
	}
}

// Index is a B-tree index of an engine. It is safe for concurrent use.
type Index struct {
	engine *Engine
	def    IndexDef
	tree   *btr.Tree
}

// Def returns the definition the index was opened with.
func (ix *Index) Def() IndexDef { return ix.def }

// Root returns the root page number, which OpenIndex needs to attach to
// the index again. It never changes.
func (ix *Index) Root() uint32 { return uint32(ix.tree.Root()) }

func keyTuple(key []byte) rec.Tuple { return rec.Tuple{rec.Bytes(key)} }

// Insert adds a record.
func (ix *Index) Insert(key, value []byte) error {
	if err := ix.engine.enter(); err != nil {
		return err
	}
	defer ix.engine.leave()
	return ix.tree.Insert(rec.Tuple{rec.Bytes(key), rec.Bytes(value)})
}

// Delete removes the record with key. On a non-unique index it removes the
// most recently inserted of the equal records.
func (ix *Index) Delete(key []byte) error {
	if err := ix.engine.enter(); err != nil {
		return err
	}
	defer ix.engine.leave()
	return ix.tree.Delete(keyTuple(key))
}

// Get returns the value stored under key. On a non-unique index it returns
// the oldest of the equal records.
func (ix *Index) Get(key []byte) ([]byte, error) {
	if err := ix.engine.enter(); err != nil {
		return nil, err
	}
	defer ix.engine.leave()
	tup, err := ix.tree.Get(keyTuple(key))
	if err != nil {
		return nil, err
	}
	return tup[1].Data, nil
}

// Validate checks the whole tree. A failure marks the index corrupt and
// every later change fails with ErrTreeCorrupt.
func (ix *Index) Validate() error {
	if err := ix.engine.enter(); err != nil {
		return err
	}
	defer ix.engine.leave()
	return ix.tree.Validate()
}

// Height returns the number of levels of the tree.
func (ix *Index) Height() (int, error) {
	if err := ix.engine.enter(); err != nil {
		return 0, err
	}
	defer ix.engine.leave()
	return ix.tree.Height()
}

// Stats returns the structural change counters of the index.
func (ix *Index) Stats() IndexStats { return ix.tree.Stats() }

// Drop frees every page of the index. The index is unusable afterwards and
// its id may be created again.
func (ix *Index) Drop() error {
	if err := ix.engine.enter(); err != nil {
		return err
	}
	err := ix.tree.Free()
	ix.engine.leave()
	if err != nil {
		return err
	}
	ix.engine.forget(ix.def.ID)
	return nil
}
