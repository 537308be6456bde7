package btrcore

import (
	"btrcore/internal/btr"
	"btrcore/internal/mtr"
	"btrcore/internal/page"
	"btrcore/internal/rec"
)

// SeekMode selects the record a seek lands on relative to the key.
type SeekMode int

const (
	SeekGE SeekMode = iota // first record with key >= target
	SeekGT                 // first record with key > target
	SeekLE                 // last record with key <= target
	SeekLT                 // last record with key < target
)

func (m SeekMode) page() page.Mode {
	switch m {
	case SeekGT:
		return page.ModeG
	case SeekLE:
		return page.ModeLE
	case SeekLT:
		return page.ModeL
	}
	return page.ModeGE
}

func (m SeekMode) forward() bool { return m == SeekGE || m == SeekGT }

// cursorBatch is how many records a cursor copies per descent.
const cursorBatch = 64

type entry struct {
	key, value []byte
	pos        rec.Tuple // key fields of the record, uniquifier included
}

// Cursor iterates an index in key order. Page latches are held only while a
// batch of records is copied, so a cursor never blocks writers between
// calls; it sees the records present when each batch was read.
//
// A cursor is not safe for concurrent use.
type Cursor struct {
	ix      *Index
	forward bool
	batch   []entry
	i       int
	more    bool // the batch was cut short, records may follow
	err     error
	closed  bool
}

// Seek returns a cursor on the record mode selects relative to key. The
// cursor is invalid when there is no such record.
func (ix *Index) Seek(key []byte, mode SeekMode) (*Cursor, error) {
	c := &Cursor{ix: ix}
	c.load(keyTuple(key), mode.page(), mode.forward())
	return c, c.err
}

// First returns a cursor on the smallest record.
func (ix *Index) First() (*Cursor, error) {
	c := &Cursor{ix: ix}
	c.load(nil, page.ModeGE, true)
	return c, c.err
}

// Last returns a cursor on the largest record.
func (ix *Index) Last() (*Cursor, error) {
	c := &Cursor{ix: ix}
	c.load(nil, page.ModeLE, false)
	return c, c.err
}

// Valid reports whether the cursor is on a record.
func (c *Cursor) Valid() bool {
	return !c.closed && c.err == nil && c.i < len(c.batch)
}

// Key returns the key of the current record.
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.batch[c.i].key
}

// Value returns the value of the current record.
func (c *Cursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.batch[c.i].value
}

// Err returns the error that invalidated the cursor, if any.
func (c *Cursor) Err() error {
	if c.closed && c.err == nil {
		return ErrCursorClosed
	}
	return c.err
}

// Next moves to the next record in key order.
func (c *Cursor) Next() bool { return c.step(true) }

// Prev moves to the previous record in key order.
func (c *Cursor) Prev() bool { return c.step(false) }

// Close releases the buffered records.
func (c *Cursor) Close() error {
	c.closed = true
	c.batch = nil
	return nil
}

func (c *Cursor) step(forward bool) bool {
	if !c.Valid() {
		return false
	}
	cur := c.batch[c.i]
	if forward == c.forward {
		if c.i+1 < len(c.batch) {
			c.i++
			return true
		}
		if !c.more {
			c.batch = c.batch[:0]
			c.i = 0
			return false
		}
	}
	mode := page.ModeG
	if !forward {
		mode = page.ModeL
	}
	c.load(cur.pos, mode, forward)
	return c.Valid()
}

// load copies up to cursorBatch records starting at the position tup and
// mode select, or at an end of the index when tup is nil.
func (c *Cursor) load(tup rec.Tuple, mode page.Mode, forward bool) {
	c.forward = forward
	c.batch = c.batch[:0]
	c.i = 0
	c.more = false

	e := c.ix.engine
	if err := e.enter(); err != nil {
		c.err = err
		return
	}
	defer e.leave()

	tree := c.ix.tree
	c.err = mtr.Run(e.store, e.log, func(m *mtr.MTR) error {
		var bc *btr.Cursor
		var err error
		switch {
		case tup == nil && forward:
			bc, err = tree.FirstLeaf(m, btr.SearchLeaf)
		case tup == nil:
			bc, err = tree.LastLeaf(m, btr.SearchLeaf)
		default:
			bc, err = tree.Search(m, tup, mode, btr.SearchLeaf)
		}
		if err != nil {
			return err
		}
		advance := bc.Next
		if !forward {
			advance = bc.Prev
		}

		ok := bc.IsUser()
		if !ok {
			if ok, err = advance(); err != nil {
				return err
			}
		}
		for ok {
			t := bc.Tuple()
			c.batch = append(c.batch, entry{key: t[0].Data, value: t[1].Data, pos: bc.Key()})
			if len(c.batch) == cursorBatch {
				c.more = true
				return nil
			}
			if ok, err = advance(); err != nil {
				return err
			}
		}
		return nil
	})
}
