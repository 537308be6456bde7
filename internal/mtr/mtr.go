// Package mtr implements mini-transactions: the scope inside which pages
// are latched and modified. A mini-transaction collects the latches it
// takes in a memo and the redo records describing its page changes in a
// buffer. Commit appends the buffer to the log as one group, stamps every
// modified page with the group's end LSN and only then releases the
// latches, so no other thread ever sees a change whose redo is not logged.
package mtr

import (
	"encoding/binary"
	"fmt"
	"sync"

	"btrcore/internal/base"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
)

// LatchMode is the mode a memo slot holds its object in.
type LatchMode int

const (
	NoLatch LatchMode = iota // buffer fix only
	SLatch
	XLatch
)

func (m LatchMode) String() string {
	switch m {
	case NoLatch:
		return "none"
	case SLatch:
		return "S"
	case XLatch:
		return "X"
	}
	return fmt.Sprintf("LatchMode(%d)", int(m))
}

// State is the lifecycle of a mini-transaction.
type State int

const (
	Active State = iota
	Committing
	Committed
)

// Log is the redo log a mini-transaction commits into.
type Log interface {
	Append(group []byte) (start, end base.LSN, err error)
	Sync() error
}

// Pages is the page store a mini-transaction fixes, allocates and frees
// pages in.
type Pages interface {
	Fix(key base.PageKey) (*storage.Block, error)
	Unfix(b *storage.Block)
	Allocate(space uint32, hint base.PageNo, dir storage.Direction, res *storage.Reservation) (base.PageKey, error)
	Free(key base.PageKey)
	Reserve(space uint32, n int) (*storage.Reservation, error)
}

type slot struct {
	block    *storage.Block
	tree     *sync.RWMutex
	mode     LatchMode
	released bool
}

func (s *slot) release(pages Pages) {
	if s.released {
		return
	}
	s.released = true
	if s.tree != nil {
		if s.mode == XLatch {
			s.tree.Unlock()
		} else {
			s.tree.RUnlock()
		}
		return
	}
	switch s.mode {
	case XLatch:
		s.block.Unlock()
	case SLatch:
		s.block.RUnlock()
	}
	pages.Unfix(s.block)
}

// MTR is a mini-transaction. It is owned by one goroutine.
type MTR struct {
	pages Pages
	log   Log

	memo     []slot
	buf      []byte
	nRecs    int
	lastKey  base.PageKey
	modified []*storage.Block
	freed    []base.PageKey
	res      []*storage.Reservation
	state    State

	start, end base.LSN
}

// Start begins a mini-transaction.
func Start(pages Pages, log Log) *MTR {
	return &MTR{pages: pages, log: log, lastKey: base.PageKey{Space: base.FilNull, PageNo: base.FilNull}}
}

// Run executes fn inside a mini-transaction and commits it. An error
// returned before any page was modified is returned once the commit has
// released the latches. An error after a modification panics with a
// *PartialChangeError instead of logging a half-done change. On any panic
// the latches are released without logging anything and the panic is
// propagated.
func Run(pages Pages, log Log, fn func(m *MTR) error) (err error) {
	m := Start(pages, log)
	defer func() {
		if r := recover(); r != nil {
			m.abandon()
			panic(r)
		}
	}()
	err = fn(m)
	if err != nil && m.IsModified() {
		panic(&PartialChangeError{Pages: len(m.modified), Err: err})
	}
	if cerr := m.Commit(); err == nil {
		err = cerr
	}
	return err
}

// PartialChangeError is the panic value of Run when fn fails after it
// modified pages.
type PartialChangeError struct {
	Pages int
	Err   error
}

func (e *PartialChangeError) Error() string {
	return fmt.Sprintf("mtr: failed after modifying %d pages: %v", e.Pages, e.Err)
}

func (e *PartialChangeError) Unwrap() error { return e.Err }

// State returns the lifecycle state.
func (m *MTR) State() State { return m.state }

// LSNs returns the LSN range the committed group was assigned. Both are
// zero when nothing was logged.
func (m *MTR) LSNs() (start, end base.LSN) { return m.start, m.end }

func (m *MTR) assertActive() {
	if m.state != Active {
		panic(fmt.Sprintf("mtr: used in state %d", m.state))
	}
}

// Savepoint marks the current memo depth.
func (m *MTR) Savepoint() int { return len(m.memo) }

// LatchTree acquires a tree latch.
func (m *MTR) LatchTree(l *sync.RWMutex, mode LatchMode) {
	m.assertActive()
	switch mode {
	case XLatch:
		l.Lock()
	case SLatch:
		l.RLock()
	default:
		panic("mtr: tree latch needs S or X")
	}
	m.memo = append(m.memo, slot{tree: l, mode: mode})
}

// HoldsTree reports whether the tree latch is held in at least mode.
func (m *MTR) HoldsTree(l *sync.RWMutex, mode LatchMode) bool {
	for i := range m.memo {
		s := &m.memo[i]
		if s.tree == l && !s.released && s.mode >= mode {
			return true
		}
	}
	return false
}

// held returns the live slot holding b in the strongest mode, or nil.
func (m *MTR) held(b *storage.Block) *slot {
	var best *slot
	for i := range m.memo {
		s := &m.memo[i]
		if s.block == b && !s.released && (best == nil || s.mode > best.mode) {
			best = s
		}
	}
	return best
}

// Holds reports whether b is latched in at least mode.
func (m *MTR) Holds(b *storage.Block, mode LatchMode) bool {
	s := m.held(b)
	return s != nil && s.mode >= mode
}

// GetPage fixes the page and latches it in mode, blocking until the latch
// is granted. A page already held in a compatible mode is returned as is;
// asking for X on a page held only in S is a latch upgrade and panics.
func (m *MTR) GetPage(key base.PageKey, mode LatchMode) (*storage.Block, error) {
	m.assertActive()
	for i := len(m.memo) - 1; i >= 0; i-- {
		s := &m.memo[i]
		if s.block == nil || s.released || s.block.Key() != key {
			continue
		}
		if s.mode >= mode {
			return s.block, nil
		}
		if s.mode == SLatch {
			panic(fmt.Sprintf("mtr: S to X upgrade on page %s", key))
		}
	}
	b, err := m.pages.Fix(key)
	if err != nil {
		return nil, err
	}
	switch mode {
	case XLatch:
		b.Lock()
	case SLatch:
		b.RLock()
	}
	m.memo = append(m.memo, slot{block: b, mode: mode})
	return b, nil
}

// Adopt records a block the caller already fixed and latched in mode.
func (m *MTR) Adopt(b *storage.Block, mode LatchMode) {
	m.assertActive()
	m.memo = append(m.memo, slot{block: b, mode: mode})
}

func (m *MTR) assertReleasable(s *slot) {
	if s.block == nil || s.mode != XLatch {
		return
	}
	for _, b := range m.modified {
		if b == s.block {
			panic(fmt.Sprintf("mtr: releasing modified page %s before commit", b.Key()))
		}
	}
}

// ReleaseToSavepoint releases everything latched after sp, newest first.
// Modified pages cannot be released before commit.
func (m *MTR) ReleaseToSavepoint(sp int) {
	m.assertActive()
	for i := len(m.memo) - 1; i >= sp; i-- {
		m.assertReleasable(&m.memo[i])
		m.memo[i].release(m.pages)
	}
	m.memo = m.memo[:sp]
}

// ReleaseAt releases the single slot at sp, typically the tree latch once
// the pages below it are latched.
func (m *MTR) ReleaseAt(sp int) {
	m.assertActive()
	s := &m.memo[sp]
	m.assertReleasable(s)
	s.release(m.pages)
}

// ReleaseBlock releases the newest slot holding b.
func (m *MTR) ReleaseBlock(b *storage.Block) {
	for i := len(m.memo) - 1; i >= 0; i-- {
		if s := &m.memo[i]; s.block == b && !s.released {
			m.ReleaseAt(i)
			return
		}
	}
	panic(fmt.Sprintf("mtr: page %s not in memo", b.Key()))
}

// Reserve sets aside n free pages in space for allocations made by this
// mini-transaction. Whatever is left is returned at commit.
func (m *MTR) Reserve(space uint32, n int) (*storage.Reservation, error) {
	m.assertActive()
	r, err := m.pages.Reserve(space, n)
	if err != nil {
		return nil, err
	}
	m.res = append(m.res, r)
	return r, nil
}

// NewPage allocates a page near hint and returns it fixed and X-latched.
// The page content is garbage until the caller formats it.
func (m *MTR) NewPage(space uint32, hint base.PageNo, dir storage.Direction, res *storage.Reservation) (*storage.Block, error) {
	m.assertActive()
	key, err := m.pages.Allocate(space, hint, dir, res)
	if err != nil {
		return nil, err
	}
	return m.GetPage(key, XLatch)
}

// FreePage returns a page to the store when the mini-transaction commits.
// The page must be X-latched here.
func (m *MTR) FreePage(b *storage.Block) {
	if !m.Holds(b, XLatch) {
		panic(fmt.Sprintf("mtr: freeing page %s without X latch", b.Key()))
	}
	m.freed = append(m.freed, b.Key())
}

// WriteInitial starts a redo record of type t for page key. It reports
// whether this is the first record in a row for that page.
func (m *MTR) WriteInitial(t redo.Type, key base.PageKey) bool {
	m.assertActive()
	m.buf = redo.AppendHeader(m.buf, t, key)
	m.nRecs++
	first := key != m.lastKey
	m.lastKey = key
	return first
}

// WriteLog appends record body bytes.
func (m *MTR) WriteLog(b []byte) {
	m.assertActive()
	m.buf = append(m.buf, b...)
}

// Log appends a complete record: header plus the body produced by body.
func (m *MTR) Log(t redo.Type, key base.PageKey, body func([]byte) []byte) {
	m.WriteInitial(t, key)
	m.buf = body(m.buf)
}

// SetModified records that b was changed. b must be X-latched in this
// mini-transaction.
func (m *MTR) SetModified(b *storage.Block) {
	m.assertActive()
	if !m.Holds(b, XLatch) {
		panic(fmt.Sprintf("mtr: page %s modified without X latch", b.Key()))
	}
	for _, mb := range m.modified {
		if mb == b {
			return
		}
	}
	m.modified = append(m.modified, b)
}

// IsModified reports whether anything was modified.
func (m *MTR) IsModified() bool { return len(m.modified) > 0 }

// NRecords returns the number of redo records written so far.
func (m *MTR) NRecords() int { return m.nRecs }

// WriteUint writes an n-byte big-endian value into the page and logs it as
// a Write1/2/4/8 record.
func (m *MTR) WriteUint(b *storage.Block, offset int, v uint64, n int) {
	frame := b.Frame()
	var t redo.Type
	switch n {
	case 1:
		frame[offset] = byte(v)
		t = redo.Write1
	case 2:
		binary.BigEndian.PutUint16(frame[offset:], uint16(v))
		t = redo.Write2
	case 4:
		binary.BigEndian.PutUint32(frame[offset:], uint32(v))
		t = redo.Write4
	case 8:
		binary.BigEndian.PutUint64(frame[offset:], v)
		t = redo.Write8
	default:
		panic(fmt.Sprintf("mtr: write of %d bytes", n))
	}
	m.SetModified(b)
	m.Log(t, b.Key(), func(buf []byte) []byte { return redo.WriteBody(buf, t, offset, v) })
}

// WriteString copies data into the page and logs it.
func (m *MTR) WriteString(b *storage.Block, offset int, data []byte) {
	copy(b.Frame()[offset:], data)
	m.SetModified(b)
	m.Log(redo.WriteString, b.Key(), func(buf []byte) []byte {
		return redo.WriteStringBody(buf, offset, data)
	})
}

// Commit logs the collected records as one group, marks the modified
// pages dirty and releases every latch, newest first. A log append failure
// leaves modified pages that cannot be unwound and panics.
func (m *MTR) Commit() error {
	m.assertActive()
	m.state = Committing

	logged := false
	if len(m.modified) > 0 && m.nRecs > 0 {
		if m.nRecs == 1 {
			m.buf[0] |= redo.SingleRecFlag
		} else {
			m.buf = append(m.buf, byte(redo.MultiRecEnd))
		}
		start, end, err := m.log.Append(m.buf)
		if err != nil {
			panic(fmt.Errorf("mtr: redo append after page changes: %w", err))
		}
		m.start, m.end = start, end
		for _, b := range m.modified {
			b.MarkDirty(start, end)
		}
		logged = true
	} else if len(m.modified) > 0 {
		panic("mtr: pages modified without redo")
	}

	for _, key := range m.freed {
		m.pages.Free(key)
	}
	for _, r := range m.res {
		r.Release()
	}
	m.releaseAll()
	m.state = Committed

	if logged {
		return m.log.Sync()
	}
	return nil
}

func (m *MTR) releaseAll() {
	for i := len(m.memo) - 1; i >= 0; i-- {
		m.memo[i].release(m.pages)
	}
	m.memo = m.memo[:0]
}

// abandon releases everything without logging. Only used while a panic
// unwinds, when the process is expected to stop.
func (m *MTR) abandon() {
	for _, r := range m.res {
		r.Release()
	}
	m.releaseAll()
	m.state = Committed
}
