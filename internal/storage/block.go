package storage

import (
	"sync"
	"sync/atomic"

	"btrcore/internal/base"
	"btrcore/internal/page"
	"btrcore/internal/zip"
)

// HashState is the adaptive hash index state of a block. The ahi package
// owns it; it is read and written only under the hash partition latch of
// the block's index.
type HashState struct {
	IndexID  uint64
	Hashed   bool
	NFields  int
	NBytes   int
	LeftSide bool

	// Build heuristics: the prefix recommended by recent searches and how
	// many searches in a row agreed with it.
	NHashHelps   int
	CurrNFields  int
	CurrNBytes   int
	CurrLeftSide bool
}

// Block is a resident page frame with its latch and bookkeeping.
type Block struct {
	key   base.PageKey
	frame []byte

	latch      sync.RWMutex
	pins       atomic.Int32
	generation atomic.Uint64

	// stateMu guards the dirty flag and modification LSNs.
	stateMu   sync.Mutex
	dirty     bool
	oldestLSN base.LSN
	newestLSN base.LSN

	// Zip is the compressed shadow of pages of compressed indexes. It is
	// accessed under the page latch.
	Zip *zip.Page

	// Hash is the adaptive hash index state, see HashState.
	Hash HashState
}

func newBlock(key base.PageKey, frame []byte, gen uint64) *Block {
	b := &Block{key: key, frame: frame}
	b.generation.Store(gen)
	return b
}

// Key returns the page identity.
func (b *Block) Key() base.PageKey { return b.key }

// Frame returns the page bytes. Reading requires an S or X latch, writing an
// X latch inside a mini-transaction.
func (b *Block) Frame() []byte { return b.frame }

// Page returns a page view over the frame.
func (b *Block) Page() page.Page { return page.New(b.frame) }

// Generation changes whenever the frame stops holding the page it held:
// when the page is freed or the block is evicted and reloaded.
func (b *Block) Generation() uint64 { return b.generation.Load() }

// Pins returns the number of outstanding fixes.
func (b *Block) Pins() int { return int(b.pins.Load()) }

func (b *Block) Lock()          { b.latch.Lock() }
func (b *Block) Unlock()        { b.latch.Unlock() }
func (b *Block) RLock()         { b.latch.RLock() }
func (b *Block) RUnlock()       { b.latch.RUnlock() }
func (b *Block) TryLock() bool  { return b.latch.TryLock() }
func (b *Block) TryRLock() bool { return b.latch.TryRLock() }

// MarkDirty records a modification made in the LSN range [start, end) and
// stamps the page LSN. The caller holds the X latch.
func (b *Block) MarkDirty(start, end base.LSN) {
	b.Page().SetLSN(end)
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !b.dirty {
		b.dirty = true
		b.oldestLSN = start
	}
	b.newestLSN = end
}

// Dirty reports whether the frame holds changes not yet written back.
func (b *Block) Dirty() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.dirty
}

// LSNs returns the oldest and newest modification LSNs of a dirty block.
func (b *Block) LSNs() (oldest, newest base.LSN) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.oldestLSN, b.newestLSN
}

func (b *Block) markClean(flushed base.LSN) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.newestLSN == flushed {
		b.dirty = false
		b.oldestLSN = 0
	}
}
