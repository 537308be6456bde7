// Package ahi is the adaptive hash index: a per-index cache mapping folds of
// key prefixes to record locations, built lazily on pages that recent
// searches keep landing on and consulted before a B-tree descent.
//
// Entries never carry pointers. A location names the page, the generation
// of the block that held it when the entry was made and the record offset;
// every hit is re-validated against the page before it is trusted.
//
// Latching: the hash state of a block and every entry of an index live
// under the partition latch of that index. Partition latches rank below
// page latches: a partition latch may be taken while holding a page latch,
// never the other way round, and a guess releases its partition latch
// before it tries (without waiting) to latch the candidate page.
package ahi

import (
	"sync"
	"sync/atomic"

	"btrcore/internal/base"
	"btrcore/internal/hashtable"
	"btrcore/internal/rec"
	"btrcore/internal/storage"
)

// Heuristic defaults. With these the sixteenth identical equality search
// on a small page is served from the hash.
const (
	DefaultHashAnalysis   = 4
	DefaultBuildLimit     = 8
	DefaultPageBuildLimit = 16

	DefaultPartitions   = 8
	DefaultMemoryBudget = 4 << 20
)

// Location is the value stored in the hash tables.
type Location struct {
	Index  uint64
	Key    base.PageKey
	Gen    uint64
	Offset uint16
}

// Params is the key prefix a page is hashed on.
type Params struct {
	NFields  int
	NBytes   int
	LeftSide bool
}

// Pages is what the manager needs from the page store.
type Pages interface {
	TryFix(key base.PageKey) (*storage.Block, bool)
	Unfix(b *storage.Block)
	Resident() []*storage.Block
}

// Config configures a Manager.
type Config struct {
	Enabled        bool
	Partitions     int
	MemoryBudget   int // bytes, shared by all partitions
	HashAnalysis   int
	BuildLimit     int
	PageBuildLimit int
	Pages          Pages
	Logger         base.Logger
}

type registered struct {
	ix   *rec.Index
	info *SearchInfo
}

type partition struct {
	latch   sync.RWMutex
	table   *hashtable.Table[Location]
	indexes map[uint64]registered
}

// Stats are counters of the adaptive hash index.
type Stats struct {
	Searches    uint64
	HashHits    uint64
	HashMisses  uint64
	PagesHashed uint64
	PagesDrop   uint64
	RowsAdded   uint64
	RowsRemoved uint64
	Entries     int
}

// Manager owns the partitions. It is injected into every tree.
type Manager struct {
	cfgLatch sync.Mutex // serializes Enable and Disable
	enabled  atomic.Bool
	parts    []*partition
	pages    Pages
	logger   base.Logger

	hashAnalysis   int
	buildLimit     int
	pageBuildLimit int

	searches, hits, misses    atomic.Uint64
	pagesHashed, pagesDropped atomic.Uint64
	rowsAdded, rowsRemoved    atomic.Uint64
}

// New creates a manager.
func New(cfg Config) *Manager {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}
	if cfg.HashAnalysis <= 0 {
		cfg.HashAnalysis = DefaultHashAnalysis
	}
	if cfg.BuildLimit <= 0 {
		cfg.BuildLimit = DefaultBuildLimit
	}
	if cfg.PageBuildLimit <= 0 {
		cfg.PageBuildLimit = DefaultPageBuildLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = base.DiscardLogger{}
	}
	m := &Manager{
		parts:          make([]*partition, cfg.Partitions),
		pages:          cfg.Pages,
		logger:         cfg.Logger,
		hashAnalysis:   cfg.HashAnalysis,
		buildLimit:     cfg.BuildLimit,
		pageBuildLimit: cfg.PageBuildLimit,
	}
	cells, nodes := hashtable.SizeForBudget(cfg.MemoryBudget / cfg.Partitions)
	for i := range m.parts {
		m.parts[i] = &partition{
			table:   hashtable.New[Location](cells, nodes),
			indexes: make(map[uint64]registered),
		}
	}
	m.enabled.Store(cfg.Enabled)
	return m
}

func (m *Manager) partition(indexID uint64) *partition {
	return m.parts[indexID%uint64(len(m.parts))]
}

// Enabled reports whether guesses and builds are active.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// Register makes an index known to the manager. Eviction hooks only see a
// block and find its index definition here.
func (m *Manager) Register(ix *rec.Index, info *SearchInfo) {
	part := m.partition(ix.ID)
	part.latch.Lock()
	defer part.latch.Unlock()
	part.indexes[ix.ID] = registered{ix: ix, info: info}
}

// Enable turns the adaptive hash index on, starting from empty tables.
func (m *Manager) Enable() {
	m.cfgLatch.Lock()
	defer m.cfgLatch.Unlock()
	if m.enabled.Swap(true) {
		return
	}
	m.logger.Info("adaptive hash index enabled", "partitions", len(m.parts))
}

// Disable empties every partition and resets the hash state of every
// resident block. Guesses and builds become no-ops until Enable.
func (m *Manager) Disable() {
	m.cfgLatch.Lock()
	defer m.cfgLatch.Unlock()
	if !m.enabled.Load() {
		return
	}
	m.lockAll()
	m.enabled.Store(false)
	entries := 0
	for _, part := range m.parts {
		entries += part.table.Len()
		part.table.Clear()
		for _, r := range part.indexes {
			r.info.resetHashed()
		}
	}
	m.unlockAll()

	// No block gets hashed from here on, so this snapshot holds every block
	// that can still carry hash state. It is taken with the partitions
	// unlatched: eviction latches a partition under the store's mutex.
	if m.pages != nil {
		blocks := m.pages.Resident()
		m.lockAll()
		for _, b := range blocks {
			b.Hash = storage.HashState{}
		}
		m.unlockAll()
	}
	m.logger.Info("adaptive hash index disabled", "entries_dropped", entries)
}

func (m *Manager) lockAll() {
	for _, part := range m.parts {
		part.latch.Lock()
	}
}

func (m *Manager) unlockAll() {
	for i := len(m.parts) - 1; i >= 0; i-- {
		m.parts[i].latch.Unlock()
	}
}

// Shutdown disables the index and forgets every registered index.
func (m *Manager) Shutdown() {
	m.Disable()
	for _, part := range m.parts {
		part.latch.Lock()
		clear(part.indexes)
		part.latch.Unlock()
	}
}

// DropIndex removes every entry of an index and forgets it. The caller has
// already freed (and thereby unhashed) the index pages.
func (m *Manager) DropIndex(id uint64) {
	part := m.partition(id)
	part.latch.Lock()
	defer part.latch.Unlock()
	n := part.table.RemoveIf(func(_ uint32, loc Location) bool { return loc.Index == id })
	m.rowsRemoved.Add(uint64(n))
	delete(part.indexes, id)
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Searches:    m.searches.Load(),
		HashHits:    m.hits.Load(),
		HashMisses:  m.misses.Load(),
		PagesHashed: m.pagesHashed.Load(),
		PagesDrop:   m.pagesDropped.Load(),
		RowsAdded:   m.rowsAdded.Load(),
		RowsRemoved: m.rowsRemoved.Load(),
	}
	for _, part := range m.parts {
		part.latch.RLock()
		st.Entries += part.table.Len()
		part.latch.RUnlock()
	}
	return st
}
