// Package storage is the page store: resident page frames with their
// latches, a buffer pool with a recency-based replacement policy, page
// allocation per tablespace, and pluggable backends persisting page images.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"btrcore/internal/base"
	"btrcore/internal/page"
	"btrcore/internal/zip"
)

const (
	MinPoolSize = 16 // hold a full tree path plus the siblings of a split

	DefaultFlushWorkers = 4
)

// LogFlusher makes the redo log durable up to an LSN. Pages are never
// written before the redo describing their newest change.
type LogFlusher interface {
	FlushUpTo(lsn base.LSN) error
}

// Options configures a Store.
type Options struct {
	PageSize     int
	PoolSize     int         // resident frames before eviction starts
	MaxPages     base.PageNo // per space, including the space header page
	FlushWorkers int
	Backend      Backend
	Log          LogFlusher
	Logger       base.Logger
}

// Stats are buffer pool and allocation counters.
type Stats struct {
	Resident  int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushed   uint64
	Allocated uint64
	Freed     uint64
}

// Store owns every resident page frame.
type Store struct {
	pageSize int
	poolSize int
	lowWater int // evict down to this (80% of pool)
	workers  int
	backend  Backend
	log      LogFlusher
	logger   base.Logger

	mu        sync.Mutex
	frames    map[base.PageKey]*Block
	lru       *freelru.LRU[base.PageKey, struct{}]
	untracked []base.PageKey // resident keys the LRU dropped on overflow
	onEvict   func(*Block)

	loads   singleflight.Group
	nextGen atomic.Uint64

	allocMu  sync.Mutex
	spaces   map[uint32]*spaceState
	maxPages base.PageNo

	// replaying holds the blocks fixed by redo replay, which is single
	// threaded.
	replaying map[base.PageKey]*Block

	stats struct {
		hits, misses, evictions, flushed atomic.Uint64
		allocated, freed                 atomic.Uint64
	}
	closed atomic.Bool
}

func hashPageKey(k base.PageKey) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], k.Space)
	binary.LittleEndian.PutUint32(b[4:], k.PageNo)
	return uint32(xxhash.Sum64(b[:]))
}

// New opens a store over opts.Backend and loads the space headers found
// there.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("storage: no backend")
	}
	if opts.Logger == nil {
		opts.Logger = base.DiscardLogger{}
	}
	if opts.FlushWorkers <= 0 {
		opts.FlushWorkers = DefaultFlushWorkers
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = base.FilNull - 1
	}
	pool := max(opts.PoolSize, MinPoolSize)

	lru, err := freelru.New[base.PageKey, struct{}](uint32(2*pool), hashPageKey)
	if err != nil {
		return nil, fmt.Errorf("storage: replacement policy: %w", err)
	}
	s := &Store{
		pageSize:  opts.PageSize,
		poolSize:  pool,
		lowWater:  (pool * 4) / 5,
		workers:   opts.FlushWorkers,
		backend:   opts.Backend,
		log:       opts.Log,
		logger:    opts.Logger,
		frames:    make(map[base.PageKey]*Block),
		lru:       lru,
		spaces:    make(map[uint32]*spaceState),
		maxPages:  opts.MaxPages,
		replaying: make(map[base.PageKey]*Block),
	}
	lru.SetOnEvict(func(key base.PageKey, _ struct{}) {
		// Called with s.mu held. Keys removed by eviction are already gone
		// from frames; anything else was pushed out by capacity.
		if _, ok := s.frames[key]; ok {
			s.untracked = append(s.untracked, key)
		}
	})
	if err := s.loadSpaces(); err != nil {
		return nil, err
	}
	return s, nil
}

// PageSize returns the frame size.
func (s *Store) PageSize() int { return s.pageSize }

// Backend returns the backend pages are persisted to.
func (s *Store) Backend() Backend { return s.backend }

// SetEvictHook installs fn to run on a block before its frame is dropped.
// The block is X-latched and unpinned while fn runs.
func (s *Store) SetEvictHook(fn func(*Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Fix pins the page, loading it from the backend on a miss. Pages never
// written come back zero-filled. Every Fix is paired with an Unfix.
func (s *Store) Fix(key base.PageKey) (*Block, error) {
	if s.closed.Load() {
		return nil, base.ErrEngineClosed
	}
	for {
		s.mu.Lock()
		if b, ok := s.frames[key]; ok {
			b.pins.Add(1)
			s.touchLocked(key)
			s.mu.Unlock()
			s.stats.hits.Add(1)
			return b, nil
		}
		s.mu.Unlock()

		s.stats.misses.Add(1)
		_, err, _ := s.loads.Do(key.String(), func() (any, error) {
			return nil, s.load(key)
		})
		if err != nil {
			return nil, err
		}
		// The loaded frame is unpinned until we get back under s.mu and may
		// have been evicted again; retry the lookup.
	}
}

// TryFix pins the page only if it is resident.
func (s *Store) TryFix(key base.PageKey) (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.frames[key]
	if !ok {
		return nil, false
	}
	b.pins.Add(1)
	s.touchLocked(key)
	return b, true
}

// Unfix releases a pin taken by Fix or TryFix.
func (s *Store) Unfix(b *Block) {
	if b.pins.Add(-1) < 0 {
		panic(fmt.Sprintf("storage: page %s unfixed more often than fixed", b.key))
	}
}

// Resident returns a snapshot of the resident blocks. They are not pinned;
// callers only touch state guarded by their own latches.
func (s *Store) Resident() []*Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Block, 0, len(s.frames))
	for _, b := range s.frames {
		out = append(out, b)
	}
	return out
}

// resident returns the block of key without pinning it.
func (s *Store) resident(key base.PageKey) *Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[key]
}

func (s *Store) touchLocked(key base.PageKey) {
	if _, ok := s.lru.Get(key); !ok {
		s.lru.Add(key, struct{}{})
	}
}

func (s *Store) load(key base.PageKey) error {
	frame := make([]byte, s.pageSize)
	err := s.backend.ReadPage(key, frame)
	switch {
	case errors.Is(err, base.ErrPageNotFound):
		clear(frame)
	case err != nil:
		return fmt.Errorf("read page %s: %w", key, err)
	case !page.New(frame).VerifyChecksum():
		s.logger.Error("page checksum mismatch", "page", key.String())
		return fmt.Errorf("%w: page %s: %w", base.ErrCorruption, key, base.ErrInvalidChecksum)
	}

	b := newBlock(key, frame, s.nextGen.Add(1))
	if zs := page.New(frame).ZipSize(); zs > 0 && page.New(frame).Type() == page.TypeIndex {
		z, ok := zip.Compress(frame, zs)
		if !ok {
			return fmt.Errorf("%w: page %s does not fit its compressed size %d", base.ErrCorruption, key, zs)
		}
		b.Zip = z
	}

	s.mu.Lock()
	if _, ok := s.frames[key]; !ok {
		s.frames[key] = b
		s.lru.Add(key, struct{}{})
	}
	dirty := s.evictLocked(key)
	s.mu.Unlock()

	if dirty > 0 {
		// The pool is full of modified frames. Write back whatever is not
		// latched right now so the next miss can evict.
		if err := s.flush(context.Background(), true); err != nil {
			return err
		}
		s.mu.Lock()
		s.evictLocked(key)
		s.mu.Unlock()
	}
	return nil
}

// evictLocked drops clean, unpinned, unlatched frames other than keep,
// least recently used first, until the pool is back at its low-water mark.
// It returns the number of dirty frames passed over while the pool stayed
// over capacity.
func (s *Store) evictLocked(keep base.PageKey) (dirty int) {
	if len(s.frames) <= s.poolSize {
		return 0
	}
	untracked := s.untracked
	s.untracked = nil
	candidates := append(untracked[:len(untracked):len(untracked)], s.lru.Keys()...)

	for _, key := range candidates {
		if len(s.frames) <= s.lowWater {
			break
		}
		b, ok := s.frames[key]
		if !ok || key == keep {
			continue
		}
		if b.Pins() > 0 {
			continue
		}
		if b.Dirty() {
			dirty++
			continue
		}
		if !b.TryLock() {
			continue
		}
		if s.onEvict != nil {
			s.onEvict(b)
		}
		delete(s.frames, key)
		s.lru.Remove(key)
		b.generation.Add(1)
		b.Unlock()
		s.stats.evictions.Add(1)
	}
	for _, key := range untracked {
		if _, ok := s.frames[key]; ok && !s.lru.Contains(key) {
			s.untracked = append(s.untracked, key)
		}
	}
	if len(s.frames) <= s.poolSize {
		return 0
	}
	return dirty
}

// FlushAll writes every dirty frame back, honouring the write-ahead rule,
// and syncs the backend.
func (s *Store) FlushAll(ctx context.Context) error {
	if err := s.flush(ctx, false); err != nil {
		return err
	}
	return s.backend.Sync()
}

// flush writes dirty frames. With try set, frames latched by someone else
// are skipped instead of waited for.
func (s *Store) flush(ctx context.Context, try bool) error {
	s.mu.Lock()
	var dirty []*Block
	for _, b := range s.frames {
		if b.Dirty() {
			b.pins.Add(1)
			dirty = append(dirty, b)
		}
	}
	s.mu.Unlock()
	defer func() {
		for _, b := range dirty {
			s.Unfix(b)
		}
	}()
	if len(dirty) == 0 {
		return nil
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].key.Less(dirty[j].key) })

	writes := make([]PageWrite, 0, len(dirty))
	flushed := make([]base.LSN, 0, len(dirty))
	blocks := make([]*Block, 0, len(dirty))
	var upTo base.LSN
	for _, b := range dirty {
		if try {
			if !b.TryRLock() {
				continue
			}
		} else {
			b.RLock()
		}
		img := append([]byte(nil), b.frame...)
		_, newest := b.LSNs()
		b.RUnlock()

		page.New(img).StampChecksum()
		writes = append(writes, PageWrite{Key: b.key, Data: img})
		flushed = append(flushed, newest)
		blocks = append(blocks, b)
		upTo = max(upTo, newest)
	}
	if len(writes) == 0 {
		return nil
	}

	if s.log != nil {
		if err := s.log.FlushUpTo(upTo); err != nil {
			return fmt.Errorf("flush log to %d: %w", upTo, err)
		}
	}

	if bw, ok := s.backend.(BatchWriter); ok {
		if err := bw.WritePages(writes); err != nil {
			return fmt.Errorf("write %d pages: %w", len(writes), err)
		}
	} else {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for _, w := range writes {
			g.Go(func() error {
				if err := s.backend.WritePage(w.Key, w.Data); err != nil {
					return fmt.Errorf("write page %s: %w", w.Key, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for i, b := range blocks {
		b.markClean(flushed[i])
	}
	s.stats.flushed.Add(uint64(len(writes)))
	return nil
}

// Checkpoint flushes every dirty frame and persists the allocation state
// of every space. Redo older than the LSN current when Checkpoint started
// is no longer needed afterwards, provided no mini-transaction was running.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := s.flush(ctx, false); err != nil {
		return err
	}
	if err := s.persistSpaces(); err != nil {
		return err
	}
	return s.backend.Sync()
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	resident := len(s.frames)
	dirty := 0
	for _, b := range s.frames {
		if b.Dirty() {
			dirty++
		}
	}
	s.mu.Unlock()
	return Stats{
		Resident:  resident,
		Dirty:     dirty,
		Hits:      s.stats.hits.Load(),
		Misses:    s.stats.misses.Load(),
		Evictions: s.stats.evictions.Load(),
		Flushed:   s.stats.flushed.Load(),
		Allocated: s.stats.allocated.Load(),
		Freed:     s.stats.freed.Load(),
	}
}

// Close checkpoints and closes the backend. Pinned frames are a caller bug
// and are reported, not waited for.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return base.ErrEngineClosed
	}
	var errs []error
	if err := s.Checkpoint(context.Background()); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	for key, b := range s.frames {
		if b.Pins() > 0 {
			s.logger.Warn("page still fixed at close", "page", key.String(), "pins", b.Pins())
		}
	}
	clear(s.frames)
	s.lru.Purge()
	s.untracked = nil
	s.mu.Unlock()
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReplayFrame implements redo.Pages. The page is pinned until ReplayDone
// and recorded as allocated.
func (s *Store) ReplayFrame(key base.PageKey) ([]byte, error) {
	b, err := s.Fix(key)
	if err != nil {
		return nil, err
	}
	s.replaying[key] = b
	s.allocMu.Lock()
	s.spaceLocked(key.Space).noteUsed(key.PageNo)
	s.allocMu.Unlock()
	return b.frame, nil
}

// ReplayDone implements redo.Pages.
func (s *Store) ReplayDone(key base.PageKey, modified bool, lsn base.LSN) {
	b, ok := s.replaying[key]
	if !ok {
		return
	}
	delete(s.replaying, key)
	if modified {
		b.MarkDirty(lsn, lsn)
		p := b.Page()
		if zs := p.ZipSize(); zs > 0 && p.Type() == page.TypeIndex {
			b.Zip, _ = zip.Compress(b.frame, zs)
		} else {
			b.Zip = nil
		}
	}
	s.Unfix(b)
}

func (s *Store) loadSpaces() error {
	ids, err := s.backend.Spaces()
	if err != nil {
		return fmt.Errorf("list spaces: %w", err)
	}
	buf := make([]byte, s.pageSize)
	for _, id := range ids {
		key := base.PageKey{Space: id, PageNo: SpaceHeaderPageNo}
		err := s.backend.ReadPage(key, buf)
		if errors.Is(err, base.ErrPageNotFound) {
			// Pages were written before the first checkpoint of the space;
			// replay rebuilds the high-water mark.
			s.logger.Warn("space has no header", "space", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("read space %d header: %w", id, err)
		}
		if !page.New(buf).VerifyChecksum() {
			return fmt.Errorf("%w: space %d header: %w", base.ErrCorruption, id, base.ErrInvalidChecksum)
		}
		sp, err := decodeSpaceHeader(id, buf)
		if err != nil {
			return err
		}
		s.spaces[id] = sp
	}
	return nil
}

func (s *Store) persistSpaces() error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	buf := make([]byte, s.pageSize)
	for id, sp := range s.spaces {
		if dropped := sp.encodeSpaceHeader(buf); dropped > 0 {
			s.logger.Warn("space header full, free pages leaked", "space", id, "pages", dropped)
		}
		key := base.PageKey{Space: id, PageNo: SpaceHeaderPageNo}
		if err := s.backend.WritePage(key, buf); err != nil {
			return fmt.Errorf("write space %d header: %w", id, err)
		}
	}
	return nil
}
