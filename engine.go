// Package btrcore is the indexed storage core of a relational database: B-tree
// indexes over fixed-size pages, made crash safe by a redo log and sped up
// by an adaptive hash index that learns the access pattern of point lookups.
package btrcore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"btrcore/internal/ahi"
	"btrcore/internal/base"
	"btrcore/internal/btr"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
)

// Engine owns the page store, the redo log and the adaptive hash index
// shared by every index it opens.
type Engine struct {
	opts    Options
	logger  Logger
	backend storage.Backend
	store   *storage.Store
	log     *redo.Log
	hash    *ahi.Manager
	env     *btr.Env
	replay  redo.Stats

	// Index operations hold mu in read mode; Checkpoint and Close take it
	// exclusively so that no mini-transaction is running.
	mu      sync.RWMutex
	indexes map[uint64]*Index
	closed  atomic.Bool
}

type (
	StoreStats  = storage.Stats
	HashStats   = ahi.Stats
	ReplayStats = redo.Stats
	IndexStats  = btr.Stats
)

// Stats aggregates the counters of the engine.
type Stats struct {
	Store   StoreStats
	Hash    HashStats
	Replay  ReplayStats // of the recovery run at Open
	Indexes map[uint64]IndexStats
}

// Open builds an engine from the options, replaying the redo log over the
// page backend when it holds changes newer than the last checkpoint.
func Open(options ...Option) (*Engine, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = DiscardLogger{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	e := &Engine{opts: opts, logger: opts.Logger, indexes: make(map[uint64]*Index)}
	var err error
	if e.backend, err = opts.openBackend(); err != nil {
		return nil, err
	}
	if e.log, err = opts.openLog(); err != nil {
		e.backend.Close()
		return nil, err
	}
	e.store, err = storage.New(storage.Options{
		PageSize:     opts.PageSize,
		PoolSize:     opts.PoolSize,
		MaxPages:     base.PageNo(opts.MaxPages),
		FlushWorkers: opts.FlushWorkers,
		Backend:      e.backend,
		Log:          e.log,
		Logger:       opts.Logger,
	})
	if err != nil {
		e.log.Close()
		e.backend.Close()
		return nil, err
	}

	stats, err := e.recover()
	if err != nil {
		e.store.Close()
		e.log.Close()
		return nil, err
	}

	e.hash = ahi.New(ahi.Config{
		Enabled:      opts.AdaptiveHash,
		Partitions:   opts.HashPartitions,
		MemoryBudget: opts.HashMemoryBudget,
		Pages:        e.store,
		Logger:       opts.Logger,
	})
	e.store.SetEvictHook(e.hash.EvictHook)
	e.env = &btr.Env{
		Pages:                e.store,
		Log:                  e.log,
		AHI:                  e.hash,
		Logger:               opts.Logger,
		MergeThresholdPct:    opts.MergeThresholdPct,
		SplitDirectionStreak: opts.SplitDirectionStreak,
	}
	e.replay = stats

	e.logger.Info("engine opened",
		"backend", string(opts.Backend), "dir", opts.Dir, "page_size", opts.PageSize,
		"adaptive_hash", opts.AdaptiveHash)
	return e, nil
}

func (o *Options) openBackend() (storage.Backend, error) {
	if o.backend != nil {
		return o.backend, nil
	}
	switch o.Backend {
	case BackendFile:
		return storage.NewFileBackend(filepath.Join(o.Dir, "spaces"), o.PageSize, o.DirectIO)
	case BackendBolt:
		return storage.NewBoltBackend(filepath.Join(o.Dir, "pages.bolt"), o.SyncMode == SyncOff)
	}
	return storage.NewMemoryBackend(), nil
}

func (o *Options) openLog() (*redo.Log, error) {
	if o.log != nil {
		return o.log, nil
	}
	path := ""
	if o.Backend != BackendMemory {
		path = filepath.Join(o.Dir, "redo.log")
	}
	return redo.Open(redo.Options{
		Path:         path,
		SyncMode:     o.redoSyncMode(),
		BytesPerSync: o.BytesPerSync,
		Logger:       o.Logger,
	})
}

// recover replays every complete group the log still holds. Pages already
// carrying a group's changes are skipped, so a log that was never
// checkpointed replays harmlessly.
func (e *Engine) recover() (redo.Stats, error) {
	from, to := e.log.StartLSN(), e.log.CurrentLSN()
	if from == to {
		return redo.Stats{}, nil
	}
	e.logger.Info("redo recovery started", "from", from, "to", to)
	rp := redo.NewReplayer(e.store)
	if err := e.log.Scan(from, rp.Apply); err != nil {
		return rp.Stats(), fmt.Errorf("redo recovery: %w", err)
	}
	stats := rp.Stats()
	e.logger.Info("redo recovery finished",
		"groups", stats.Groups, "applied", stats.Applied, "skipped", stats.Skipped)
	return stats, nil
}

// PageSize returns the page size of the engine.
func (e *Engine) PageSize() int { return e.opts.PageSize }

func (e *Engine) enter() error {
	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) leave() { e.mu.RUnlock() }

// CreateIndex allocates the root of a new, empty index.
func (e *Engine) CreateIndex(def IndexDef) (*Index, error) {
	return e.attach(def, func(d btr.Def) (*btr.Tree, error) {
		return btr.Create(e.env, d)
	})
}

// OpenIndex attaches to an existing index whose root page is root.
func (e *Engine) OpenIndex(def IndexDef, root uint32) (*Index, error) {
	return e.attach(def, func(d btr.Def) (*btr.Tree, error) {
		return btr.Open(e.env, d, base.PageNo(root))
	})
}

func (e *Engine) attach(def IndexDef, open func(btr.Def) (*btr.Tree, error)) (*Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if _, ok := e.indexes[def.ID]; ok {
		return nil, fmt.Errorf("%w: index %d", ErrIndexExists, def.ID)
	}
	tree, err := open(def.physical())
	if err != nil {
		return nil, err
	}
	ix := &Index{engine: e, def: def, tree: tree}
	e.indexes[def.ID] = ix
	return ix, nil
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	delete(e.indexes, id)
	e.mu.Unlock()
}

// Checkpoint writes every modified page back and discards the redo log up
// to the LSN current when it started.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.checkpointLocked(ctx)
}

func (e *Engine) checkpointLocked(ctx context.Context) error {
	lsn := e.log.CurrentLSN()
	if err := e.store.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := e.log.Checkpoint(lsn); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	e.logger.Info("checkpoint", "lsn", lsn)
	return nil
}

// EnableAdaptiveHash turns the adaptive hash index on. Pages are hashed
// again as searches recommend it.
func (e *Engine) EnableAdaptiveHash() {
	e.hash.Enable()
}

// DisableAdaptiveHash turns the adaptive hash index off and empties it.
func (e *Engine) DisableAdaptiveHash() {
	e.hash.Disable()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		Store:   e.store.Stats(),
		Hash:    e.hash.Stats(),
		Replay:  e.replay,
		Indexes: make(map[uint64]IndexStats, len(e.indexes)),
	}
	for id, ix := range e.indexes {
		s.Indexes[id] = ix.tree.Stats()
	}
	return s
}

// Close checkpoints and releases every resource. Indexes and cursors of the
// engine fail with ErrEngineClosed afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}

	var errs []error
	lsn := e.log.CurrentLSN()
	e.hash.Shutdown()
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	} else if err := e.log.Checkpoint(lsn); err != nil {
		errs = append(errs, err)
	}
	if err := e.log.Close(); err != nil {
		errs = append(errs, err)
	}
	e.indexes = nil
	e.logger.Info("engine closed", "lsn", lsn)
	return errors.Join(errs...)
}
