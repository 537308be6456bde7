package btrcore

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"btrcore/internal/ahi"
	"btrcore/internal/btr"
	"btrcore/internal/redo"
	"btrcore/internal/storage"
)

// SyncMode controls when the redo log is fsynced.
type SyncMode int

const (
	// SyncEveryCommit fsyncs the redo log on every mini-transaction commit.
	// - No committed change is lost on power failure
	// - Limited by fsync latency
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs once BytesPerSync bytes were appended since the last
	// fsync.
	// - Some committed changes may be lost on crash (up to N bytes)
	// - Pages still never reach disk ahead of their log records
	SyncBytes

	// SyncOff leaves fsync to checkpoints and Close (testing/bulk loads
	// only).
	SyncOff
)

// BackendKind selects where page images are persisted.
type BackendKind string

const (
	// BackendMemory keeps pages in memory; nothing survives the process.
	BackendMemory BackendKind = "memory"
	// BackendFile stores one file per tablespace under Dir.
	BackendFile BackendKind = "file"
	// BackendBolt stores pages in a bbolt database under Dir.
	BackendBolt BackendKind = "bolt"
)

// Options configures an Engine.
type Options struct {
	Dir      string      `validate:"required_unless=Backend memory"`
	Backend  BackendKind `validate:"oneof=memory file bolt"`
	PageSize int         `validate:"oneof=4096 8192 16384 32768"`
	PoolSize int         `validate:"gte=16"` // resident pages
	MaxPages uint32      `validate:"omitempty,gte=8"`
	DirectIO bool        // file backend only: bypass the OS page cache

	FlushWorkers int      `validate:"gte=1,lte=64"`
	SyncMode     SyncMode `validate:"gte=0,lte=2"`
	BytesPerSync int      `validate:"required_if=SyncMode 1,gte=0"`

	AdaptiveHash     bool
	HashPartitions   int `validate:"gte=1,lte=512"`
	HashMemoryBudget int `validate:"gte=65536"`

	MergeThresholdPct    int `validate:"gte=10,lte=50"`
	SplitDirectionStreak int `validate:"gte=1,lte=64"`

	Logger Logger `validate:"-"`

	// Injected by tests to simulate a crash.
	backend storage.Backend
	log     *redo.Log
}

// DefaultOptions returns an in-memory configuration with the adaptive hash
// index enabled.
func DefaultOptions() Options {
	return Options{
		Backend:              BackendMemory,
		PageSize:             16384,
		PoolSize:             1024,
		FlushWorkers:         storage.DefaultFlushWorkers,
		SyncMode:             SyncEveryCommit,
		BytesPerSync:         1024 * 1024, // 1MB
		AdaptiveHash:         true,
		HashPartitions:       ahi.DefaultPartitions,
		HashMemoryBudget:     ahi.DefaultMemoryBudget,
		MergeThresholdPct:    btr.DefaultMergeThresholdPct,
		SplitDirectionStreak: btr.DefaultSplitDirectionStreak,
		Logger:               DiscardLogger{},
	}
}

// Option configures engine options using the functional options pattern.
type Option func(*Options)

var optionsValidator = validator.New(validator.WithRequiredStructEnabled())

func (o *Options) validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// WithDir persists pages and the redo log under dir using the file backend.
//
//goland:noinspection GoUnusedExportedFunction
func WithDir(dir string) Option {
	return func(opts *Options) {
		opts.Dir = dir
		if opts.Backend == BackendMemory {
			opts.Backend = BackendFile
		}
	}
}

// WithBackend selects the page backend.
//
//goland:noinspection GoUnusedExportedFunction
func WithBackend(kind BackendKind) Option {
	return func(opts *Options) {
		opts.Backend = kind
	}
}

// WithDirectIO opens space files of the file backend for direct I/O.
//
//goland:noinspection GoUnusedExportedFunction
func WithDirectIO(enabled bool) Option {
	return func(opts *Options) {
		opts.DirectIO = enabled
	}
}

// WithPageSize sets the page size in bytes.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.PageSize = size
	}
}

// WithPoolSize sets how many pages stay resident before eviction starts.
//
//goland:noinspection GoUnusedExportedFunction
func WithPoolSize(pages int) Option {
	return func(opts *Options) {
		opts.PoolSize = pages
	}
}

// WithMaxPages caps the number of pages of each tablespace.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxPages(n uint32) Option {
	return func(opts *Options) {
		opts.MaxPages = n
	}
}

// WithSyncEveryCommit fsyncs the redo log on every commit.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() Option {
	return func(opts *Options) {
		opts.SyncMode = SyncEveryCommit
	}
}

// WithSyncBytes fsyncs the redo log every n bytes.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n int) Option {
	return func(opts *Options) {
		opts.SyncMode = SyncBytes
		opts.BytesPerSync = n
	}
}

// WithSyncOff disables fsync of the redo log outside checkpoints.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() Option {
	return func(opts *Options) {
		opts.SyncMode = SyncOff
	}
}

// WithAdaptiveHash enables or disables the adaptive hash index at open.
//
//goland:noinspection GoUnusedExportedFunction
func WithAdaptiveHash(enabled bool) Option {
	return func(opts *Options) {
		opts.AdaptiveHash = enabled
	}
}

// WithHashPartitions sets the number of adaptive hash partitions and the
// memory they share.
//
//goland:noinspection GoUnusedExportedFunction
func WithHashPartitions(n, memoryBudget int) Option {
	return func(opts *Options) {
		opts.HashPartitions = n
		opts.HashMemoryBudget = memoryBudget
	}
}

// WithMergeThreshold sets the fill percentage below which pages merge.
//
//goland:noinspection GoUnusedExportedFunction
func WithMergeThreshold(pct int) Option {
	return func(opts *Options) {
		opts.MergeThresholdPct = pct
	}
}

// WithSplitDirectionStreak sets how many inserts in one direction make a
// split happen at the insert point.
//
//goland:noinspection GoUnusedExportedFunction
func WithSplitDirectionStreak(n int) Option {
	return func(opts *Options) {
		opts.SplitDirectionStreak = n
	}
}

// WithLogger sets the engine logger. See package logger for adapters.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.Logger = l
	}
}

func (o *Options) redoSyncMode() redo.SyncMode {
	switch o.SyncMode {
	case SyncBytes:
		return redo.SyncBytes
	case SyncOff:
		return redo.SyncOff
	}
	return redo.SyncEveryCommit
}
