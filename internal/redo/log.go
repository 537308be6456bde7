package redo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"btrcore/internal/base"
)

// SyncMode controls when the log file is fsynced.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every mini-transaction commit.
	// - No committed change is lost on power failure
	// - Commit latency includes the fsync
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs once BytesPerSync bytes were appended since the last
	// fsync. Pages are still never flushed ahead of their log records.
	SyncBytes

	// SyncOff leaves fsync to FlushUpTo and Close (tests, bulk loads).
	SyncOff
)

// FirstLSN is the LSN of the first byte of a new log.
const FirstLSN base.LSN = 8192

var logMagic = [8]byte{'B', 'T', 'R', 'C', 'R', 'E', 'D', 'O'}

// fileHeaderSize: [magic:8][start LSN:8]
const fileHeaderSize = 16

// Group is one parsed mini-transaction with its LSN range.
type Group struct {
	Start, End base.LSN
	Records    []Record
}

// Options configures a Log.
type Options struct {
	Path         string // empty keeps the log in memory only
	SyncMode     SyncMode
	BytesPerSync int
	Logger       base.Logger
}

// Log is the redo log service. The LSN of a byte is the start LSN plus its
// offset in the buffered log, so LSNs grow monotonically across checkpoints.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	buf      []byte
	startLSN base.LSN
	flushed  base.LSN

	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int

	logger base.Logger
}

// Open opens the log at opts.Path, creating it if needed, or an in-memory
// log when the path is empty.
func Open(opts Options) (*Log, error) {
	l := &Log{
		startLSN:     FirstLSN,
		syncMode:     opts.SyncMode,
		bytesPerSync: opts.BytesPerSync,
		logger:       opts.Logger,
	}
	if l.logger == nil {
		l.logger = base.DiscardLogger{}
	}
	if opts.Path == "" {
		l.flushed = l.startLSN
		return l, nil
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	l.file = file
	if len(data) == 0 {
		if err := l.writeHeaderLocked(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if len(data) < fileHeaderSize || !bytes.Equal(data[:8], logMagic[:]) {
			file.Close()
			return nil, errors.Wrapf(ErrCorruptLog, "bad log file header in %s", opts.Path)
		}
		l.startLSN = binary.BigEndian.Uint64(data[8:16])
		l.buf = append([]byte(nil), data[fileHeaderSize:]...)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	l.flushed = l.endLocked()
	return l, nil
}

// NewFromBytes builds an in-memory log holding data starting at start. It is
// used to reopen a log image captured by Snapshot.
func NewFromBytes(start base.LSN, data []byte) *Log {
	l := &Log{startLSN: start, buf: append([]byte(nil), data...), logger: base.DiscardLogger{}, syncMode: SyncOff}
	l.flushed = l.endLocked()
	return l
}

func (l *Log) writeHeaderLocked() error {
	var hdr [fileHeaderSize]byte
	copy(hdr[:], logMagic[:])
	binary.BigEndian.PutUint64(hdr[8:], l.startLSN)
	_, err := l.file.WriteAt(hdr[:], 0)
	return err
}

func (l *Log) endLocked() base.LSN {
	return l.startLSN + base.LSN(len(l.buf))
}

// Append adds one complete mini-transaction group and returns its LSN range.
func (l *Log) Append(group []byte) (start, end base.LSN, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start = l.endLocked()
	if l.file != nil {
		if _, err := l.file.Write(group); err != nil {
			return 0, 0, err
		}
		l.bytesSinceSync += len(group)
	}
	l.buf = append(l.buf, group...)
	end = l.endLocked()
	if l.file == nil {
		l.flushed = end
	}
	return start, end, nil
}

// Sync conditionally fsyncs the log based on the sync mode.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	switch l.syncMode {
	case SyncEveryCommit:
		return l.syncLocked()
	case SyncBytes:
		if l.bytesSinceSync >= l.bytesPerSync {
			return l.syncLocked()
		}
		return nil
	case SyncOff:
		return nil
	default:
		return fmt.Errorf("unknown log sync mode: %d", l.syncMode)
	}
}

// FlushUpTo makes the log durable at least up to lsn. Pages may be written
// only once their newest modification LSN is durable.
func (l *Log) FlushUpTo(lsn base.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.flushed >= lsn {
		return nil
	}
	return l.syncLocked()
}

// ForceSync unconditionally fsyncs the log.
func (l *Log) ForceSync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.file != nil {
		if err := fsync(l.file); err != nil {
			return err
		}
	}
	l.bytesSinceSync = 0
	l.flushed = l.endLocked()
	return nil
}

// CurrentLSN returns the LSN the next appended byte will receive.
func (l *Log) CurrentLSN() base.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endLocked()
}

// FlushedLSN returns the LSN up to which the log is durable.
func (l *Log) FlushedLSN() base.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushed
}

// StartLSN returns the LSN of the oldest retained byte: the last checkpoint.
func (l *Log) StartLSN() base.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLSN
}

// Snapshot copies the retained log bytes.
func (l *Log) Snapshot() (base.LSN, []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLSN, append([]byte(nil), l.buf...)
}

// Scan calls fn for every complete group starting at or after from. A
// trailing incomplete group is ignored, as after a crash mid-append.
func (l *Log) Scan(from base.LSN, fn func(Group) error) error {
	start, data := l.Snapshot()
	if from < start {
		from = start
	}
	if from > start+base.LSN(len(data)) {
		return nil
	}
	return ScanBytes(data[from-start:], from, fn)
}

// ScanBytes parses groups from data, whose first byte has LSN start.
func ScanBytes(data []byte, start base.LSN, fn func(Group) error) error {
	pos := 0
	for pos < len(data) {
		recs, n, err := ParseGroup(data[pos:])
		if errors.Is(err, ErrIncomplete) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "at lsn %d", start+base.LSN(pos))
		}
		g := Group{Start: start + base.LSN(pos), End: start + base.LSN(pos+n), Records: recs}
		if err := fn(g); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// Checkpoint discards log records below lsn. The caller guarantees every
// page change below lsn has reached the page backend.
func (l *Log) Checkpoint(lsn base.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	end := l.endLocked()
	if lsn <= l.startLSN {
		return nil
	}
	if lsn > end {
		lsn = end
	}
	l.buf = append([]byte(nil), l.buf[lsn-l.startLSN:]...)
	l.startLSN = lsn

	if l.file != nil {
		if err := l.file.Truncate(0); err != nil {
			return err
		}
		if err := l.writeHeaderLocked(); err != nil {
			return err
		}
		if _, err := l.file.WriteAt(l.buf, fileHeaderSize); err != nil {
			return err
		}
		if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		if err := l.syncLocked(); err != nil {
			return err
		}
	}
	l.logger.Info("redo checkpoint", "lsn", lsn, "retained", len(l.buf))
	return nil
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.syncLocked()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
