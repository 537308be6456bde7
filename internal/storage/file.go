package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"btrcore/internal/base"
	"btrcore/internal/directio"
)

const spaceFileSuffix = ".ibd"

// FileBackend stores every tablespace in its own file under a directory,
// page n at offset n*pageSize.
type FileBackend struct {
	dir      string
	pageSize int
	direct   bool
	bufPool  sync.Pool // aligned page buffers for files opened for direct I/O

	mu    sync.Mutex
	files map[uint32]*spaceFile

	// Stats counters
	reads  atomic.Uint64
	writes atomic.Uint64
}

type spaceFile struct {
	*os.File
	direct bool
}

// NewFileBackend opens (creating if needed) the directory dir. With direct
// set, space files bypass the OS page cache where the filesystem allows it.
func NewFileBackend(dir string, pageSize int, direct bool) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	fb := &FileBackend{dir: dir, pageSize: pageSize, direct: direct, files: make(map[uint32]*spaceFile)}
	fb.bufPool.New = func() any { return directio.AlignedBlock(pageSize) }
	return fb, nil
}

func (fb *FileBackend) path(space uint32) string {
	return filepath.Join(fb.dir, fmt.Sprintf("space-%06d%s", space, spaceFileSuffix))
}

func (fb *FileBackend) file(space uint32) (*spaceFile, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if f, ok := fb.files[space]; ok {
		return f, nil
	}
	sf := &spaceFile{}
	var err error
	if fb.direct {
		sf.File, sf.direct, err = directio.OpenFile(fb.path(space), os.O_RDWR|os.O_CREATE, 0600)
	} else {
		sf.File, err = os.OpenFile(fb.path(space), os.O_RDWR|os.O_CREATE, 0600)
	}
	if err != nil {
		return nil, err
	}
	fb.files[space] = sf
	return sf, nil
}

// aligned returns buf when the file can use it as is, or a pooled aligned
// copy otherwise. release hands the copy back.
func (fb *FileBackend) aligned(f *spaceFile, buf []byte) (block []byte, release func()) {
	if !f.direct || (len(buf) == fb.pageSize && directio.IsAligned(buf)) {
		return buf, func() {}
	}
	tmp := fb.bufPool.Get().([]byte)
	return tmp[:len(buf)], func() { fb.bufPool.Put(tmp) }
}

func (fb *FileBackend) ReadPage(key base.PageKey, buf []byte) error {
	f, err := fb.file(key.Space)
	if err != nil {
		return err
	}
	fb.reads.Add(1)
	block, release := fb.aligned(f, buf)
	defer release()
	n, err := pread(f.File, block, int64(key.PageNo)*int64(fb.pageSize))
	if err != nil {
		return err
	}
	copy(buf, block[:n])
	if n == 0 {
		return base.ErrPageNotFound
	}
	if n != len(buf) {
		return fmt.Errorf("short read of page %s: got %d bytes, expected %d", key, n, len(buf))
	}
	return nil
}

func (fb *FileBackend) WritePage(key base.PageKey, buf []byte) error {
	f, err := fb.file(key.Space)
	if err != nil {
		return err
	}
	fb.writes.Add(1)
	block, release := fb.aligned(f, buf)
	defer release()
	copy(block, buf)
	n, err := pwrite(f.File, block, int64(key.PageNo)*int64(fb.pageSize))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write of page %s: wrote %d bytes, expected %d", key, n, len(buf))
	}
	return nil
}

func (fb *FileBackend) Spaces() ([]uint32, error) {
	entries, err := os.ReadDir(fb.dir)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "space-") || !strings.HasSuffix(name, spaceFileSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "space-"), spaceFileSuffix), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Sync flushes every open space file.
func (fb *FileBackend) Sync() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, f := range fb.files {
		if err := fsync(f.File); err != nil {
			return err
		}
	}
	return nil
}

func (fb *FileBackend) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var first error
	for space, f := range fb.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(fb.files, space)
	}
	return first
}

// IOStats returns the number of page reads and writes issued.
func (fb *FileBackend) IOStats() (reads, writes uint64) {
	return fb.reads.Load(), fb.writes.Load()
}
