package storage

import (
	"sort"
	"sync"

	"btrcore/internal/base"
)

// Backend persists page images. Pages never written read as
// base.ErrPageNotFound.
type Backend interface {
	ReadPage(key base.PageKey, buf []byte) error
	WritePage(key base.PageKey, buf []byte) error
	// Spaces lists the tablespaces holding at least one page.
	Spaces() ([]uint32, error)
	Sync() error
	Close() error
}

// PageWrite is one page image handed to a BatchWriter.
type PageWrite struct {
	Key  base.PageKey
	Data []byte
}

// BatchWriter is implemented by backends that write several pages more
// cheaply together than one by one.
type BatchWriter interface {
	WritePages(writes []PageWrite) error
}

// MemoryBackend keeps page images in memory. It backs tests and crash
// simulations through Snapshot.
type MemoryBackend struct {
	mu    sync.RWMutex
	pages map[base.PageKey][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{pages: make(map[base.PageKey][]byte)}
}

func (m *MemoryBackend) ReadPage(key base.PageKey, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[key]
	if !ok {
		return base.ErrPageNotFound
	}
	copy(buf, p)
	return nil
}

func (m *MemoryBackend) WritePage(key base.PageKey, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[key] = append([]byte(nil), buf...)
	return nil
}

func (m *MemoryBackend) WritePages(writes []PageWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		m.pages[w.Key] = append([]byte(nil), w.Data...)
	}
	return nil
}

func (m *MemoryBackend) Spaces() ([]uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[uint32]struct{})
	for k := range m.pages {
		seen[k.Space] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryBackend) Sync() error  { return nil }
func (m *MemoryBackend) Close() error { return nil }

// Snapshot returns an independent copy of the persisted pages, as a crash
// at this instant would leave them.
func (m *MemoryBackend) Snapshot() *MemoryBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := NewMemoryBackend()
	for k, p := range m.pages {
		c.pages[k] = append([]byte(nil), p...)
	}
	return c
}

// Len returns the number of stored pages.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
