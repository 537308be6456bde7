package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"btrcore/internal/base"
)

const boltBucketPrefix = "space-"

// BoltBackend stores pages in a bbolt database, one bucket per tablespace
// keyed by big-endian page number.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens or creates the database at path. With noSync the
// database skips fsync on commit; the redo log still protects the pages.
func NewBoltBackend(path string, noSync bool) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoSync: noSync})
	if err != nil {
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func bucketName(space uint32) []byte {
	return []byte(boltBucketPrefix + strconv.FormatUint(uint64(space), 10))
}

func pageKeyBytes(pageNo base.PageNo) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], pageNo)
	return k[:]
}

func (bb *BoltBackend) ReadPage(key base.PageKey, buf []byte) error {
	return bb.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key.Space))
		if b == nil {
			return base.ErrPageNotFound
		}
		v := b.Get(pageKeyBytes(key.PageNo))
		if v == nil {
			return base.ErrPageNotFound
		}
		if len(v) != len(buf) {
			return fmt.Errorf("page %s has %d bytes, expected %d", key, len(v), len(buf))
		}
		// v is only valid inside the transaction.
		copy(buf, v)
		return nil
	})
}

func (bb *BoltBackend) WritePage(key base.PageKey, buf []byte) error {
	return bb.WritePages([]PageWrite{{Key: key, Data: buf}})
}

// WritePages stores all writes in a single transaction.
func (bb *BoltBackend) WritePages(writes []PageWrite) error {
	return bb.db.Update(func(tx *bolt.Tx) error {
		for _, w := range writes {
			b, err := tx.CreateBucketIfNotExists(bucketName(w.Key.Space))
			if err != nil {
				return err
			}
			if err := b.Put(pageKeyBytes(w.Key.PageNo), append([]byte(nil), w.Data...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bb *BoltBackend) Spaces() ([]uint32, error) {
	var out []uint32
	err := bb.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			s, ok := strings.CutPrefix(string(name), boltBucketPrefix)
			if !ok {
				return nil
			}
			id, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return nil
			}
			out = append(out, uint32(id))
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

func (bb *BoltBackend) Sync() error  { return bb.db.Sync() }
func (bb *BoltBackend) Close() error { return bb.db.Close() }
