// CLAUDE:SUMMARY bbolt bit store: one file, one bucket per grid, page keys plus size/count keys written in one update.
package bitstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hazyhaar/cellgrid/grid/internal/bits"
)

var (
	rootBucket = []byte("cellgrid")
	keySize    = []byte("size")
	keyCount   = []byte("count")
)

const pagePrefix = 'p'

func pageKey(page int) []byte {
	k := make([]byte, 5)
	k[0] = pagePrefix
	binary.BigEndian.PutUint32(k[1:], uint32(page))
	return k
}

func putUint(b *bolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}

func getUint(b *bolt.Bucket, key []byte) (uint64, bool) {
	v := b.Get(key)
	if len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// Bolt stores a grid in a bbolt file.
type Bolt struct {
	db   *bolt.DB
	name []byte
	size int
}

// OpenBolt opens (or creates) the bbolt file at path and provisions grid
// name with size cells.
func OpenBolt(path, name string, size int) (*Bolt, error) {
	if path == "" {
		path = "data/cellgrid.bolt"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bitstore: bolt mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bitstore: bolt open: %w", err)
	}
	s := &Bolt{db: db, name: []byte(name), size: size}
	if err := s.provision(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Bolt) provision() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists(s.name)
		if err != nil {
			return err
		}
		existing, ok := getUint(b, keySize)
		switch {
		case !ok:
			if err := putUint(b, keyCount, 0); err != nil {
				return err
			}
		case int(existing) > s.size:
			return fmt.Errorf("%w: %q has %d cells, requested %d", ErrShrink, s.name, existing, s.size)
		default:
			if _, ok := getUint(b, keyCount); !ok {
				if err := putUint(b, keyCount, uint64(recount(b))); err != nil {
					return err
				}
			}
		}
		return putUint(b, keySize, uint64(s.size))
	})
}

// recount rebuilds the set-cell counter from the stored pages.
func recount(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, v := c.Seek([]byte{pagePrefix}); k != nil && k[0] == pagePrefix; k, v = c.Next() {
		n += bits.Count(v)
	}
	return n
}

func (s *Bolt) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	root := tx.Bucket(rootBucket)
	if root == nil {
		return nil, ErrClosed
	}
	b := root.Bucket(s.name)
	if b == nil {
		return nil, fmt.Errorf("bitstore: bolt bucket %q missing", s.name)
	}
	return b, nil
}

func (s *Bolt) Size() int { return s.size }

func (s *Bolt) GetBit(ctx context.Context, i int) (bool, error) {
	if err := checkIndex(s.size, i); err != nil {
		return false, err
	}
	v, err := s.GetRange(ctx, i, i+1)
	if err != nil {
		return false, err
	}
	return v[0], nil
}

func (s *Bolt) GetRange(_ context.Context, start, end int) ([]bool, error) {
	if err := checkRange(s.size, start, end); err != nil {
		return nil, err
	}
	if start == end {
		return []bool{}, nil
	}
	first, last := pageSpan(start, end)
	pages := make(map[int][]byte, last-first+1)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(pageKey(first)); k != nil && len(k) == 5 && k[0] == pagePrefix; k, v = c.Next() {
			page := int(binary.BigEndian.Uint32(k[1:]))
			if page > last {
				break
			}
			// Values are only valid for the life of the transaction.
			pages[page] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bitstore: bolt read pages: %w", err)
	}
	return assemble(pages, start, end), nil
}

func (s *Bolt) SetBit(_ context.Context, i int, v bool) error {
	if err := checkIndex(s.size, i); err != nil {
		return err
	}
	page := pageOf(i)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		buf, delta := flip(b.Get(pageKey(page)), i, v)
		if delta == 0 {
			return nil
		}
		count, _ := getUint(b, keyCount)
		if err := b.Put(pageKey(page), buf); err != nil {
			return err
		}
		return putUint(b, keyCount, uint64(int64(count)+int64(delta)))
	})
	if err != nil {
		return fmt.Errorf("bitstore: bolt write: %w", err)
	}
	return nil
}

func (s *Bolt) CountSet(_ context.Context) (int, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		n, _ = getUint(b, keyCount)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bitstore: bolt count: %w", err)
	}
	return int(n), nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
