// Package content implements the broker's content-addressed blob cache.
// Rank 0 persists entries in a bolt database under the session's persist
// directory; other ranks hold a memory-only cache and fault misses
// through the overlay to their parent. The router sees none of this: the
// cache is reachable only as the local service named "content".
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/canopymq/canopy/pkg/wire"
)

var bucketContent = []byte("content")

// Cache is a content-addressed store keyed by SHA-256 hex digest.
// It is owned by the broker reactor.
type Cache struct {
	db  *bolt.DB
	mem map[string][]byte
}

// NewCache creates a cache. dataDir may be empty for a memory-only
// cache (every rank except 0).
func NewCache(dataDir string) (*Cache, error) {
	c := &Cache{mem: make(map[string][]byte)}
	if dataDir == "" {
		return c, nil
	}
	db, err := bolt.Open(filepath.Join(dataDir, "content.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening content database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContent)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	c.db = db
	return c, nil
}

// Digest returns the content address of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store inserts data and returns its digest. On a persistent cache the
// entry is durable before Store returns.
func (c *Cache) Store(data []byte) (string, error) {
	digest := Digest(data)
	c.mem[digest] = append([]byte(nil), data...)
	if c.db != nil {
		err := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketContent).Put([]byte(digest), data)
		})
		if err != nil {
			return "", fmt.Errorf("persisting %s: %w", digest, err)
		}
	}
	return digest, nil
}

// Load returns the blob for digest, or a not-found error the caller may
// translate into an upstream fault.
func (c *Cache) Load(digest string) ([]byte, error) {
	if data, ok := c.mem[digest]; ok {
		return data, nil
	}
	if c.db != nil {
		var data []byte
		err := c.db.View(func(tx *bolt.Tx) error {
			if v := tx.Bucket(bucketContent).Get([]byte(digest)); v != nil {
				data = append([]byte(nil), v...)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if data != nil {
			c.mem[digest] = data
			return data, nil
		}
	}
	return nil, wire.Errorf(wire.ErrNotFound, "content %s not found", digest)
}

// Stats reports entry and byte counts for the memory layer and, when
// present, the persistent layer.
func (c *Cache) Stats() (count int, bytes int64, err error) {
	seen := make(map[string]struct{}, len(c.mem))
	for digest, data := range c.mem {
		seen[digest] = struct{}{}
		count++
		bytes += int64(len(data))
	}
	if c.db != nil {
		err = c.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketContent).ForEach(func(k, v []byte) error {
				if _, ok := seen[string(k)]; !ok {
					count++
					bytes += int64(len(v))
				}
				return nil
			})
		})
	}
	return count, bytes, err
}

// Flush writes memory-only entries to the persistent layer. Without one
// it is a no-op.
func (c *Cache) Flush() error {
	if c.db == nil {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		for digest, data := range c.mem {
			if b.Get([]byte(digest)) == nil {
				if err := b.Put([]byte(digest), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DropCache discards the memory layer. Persistent entries survive.
func (c *Cache) DropCache() {
	c.mem = make(map[string][]byte)
}

// Close releases the persistent layer.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
