package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// Backend persists committed changes of the tree.
type Backend interface {
	Load(t *Tree) error
	Put(path string, value []byte) error
	Delete(path string) error
	Close() error
}

var nodesBucket = []byte("nodes")

// BoltBackend keeps one bolt key per node, keyed by canonical path.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store db %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)

		return err
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("init store db %s: %w", path, err)
	}

	return &BoltBackend{db: db}, nil
}

// Load writes every persisted node into t.
func (b *BoltBackend) Load(t *Tree) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			return t.Write(string(k), v)
		})
	})
}

// Put stores value at path.
func (b *BoltBackend) Put(path string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Put([]byte(path), append([]byte{}, value...))
	})
}

// Delete removes path and every key below it.
func (b *BoltBackend) Delete(path string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		prefix := []byte(path + "/")

		if err := bucket.Delete([]byte(path)); err != nil {
			return err
		}

		c := bucket.Cursor()

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
