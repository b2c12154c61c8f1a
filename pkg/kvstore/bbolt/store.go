// Package bbolt provides a grain.KVStore backed by go.etcd.io/bbolt, the
// durable C8 backend for Read Model Projector snapshots. Grounded on the
// teacher's pkg/storage.BoltStore: a single bucket opened at construction,
// db.Update/db.View closures per operation, and a defensive copy on read
// since BoltDB values are only valid for the lifetime of their transaction.
package bbolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// Store is a bbolt-backed grain.KVStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database file under dataDir
// named "grain.db" and ensures its snapshot bucket exists.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "grain.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get(key)
		if v == nil {
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (s *Store) Put(ctx context.Context, key []byte, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(key, value)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
