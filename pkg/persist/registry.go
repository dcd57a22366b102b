package persist

import (
	"fmt"

	"github.com/arcrosse/dbt/internal/guest"
	bolt "go.etcd.io/bbolt"
)

var registryBucket = []byte("binary_registry")

// Registry persists the binary_id -> cache-file-path mapping that the
// original in-memory binary_cache_map held, so a restarted process can
// find a binary's cache file without re-deriving its path.
type Registry struct {
	db *bolt.DB
}

// OpenRegistry opens (creating if necessary) a bbolt database at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: opening binary registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(registryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: initialising binary registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying bbolt database.
func (r *Registry) Close() error { return r.db.Close() }

// Put records path as the cache file location for id.
func (r *Registry) Put(id guest.BinaryID, path string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registryBucket).Put([]byte(id), []byte(path))
	})
}

// Get returns the cache file path recorded for id, if any.
func (r *Registry) Get(id guest.BinaryID) (string, bool) {
	var path string
	r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(registryBucket).Get([]byte(id))
		if v != nil {
			path = string(v)
		}
		return nil
	})
	return path, path != ""
}

// All returns every registered binary ID.
func (r *Registry) All() ([]guest.BinaryID, error) {
	var ids []guest.BinaryID
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(registryBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, guest.BinaryID(k))
			return nil
		})
	})
	return ids, err
}

// Clear removes every registry entry.
func (r *Registry) Clear() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(registryBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(registryBucket)
		return err
	})
}
