// Package bolt persists escalation configuration snapshots in a bbolt file.
package bolt

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a bucket or key does not exist
var ErrNotFound = errors.New("not found")

// DB wraps bbolt database with helper methods
type DB struct {
	*bolt.DB
}

// Open opens or creates a bbolt database
func Open(path string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{boltDB}, nil
}

// CreateBucket creates a bucket if it doesn't exist
func (db *DB) CreateBucket(name string) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		return nil
	})
}

// PutYAML stores a value as YAML in the specified bucket
func (db *DB) PutYAML(bucket, key string, value interface{}) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return db.put(bucket, key, data)
}

// GetYAML retrieves a value stored by PutYAML
func (db *DB) GetYAML(bucket, key string, value interface{}) error {
	data, err := db.get(bucket, key)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, value)
}

func (db *DB) put(bucket, key string, data []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.Put([]byte(key), data)
	})
}

// get copies the value out; bbolt memory is only valid inside the
// transaction.
func (db *DB) get(bucket, key string) ([]byte, error) {
	var out []byte
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// Delete removes a key from the specified bucket and reports whether it existed
func (db *DB) Delete(bucket, key string) (bool, error) {
	var existed bool
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		existed = b.Get([]byte(key)) != nil
		return b.Delete([]byte(key))
	})
	return existed, err
}

// ForEach iterates over all key-value pairs in a bucket, in key order
func (db *DB) ForEach(bucket string, fn func(key, value []byte) error) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}

		return b.ForEach(fn)
	})
}
