package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second

	defaultBucket = "tokens"
)

// Bolt is a durable Store kept in a single bbolt bucket.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

// DefaultBoltPath returns ~/.globus-auth/tokens.db.
func DefaultBoltPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".globus-auth", "tokens.db"), nil
}

// OpenBolt opens the database at path, creating it and the bucket if they
// do not exist. An empty path uses DefaultBoltPath.
func OpenBolt(path, bucket string) (*Bolt, error) {
	if path == "" {
		p, err := DefaultBoltPath()
		if err != nil {
			return nil, err
		}

		path = p
	}

	if bucket == "" {
		bucket = defaultBucket
	}

	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening token db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing token db: %w", err)
	}

	return &Bolt{db: db, bucket: []byte(bucket)}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v != nil {
			value, found = string(v), true
		}

		return nil
	})

	return value, found, err
}

func (b *Bolt) Set(key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), []byte(value))
	})
}

func (b *Bolt) Remove(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

// Keys returns keys in bbolt byte order.
func (b *Bolt) Keys() ([]string, error) {
	var keys []string

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// Clear drops and recreates the bucket.
func (b *Bolt) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(b.bucket)

		return err
	})
}
