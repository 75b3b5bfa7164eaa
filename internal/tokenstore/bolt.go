package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

// defaultBucket holds all keys of a BoltTier.
const defaultBucket = "ltsession"

// BoltTier stores keys in a bucket of an embedded bbolt database.
// Durable alternative for hosts without an OS keyring.
type BoltTier struct {
	db     *bbolt.DB
	bucket []byte
}

// Compile-time check to ensure BoltTier implements Tier
var _ Tier = (*BoltTier)(nil)

// NewBoltTier returns a Tier backed by the given database.
func NewBoltTier(db *bbolt.DB) *BoltTier {
	return &BoltTier{db: db, bucket: []byte(defaultBucket)}
}

// OpenBoltTier opens (or creates) a bbolt database at path, creating parent
// directories with 0700 permissions. bbolt holds an exclusive file lock, so a
// second process blocks until options.Timeout.
func OpenBoltTier(path string, options *bbolt.Options) (*BoltTier, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltTier(db), nil
}

// Close closes the underlying database.
func (b *BoltTier) Close() error {
	return b.db.Close()
}

func (b *BoltTier) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		// data is only valid inside the transaction
		value = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

func (b *BoltTier) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (b *BoltTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *BoltTier) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
