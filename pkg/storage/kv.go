// Package storage implements the bbolt-backed key-value layer shared by
// the meta service's three Raft state machines, the journal segment
// index and the offset cache's local column family. Unlike Warren's
// entity-per-bucket Store interface, RobustMQ's state machines apply
// opaque StorageData entries keyed by caller-chosen byte keys, so the
// store exposes a generic bucket/key/value API instead of typed CRUD
// methods per entity.
package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// KV is the generic bucket-scoped key-value store backing a state
// machine's key-prefix keyspace.
type KV interface {
	// Put writes value under key within bucket, creating the bucket if absent.
	Put(bucket, key, value []byte) error
	// Get returns the value for key within bucket, or nil if absent.
	Get(bucket, key []byte) ([]byte, error)
	// Delete removes key within bucket. A missing key is a no-op.
	Delete(bucket, key []byte) error
	// ForEachPrefix iterates keys within bucket that start with prefix, in
	// key order, calling fn with each key/value. fn's slices are only
	// valid for the duration of the call.
	ForEachPrefix(bucket, prefix []byte, fn func(k, v []byte) error) error
	// ForEach iterates every key in bucket, in key order.
	ForEach(bucket []byte, fn func(k, v []byte) error) error
	// Buckets lists the bucket names currently present.
	Buckets() ([][]byte, error)
	// PutBatch writes every entry in one transaction, across possibly
	// different buckets, creating buckets as needed.
	PutBatch(entries []BatchEntry) error
	// Close releases the underlying file handle.
	Close() error
}

// BatchEntry is one write within a PutBatch call.
type BatchEntry struct {
	Bucket []byte
	Key    []byte
	Value  []byte
}

// BoltKV implements KV on top of go.etcd.io/bbolt.
type BoltKV struct {
	db *bolt.DB
}

// OpenBoltKV opens (creating if absent) a bbolt database at path.
func OpenBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt kv %s: %w", path, err)
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Close() error { return b.db.Close() }

func (b *BoltKV) Put(bucket, key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		// bbolt retains the byte slices it is given across transaction
		// boundaries, so copy before handing them to Put.
		k := append([]byte(nil), key...)
		v := append([]byte(nil), value...)
		return bk.Put(k, v)
	})
}

func (b *BoltKV) Get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		if v := bk.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (b *BoltKV) Delete(bucket, key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		return bk.Delete(key)
	})
}

func (b *BoltKV) ForEachPrefix(bucket, prefix []byte, fn func(k, v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltKV) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil
		}
		return bk.ForEach(fn)
	})
}

func (b *BoltKV) PutBatch(entries []BatchEntry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, e := range entries {
			bk, err := tx.CreateBucketIfNotExists(e.Bucket)
			if err != nil {
				return err
			}
			k := append([]byte(nil), e.Key...)
			v := append([]byte(nil), e.Value...)
			if err := bk.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltKV) Buckets() ([][]byte, error) {
	var names [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
	})
	return names, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
