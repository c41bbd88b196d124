// Package kvstore wraps go.etcd.io/bbolt as junkfs's transactional
// metadata store. It is the Go counterpart of the original Rust tree's
// MaceStore (lib/meta/kvstore.rs): a single bucket keyed by string, backed
// by an LRU read cache (internal/lru) that is populated on read and updated
// on write, and invalidated on delete.
package kvstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/abbycin/junkfs/internal/fserrors"
	"github.com/abbycin/junkfs/internal/lru"
)

var bucketName = []byte("junkfs")

// Store is a transactional, cached key/value store over a single bbolt
// bucket. All public methods are safe for concurrent use.
type Store struct {
	db    *bbolt.DB
	cache *lru.Cache[string, []byte]
}

// Open opens (creating if absent) a bbolt database at path and ensures the
// metadata bucket exists. cacheCap sizes the read-through LRU cache.
func Open(path string, cacheCap int) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fserrors.Wrap("kvstore.Open", fserrors.KindCorruption, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fserrors.Wrap("kvstore.Open", fserrors.KindCorruption, err)
	}
	if cacheCap <= 0 {
		cacheCap = 4096
	}
	return &Store{db: db, cache: lru.New[string, []byte](cacheCap, nil)}, nil
}

// Close syncs and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get fetches key, preferring the read cache; a cache miss falls through to
// a bbolt view transaction and populates the cache on success.
func (s *Store) Get(key string) ([]byte, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	var val []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(key))
		if v == nil {
			return fserrors.New("kvstore.Get", fserrors.KindNotFound)
		}
		val = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Put(key, val)
	return val, nil
}

// Put upserts key/val in a single committed transaction and refreshes the
// read cache on success.
func (s *Store) Put(key string, val []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), val)
	})
	if err != nil {
		return fserrors.Wrap("kvstore.Put", fserrors.KindCorruption, err)
	}
	s.cache.Put(key, append([]byte(nil), val...))
	return nil
}

// Delete removes key, evicting it from the read cache regardless of whether
// it was present in the backing store.
func (s *Store) Delete(key string) error {
	s.cache.Remove(key)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fserrors.Wrap("kvstore.Delete", fserrors.KindCorruption, err)
	}
	return nil
}

// Contains reports whether key exists, consulting the read cache first.
func (s *Store) Contains(key string) (bool, error) {
	if _, ok := s.cache.Peek(key); ok {
		return true, nil
	}
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketName).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// ScanPrefix calls fn for every key with the given prefix, in ascending key
// order, stopping early if fn returns false. It bypasses the read cache and
// reads directly off a bbolt cursor, matching the original scan_prefix's
// direct-view semantics.
func (s *Store) ScanPrefix(prefix string, fn func(key string, val []byte) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if !fn(string(k), v) {
				return nil
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Batch runs fn inside a single read-write transaction, exposing Upsert/Del
// so callers (e.g. Meta.CommitPending) can stage multiple KV writes
// atomically instead of one RW transaction per key.
func (s *Store) Batch(fn func(b *Tx) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&Tx{bucket: tx.Bucket(bucketName)})
	})
	if err != nil {
		return fserrors.Wrap("kvstore.Batch", fserrors.KindCorruption, err)
	}
	return nil
}

// Tx exposes the subset of a bbolt read-write transaction junkfs needs,
// scoped to the metadata bucket. Callers that mutate cached keys inside a
// Batch must also call Store.InvalidateCache themselves since the
// bucket-level Tx has no visibility into the read cache.
type Tx struct {
	bucket *bbolt.Bucket
}

func (t *Tx) Upsert(key string, val []byte) error {
	if err := t.bucket.Put([]byte(key), val); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (t *Tx) Del(key string) error {
	if err := t.bucket.Delete([]byte(key)); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (t *Tx) Get(key string) []byte {
	return t.bucket.Get([]byte(key))
}

// InvalidateCache removes key from the read cache. Used by callers of Batch
// once a transaction touching that key has committed.
func (s *Store) InvalidateCache(key string) {
	s.cache.Remove(key)
}

// Sync forces bbolt to fsync its data file. bbolt normally fsyncs on every
// committed Update, so this is only needed after NoSync-style bulk loads
// (none currently used), kept for parity with the original store's
// Drop-time flush of its write-behind cache.
func (s *Store) Sync() error {
	return s.db.Sync()
}
