// Package kvstore implements the column-scoped, transactional, ordered
// key/value engine that every other storage layer in the core sits on top
// of (spec §4.2). Columns map 1:1 onto bbolt buckets; bbolt already gives
// us the required properties for free: lexicographic key ordering, fsync'd
// commits, and snapshot iteration for the lifetime of a cursor.
package kvstore

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Column names required by spec §6.4.
const (
	ColumnBlobMeta        = "blob_meta"
	ColumnContexts         = "contexts"
	ColumnContextIdentities = "context_identities"
	ColumnEntities         = "entities"
	ColumnChildIndex       = "child_index"
	ColumnCompiledModules  = "compiled_modules"
)

// AllColumns lists every column the core opens at startup so Store.Open can
// create the corresponding buckets up front.
var AllColumns = []string{
	ColumnBlobMeta,
	ColumnContexts,
	ColumnContextIdentities,
	ColumnEntities,
	ColumnChildIndex,
	ColumnCompiledModules,
}

// Store is the process-wide key/value engine. It is safe for concurrent use:
// bbolt serializes writers and allows unlimited concurrent readers.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt file at path and ensures every column in
// columns exists as a bucket.
func Open(path string, columns []string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, col := range columns {
			if _, err := tx.CreateBucketIfNotExists([]byte(col)); err != nil {
				return fmt.Errorf("kvstore: create column %q: %w", col, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

// Get reads a single key from column. Returns (nil, false, nil) on a miss.
func (s *Store) Get(column string, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("kvstore: unknown column %q", column)
		}
		v := b.Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Has reports whether key exists in column.
func (s *Store) Has(column string, key []byte) (bool, error) {
	_, ok, err := s.Get(column, key)
	return ok, err
}

// Put writes key/value into column in its own transaction.
func (s *Store) Put(column string, key, value []byte) error {
	return s.Transaction(func(tx *Tx) error {
		return tx.Put(column, key, value)
	})
}

// Delete removes key from column in its own transaction.
func (s *Store) Delete(column string, key []byte) error {
	return s.Transaction(func(tx *Tx) error {
		return tx.Delete(column, key)
	})
}

// Entry is one key/value pair yielded by Iter.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iter returns every entry in column whose key has the given prefix, in
// lexicographic order, as a point-in-time snapshot (spec §4.2).
func (s *Store) Iter(column string, prefix []byte) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(column))
		if b == nil {
			return fmt.Errorf("kvstore: unknown column %q", column)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return out, err
}

// Tx is a batched, atomic set of puts/deletes across one or more columns.
type Tx struct {
	tx *bolt.Tx
}

// Put stages a write within the transaction.
func (t *Tx) Put(column string, key, value []byte) error {
	b := t.tx.Bucket([]byte(column))
	if b == nil {
		return fmt.Errorf("kvstore: unknown column %q", column)
	}
	return b.Put(key, value)
}

// Delete stages a removal within the transaction.
func (t *Tx) Delete(column string, key []byte) error {
	b := t.tx.Bucket([]byte(column))
	if b == nil {
		return fmt.Errorf("kvstore: unknown column %q", column)
	}
	return b.Delete(key)
}

// Get reads a key as part of an in-flight transaction, seeing its own
// uncommitted writes.
func (t *Tx) Get(column string, key []byte) ([]byte, bool, error) {
	b := t.tx.Bucket([]byte(column))
	if b == nil {
		return nil, false, fmt.Errorf("kvstore: unknown column %q", column)
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Iter reads a prefix range as part of an in-flight transaction.
func (t *Tx) Iter(column string, prefix []byte) ([]Entry, error) {
	b := t.tx.Bucket([]byte(column))
	if b == nil {
		return nil, fmt.Errorf("kvstore: unknown column %q", column)
	}
	var out []Entry
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		out = append(out, Entry{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
	return out, nil
}

// Transaction runs fn within one atomic, fsync'd bbolt update transaction.
// A non-nil return rolls back every staged write (spec §4.2, §4.3 save()).
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn within a read-only snapshot transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}
