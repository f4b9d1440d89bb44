// Package badger is a durable engine.BlobEngine backed by BadgerDB.
package badger

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/10yihang/cpid/internal/engine"
)

// Store implements engine.BlobEngine using BadgerDB
type Store struct {
	db *badger.DB
}

var _ engine.BlobEngine = (*Store)(nil)

// NewStore opens a BadgerDB store under path.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.BlockCacheSize = 64 << 20
	opts.IndexCacheSize = 32 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the entry stored under key or engine.ErrKeyNotFound.
func (s *Store) Get(_ context.Context, key string) (*engine.Entry, error) {
	var entry engine.Entry

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&entry)
		})
	})

	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, engine.ErrKeyNotFound
		}
		return nil, err
	}

	if !entry.ExpireAt.IsZero() && time.Now().After(entry.ExpireAt) {
		return nil, engine.ErrKeyNotFound
	}
	return &entry, nil
}

// Put stores value under key, replacing any previous entry.
func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var buf bytes.Buffer

	now := time.Now()
	entry := engine.Entry{
		Key:       key,
		Value:     value,
		Type:      engine.TypeString,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		entry.ExpireAt = now.Add(ttl)
	}

	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), buf.Bytes())
		if ttl > 0 {
			e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Del deletes keys
func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	var count int64

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			_, err := txn.Get([]byte(key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}

			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Keys returns every key starting with prefix in byte order.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})

	sort.Strings(keys)
	return keys, err
}

// Close closes db
func (s *Store) Close() error {
	return s.db.Close()
}
