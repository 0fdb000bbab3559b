package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/openparish/parishd/internal/metrics"
)

// badgerTier is the local on-disk tier. It survives process restarts but is
// scoped to this instance, sitting between the shared Redis tier and the
// in-memory fallback.
type badgerTier struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the local store under dir.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return db, nil
}

// NewBadgerTier wraps an open Badger database as a storage tier.
func NewBadgerTier(db *badger.DB) Tier {
	return &badgerTier{db: db}
}

func (b *badgerTier) Name() string { return "badger" }

func (b *badgerTier) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.StorageOpsTotal.WithLabelValues("badger", "get", "miss").Inc()
		return "", false, nil
	}
	if err != nil {
		metrics.StorageOpsTotal.WithLabelValues("badger", "get", "error").Inc()
		return "", false, err
	}
	metrics.StorageOpsTotal.WithLabelValues("badger", "get", "hit").Inc()
	return value, true, nil
}

func (b *badgerTier) Set(_ context.Context, key, value string, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		metrics.StorageOpsTotal.WithLabelValues("badger", "set", "error").Inc()
		return err
	}
	metrics.StorageOpsTotal.WithLabelValues("badger", "set", "ok").Inc()
	return nil
}

func (b *badgerTier) Remove(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *badgerTier) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
