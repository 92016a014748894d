// Package mossstore implements the durable cache tier on a moss LSM
// store. Entries are JSON envelopes keyed by cache key; there is no
// expiry, only the retention sweep.
package mossstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchbase/moss"
	gojson "github.com/goccy/go-json"

	"github.com/digital-atlas/hazquery/internal/cache"
)

type Store struct {
	mu         sync.RWMutex
	store      *moss.Store
	collection moss.Collection
}

// Open opens (or creates) a persistent store under dir.
func Open(dir string) (*Store, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	storeOptions := moss.StoreOptions{
		CollectionOptions: moss.CollectionOptions{
			MergerIdleRunTimeoutMS: 10,
			MaxPreMergerBatches:    256,
		},
		CompactionPercentage:  0.3,
		CompactionBufferPages: 4096,
	}
	persistOptions := moss.StorePersistOptions{
		NoSync:            true,
		CompactionConcern: moss.CompactionDisable,
	}

	store, collection, err := moss.OpenStoreCollection(absPath, storeOptions, persistOptions)
	if err != nil {
		return nil, fmt.Errorf("open moss store: %w", err)
	}
	return &Store{store: store, collection: collection}, nil
}

// OpenInMemory builds a store with no backing files, for tests.
func OpenInMemory() (*Store, error) {
	collection, err := moss.NewCollection(moss.CollectionOptions{
		MergerIdleRunTimeoutMS: 50,
		MaxPreMergerBatches:    128,
	})
	if err != nil {
		return nil, fmt.Errorf("create in-memory collection: %w", err)
	}
	if err := collection.Start(); err != nil {
		return nil, fmt.Errorf("start collection: %w", err)
	}
	return &Store{collection: collection}, nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, false, err
	}
	s.mu.RLock()
	val, err := s.collection.Get([]byte(key), moss.ReadOptions{})
	s.mu.RUnlock()
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("moss get %s: %w", key, err)
	}
	if val == nil {
		return cache.Entry{}, false, nil
	}
	var e cache.Entry
	if err := gojson.Unmarshal(val, &e); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return e, true, nil
}

func (s *Store) Put(ctx context.Context, key string, e cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := gojson.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := s.collection.NewBatch(1, len(key)+len(val))
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	defer batch.Close()
	if err := batch.Set([]byte(key), val); err != nil {
		return fmt.Errorf("batch set %s: %w", key, err)
	}
	return s.collection.ExecuteBatch(batch, moss.WriteOptions{})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := s.collection.NewBatch(1, len(key))
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	defer batch.Close()
	if err := batch.Del([]byte(key)); err != nil {
		return fmt.Errorf("batch del %s: %w", key, err)
	}
	return s.collection.ExecuteBatch(batch, moss.WriteOptions{})
}

// SweepOlderThan deletes every entry created before cutoff. Entries whose
// envelope cannot be decoded are deleted too.
func (s *Store) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.staleKeys(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, k := range stale {
		total += len(k)
	}
	batch, err := s.collection.NewBatch(len(stale), total)
	if err != nil {
		return 0, fmt.Errorf("create sweep batch: %w", err)
	}
	defer batch.Close()
	for _, k := range stale {
		if err := batch.Del(k); err != nil {
			return 0, fmt.Errorf("batch del: %w", err)
		}
	}
	if err := s.collection.ExecuteBatch(batch, moss.WriteOptions{}); err != nil {
		return 0, fmt.Errorf("execute sweep batch: %w", err)
	}
	return len(stale), nil
}

func (s *Store) staleKeys(ctx context.Context, cutoff time.Time) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, err := s.collection.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer ss.Close()

	iter, err := ss.StartIterator(nil, nil, moss.IteratorOptions{})
	if err != nil {
		return nil, fmt.Errorf("start iterator: %w", err)
	}
	defer iter.Close()

	var stale [][]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, val, err := iter.Current()
		if errors.Is(err, moss.ErrIteratorDone) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterator current: %w", err)
		}
		var e cache.Entry
		if gojson.Unmarshal(val, &e) != nil || e.CreatedAt.Before(cutoff) {
			k := make([]byte, len(key))
			copy(k, key)
			stale = append(stale, k)
		}
		if err := iter.Next(); errors.Is(err, moss.ErrIteratorDone) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("iterator next: %w", err)
		}
	}
	return stale, nil
}

// Close persists outstanding writes and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collection != nil && s.store != nil {
		ss, err := s.collection.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot collection: %w", err)
		}
		defer ss.Close()
		if _, err := s.store.Persist(ss, moss.StorePersistOptions{
			CompactionConcern: moss.CompactionAllow,
		}); err != nil {
			return fmt.Errorf("persist collection: %w", err)
		}
	}
	if s.collection != nil {
		s.collection.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("close moss store: %w", err)
		}
	}
	return nil
}
