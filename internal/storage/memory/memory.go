// Package memory implements the record store in process memory. It is the
// mock remote store used by tests and the mem:// factory scheme; blobs are
// copied on the way in and out so callers never alias stored state.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pkt.systems/profiled/internal/storage"
	"pkt.systems/profiled/internal/uuidv7"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu     sync.RWMutex
	stores map[string]map[string]entry
}

type entry struct {
	data []byte
	etag string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{stores: make(map[string]map[string]entry)}
}

// Close satisfies storage.Backend; nothing to release.
func (s *Store) Close() error { return nil }

// Load returns a copy of the blob stored for (store, key).
func (s *Store) Load(_ context.Context, store, key string) (storage.Object, error) {
	if err := validate(store, key); err != nil {
		return storage.Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.stores[store][key]
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	return storage.Object{
		Data: append([]byte(nil), e.data...),
		ETag: e.etag,
	}, nil
}

// Store writes data for (store, key) under CAS semantics: empty expectedETag
// creates, otherwise the stored ETag must match.
func (s *Store) Store(_ context.Context, store, key string, data []byte, expectedETag string) (string, error) {
	if err := validate(store, key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.stores[store]
	e, exists := bucket[key]
	if expectedETag == "" {
		if exists {
			return "", storage.ErrCASMismatch
		}
	} else {
		if !exists {
			return "", storage.ErrNotFound
		}
		if e.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	}
	if bucket == nil {
		bucket = make(map[string]entry)
		s.stores[store] = bucket
	}
	etag := uuidv7.NewString()
	bucket[key] = entry{
		data: append([]byte(nil), data...),
		etag: etag,
	}
	return etag, nil
}

// Remove deletes the object, enforcing the expected ETag when provided.
func (s *Store) Remove(_ context.Context, store, key string, expectedETag string) error {
	if err := validate(store, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.stores[store]
	e, ok := bucket[key]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && e.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(s.stores, store)
	}
	return nil
}

// List enumerates keys in store in ascending lexical order.
func (s *Store) List(_ context.Context, store string, opts storage.ListOptions) ([]string, error) {
	if err := storage.ValidateStore(store); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.stores[store]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	return keys, nil
}

func validate(store, key string) error {
	if err := storage.ValidateStore(store); err != nil {
		return err
	}
	return storage.ValidateKey(key)
}
