package localstore

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
	closed      atomic.Bool
}

type memoryCollection struct {
	txMu   sync.Mutex
	dataMu sync.RWMutex
	data   map[string]json.RawMessage
}

type memoryTx struct {
	store  *MemoryStore
	scope  []string
	// deleted keys are staged as nil values
	staged map[string]map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]*memoryCollection{}}
}

func (s *MemoryStore) collection(name string) *memoryCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{data: map[string]json.RawMessage{}}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) Read(ctx context.Context, collection, key string) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.collection(collection)
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	value, ok := c.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(value), nil
}

func (s *MemoryStore) Scan(ctx context.Context, collection string, fn func(key string, value json.RawMessage) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if fn == nil {
		return ErrInvalidInput
	}
	c := s.collection(collection)
	c.dataMu.RLock()
	snapshot := make(map[string]json.RawMessage, len(c.data))
	for key, value := range c.data {
		snapshot[key] = value
	}
	c.dataMu.RUnlock()

	for _, key := range sortedKeys(snapshot) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key, cloneRaw(snapshot[key])); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) WriteMany(ctx context.Context, collections []string, fn func(tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if fn == nil {
		return ErrInvalidInput
	}
	scope, err := normalizeCollections(collections)
	if err != nil {
		return err
	}
	locked := make([]*memoryCollection, 0, len(scope))
	for _, name := range scope {
		c := s.collection(name)
		c.txMu.Lock()
		locked = append(locked, c)
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].txMu.Unlock()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:  s,
		scope:  scope,
		staged: map[string]map[string]json.RawMessage{},
	}
	if err := fn(tx); err != nil {
		return err
	}

	for _, c := range locked {
		c.dataMu.Lock()
	}
	for i, name := range scope {
		for key, value := range tx.staged[name] {
			if value == nil {
				delete(locked[i].data, key)
				continue
			}
			locked[i].data[key] = value
		}
	}
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].dataMu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (tx *memoryTx) Get(collection, key string) (json.RawMessage, error) {
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	if !inScope(tx.scope, collection) {
		return nil, ErrCollectionNotInScope
	}
	if staged, ok := tx.staged[collection][key]; ok {
		if staged == nil {
			return nil, ErrNotFound
		}
		return cloneRaw(staged), nil
	}
	c := tx.store.collection(collection)
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	value, ok := c.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(value), nil
}

func (tx *memoryTx) Put(collection, key string, value json.RawMessage) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	if !inScope(tx.scope, collection) {
		return ErrCollectionNotInScope
	}
	if !json.Valid(value) {
		return ErrInvalidInput
	}
	tx.stage(collection, key, cloneRaw(value))
	return nil
}

func (tx *memoryTx) Delete(collection, key string) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	if !inScope(tx.scope, collection) {
		return ErrCollectionNotInScope
	}
	tx.stage(collection, key, nil)
	return nil
}

func (tx *memoryTx) Scan(collection string, fn func(key string, value json.RawMessage) error) error {
	if !inScope(tx.scope, collection) {
		return ErrCollectionNotInScope
	}
	merged := map[string]json.RawMessage{}
	c := tx.store.collection(collection)
	c.dataMu.RLock()
	for key, value := range c.data {
		merged[key] = value
	}
	c.dataMu.RUnlock()
	for key, value := range tx.staged[collection] {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	for _, key := range sortedKeys(merged) {
		if err := fn(key, cloneRaw(merged[key])); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) stage(collection, key string, value json.RawMessage) {
	bucket, ok := tx.staged[collection]
	if !ok {
		bucket = map[string]json.RawMessage{}
		tx.staged[collection] = bucket
	}
	bucket[key] = value
}
