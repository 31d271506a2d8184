package localstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// NotifyFunc receives the collections a committed transaction wrote to.
type NotifyFunc func(ctx context.Context, collections []string)

// NotifyingStore calls notify after every committed WriteMany that changed at
// least one collection. Aborted transactions never notify.
type NotifyingStore struct {
	Store
	notify NotifyFunc
}

func NewNotifyingStore(inner Store, notify NotifyFunc) *NotifyingStore {
	return &NotifyingStore{Store: inner, notify: notify}
}

func (s *NotifyingStore) WriteMany(ctx context.Context, collections []string, fn func(tx Tx) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	var recorder *recordingTx
	err := s.Store.WriteMany(ctx, collections, func(tx Tx) error {
		recorder = &recordingTx{Tx: tx, written: map[string]struct{}{}}
		return fn(recorder)
	})
	if err != nil || recorder == nil || s.notify == nil {
		return err
	}
	if names := recorder.collections(); len(names) > 0 {
		s.notify(ctx, names)
	}
	return nil
}

type recordingTx struct {
	Tx
	mu      sync.Mutex
	written map[string]struct{}
}

func (t *recordingTx) Put(collection, key string, value json.RawMessage) error {
	if err := t.Tx.Put(collection, key, value); err != nil {
		return err
	}
	t.mark(collection)
	return nil
}

func (t *recordingTx) Delete(collection, key string) error {
	if err := t.Tx.Delete(collection, key); err != nil {
		return err
	}
	t.mark(collection)
	return nil
}

func (t *recordingTx) mark(collection string) {
	t.mu.Lock()
	t.written[collection] = struct{}{}
	t.mu.Unlock()
}

func (t *recordingTx) collections() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.written))
	for name := range t.written {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
