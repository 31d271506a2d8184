package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrCollectionNotInScope = errors.New("collection not in transaction scope")
	ErrClosed               = errors.New("store closed")
)

const (
	CollectionMeta      = "_meta"
	CollectionMutations = "_mutations"
	CollectionKV        = "_kv"
)

// Tx is the view a WriteMany callback gets. Reads observe the transaction's
// own staged writes; writes are only visible to others after commit.
type Tx interface {
	Get(collection, key string) (json.RawMessage, error)
	Put(collection, key string, value json.RawMessage) error
	Delete(collection, key string) error
	Scan(collection string, fn func(key string, value json.RawMessage) error) error
}

// Store is a collection-based key-value store with atomic multi-collection
// write transactions. Transactions sharing a collection serialize; disjoint
// ones may run concurrently.
type Store interface {
	Read(ctx context.Context, collection, key string) (json.RawMessage, error)
	Scan(ctx context.Context, collection string, fn func(key string, value json.RawMessage) error) error
	WriteMany(ctx context.Context, collections []string, fn func(tx Tx) error) error
	Close() error
}

func normalizeCollections(collections []string) ([]string, error) {
	if len(collections) == 0 {
		return nil, fmt.Errorf("%w: at least one collection is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(collections))
	out := make([]string, 0, len(collections))
	for _, name := range collections {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty collection name", ErrInvalidInput)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	// sorted acquisition order keeps overlapping transactions deadlock free
	sort.Strings(out)
	return out, nil
}

func validateKey(collection, key string) error {
	if strings.TrimSpace(collection) == "" || key == "" {
		return ErrInvalidInput
	}
	return nil
}

func inScope(scope []string, collection string) bool {
	idx := sort.SearchStrings(scope, collection)
	return idx < len(scope) && scope[idx] == collection
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	if value == nil {
		return nil
	}
	return append(json.RawMessage(nil), value...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
