package localstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// Open builds a Store from a DSN. A bare path is treated as a SQLite file.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "sqlite", "sqlite3", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Location says where a DSN keeps its data. Path is set for SQLite files.
type Location struct {
	Backend Backend
	Path    string
}

// Durable reports whether other processes can open the same data.
func (l Location) Durable() bool {
	return l.Backend != BackendMemory
}

// Locate classifies a DSN the way Open does. Schemes served by a registered
// factory report the scheme itself as the backend.
func Locate(dsn string) (Location, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Location{}, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return Location{}, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if _, ok := lookupStoreFactory(scheme); ok {
		return Location{Backend: Backend(scheme)}, nil
	}
	switch scheme {
	case "", "sqlite", "sqlite3", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return Location{}, err
		}
		return Location{Backend: BackendSQLite, Path: path}, nil
	case "memory", "mem", "inmem":
		return Location{Backend: BackendMemory}, nil
	case "postgres", "postgresql":
		return Location{Backend: BackendPostgres}, nil
	default:
		return Location{}, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
