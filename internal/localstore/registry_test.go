package localstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenMemory(t *testing.T) {
	store, err := Open("memory://")
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}
}

func TestOpenSQLitePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.db")
	store, err := Open("sqlite://" + path)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlite, ok := store.(*SQLiteStore)
	if !ok {
		t.Fatalf("expected *SQLiteStore, got %T", store)
	}
	if sqlite.Path() != path {
		t.Fatalf("expected path %s, got %s", path, sqlite.Path())
	}
	bare := filepath.Join(dir, "b.db")
	store, err = Open(bare)
	if err != nil {
		t.Fatalf("open bare path failed: %v", err)
	}
	if got := store.(*SQLiteStore).Path(); got != bare {
		t.Fatalf("expected bare path %s, got %s", bare, got)
	}
}

func TestOpenPostgresAndUnsupported(t *testing.T) {
	store, err := Open("postgres://localhost/relaysync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to be available, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}
	if _, err := Open("bogus://x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestLocate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	cases := []struct {
		dsn     string
		backend Backend
		path    string
		durable bool
	}{
		{dsn: "memory://", backend: BackendMemory},
		{dsn: "sqlite://" + path, backend: BackendSQLite, path: path, durable: true},
		{dsn: path, backend: BackendSQLite, path: path, durable: true},
		{dsn: "postgres://localhost/relaysync?sslmode=disable", backend: BackendPostgres, durable: true},
	}
	for _, tc := range cases {
		loc, err := Locate(tc.dsn)
		if err != nil {
			t.Fatalf("locate %s: %v", tc.dsn, err)
		}
		if loc.Backend != tc.backend || loc.Path != tc.path || loc.Durable() != tc.durable {
			t.Fatalf("locate %s: got %+v durable=%v", tc.dsn, loc, loc.Durable())
		}
	}
	if _, err := Locate("bogus://x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := Locate(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
}

func TestRegisterStoreFactoryOverridesScheme(t *testing.T) {
	called := false
	RegisterStoreFactory("custom", func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	if _, err := Open("custom://anything"); err != nil {
		t.Fatalf("open custom failed: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
}
