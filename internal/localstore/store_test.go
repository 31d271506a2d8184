package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestWriteManyCommitsAcrossCollections(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := store.WriteMany(ctx, []string{"users", CollectionMeta}, func(tx Tx) error {
				if err := tx.Put("users", "u1", json.RawMessage(`{"id":"u1"}`)); err != nil {
					return err
				}
				return tx.Put(CollectionMeta, "users", json.RawMessage(`{"state":"idle"}`))
			})
			if err != nil {
				t.Fatalf("write many failed: %v", err)
			}
			user, err := store.Read(ctx, "users", "u1")
			if err != nil {
				t.Fatalf("read user failed: %v", err)
			}
			if string(user) != `{"id":"u1"}` {
				t.Fatalf("unexpected user payload %s", user)
			}
			if _, err := store.Read(ctx, CollectionMeta, "users"); err != nil {
				t.Fatalf("read meta failed: %v", err)
			}
		})
	}
}

func TestWriteManyAbortsWhenCallbackFails(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			err := store.WriteMany(ctx, []string{"users", "devices"}, func(tx Tx) error {
				if err := tx.Put("users", "u1", json.RawMessage(`{"id":"u1"}`)); err != nil {
					return err
				}
				if err := tx.Put("devices", "d1", json.RawMessage(`{"id":"d1"}`)); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected callback error, got %v", err)
			}
			if _, err := store.Read(ctx, "users", "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected aborted user write to be invisible, got %v", err)
			}
			if _, err := store.Read(ctx, "devices", "d1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected aborted device write to be invisible, got %v", err)
			}
		})
	}
}

func TestTxSeesOwnWritesAndRejectsOutOfScope(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := store.WriteMany(ctx, []string{"users"}, func(tx Tx) error {
				if err := tx.Put("users", "b", json.RawMessage(`{"id":"b"}`)); err != nil {
					return err
				}
				if err := tx.Put("users", "a", json.RawMessage(`{"id":"a"}`)); err != nil {
					return err
				}
				if _, err := tx.Get("users", "a"); err != nil {
					return fmt.Errorf("get staged: %w", err)
				}
				var keys []string
				if err := tx.Scan("users", func(key string, _ json.RawMessage) error {
					keys = append(keys, key)
					return nil
				}); err != nil {
					return err
				}
				if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
					return fmt.Errorf("unexpected staged scan %v", keys)
				}
				if err := tx.Put("devices", "d1", json.RawMessage(`{}`)); !errors.Is(err, ErrCollectionNotInScope) {
					return fmt.Errorf("expected out of scope error, got %v", err)
				}
				return tx.Delete("users", "b")
			})
			if err != nil {
				t.Fatalf("write many failed: %v", err)
			}
			var keys []string
			if err := store.Scan(ctx, "users", func(key string, _ json.RawMessage) error {
				keys = append(keys, key)
				return nil
			}); err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if len(keys) != 1 || keys[0] != "a" {
				t.Fatalf("expected only key a after delete, got %v", keys)
			}
		})
	}
}

func TestWriteManyRejectsInvalidJSON(t *testing.T) {
	store := NewMemoryStore()
	err := store.WriteMany(context.Background(), []string{"users"}, func(tx Tx) error {
		return tx.Put("users", "u1", json.RawMessage(`{not json`))
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMemoryStoreSerializesSharedCollections(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WriteMany(ctx, []string{CollectionKV}, func(tx Tx) error {
				_, err := NextSequence(tx, "counter")
				return err
			})
			if err != nil {
				t.Errorf("increment failed: %v", err)
			}
		}()
	}
	wg.Wait()
	var got int64
	if err := GetKV(ctx, store, "counter", &got); err != nil {
		t.Fatalf("read counter failed: %v", err)
	}
	if got != writers {
		t.Fatalf("expected counter %d, got %d", writers, got)
	}
}

func TestMemoryStoreDisjointTransactionsDoNotBlock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WriteMany(ctx, []string{"users"}, func(tx Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	done := make(chan error, 1)
	go func() {
		done <- store.WriteMany(ctx, []string{"devices"}, func(tx Tx) error {
			return tx.Put("devices", "d1", json.RawMessage(`{}`))
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("disjoint write failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("disjoint transaction blocked behind unrelated collection")
	}
	close(release)
}

func TestReadsNeverObservePartialTransaction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WriteMany(ctx, []string{"users"}, func(tx Tx) error {
			_ = tx.Put("users", "u1", json.RawMessage(`{"id":"u1"}`))
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	if _, err := store.Read(ctx, "users", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected uncommitted write to be invisible, got %v", err)
	}
	close(release)
}

func TestNotifyingStoreReportsWrittenCollections(t *testing.T) {
	var mu sync.Mutex
	var got [][]string
	store := NewNotifyingStore(NewMemoryStore(), func(_ context.Context, names []string) {
		mu.Lock()
		got = append(got, names)
		mu.Unlock()
	})
	ctx := context.Background()
	err := store.WriteMany(ctx, []string{"users", "devices", CollectionMeta}, func(tx Tx) error {
		if err := tx.Put("users", "u1", json.RawMessage(`{}`)); err != nil {
			return err
		}
		return tx.Delete("devices", "d1")
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = store.WriteMany(ctx, []string{"users"}, func(tx Tx) error {
		_ = tx.Put("users", "u2", json.RawMessage(`{}`))
		return errors.New("abort")
	})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if len(got[0]) != 2 || got[0][0] != "devices" || got[0][1] != "users" {
		t.Fatalf("expected devices+users, got %v", got[0])
	}
}

func TestCredentialTokenRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := CredentialToken(ctx, store); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before login, got %v", err)
	}
	if err := PutKV(ctx, store, KeyCredential, Credential{AccessToken: "tok"}); err != nil {
		t.Fatalf("put credential failed: %v", err)
	}
	token, err := CredentialToken(ctx, store)
	if err != nil || token != "tok" {
		t.Fatalf("expected tok, got %q (%v)", token, err)
	}
	if err := DeleteKV(ctx, store, KeyCredential); err != nil {
		t.Fatalf("delete credential failed: %v", err)
	}
	if _, err := CredentialToken(ctx, store); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after logout, got %v", err)
	}
}
