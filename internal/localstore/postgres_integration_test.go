package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationWriteManyRoundTrip(t *testing.T) {
	store := postgresIntegrationStore(t)
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
	if _, err := store.Read(ctx, "users", "u1"); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	err = store.WriteMany(ctx, []string{"users"}, func(tx Tx) error {
		_ = tx.Put("users", "u2", json.RawMessage(`{"id":"u2"}`))
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected abort error")
	}
	if _, err := store.Read(ctx, "users", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected aborted write to be invisible, got %v", err)
	}
}

func TestPostgresIntegrationSharedCollectionSerializes(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()
	const writers = 8
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
		t.Fatalf("expected %d, got %d", writers, got)
	}
}

func postgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.table = fmt.Sprintf("relaysync_records_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = store.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open postgres for cleanup failed: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(store.table)); err != nil {
			t.Fatalf("drop cleanup table failed: %v", err)
		}
	})
	return store
}
