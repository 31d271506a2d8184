package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	defaultRecordsTable = "relaysync_records"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the few statements that differ between SQLite and
// Postgres. Everything else in sqlStore is shared.
type sqlDialect struct {
	driver      string
	placeholder func(n int) string
	createTable func(table string) []string
	// lockCollections serializes transactions that share a collection.
	lockCollections func(ctx context.Context, tx *sql.Tx, table string, scope []string) error
}

type sqlStore struct {
	dsn     string
	table   string
	dialect sqlDialect
	openDB  sqlOpenFunc
	setup   func(db *sql.DB) error

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlTx struct {
	ctx   context.Context
	store *sqlStore
	tx    *sql.Tx
	scope []string
}

func (s *sqlStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.setup != nil {
			if err := s.setup(db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		for _, stmt := range s.dialect.createTable(s.quotedTable()) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create records table: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlStore) quotedTable() string {
	return quoteIdentifier(s.table)
}

func (s *sqlStore) bind(n int) string {
	return s.dialect.placeholder(n)
}

func (s *sqlStore) Read(ctx context.Context, collection, key string) (json.RawMessage, error) {
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	return readRow(ctx, s.db, s, collection, key)
}

func (s *sqlStore) Scan(ctx context.Context, collection string, fn func(key string, value json.RawMessage) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	return scanRows(ctx, s.db, s, collection, fn)
}

func (s *sqlStore) WriteMany(ctx context.Context, collections []string, fn func(tx Tx) error) (err error) {
	if fn == nil {
		return ErrInvalidInput
	}
	scope, err := normalizeCollections(collections)
	if err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if s.dialect.lockCollections != nil {
		if err := s.dialect.lockCollections(ctx, tx, s.table, scope); err != nil {
			return fmt.Errorf("lock collections: %w", err)
		}
	}
	if err := fn(&sqlTx{ctx: ctx, store: s, tx: tx, scope: scope}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (t *sqlTx) Get(collection, key string) (json.RawMessage, error) {
	if err := validateKey(collection, key); err != nil {
		return nil, err
	}
	if !inScope(t.scope, collection) {
		return nil, ErrCollectionNotInScope
	}
	return readRow(t.ctx, t.tx, t.store, collection, key)
}

func (t *sqlTx) Put(collection, key string, value json.RawMessage) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	if !inScope(t.scope, collection) {
		return ErrCollectionNotInScope
	}
	if !json.Valid(value) {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (collection, record_key, value)
		VALUES (%s, %s, %s)
		ON CONFLICT (collection, record_key)
		DO UPDATE SET value = excluded.value`,
		t.store.quotedTable(), t.store.bind(1), t.store.bind(2), t.store.bind(3))
	_, err := t.tx.ExecContext(t.ctx, query, collection, key, string(value))
	return err
}

func (t *sqlTx) Delete(collection, key string) error {
	if err := validateKey(collection, key); err != nil {
		return err
	}
	if !inScope(t.scope, collection) {
		return ErrCollectionNotInScope
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE collection = %s AND record_key = %s",
		t.store.quotedTable(), t.store.bind(1), t.store.bind(2))
	_, err := t.tx.ExecContext(t.ctx, query, collection, key)
	return err
}

func (t *sqlTx) Scan(collection string, fn func(key string, value json.RawMessage) error) error {
	if !inScope(t.scope, collection) {
		return ErrCollectionNotInScope
	}
	return scanRows(t.ctx, t.tx, t.store, collection, fn)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readRow(ctx context.Context, q sqlQueryer, s *sqlStore, collection, key string) (json.RawMessage, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE collection = %s AND record_key = %s",
		s.quotedTable(), s.bind(1), s.bind(2))
	var payload string
	err := q.QueryRowContext(ctx, query, collection, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func scanRows(ctx context.Context, q sqlQueryer, s *sqlStore, collection string, fn func(key string, value json.RawMessage) error) error {
	query := fmt.Sprintf("SELECT record_key, value FROM %s WHERE collection = %s ORDER BY record_key",
		s.quotedTable(), s.bind(1))
	rows, err := q.QueryContext(ctx, query, collection)
	if err != nil {
		return err
	}
	// buffer first: callbacks may issue statements on the same transaction
	type row struct {
		key   string
		value string
	}
	var buffered []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			_ = rows.Close()
			return err
		}
		buffered = append(buffered, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, r := range buffered {
		if err := fn(r.key, json.RawMessage(r.value)); err != nil {
			return err
		}
	}
	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
