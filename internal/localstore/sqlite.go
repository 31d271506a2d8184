package localstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is the default durable backend. WAL mode lets readers proceed
// while a writer commits; immediate transactions take the write lock up front
// so overlapping writers queue on busy_timeout instead of failing on upgrade.
type SQLiteStore struct {
	*sqlStore
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)"
	return &SQLiteStore{
		path: path,
		sqlStore: &sqlStore{
			dsn:     dsn,
			table:   defaultRecordsTable,
			dialect: sqliteDialect(),
			openDB:  sql.Open,
			setup: func(db *sql.DB) error {
				db.SetMaxOpenConns(8)
				db.SetMaxIdleConns(2)
				db.SetConnMaxLifetime(5 * time.Minute)
				return db.Ping()
			},
		},
	}, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func sqliteDialect() sqlDialect {
	return sqlDialect{
		driver: "sqlite3",
		placeholder: func(int) string {
			return "?"
		},
		createTable: func(table string) []string {
			return []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection TEXT NOT NULL,
					record_key TEXT NOT NULL,
					value TEXT NOT NULL,
					PRIMARY KEY (collection, record_key)
				) WITHOUT ROWID`, table)}
		},
	}
}
