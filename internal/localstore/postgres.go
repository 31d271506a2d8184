package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{sqlStore: &sqlStore{
		dsn:     dsn,
		table:   defaultRecordsTable,
		dialect: postgresDialect(),
		openDB:  sql.Open,
	}}, nil
}

func postgresDialect() sqlDialect {
	return sqlDialect{
		driver: "postgres",
		placeholder: func(n int) string {
			return fmt.Sprintf("$%d", n)
		},
		createTable: func(table string) []string {
			return []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection TEXT NOT NULL,
					record_key TEXT NOT NULL,
					value TEXT NOT NULL,
					PRIMARY KEY (collection, record_key)
				)`, table)}
		},
		lockCollections: func(ctx context.Context, tx *sql.Tx, table string, scope []string) error {
			for _, collection := range scope {
				if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresCollectionLockKey(table, collection)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func postgresCollectionLockKey(tableName, collection string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(collection)))
	return int64(hasher.Sum64())
}
