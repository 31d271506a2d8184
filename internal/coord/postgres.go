package coord

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	postgresNotifyChannel = "relaysync_broadcast"
	postgresLockNamespace = "relaysync:lock:"
	postgresPingInterval  = 90 * time.Second
)

// PostgresLockManager takes session advisory locks, each on a connection
// pinned for as long as the lock is held. Postgres queues conflicting
// waiters in arrival order; the local FIFO keeps one waiter per process.
type PostgresLockManager struct {
	db    *sql.DB
	local *LocalLockManager
}

func NewPostgresLockManager(dsn string) (*PostgresLockManager, error) {
	db, err := sql.Open("postgres", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open postgres locks: %w", err)
	}
	return &PostgresLockManager{db: db, local: NewLocalLockManager()}, nil
}

func (m *PostgresLockManager) Acquire(ctx context.Context, name string) (Release, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidLockName
	}
	releaseLocal, err := m.local.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("lock connection: %w", err)
	}
	key := advisoryLockKey(name)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		// the lock may have been granted as the wait was cancelled
		discardConn(conn)
		releaseLocal()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("advisory lock %s: %w", name, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
				discardConn(conn)
			} else {
				_ = conn.Close()
			}
			releaseLocal()
		})
	}, nil
}

func (m *PostgresLockManager) Close() error {
	return m.db.Close()
}

// discardConn closes the session instead of returning it to the pool, so
// any advisory lock it still holds is released by the server.
func discardConn(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

func advisoryLockKey(name string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresLockNamespace + name))
	return int64(hasher.Sum64())
}

// PostgresBroadcaster carries messages over LISTEN/NOTIFY on the database
// that already holds the store.
type PostgresBroadcaster struct {
	db       *sql.DB
	listener *pq.Listener
	logger   zerolog.Logger
	subs     *topicSubscribers

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewPostgresBroadcaster(dsn string, logger zerolog.Logger) (*PostgresBroadcaster, error) {
	dsn = strings.TrimSpace(dsn)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres broadcast: %w", err)
	}
	listener := pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(event)).Msg("postgres listener event")
		}
	})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", postgresNotifyChannel, err)
	}
	b := &PostgresBroadcaster{
		db:       db,
		listener: listener,
		logger:   logger,
		subs:     newTopicSubscribers(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *PostgresBroadcaster) Publish(ctx context.Context, topic string, msg Message) error {
	encoded, err := json.Marshal(wireEnvelope{
		Topic:       topic,
		Origin:      msg.Origin,
		Names:       msg.Names,
		PublishedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode notify payload: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, string(encoded)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (b *PostgresBroadcaster) Subscribe(topic string, fn func(Message)) func() {
	return b.subs.add(topic, fn)
}

func (b *PostgresBroadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
		err = b.listener.Close()
		if dbErr := b.db.Close(); err == nil {
			err = dbErr
		}
	})
	return err
}

func (b *PostgresBroadcaster) run() {
	defer close(b.done)
	ping := time.NewTicker(postgresPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				b.logger.Warn().Msg("postgres listener reconnected; invalidations sent meanwhile were missed")
				continue
			}
			b.process(n.Extra)
		case <-ping.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.logger.Warn().Err(err).Msg("postgres listener ping failed")
				}
			}()
		}
	}
}

func (b *PostgresBroadcaster) process(payload string) {
	var env wireEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn().Err(err).Msg("failed to decode postgres notification")
		return
	}
	b.subs.dispatch(env.Topic, Message{Origin: env.Origin, Names: env.Names})
}
