package coord

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OpenBroadcaster builds a Broadcaster from a DSN: memory://, file://<dir>,
// redis://[user:pass@]host:port/db or a postgres:// connection string.
func OpenBroadcaster(dsn string, logger zerolog.Logger) (Broadcaster, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewLocalBus(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse broadcast dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewLocalBus(), nil
	case "file":
		dir := parsed.Host + parsed.Path
		if dir == "" {
			return nil, fmt.Errorf("file broadcast dsn requires a directory")
		}
		return NewFileBroadcaster(filepath.Clean(dir), logger)
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return NewRedisBroadcaster(redis.NewClient(opts), logger), nil
	case "postgres", "postgresql":
		return NewPostgresBroadcaster(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported broadcast scheme %q", parsed.Scheme)
	}
}

// IsLocalBroadcast reports whether dsn names a broadcaster that never leaves
// the current process.
func IsLocalBroadcast(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return true
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return true
	}
	return false
}
