package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. With LogFile set, output goes to a
// rotating file; otherwise to stderr. The returned closer releases the file.
func NewLogger(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
		}
		level = parsed
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		out, closer = rotating, rotating
	} else if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("service", "relaysync").Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
