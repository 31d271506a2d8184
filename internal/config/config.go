package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYSYNC"

const (
	KeyBaseURL         = "base_url"
	KeyBatchPath       = "batch_path"
	KeyBatchDelay      = "batch_delay"
	KeyBatchMax        = "batch_max_requests"
	KeyStoreDSN        = "store_dsn"
	KeyLockDir         = "lock_dir"
	KeyBroadcastDSN    = "broadcast_dsn"
	KeyInterval        = "interval"
	KeyIntervalJitter  = "interval_jitter"
	KeyTimeout         = "timeout"
	KeyHTTPAddr        = "http_addr"
	KeyMetricsAddr     = "metrics_addr"
	KeyOTLPEndpoint    = "otlp_endpoint"
	KeyOTLPInsecure    = "otlp_insecure"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyLogFile         = "log_file"
	KeyLogMaxSizeMB    = "log_max_size_mb"
	KeyLogMaxBackups   = "log_max_backups"
	KeyJWTSecret       = "jwt_secret"
	KeyToken           = "token"
	KeyRateLimitMax    = "rate_limit_max"
	KeyRateLimitWindow = "rate_limit_window"
	KeyMaxBodyBytes    = "max_body_bytes"
	KeyAllowedOrigins  = "allowed_origins"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	BaseURL          string
	BatchPath        string
	BatchDelay       time.Duration
	BatchMaxRequests int

	StoreDSN     string
	// LockDir and BroadcastDSN default to locations derived from StoreDSN
	// so every process sharing the store shares them too.
	LockDir      string
	BroadcastDSN string

	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration

	HTTPAddr        string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AllowedOrigins are browser origin host patterns accepted by the
	// invalidation websocket.
	AllowedOrigins []string

	MetricsAddr  string
	OTLPEndpoint string
	OTLPInsecure bool

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Token overrides the stored credential when set.
	Token string
}

// SetDefaults registers every key with its default so env lookups and
// flag bindings resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyBaseURL, "https://graph.microsoft.com/beta")
	v.SetDefault(KeyBatchPath, "/$batch")
	v.SetDefault(KeyBatchDelay, 20*time.Millisecond)
	v.SetDefault(KeyBatchMax, 20)
	v.SetDefault(KeyStoreDSN, "sqlite://./relaysync.db")
	v.SetDefault(KeyLockDir, "")
	v.SetDefault(KeyBroadcastDSN, "")
	v.SetDefault(KeyInterval, 5*time.Minute)
	v.SetDefault(KeyIntervalJitter, 0.2)
	v.SetDefault(KeyTimeout, 2*time.Minute)
	v.SetDefault(KeyHTTPAddr, "127.0.0.1:8787")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyOTLPEndpoint, "")
	v.SetDefault(KeyOTLPInsecure, true)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSizeMB, 50)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyJWTSecret, "dev-secret")
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyRateLimitMax, 0)
	v.SetDefault(KeyRateLimitWindow, time.Minute)
	v.SetDefault(KeyMaxBodyBytes, int64(1<<20))
	v.SetDefault(KeyAllowedOrigins, []string{"localhost:*", "127.0.0.1:*"})
}

// New returns a viper instance wired for RELAYSYNC_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// ReadFile merges a yaml, toml or json config file into v.
func ReadFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		BaseURL:          strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		BatchPath:        strings.TrimSpace(v.GetString(KeyBatchPath)),
		BatchDelay:       v.GetDuration(KeyBatchDelay),
		BatchMaxRequests: v.GetInt(KeyBatchMax),
		StoreDSN:         strings.TrimSpace(v.GetString(KeyStoreDSN)),
		LockDir:          strings.TrimSpace(v.GetString(KeyLockDir)),
		BroadcastDSN:     strings.TrimSpace(v.GetString(KeyBroadcastDSN)),
		Interval:         v.GetDuration(KeyInterval),
		IntervalJitter:   v.GetFloat64(KeyIntervalJitter),
		Timeout:          v.GetDuration(KeyTimeout),
		HTTPAddr:         strings.TrimSpace(v.GetString(KeyHTTPAddr)),
		JWTSecret:        v.GetString(KeyJWTSecret),
		RateLimitMax:     v.GetInt(KeyRateLimitMax),
		RateLimitWindow:  v.GetDuration(KeyRateLimitWindow),
		MaxBodyBytes:     v.GetInt64(KeyMaxBodyBytes),
		AllowedOrigins:   v.GetStringSlice(KeyAllowedOrigins),
		MetricsAddr:      strings.TrimSpace(v.GetString(KeyMetricsAddr)),
		OTLPEndpoint:     strings.TrimSpace(v.GetString(KeyOTLPEndpoint)),
		OTLPInsecure:     v.GetBool(KeyOTLPInsecure),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		LogFile:          strings.TrimSpace(v.GetString(KeyLogFile)),
		LogMaxSizeMB:     v.GetInt(KeyLogMaxSizeMB),
		LogMaxBackups:    v.GetInt(KeyLogMaxBackups),
		Token:            strings.TrimSpace(v.GetString(KeyToken)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects negative durations and out-of-range values; the jitter
// ratio is clamped rather than rejected.
func (c *Config) Validate() error {
	var errs []error
	for key, d := range map[string]time.Duration{
		KeyBatchDelay:      c.BatchDelay,
		KeyInterval:        c.Interval,
		KeyTimeout:         c.Timeout,
		KeyRateLimitWindow: c.RateLimitWindow,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key))
		}
	}
	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyBaseURL))
	}
	if c.StoreDSN == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyStoreDSN))
	}
	if c.BatchMaxRequests < 0 || c.RateLimitMax < 0 || c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig))
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: %s must be console or json", ErrInvalidConfig, KeyLogFormat))
	}
	if c.IntervalJitter < 0 {
		c.IntervalJitter = 0
	} else if c.IntervalJitter > 1 {
		c.IntervalJitter = 1
	}
	return errors.Join(errs...)
}
