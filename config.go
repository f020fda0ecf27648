package nexasync

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Config types
// ============================================================================

// Duration is a time.Duration written as "30s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the file configuration of a Client and the CLI.
type Config struct {
	Store    StoreConfig        `toml:"store"`
	Realtime RealtimeFileConfig `toml:"realtime"`
	Cache    CacheFileConfig    `toml:"cache"`
	Offline  OfflineFileConfig  `toml:"offline"`
	Retry    RetryFileConfig    `toml:"retry"`
	Breaker  BreakerFileConfig  `toml:"breaker"`
	Upload   UploadConfig       `toml:"upload"`
	Log      LogConfig          `toml:"log"`
}

// StoreConfig selects the resource store: "memory", "rest" or "postgres".
type StoreConfig struct {
	Kind           string   `toml:"kind"`
	URL            string   `toml:"url"`
	APIKey         string   `toml:"api_key"`
	Token          string   `toml:"token"`
	DSN            string   `toml:"dsn"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// RealtimeFileConfig selects the change feed ("memory", "ws", "sse",
// "postgres" or "webhook") and tunes the multiplexer.
type RealtimeFileConfig struct {
	Transport         string   `toml:"transport"`
	URL               string   `toml:"url"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	PongTimeout       Duration `toml:"pong_timeout"`
	WebhookSecret     string   `toml:"webhook_secret"`
	WebhookAddr       string   `toml:"webhook_addr"`

	MaxConnections       int      `toml:"max_connections"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectDelay    Duration `toml:"max_reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	CleanupInterval      Duration `toml:"cleanup_interval"`
	InactiveThreshold    Duration `toml:"inactive_threshold"`
	ThrottleDelay        Duration `toml:"throttle_delay"`
	BatchSize            int      `toml:"batch_size"`
	BatchTimeout         Duration `toml:"batch_timeout"`
}

type CacheFileConfig struct {
	PageSize          int      `toml:"page_size"`
	MaxCacheSize      int      `toml:"max_cache_size"`
	PrefetchThreshold int      `toml:"prefetch_threshold"`
	CacheDuration     Duration `toml:"cache_duration"`
	ThrottleDelay     Duration `toml:"throttle_delay"`
	PrefetchDelay     Duration `toml:"prefetch_delay"`
	RefreshInterval   Duration `toml:"refresh_interval"`
	RefreshBatch      int      `toml:"refresh_batch"`
}

// OfflineFileConfig tunes the offline queue. KVPath names the SQLite
// file; empty keeps state in memory. ProbeURL enables network probing.
type OfflineFileConfig struct {
	KVPath            string   `toml:"kv_path"`
	MaxRetryCount     int      `toml:"max_retry_count"`
	AttemptsPerSync   int      `toml:"attempts_per_sync"`
	BaseRetryDelay    Duration `toml:"base_retry_delay"`
	MaxRetryDelay     Duration `toml:"max_retry_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	CacheExpiry       Duration `toml:"cache_expiry"`
	FlushInterval     Duration `toml:"flush_interval"`
	ProbeURL          string   `toml:"probe_url"`
	ProbeInterval     Duration `toml:"probe_interval"`
}

type RetryFileConfig struct {
	MaxRetries        int      `toml:"max_retries"`
	BaseDelay         Duration `toml:"base_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
}

type BreakerFileConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	ResetTimeout     Duration `toml:"reset_timeout"`
	MonitoringPeriod Duration `toml:"monitoring_period"`
}

// UploadConfig selects the uploader: "http" (presign flow) or "s3".
type UploadConfig struct {
	Kind          string `toml:"kind"`
	URL           string `toml:"url"`
	Bucket        string `toml:"bucket"`
	Endpoint      string `toml:"endpoint"`
	Region        string `toml:"region"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	PublicBaseURL string `toml:"public_base_url"`
	MaxSize       int64  `toml:"max_size"`
}

// LogConfig sets the level ("debug", "info", ...) and format
// ("console" or "json").
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns an in-memory setup with every default filled in.
func DefaultConfig() Config {
	cache := DefaultCacheConfig()
	mux := DefaultMultiplexerConfig()
	off := DefaultOfflineConfig()
	retry := DefaultRetryPolicy()
	br := DefaultBreakerConfig()
	var rt RealtimeConfig
	rt.defaults()
	return Config{
		Store: StoreConfig{Kind: "memory", RequestTimeout: Duration(DefaultRequestTimeout)},
		Realtime: RealtimeFileConfig{
			Transport:            "memory",
			HeartbeatInterval:    Duration(rt.HeartbeatInterval),
			PongTimeout:          Duration(rt.PongTimeout),
			WebhookAddr:          ":8787",
			MaxConnections:       mux.MaxConnections,
			ReconnectDelay:       Duration(mux.ReconnectDelay),
			MaxReconnectDelay:    Duration(mux.MaxReconnectDelay),
			MaxReconnectAttempts: mux.MaxReconnectAttempts,
			CleanupInterval:      Duration(mux.CleanupInterval),
			InactiveThreshold:    Duration(mux.InactiveThreshold),
			ThrottleDelay:        Duration(mux.ThrottleDelay),
			BatchSize:            mux.BatchSize,
			BatchTimeout:         Duration(mux.BatchTimeout),
		},
		Cache: CacheFileConfig{
			PageSize:          cache.PageSize,
			MaxCacheSize:      cache.MaxCacheSize,
			PrefetchThreshold: cache.PrefetchThreshold,
			CacheDuration:     Duration(cache.CacheDuration),
			ThrottleDelay:     Duration(cache.ThrottleDelay),
			PrefetchDelay:     Duration(cache.PrefetchDelay),
			RefreshInterval:   Duration(cache.RefreshInterval),
			RefreshBatch:      cache.RefreshBatch,
		},
		Offline: OfflineFileConfig{
			MaxRetryCount:     off.MaxRetryCount,
			AttemptsPerSync:   off.AttemptsPerSync,
			BaseRetryDelay:    Duration(off.BaseRetryDelay),
			MaxRetryDelay:     Duration(off.MaxRetryDelay),
			BackoffMultiplier: off.BackoffMultiplier,
			CacheExpiry:       Duration(off.CacheExpiry),
			FlushInterval:     Duration(off.FlushInterval),
			ProbeInterval:     Duration(15 * time.Second),
		},
		Retry: RetryFileConfig{
			MaxRetries:        retry.MaxRetries,
			BaseDelay:         Duration(retry.BaseDelay),
			MaxDelay:          Duration(retry.MaxDelay),
			BackoffMultiplier: retry.BackoffMultiplier,
		},
		Breaker: BreakerFileConfig{
			FailureThreshold: br.FailureThreshold,
			ResetTimeout:     Duration(br.ResetTimeout),
			MonitoringPeriod: Duration(br.MonitoringPeriod),
		},
		Upload: UploadConfig{Kind: "http", MaxSize: DefaultMaxUploadSize},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig overlays the TOML file at path on DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, readable only by the owner.
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// Set assigns one field by its dotted TOML name, e.g. "store.url" or
// "cache.cache_duration". The value is parsed by the field's type.
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. store.url)")
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	var doc map[string]map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return err
	}
	sec, ok := doc[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	cur, ok := sec[field]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	switch cur.(type) {
	case int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: expected an integer", key)
		}
		sec[field] = n
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number", key)
		}
		sec[field] = f
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected true or false", key)
		}
		sec[field] = b
	default:
		sec[field] = value
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return err
	}
	next := *c
	if err := toml.Unmarshal(out, &next); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*c = next
	return nil
}

// ── Conversions ──────────────────────────────────────────

func (c CacheFileConfig) CacheConfig(requestTimeout time.Duration) CacheConfig {
	return CacheConfig{
		PageSize:          c.PageSize,
		MaxCacheSize:      c.MaxCacheSize,
		PrefetchThreshold: c.PrefetchThreshold,
		CacheDuration:     c.CacheDuration.D(),
		ThrottleDelay:     c.ThrottleDelay.D(),
		PrefetchDelay:     c.PrefetchDelay.D(),
		RefreshInterval:   c.RefreshInterval.D(),
		RefreshBatch:      c.RefreshBatch,
		RequestTimeout:    requestTimeout,
	}
}

func (c RealtimeFileConfig) MultiplexerConfig() MultiplexerConfig {
	return MultiplexerConfig{
		MaxConnections:       c.MaxConnections,
		ReconnectDelay:       c.ReconnectDelay.D(),
		MaxReconnectDelay:    c.MaxReconnectDelay.D(),
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		CleanupInterval:      c.CleanupInterval.D(),
		InactiveThreshold:    c.InactiveThreshold.D(),
		ThrottleDelay:        c.ThrottleDelay.D(),
		BatchSize:            c.BatchSize,
		BatchTimeout:         c.BatchTimeout.D(),
	}
}

func (c RealtimeFileConfig) RealtimeConfig(token string) RealtimeConfig {
	return RealtimeConfig{
		Token:             token,
		HeartbeatInterval: c.HeartbeatInterval.D(),
		PongTimeout:       c.PongTimeout.D(),
	}
}

func (c OfflineFileConfig) OfflineConfig() OfflineConfig {
	return OfflineConfig{
		MaxRetryCount:     c.MaxRetryCount,
		AttemptsPerSync:   c.AttemptsPerSync,
		BaseRetryDelay:    c.BaseRetryDelay.D(),
		MaxRetryDelay:     c.MaxRetryDelay.D(),
		BackoffMultiplier: c.BackoffMultiplier,
		CacheExpiry:       c.CacheExpiry.D(),
		FlushInterval:     c.FlushInterval.D(),
	}
}

func (c RetryFileConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.BaseDelay.D(),
		MaxDelay:          c.MaxDelay.D(),
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

func (c BreakerFileConfig) BreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout.D(),
		MonitoringPeriod: c.MonitoringPeriod.D(),
	}
}

// ============================================================================
// Logging
// ============================================================================

// NewLogger builds a zerolog logger writing to w. Unknown levels fall
// back to info.
func NewLogger(cfg LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
