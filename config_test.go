package nexasync_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	nexasync "github.com/nexa-social/nexasync"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := nexasync.LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Store.Kind != "memory" || cfg.Cache.PageSize != 20 || cfg.Realtime.MaxConnections != 10 {
			t.Errorf("defaults = %+v", cfg)
		}
		if cfg.Breaker.ResetTimeout.D() != 60*time.Second || cfg.Offline.MaxRetryCount != 5 {
			t.Errorf("breaker/offline defaults = %+v %+v", cfg.Breaker, cfg.Offline)
		}
	})

	t.Run("file overlays defaults", func(t *testing.T) {
		path := writeConfig(t, `
[store]
kind = "rest"
url = "https://db.example"

[cache]
cache_duration = "10s"

[realtime]
transport = "ws"
max_connections = 3
`)
		cfg, err := nexasync.LoadConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Store.Kind != "rest" || cfg.Store.URL != "https://db.example" || cfg.Realtime.Transport != "ws" {
			t.Errorf("store/realtime = %+v %+v", cfg.Store, cfg.Realtime)
		}
		cc := cfg.Cache.CacheConfig(time.Second)
		if cc.CacheDuration != 10*time.Second || cc.PageSize != 20 || cc.RequestTimeout != time.Second {
			t.Errorf("cache = %+v", cc)
		}
		if mc := cfg.Realtime.MultiplexerConfig(); mc.MaxConnections != 3 || mc.ReconnectDelay != 3*time.Second {
			t.Errorf("multiplexer = %+v", mc)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, "[cache]\ncache_duration = \"soon\"\n")
		if _, err := nexasync.LoadConfig(path); err == nil || !strings.Contains(err.Error(), "cannot parse config") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestConfigSaveRoundTrip(t *testing.T) {
	cfg := nexasync.DefaultConfig()
	cfg.Offline.KVPath = "/tmp/q.db"
	cfg.Offline.CacheExpiry = nexasync.Duration(90 * time.Minute)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `cache_expiry = '1h30m0s'`) && !strings.Contains(string(data), `cache_expiry = "1h30m0s"`) {
		t.Errorf("saved file:\n%s", data)
	}
	back, err := nexasync.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if back != cfg {
		t.Errorf("round trip:\n got %+v\nwant %+v", back, cfg)
	}
}

func TestConfigSet(t *testing.T) {
	cfg := nexasync.DefaultConfig()
	sets := [][2]string{
		{"store.url", "https://db.example"},
		{"cache.page_size", "50"},
		{"cache.cache_duration", "2m"},
		{"offline.backoff_multiplier", "1.5"},
	}
	for _, kv := range sets {
		if err := cfg.Set(kv[0], kv[1]); err != nil {
			t.Fatalf("Set(%s): %v", kv[0], err)
		}
	}
	if cfg.Store.URL != "https://db.example" || cfg.Cache.PageSize != 50 ||
		cfg.Cache.CacheDuration.D() != 2*time.Minute || cfg.Offline.BackoffMultiplier != 1.5 {
		t.Errorf("cfg = %+v %+v %+v", cfg.Store, cfg.Cache, cfg.Offline)
	}
	if cfg.Realtime.MaxConnections != 10 {
		t.Errorf("untouched field changed: %d", cfg.Realtime.MaxConnections)
	}

	bad := []struct{ key, value string }{
		{"url", "x"},
		{"nope.url", "x"},
		{"store.nope", "x"},
		{"cache.page_size", "many"},
		{"cache.cache_duration", "soon"},
	}
	for _, tt := range bad {
		before := cfg
		if err := cfg.Set(tt.key, tt.value); err == nil {
			t.Errorf("Set(%s, %s) succeeded", tt.key, tt.value)
		}
		if cfg != before {
			t.Errorf("failed Set(%s) modified the config", tt.key)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := nexasync.NewLogger(nexasync.LogConfig{Level: "warn", Format: "json"}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("class", "media-upload").Msg("circuit open")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	if gjson.Get(lines[0], "level").String() != "warn" || gjson.Get(lines[0], "class").String() != "media-upload" {
		t.Errorf("line = %s", lines[0])
	}

	buf.Reset()
	console := nexasync.NewLogger(nexasync.LogConfig{Level: "bogus"}, &buf)
	console.Info().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("console output = %q", buf.String())
	}
}
