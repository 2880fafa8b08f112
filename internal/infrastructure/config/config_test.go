package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "botwatch/internal/infrastructure/exchange/binance"
)

const minimal = `
[feed]
ws_url = "wss://stream.binance.com:9443"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Feed.Provider != "binance" || cfg.Storage.Backend != "sqlite" {
		t.Errorf("unexpected defaults provider=%q backend=%q", cfg.Feed.Provider, cfg.Storage.Backend)
	}
	if cfg.MinBackoff() != 500*time.Millisecond || cfg.MaxBackoff() != 10*time.Second {
		t.Errorf("unexpected backoff %v..%v", cfg.MinBackoff(), cfg.MaxBackoff())
	}
	if cfg.Stores.NotificationCapacity != 100 || cfg.Stores.ActivityCapacity != 100 {
		t.Errorf("unexpected capacities %+v", cfg.Stores)
	}
	if cfg.ToastDuration() != 5*time.Second {
		t.Errorf("unexpected toast duration %v", cfg.ToastDuration())
	}
	if cfg.Cache.LiquidationThrottleMs != 10_000 || cfg.Cache.ChartStaleSeconds != 300 {
		t.Errorf("unexpected cache defaults %+v", cfg.Cache)
	}
}

func TestParseNormalizesMirrors(t *testing.T) {
	cfg, err := Parse(minimal + `
[storage]
backend = "Memory"
mirrors = ["sqlite", " SQLITE ", "memory", ""]

[stores]
toast_ms = -1
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if len(cfg.Storage.Mirrors) != 1 || cfg.Storage.Mirrors[0] != "sqlite" {
		t.Errorf("expected [sqlite] mirrors, got %v", cfg.Storage.Mirrors)
	}
	if cfg.ToastDuration() >= 0 {
		t.Errorf("expected sticky toasts for negative toast_ms")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing ws url", `[feed]
provider = "binance"`, "feed.ws_url"},
		{"unknown provider", `[feed]
provider = "kraken"
ws_url = "wss://x"`, "not registered"},
		{"backoff inverted", `[feed]
ws_url = "wss://x"
min_backoff_ms = 5000
max_backoff_ms = 100`, "max_backoff_ms"},
		{"unknown backend", minimal + `[storage]
backend = "etcd"`, "unknown storage backend"},
		{"redis without addr", minimal + `[storage]
backend = "redis"`, "redis.addr"},
		{"postgres mirror without dsn", minimal + `[storage]
mirrors = ["postgres"]`, "postgres.dsn"},
		{"telegram without chat", minimal + `[telegram]
enabled = true
token = "abc"`, "telegram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
