package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"botwatch/internal/infrastructure/pricefeed"
)

// Config 对应 configs/config.toml，各 section 与 toml 表一一对应
type Config struct {
	App struct {
		LogLevel string `toml:"log_level"`
		// PrintEverySec writes a timestamped board line at this interval;
		// 0 disables it.
		PrintEverySec int  `toml:"print_every_sec"`
		Console       bool `toml:"console"`
	} `toml:"app"`

	// Feed 行情源：provider 为已注册的交易所名（binance、bybit）
	Feed struct {
		Provider     string `toml:"provider"`
		WsURL        string `toml:"ws_url"`
		MinBackoffMs int    `toml:"min_backoff_ms"`
		MaxBackoffMs int    `toml:"max_backoff_ms"`
	} `toml:"feed"`

	// Storage.Backend picks the primary KV store: memory, sqlite, redis or
	// postgres. Mirrors get a copy of every write.
	Storage struct {
		Backend string   `toml:"backend"`
		Mirrors []string `toml:"mirrors"`
	} `toml:"storage"`

	// SQLite 既可作为 KV 后端，也可单独开启激活历史表 (history = true)
	SQLite struct {
		Path         string `toml:"path"`
		PollMs       int    `toml:"poll_ms"`
		History      bool   `toml:"history"`
		HistoryLimit int    `toml:"history_limit"`
	} `toml:"sqlite"`

	// Redis KV 后端，TTLSeconds 为 0 时不过期
	Redis struct {
		Addr       string `toml:"addr"`
		Password   string `toml:"password"`
		DB         int    `toml:"db"`
		Prefix     string `toml:"prefix"`
		TTLSeconds int    `toml:"ttl_seconds"`
	} `toml:"redis"`

	Postgres struct {
		DSN string `toml:"dsn"`
	} `toml:"postgres"`

	// Stores 通知与活动日志容量；toast_ms 为负数时 toast 不自动消失
	Stores struct {
		NotificationCapacity int `toml:"notification_capacity"`
		ActivityCapacity     int `toml:"activity_capacity"`
		ToastMs              int `toml:"toast_ms"`
	} `toml:"stores"`

	// Cache 图表缓存容量与过期时间、强平价计算节流
	Cache struct {
		ChartCapacity         int `toml:"chart_capacity"`
		ChartStaleSeconds     int `toml:"chart_stale_seconds"`
		LiquidationThrottleMs int `toml:"liquidation_throttle_ms"`
	} `toml:"cache"`

	HTTP struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"http"`

	// Telegram 激活事件转发（可选）
	Telegram struct {
		Enabled bool   `toml:"enabled"`
		Token   string `toml:"token"`
		ChatID  int64  `toml:"chat_id"`
	} `toml:"telegram"`
}

// Load 读取 toml 文件，补全默认值并校验
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(doc, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 补全未配置的字段
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.App.LogLevel) == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.PrintEverySec < 0 {
		cfg.App.PrintEverySec = 0
	}
	if cfg.Feed.Provider == "" {
		cfg.Feed.Provider = "binance"
	}
	if cfg.Feed.MinBackoffMs <= 0 {
		cfg.Feed.MinBackoffMs = 500
	}
	if cfg.Feed.MaxBackoffMs <= 0 {
		cfg.Feed.MaxBackoffMs = 10_000
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/botwatch.db"
	}
	if cfg.SQLite.PollMs <= 0 {
		cfg.SQLite.PollMs = 500
	}
	if cfg.SQLite.HistoryLimit <= 0 {
		cfg.SQLite.HistoryLimit = 50
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "botwatch"
	}
	if cfg.Stores.NotificationCapacity <= 0 {
		cfg.Stores.NotificationCapacity = 100
	}
	if cfg.Stores.ActivityCapacity <= 0 {
		cfg.Stores.ActivityCapacity = 100
	}
	if cfg.Stores.ToastMs == 0 {
		cfg.Stores.ToastMs = 5000
	}
	if cfg.Cache.ChartCapacity <= 0 {
		cfg.Cache.ChartCapacity = 50
	}
	if cfg.Cache.ChartStaleSeconds <= 0 {
		cfg.Cache.ChartStaleSeconds = 300
	}
	if cfg.Cache.LiquidationThrottleMs <= 0 {
		cfg.Cache.LiquidationThrottleMs = 10_000
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
}

var backends = map[string]struct{}{"memory": {}, "sqlite": {}, "redis": {}, "postgres": {}}

// validate 校验配置，同时规范化 provider 与存储后端名称
func validate(cfg *Config) error {
	cfg.Feed.Provider = strings.ToLower(strings.TrimSpace(cfg.Feed.Provider))
	if _, ok := pricefeed.Get(cfg.Feed.Provider); !ok {
		return fmt.Errorf("feed.provider %q not registered (have %v)", cfg.Feed.Provider, pricefeed.Names())
	}
	if strings.TrimSpace(cfg.Feed.WsURL) == "" {
		return errors.New("feed.ws_url is empty")
	}
	if cfg.Feed.MaxBackoffMs < cfg.Feed.MinBackoffMs {
		return errors.New("feed.max_backoff_ms below feed.min_backoff_ms")
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Storage.Mirrors = normalizeBackends(cfg.Storage.Mirrors, cfg.Storage.Backend)
	for _, b := range append([]string{cfg.Storage.Backend}, cfg.Storage.Mirrors...) {
		if _, ok := backends[b]; !ok {
			return fmt.Errorf("unknown storage backend %q", b)
		}
		switch b {
		case "redis":
			if strings.TrimSpace(cfg.Redis.Addr) == "" {
				return errors.New("redis.addr is empty but redis storage used")
			}
		case "postgres":
			if strings.TrimSpace(cfg.Postgres.DSN) == "" {
				return errors.New("postgres.dsn is empty but postgres storage used")
			}
		}
	}

	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
		return errors.New("telegram.token and telegram.chat_id required when telegram enabled")
	}
	return nil
}

// normalizeBackends lowercases, dedupes and drops the primary.
func normalizeBackends(in []string, primary string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{primary: {}}
	for _, s := range in {
		b := strings.ToLower(strings.TrimSpace(s))
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}

// PrintEvery 定时打印持仓快照的间隔，0 表示关闭
func (c *Config) PrintEvery() time.Duration {
	return time.Duration(c.App.PrintEverySec) * time.Second
}

// MinBackoff / MaxBackoff 为重连退避的上下限
func (c *Config) MinBackoff() time.Duration {
	return time.Duration(c.Feed.MinBackoffMs) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Feed.MaxBackoffMs) * time.Millisecond
}

// ToastDuration maps a negative toast_ms to a toast that never expires.
func (c *Config) ToastDuration() time.Duration {
	if c.Stores.ToastMs < 0 {
		return -1
	}
	return time.Duration(c.Stores.ToastMs) * time.Millisecond
}
