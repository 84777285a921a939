package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	State      StateConfig      `yaml:"state"`
	Leader     LeaderConfig     `yaml:"leader"`
	Redis      RedisConfig      `yaml:"redis"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Notice     NoticeConfig     `yaml:"notice"`
	Ticker     TickerConfig     `yaml:"ticker"`
	WS         WSConfig         `yaml:"ws"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Perp       PerpConfig       `yaml:"perp"`
	Trade      TradeConfig      `yaml:"trade"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StateConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	Retention time.Duration `yaml:"retention"`
	// CleanupInterval paces the leader's maintenance loop.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type LeaderConfig struct {
	Backend       string        `yaml:"backend"`
	Key           string        `yaml:"key"`
	InstanceID    string        `yaml:"instance_id"`
	Lease         time.Duration `yaml:"lease"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type UpstreamLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ResilienceConfig struct {
	RPS             float64                  `yaml:"rps"`
	Burst           int                      `yaml:"burst"`
	Upstreams       map[string]UpstreamLimit `yaml:"upstreams"`
	BackoffBase     time.Duration            `yaml:"backoff_base"`
	BackoffMax      time.Duration            `yaml:"backoff_max"`
	MaxWait         time.Duration            `yaml:"max_wait"`
	BreakerFailures uint32                   `yaml:"breaker_failures"`
	BreakerCooldown time.Duration            `yaml:"breaker_cooldown"`
	RequestTimeout  time.Duration            `yaml:"request_timeout"`
}

type NoticeConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	BaseURL         string        `yaml:"base_url"`
	ListPath        string        `yaml:"list_path"`
	DetailPath      string        `yaml:"detail_path"`
	PublicURL       string        `yaml:"public_url"`
	Source          string        `yaml:"source"`
	Interval        time.Duration `yaml:"interval"`
	MaxCount        int           `yaml:"max_count"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	LogDedupWindow  time.Duration `yaml:"log_dedup_window"`
}

func (c NoticeConfig) EnabledValue() bool {
	return c.Enabled == nil || *c.Enabled
}

type TickerConfig struct {
	BaseURL string `yaml:"base_url"`
}

type WSConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	TickTypes      []string      `yaml:"tick_types"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WarmUp         time.Duration `yaml:"warm_up"`
	Debounce       time.Duration `yaml:"debounce"`
	CheckDelayMin  time.Duration `yaml:"check_delay_min"`
	CheckDelayMax  time.Duration `yaml:"check_delay_max"`
	RejectCooldown time.Duration `yaml:"reject_cooldown"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	MaxAttempts    int           `yaml:"max_attempts"`
	QueueSize      int           `yaml:"queue_size"`
}

func (c WSConfig) EnabledValue() bool {
	return c.Enabled == nil || *c.Enabled
}

type BaselineConfig struct {
	Stablecoins     []string        `yaml:"stablecoins"`
	Grace           time.Duration   `yaml:"grace"`
	RefreshInterval time.Duration   `yaml:"refresh_interval"`
	RetrySchedule   []time.Duration `yaml:"retry_schedule"`
	MaxStaleness    time.Duration   `yaml:"max_staleness"`
}

type PipelineConfig struct {
	LiveWindow  time.Duration `yaml:"live_window"`
	Cooldown    time.Duration `yaml:"cooldown"`
	NotionalKRW string        `yaml:"notional_krw"`
}

type PerpConfig struct {
	HyperliquidURL  string        `yaml:"hyperliquid_url"`
	BinanceURL      string        `yaml:"binance_url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type TradeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DryRun     *bool         `yaml:"dry_run"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func (c TradeConfig) DryRunValue() bool {
	return c.DryRun == nil || *c.DryRun
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (c MetricsConfig) EnabledValue() bool {
	return c.Enabled != nil && *c.Enabled
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.State.Driver == "" {
		cfg.State.Driver = "sqlite"
	}
	if cfg.State.DSN == "" && cfg.State.Driver == "sqlite" {
		cfg.State.DSN = "data/listing-sniper.db"
	}
	if cfg.State.Retention == 0 {
		cfg.State.Retention = 30 * 24 * time.Hour
	}
	if cfg.State.CleanupInterval == 0 {
		cfg.State.CleanupInterval = 24 * time.Hour
	}

	if cfg.Leader.Backend == "" {
		cfg.Leader.Backend = "sql"
	}
	if cfg.Leader.Key == "" {
		cfg.Leader.Key = "listing-sniper"
	}
	if cfg.Leader.Lease == 0 {
		cfg.Leader.Lease = 30 * time.Second
	}
	if cfg.Leader.RetryInterval == 0 {
		cfg.Leader.RetryInterval = 10 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "listing-sniper:lock:"
	}

	if cfg.Resilience.RPS == 0 {
		cfg.Resilience.RPS = 5
	}
	if cfg.Resilience.Burst == 0 {
		cfg.Resilience.Burst = 5
	}
	if cfg.Resilience.BackoffBase == 0 {
		cfg.Resilience.BackoffBase = time.Second
	}
	if cfg.Resilience.BackoffMax == 0 {
		cfg.Resilience.BackoffMax = time.Minute
	}
	if cfg.Resilience.MaxWait == 0 {
		cfg.Resilience.MaxWait = 5 * time.Second
	}
	if cfg.Resilience.BreakerFailures == 0 {
		cfg.Resilience.BreakerFailures = 5
	}
	if cfg.Resilience.BreakerCooldown == 0 {
		cfg.Resilience.BreakerCooldown = 30 * time.Second
	}
	if cfg.Resilience.RequestTimeout == 0 {
		cfg.Resilience.RequestTimeout = 10 * time.Second
	}

	if cfg.Notice.BaseURL == "" {
		cfg.Notice.BaseURL = "https://api.bithumb.com"
	}
	if cfg.Notice.ListPath == "" {
		cfg.Notice.ListPath = "/v1/notices"
	}
	if cfg.Notice.PublicURL == "" {
		cfg.Notice.PublicURL = "https://feed.bithumb.com"
	}
	if cfg.Notice.Source == "" {
		cfg.Notice.Source = "bithumb_notice"
	}
	if cfg.Notice.Interval == 0 {
		cfg.Notice.Interval = 3 * time.Second
	}
	if cfg.Notice.MaxCount == 0 {
		cfg.Notice.MaxCount = 20
	}
	if cfg.Notice.RecheckInterval == 0 {
		cfg.Notice.RecheckInterval = 30 * time.Second
	}
	if cfg.Notice.LogDedupWindow == 0 {
		cfg.Notice.LogDedupWindow = time.Minute
	}

	if cfg.Ticker.BaseURL == "" {
		cfg.Ticker.BaseURL = "https://api.bithumb.com"
	}

	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://pubwss.bithumb.com/pub/ws"
	}
	if len(cfg.WS.Symbols) == 0 {
		cfg.WS.Symbols = []string{"ALL_KRW"}
	}
	if len(cfg.WS.TickTypes) == 0 {
		cfg.WS.TickTypes = []string{"MID"}
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 25 * time.Second
	}
	if cfg.WS.WarmUp == 0 {
		cfg.WS.WarmUp = 30 * time.Second
	}
	if cfg.WS.Debounce == 0 {
		cfg.WS.Debounce = 10 * time.Second
	}
	if cfg.WS.CheckDelayMin == 0 {
		cfg.WS.CheckDelayMin = 3 * time.Second
	}
	if cfg.WS.CheckDelayMax == 0 {
		cfg.WS.CheckDelayMax = 5 * time.Second
	}
	if cfg.WS.RejectCooldown == 0 {
		cfg.WS.RejectCooldown = 10 * time.Minute
	}
	if cfg.WS.ReconnectBase == 0 {
		cfg.WS.ReconnectBase = time.Second
	}
	if cfg.WS.ReconnectMax == 0 {
		cfg.WS.ReconnectMax = time.Minute
	}
	if cfg.WS.MaxAttempts == 0 {
		cfg.WS.MaxAttempts = 10
	}
	if cfg.WS.QueueSize == 0 {
		cfg.WS.QueueSize = 1024
	}

	if cfg.Baseline.Grace == 0 {
		cfg.Baseline.Grace = 10 * time.Minute
	}
	if cfg.Baseline.RefreshInterval == 0 {
		cfg.Baseline.RefreshInterval = time.Hour
	}
	if cfg.Baseline.MaxStaleness == 0 {
		cfg.Baseline.MaxStaleness = 6 * time.Hour
	}

	if cfg.Pipeline.LiveWindow == 0 {
		cfg.Pipeline.LiveWindow = 120 * time.Second
	}
	if cfg.Pipeline.Cooldown == 0 {
		cfg.Pipeline.Cooldown = 24 * time.Hour
	}
	if cfg.Pipeline.NotionalKRW == "" {
		cfg.Pipeline.NotionalKRW = "1000000"
	}

	if cfg.Perp.HyperliquidURL == "" {
		cfg.Perp.HyperliquidURL = "https://api.hyperliquid.xyz"
	}
	if cfg.Perp.BinanceURL == "" {
		cfg.Perp.BinanceURL = "https://fapi.binance.com"
	}
	if cfg.Perp.RefreshInterval == 0 {
		cfg.Perp.RefreshInterval = 5 * time.Minute
	}

	if cfg.Trade.MaxRetries == 0 {
		cfg.Trade.MaxRetries = 3
	}
	if cfg.Trade.RetryDelay == 0 {
		cfg.Trade.RetryDelay = 500 * time.Millisecond
	}

	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	switch cfg.State.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("state.driver %q is not supported", cfg.State.Driver)
	}
	if cfg.State.DSN == "" {
		return errors.New("state.dsn is required")
	}
	switch cfg.Leader.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("leader.backend %q is not supported", cfg.Leader.Backend)
	}
	if cfg.Leader.RetryInterval >= cfg.Leader.Lease {
		return errors.New("leader.retry_interval must be shorter than leader.lease")
	}
	if cfg.WS.CheckDelayMax < cfg.WS.CheckDelayMin {
		return errors.New("ws.check_delay_max must be >= ws.check_delay_min")
	}
	if cfg.Pipeline.Cooldown <= 0 {
		return errors.New("pipeline.cooldown must be > 0")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
