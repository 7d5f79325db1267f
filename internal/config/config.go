// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Broker describes connectivity to the order/quote REST API and the depth websocket.
type Broker struct {
	BaseURL         string  `yaml:"base_url"`
	WebsocketURL    string  `yaml:"ws_url"`
	OrderTimeoutMs  int     `yaml:"order_timeout_ms"`
	MaxCallRetries  int     `yaml:"max_call_retries"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	MaxReconnects   int     `yaml:"max_reconnects"`
}

// OrderTimeout returns the per-call broker timeout with a safe default.
func (b Broker) OrderTimeout() time.Duration {
	if b.OrderTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.OrderTimeoutMs) * time.Millisecond
}

// Universe bounds which rows of the instrument file become candidates.
type Universe struct {
	Path      string  `yaml:"path"`
	StartRow  int     `yaml:"start_row"`
	ScanCount int     `yaml:"scan_count"`
	MinPrice  float64 `yaml:"min_price"`
	MaxPrice  float64 `yaml:"max_price"`
}

// Signal groups the depth-imbalance thresholds and the search cadence.
type Signal struct {
	PressureLowerBound float64 `yaml:"pressure_lower_bound"`
	PressureUpperBound float64 `yaml:"pressure_upper_bound"`
	DepthMultiplier    float64 `yaml:"depth_multiplier"`
	RetryIntervalMs    int     `yaml:"retry_interval_ms"`
	MaxSearchRounds    int     `yaml:"max_search_rounds"`
}

// Risk encodes the daily guard-rails the control loop enforces between cycles.
type Risk struct {
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	StopLoss        float64 `yaml:"stop_loss"`
	TakeProfit      float64 `yaml:"take_profit"`
	TradeSize       int     `yaml:"trade_size"`
	TrailingStep    float64 `yaml:"trailing_step"`
}

// Session holds per-day operational settings.
type Session struct {
	LedgerDir      string `yaml:"ledger_dir"`
	MarketOpen     string `yaml:"market_open"`      // HH:MM:SS wall clock, empty disables the gate
	PollIntervalMs int    `yaml:"poll_interval_ms"` // position-monitoring cadence
}

// PollInterval returns the monitoring cadence with a safe default.
func (s Session) PollInterval() time.Duration {
	if s.PollIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Broker   Broker   `yaml:"broker"`
	Universe Universe `yaml:"universe"`
	Signal   Signal   `yaml:"signal"`
	Risk     Risk     `yaml:"risk"`
	Session  Session  `yaml:"session"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
