package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fix_provider/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the provider and the simulator.
// LoadConfig applies environment overrides for credentials after parsing.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	FIX struct {
		Address          string   `yaml:"address"` // ws://host:port/fix
		Username         string   `yaml:"username"`
		Password         string   `yaml:"password"`
		Account          string   `yaml:"account"`
		SenderCompID     string   `yaml:"sender_comp_id"`
		TargetCompID     string   `yaml:"target_comp_id"`
		BeginString      string   `yaml:"begin_string"`
		Dialect          string   `yaml:"dialect"` // fix44, fix42
		HeartbeatSec     int      `yaml:"heartbeat_sec"`
		ResetSeqNum      bool     `yaml:"reset_seq_num"`
		UseLocalFillTime bool     `yaml:"use_local_fill_time"`
		HistoryPath      string   `yaml:"history_path"`
		ResendQueueLimit int      `yaml:"resend_queue_limit"`
		RejectPatterns   []string `yaml:"reject_patterns"` // "class:text", overrides the defaults

		Retry struct {
			StartSec    int `yaml:"start_sec"`
			IncreaseSec int `yaml:"increase_sec"`
			MaximumSec  int `yaml:"maximum_sec"`
		} `yaml:"retry"`
	} `yaml:"fix"`

	Session struct {
		IncludeSymbols []string `yaml:"include_symbols"`
		ExcludeSymbols []string `yaml:"exclude_symbols"`
	} `yaml:"session"`

	TickSync struct {
		PageSize        int    `yaml:"page_size"`
		SharedMemoryDir string `yaml:"shared_memory_dir"`
	} `yaml:"ticksync"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Strategy struct {
		Symbols     []string `yaml:"symbols"`
		ShortPeriod int      `yaml:"short_period"`
		LongPeriod  int      `yaml:"long_period"`
		Quantity    string   `yaml:"quantity"`
	} `yaml:"strategy"`

	Simulator SimulatorConfig `yaml:"simulator"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// SimulatorConfig configures the broker/quote simulator.
type SimulatorConfig struct {
	Listen         string        `yaml:"listen"`
	HistoryPath    string        `yaml:"history_path"`
	Symbols        []string      `yaml:"symbols"`
	StartPrice     string        `yaml:"start_price"`
	TickIntervalMS int           `yaml:"tick_interval_ms"`
	TickCount      int           `yaml:"tick_count"`
	Seed           int64         `yaml:"seed"`
	Faults         []FaultConfig `yaml:"faults"`
}

// FaultConfig enables one simulator fault kind.
type FaultConfig struct {
	Kind        string `yaml:"kind"`
	Frequency   int    `yaml:"frequency"`
	MaxFailures int    `yaml:"max_failures"`
	Symbol      string `yaml:"symbol"`
	Text        string `yaml:"text"` // reject text for RejectSymbol and CancelReject
}

// HeartbeatInterval returns the negotiated heartbeat as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.FIX.HeartbeatSec) * time.Second
}

// RetryStart, RetryIncrease and RetryMaximum expose the backoff tuning.
func (c *Config) RetryStart() time.Duration {
	return time.Duration(c.FIX.Retry.StartSec) * time.Second
}

func (c *Config) RetryIncrease() time.Duration {
	return time.Duration(c.FIX.Retry.IncreaseSec) * time.Second
}

func (c *Config) RetryMaximum() time.Duration {
	return time.Duration(c.FIX.Retry.MaximumSec) * time.Second
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and environment overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with every tunable set.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "fix-provider"
	cfg.FIX.BeginString = "FIX.4.4"
	cfg.FIX.Dialect = "fix44"
	cfg.FIX.HeartbeatSec = 30
	cfg.FIX.HistoryPath = "data/fix_history.db"
	cfg.FIX.ResendQueueLimit = 10000
	cfg.FIX.Retry.StartSec = 1
	cfg.FIX.Retry.IncreaseSec = 2
	cfg.FIX.Retry.MaximumSec = 30
	cfg.TickSync.PageSize = 1000
	cfg.Storage.Path = "data/orders.db"
	cfg.Strategy.ShortPeriod = 5
	cfg.Strategy.LongPeriod = 20
	cfg.Strategy.Quantity = "1000"
	cfg.Simulator.Listen = "127.0.0.1:6490"
	cfg.Simulator.HistoryPath = "data/sim_history.db"
	cfg.Simulator.StartPrice = "1.2345"
	cfg.Simulator.TickIntervalMS = 100
	cfg.Simulator.Seed = 1
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.File = "app.log"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.FIX.Address != "" && !strings.HasPrefix(c.FIX.Address, "ws://") && !strings.HasPrefix(c.FIX.Address, "wss://") {
		return &domain.ConfigError{Field: "fix.address", Err: fmt.Errorf("must be ws:// or wss://, got %q", c.FIX.Address)}
	}
	if c.FIX.SenderCompID == "" {
		return &domain.ConfigError{Field: "fix.sender_comp_id", Err: errors.New("required")}
	}
	if c.FIX.TargetCompID == "" {
		return &domain.ConfigError{Field: "fix.target_comp_id", Err: errors.New("required")}
	}
	switch c.FIX.Dialect {
	case "fix44", "fix42":
	default:
		return &domain.ConfigError{Field: "fix.dialect", Err: fmt.Errorf("unknown dialect %q", c.FIX.Dialect)}
	}
	if c.FIX.HeartbeatSec <= 0 {
		return &domain.ConfigError{Field: "fix.heartbeat_sec", Err: errors.New("must be positive")}
	}
	if c.FIX.Retry.StartSec <= 0 || c.FIX.Retry.MaximumSec < c.FIX.Retry.StartSec {
		return &domain.ConfigError{Field: "fix.retry", Err: errors.New("start must be positive and not exceed maximum")}
	}
	if c.TickSync.PageSize <= 0 {
		return &domain.ConfigError{Field: "ticksync.page_size", Err: errors.New("must be positive")}
	}
	if c.Strategy.ShortPeriod <= 0 || c.Strategy.LongPeriod <= c.Strategy.ShortPeriod {
		return &domain.ConfigError{Field: "strategy", Err: errors.New("need 0 < short_period < long_period")}
	}
	for _, f := range c.Simulator.Faults {
		if f.Kind == "" {
			return &domain.ConfigError{Field: "simulator.faults", Err: errors.New("fault kind required")}
		}
	}
	return nil
}

// SymbolAllowed applies the session include/exclude filters.
// An empty include list admits every symbol not excluded.
func (c *Config) SymbolAllowed(symbol string) bool {
	for _, s := range c.Session.ExcludeSymbols {
		if s == symbol {
			return false
		}
	}
	if len(c.Session.IncludeSymbols) == 0 {
		return true
	}
	for _, s := range c.Session.IncludeSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// overrideWithEnv replaces credentials with environment values when present.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("FIX_USERNAME"); v != "" {
		cfg.FIX.Username = v
	}
	if v := os.Getenv("FIX_PASSWORD"); v != "" {
		cfg.FIX.Password = v
	}
	if v := os.Getenv("FIX_ACCOUNT"); v != "" {
		cfg.FIX.Account = v
	}
}
