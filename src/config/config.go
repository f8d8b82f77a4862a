package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type ServerConfig struct {
	Port            string `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"` // "pretty" for console output
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

type MarketConfig struct {
	QueueSize     int    `yaml:"queue_size"`
	SubmitTimeout string `yaml:"submit_timeout"`
	SweepInterval string `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	Disabled    bool   `yaml:"disabled"`
	MaxRequests int    `yaml:"max_requests"`
	Window      string `yaml:"window"`
}

type SettlementConfig struct {
	Workers        int    `yaml:"workers"`
	AttemptTimeout string `yaml:"attempt_timeout"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

type DatabaseConfig struct {
	DSN string `yaml:"-"` // from DATABASE_DSN, never from the yaml file
}

type InstrumentConfig struct {
	ID          string `yaml:"id"`
	TotalSupply int64  `yaml:"total_supply"`
	TickSize    int64  `yaml:"tick_size"`
	LotSize     int64  `yaml:"lot_size"`
}

type HoldingConfig struct {
	InstrumentID string `yaml:"instrument_id"`
	Quantity     int64  `yaml:"quantity"`
}

// OpeningBalanceConfig seeds dev deployments without a balance database.
type OpeningBalanceConfig struct {
	TraderID string          `yaml:"trader_id"`
	Cash     int64           `yaml:"cash"`
	Holdings []HoldingConfig `yaml:"holdings"`
}

type Config struct {
	Server          ServerConfig           `yaml:"server"`
	Log             LogConfig              `yaml:"log"`
	Store           StoreConfig            `yaml:"store"`
	Market          MarketConfig           `yaml:"market"`
	RateLimit       RateLimitConfig        `yaml:"rate_limit"`
	Settlement      SettlementConfig       `yaml:"settlement"`
	Database        DatabaseConfig         `yaml:"database"`
	Instruments     []InstrumentConfig     `yaml:"instruments"`
	OpeningBalances []OpeningBalanceConfig `yaml:"opening_balances"`

	// parsed durations
	ShutdownTimeout time.Duration `yaml:"-"`
	SubmitTimeout   time.Duration `yaml:"-"`
	SweepInterval   time.Duration `yaml:"-"`
	RateLimitWindow time.Duration `yaml:"-"`
	AttemptTimeout  time.Duration `yaml:"-"`
	InitialBackoff  time.Duration `yaml:"-"`
	MaxBackoff      time.Duration `yaml:"-"`
}

// Load reads the yaml config, a sibling .env file (secrets: DATABASE_DSN),
// and a few operational env-var overrides.
func Load(filename string) (*Config, error) {
	// .env lives next to the config file; missing is fine outside dev
	_ = godotenv.Load(filepath.Join(filepath.Dir(filename), ".env"))

	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open config file %s", filename)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config file %s", filename)
	}

	cfg.Database.DSN = os.Getenv("DATABASE_DSN")

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "data/eventlog"
	}

	if cfg.ShutdownTimeout, err = parseDuration(cfg.Server.ShutdownTimeout, 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SubmitTimeout, err = parseDuration(cfg.Market.SubmitTimeout, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = parseDuration(cfg.Market.SweepInterval, time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = parseDuration(cfg.RateLimit.Window, time.Second); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout, err = parseDuration(cfg.Settlement.AttemptTimeout, 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.InitialBackoff, err = parseDuration(cfg.Settlement.InitialBackoff, 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = parseDuration(cfg.Settlement.MaxBackoff, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = 100
	}

	if len(cfg.Instruments) == 0 {
		return nil, errors.New("config defines no instruments")
	}

	return &cfg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", s)
	}
	return d, nil
}
