// Package config loads the application configuration document and
// applies GEARBOX_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/gearbox/internal/broker"
	"github.com/sawpanic/gearbox/internal/circuit"
	"github.com/sawpanic/gearbox/internal/execution"
	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/regime"
	"github.com/sawpanic/gearbox/internal/risk"
	"github.com/sawpanic/gearbox/internal/sizing"
	"github.com/sawpanic/gearbox/internal/strategy"
)

// Broker modes.
const (
	BrokerPaper  = "paper"
	BrokerBridge = "bridge"
)

// ServiceConfig holds the account and main-loop settings.
type ServiceConfig struct {
	Account       string        `yaml:"account"`        // Default: "default"
	AccountEquity float64       `yaml:"account_equity"` // 0 = no equity cap
	Symbol        string        `yaml:"symbol"`         // Default: MNQ
	CycleInterval time.Duration `yaml:"cycle_interval"` // Default: 1m
	Timezone      string        `yaml:"timezone"`       // Default: America/Chicago
}

// UnmarshalYAML accepts cycle_interval as a duration string ("30s",
// "1m"). Keys absent from the document keep their current values, so
// a partial service section overlays cleanly on the defaults.
func (s *ServiceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Account       *string  `yaml:"account"`
		AccountEquity *float64 `yaml:"account_equity"`
		Symbol        *string  `yaml:"symbol"`
		CycleInterval *string  `yaml:"cycle_interval"`
		Timezone      *string  `yaml:"timezone"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Account != nil {
		s.Account = *raw.Account
	}
	if raw.AccountEquity != nil {
		s.AccountEquity = *raw.AccountEquity
	}
	if raw.Symbol != nil {
		s.Symbol = *raw.Symbol
	}
	if raw.Timezone != nil {
		s.Timezone = *raw.Timezone
	}
	if raw.CycleInterval != nil {
		d, err := time.ParseDuration(*raw.CycleInterval)
		if err != nil {
			return fmt.Errorf("cycle_interval: %w", err)
		}
		s.CycleInterval = d
	}
	return nil
}

// LoggingConfig selects output and verbosity.
type LoggingConfig struct {
	Level      string `yaml:"level"` // Default: info
	File       string `yaml:"file"`  // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DatabaseConfig selects the journal backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`    // Default: gearbox.db
}

// BrokerConfig selects and tunes the broker adapter.
type BrokerConfig struct {
	Mode   string              `yaml:"mode"` // paper or bridge
	Paper  broker.PaperConfig  `yaml:"paper"`
	Bridge broker.BridgeConfig `yaml:"bridge"`
}

// OpsConfig tunes the operational HTTP server.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Default: :8686
}

// JobsConfig holds the cron expressions for background jobs.
type JobsConfig struct {
	StaleOrderSweep string `yaml:"stale_order_sweep"` // Default: @every 1s
	Reconcile       string `yaml:"reconcile"`         // Default: @every 5m
	ScalingReview   string `yaml:"scaling_review"`    // Default: 0 0 17 * * *
}

// FillDedupeConfig selects the fill idempotency backend.
type FillDedupeConfig struct {
	Dir     string `yaml:"dir"`      // empty = in-memory
	MaxKeys int    `yaml:"max_keys"` // in-memory bound
}

// Config is the full application document.
type Config struct {
	Service     ServiceConfig               `yaml:"service"`
	Logging     LoggingConfig               `yaml:"logging"`
	Database    DatabaseConfig              `yaml:"database"`
	Broker      BrokerConfig                `yaml:"broker"`
	Ops         OpsConfig                   `yaml:"ops"`
	Jobs        JobsConfig                  `yaml:"jobs"`
	FillDedupe  FillDedupeConfig            `yaml:"fill_dedupe"`
	Governor    risk.GovernorConfig         `yaml:"governor"`
	Mental      risk.MentalConfig           `yaml:"mental"`
	Gear        gear.Config                 `yaml:"gear"`
	Regime      regime.Config               `yaml:"regime"`
	Guard       execution.GuardConfig       `yaml:"guard"`
	Trail       execution.TrailConfig       `yaml:"trail"`
	Sizer       sizing.Config               `yaml:"sizer"`
	Breaker     circuit.Config              `yaml:"breaker"`
	Strategy    strategy.VWAPPullbackConfig `yaml:"strategy"`
	Engine      execution.EngineConfig      `yaml:"engine"`
	Constraints string                      `yaml:"constraints_file"` // Default: config/constraints.yaml
	Instruments string                      `yaml:"instruments_file"` // empty = built-in specs
	News        string                      `yaml:"news_file"`        // empty = no calendar
}

// Default returns a complete runnable configuration: paper broker,
// SQLite journal, in-memory fill dedupe.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Account:       "default",
			Symbol:        "MNQ",
			CycleInterval: time.Minute,
			Timezone:      "America/Chicago",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "gearbox.db",
		},
		Broker: BrokerConfig{
			Mode:   BrokerPaper,
			Paper:  broker.DefaultPaperConfig(),
			Bridge: broker.DefaultBridgeConfig(),
		},
		Ops: OpsConfig{ListenAddr: ":8686"},
		Jobs: JobsConfig{
			StaleOrderSweep: "@every 1s",
			Reconcile:       "@every 5m",
			ScalingReview:   "0 0 17 * * *",
		},
		Governor:    risk.DefaultGovernorConfig(),
		Mental:      risk.DefaultMentalConfig(),
		Gear:        gear.DefaultConfig(),
		Regime:      regime.DefaultConfig(),
		Guard:       execution.DefaultGuardConfig(),
		Trail:       execution.DefaultTrailConfig(),
		Breaker:     circuit.DefaultConfig(),
		Strategy:    strategy.DefaultVWAPPullbackConfig(),
		Engine:      execution.DefaultEngineConfig(),
		Constraints: "config/constraints.yaml",
	}
}

// Load reads path, overlays it on defaults, applies environment
// overrides, and validates. A missing file is not an error: defaults
// plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays GEARBOX_* variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GEARBOX_ACCOUNT"); v != "" {
		cfg.Service.Account = v
	}
	if v := os.Getenv("GEARBOX_SYMBOL"); v != "" {
		cfg.Service.Symbol = v
	}
	if v := os.Getenv("GEARBOX_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GEARBOX_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GEARBOX_BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}
	if v := os.Getenv("GEARBOX_BRIDGE_URL"); v != "" {
		cfg.Broker.Bridge.BaseURL = v
	}
	if v := os.Getenv("GEARBOX_BRIDGE_API_KEY"); v != "" {
		cfg.Broker.Bridge.APIKey = v
	}
	if v := os.Getenv("GEARBOX_OPS_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if v := os.Getenv("GEARBOX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GEARBOX_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("GEARBOX_EQUITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Service.AccountEquity = f
		}
	}
	if v := os.Getenv("GEARBOX_INITIAL_R"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Governor.InitialR = f
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	switch c.Broker.Mode {
	case BrokerPaper, BrokerBridge:
	default:
		return fmt.Errorf("broker mode %q: must be %q or %q", c.Broker.Mode, BrokerPaper, BrokerBridge)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver %q: must be sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must not be empty")
	}
	if c.Service.CycleInterval <= 0 {
		return fmt.Errorf("cycle interval must be positive, got %s", c.Service.CycleInterval)
	}
	if _, err := time.LoadLocation(c.Service.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Service.Timezone, err)
	}
	return nil
}
