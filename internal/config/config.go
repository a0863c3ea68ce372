// Package config loads server configuration from YAML and LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGER_"

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Ledger   LedgerConfig   `yaml:"ledger" envPrefix:"ENGINE_"`
	Custody  CustodyConfig  `yaml:"custody" envPrefix:"CUSTODY_"`
	Snapshot SnapshotConfig `yaml:"snapshot" envPrefix:"SNAPSHOT_"`
	Stream   StreamConfig   `yaml:"stream" envPrefix:"STREAM_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects the ledger store and the optional analytics store.
type StorageConfig struct {
	Driver        string `yaml:"driver" env:"DRIVER"` // memory | postgres
	PostgresDSN   string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	ClickhouseDSN string `yaml:"clickhouse_dsn" env:"CLICKHOUSE_DSN"` // empty disables audit and snapshots
	AuditBuffer   int    `yaml:"audit_buffer" env:"AUDIT_BUFFER"`
}

// LedgerConfig configures the engine and the root ownership token.
type LedgerConfig struct {
	Address            string `yaml:"address" env:"ADDRESS"`
	TokenAccounting    bool   `yaml:"token_accounting" env:"TOKEN_ACCOUNTING"`
	PerAdvisorTokens   bool   `yaml:"per_advisor_tokens" env:"PER_ADVISOR_TOKENS"`
	StablePct          int    `yaml:"stable_pct" env:"STABLE_PCT"`
	VolatilePct        int    `yaml:"volatile_pct" env:"VOLATILE_PCT"`
	NegligiblePoolSize string `yaml:"negligible_pool_size" env:"NEGLIGIBLE_POOL_SIZE"`
	InitialMultiplier  string `yaml:"initial_multiplier" env:"INITIAL_MULTIPLIER"`
	TokenName          string `yaml:"token_name" env:"TOKEN_NAME"`
	TokenSymbol        string `yaml:"token_symbol" env:"TOKEN_SYMBOL"`
}

// CustodyConfig selects the transfer service.
type CustodyConfig struct {
	Mode       string        `yaml:"mode" env:"MODE"` // stub | rpc
	Endpoint   string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`

	// Accounts seeds the stub bank. Ignored in rpc mode.
	Accounts []StubAccount `yaml:"accounts"`
}

// StubAccount is a pre-funded investor in stub custody mode.
type StubAccount struct {
	Address   string `yaml:"address"`
	Asset     string `yaml:"asset"`
	Balance   string `yaml:"balance"`   // base units
	Allowance string `yaml:"allowance"` // base units approved to the ledger address
	Native    string `yaml:"native"`    // wei
}

// SnapshotConfig schedules pool snapshots. An empty Cron disables them.
type SnapshotConfig struct {
	Cron string `yaml:"cron" env:"CRON"`
}

// StreamConfig configures the WebSocket event feed.
type StreamConfig struct {
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// AllowedOrigins lists browser origins allowed to subscribe; "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Default returns the configuration used for anything the file and environment leave unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:      "memory",
			AuditBuffer: 256,
		},
		Ledger: LedgerConfig{
			Address:            "0x000000000000000000000000000000000000a11e",
			TokenAccounting:    true,
			StablePct:          domain.DefaultSplit.Stable,
			VolatilePct:        domain.DefaultSplit.Volatile,
			NegligiblePoolSize: "1000",
			InitialMultiplier:  "100",
			TokenName:          "Advisor Ownership",
			TokenSymbol:        "ADV",
		},
		Custody: CustodyConfig{
			Mode:       "stub",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Snapshot: SnapshotConfig{
			Cron: "@every 5m",
		},
		Stream: StreamConfig{
			BufferSize: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config from a YAML file, then applies environment variable overrides.
// A missing file is not an error; path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// Validate checks that all fields are usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver))
	}

	if !common.IsHexAddress(c.Ledger.Address) {
		errs = append(errs, fmt.Errorf("ledger.address %q is not a hex address", c.Ledger.Address))
	}
	if err := c.Split().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ledger split: %w", err))
	}
	if _, err := c.NegligiblePoolSize(); err != nil {
		errs = append(errs, err)
	}
	if m, err := c.InitialMultiplier(); err != nil {
		errs = append(errs, err)
	} else if m.Sign() == 0 {
		errs = append(errs, errors.New("ledger.initial_multiplier must be positive"))
	}
	if strings.TrimSpace(c.Ledger.TokenName) == "" || strings.TrimSpace(c.Ledger.TokenSymbol) == "" {
		errs = append(errs, errors.New("ledger.token_name and ledger.token_symbol are required"))
	}

	switch c.Custody.Mode {
	case "stub":
		for i, a := range c.Custody.Accounts {
			if err := a.validate(); err != nil {
				errs = append(errs, fmt.Errorf("custody.accounts[%d]: %w", i, err))
			}
		}
	case "rpc":
		if c.Custody.Endpoint == "" {
			errs = append(errs, errors.New("custody.endpoint is required in rpc mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("custody.mode must be stub or rpc, got %q", c.Custody.Mode))
	}
	if c.Custody.Timeout <= 0 {
		errs = append(errs, errors.New("custody.timeout must be positive"))
	}
	if c.Custody.MaxRetries < 0 {
		errs = append(errs, errors.New("custody.max_retries must not be negative"))
	}

	if c.Snapshot.Cron != "" {
		if _, err := cron.ParseStandard(c.Snapshot.Cron); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.cron: %w", err))
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LedgerAddress returns the engine escrow identity.
func (c *Config) LedgerAddress() common.Address {
	return common.HexToAddress(c.Ledger.Address)
}

// Split returns the configured default split.
func (c *Config) Split() domain.Split {
	return domain.Split{Stable: c.Ledger.StablePct, Volatile: c.Ledger.VolatilePct}
}

// NegligiblePoolSize parses the configured initial-regime threshold.
func (c *Config) NegligiblePoolSize() (*big.Int, error) {
	v, err := domain.ParseInteger(c.Ledger.NegligiblePoolSize)
	if err != nil {
		return nil, fmt.Errorf("ledger.negligible_pool_size: %w", err)
	}
	return v, nil
}

// InitialMultiplier parses the configured initial-regime multiplier.
func (c *Config) InitialMultiplier() (*big.Int, error) {
	v, err := domain.ParseInteger(c.Ledger.InitialMultiplier)
	if err != nil {
		return nil, fmt.Errorf("ledger.initial_multiplier: %w", err)
	}
	return v, nil
}

func (a StubAccount) validate() error {
	if !common.IsHexAddress(a.Address) {
		return fmt.Errorf("address %q is not a hex address", a.Address)
	}
	if a.Asset != "" && !common.IsHexAddress(a.Asset) {
		return fmt.Errorf("asset %q is not a hex address", a.Asset)
	}
	for name, v := range map[string]string{"balance": a.Balance, "allowance": a.Allowance, "native": a.Native} {
		if v == "" {
			continue
		}
		if _, err := domain.ParseInteger(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
