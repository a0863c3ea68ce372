package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "stub", cfg.Custody.Mode)
	assert.True(t, cfg.Ledger.TokenAccounting)
	assert.Equal(t, domain.DefaultSplit, cfg.Split())

	threshold, err := cfg.NegligiblePoolSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), threshold.Int64())
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
storage:
  driver: postgres
  postgres_dsn: postgres://ledger@localhost/ledger
ledger:
  token_accounting: false
  per_advisor_tokens: true
  stable_pct: 80
  volatile_pct: 20
custody:
  accounts:
    - address: "0x00000000000000000000000000000000000000c1"
      asset: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
      balance: "1000000"
      allowance: "1000000"
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.False(t, cfg.Ledger.TokenAccounting, "explicit false survives defaults")
	assert.True(t, cfg.Ledger.PerAdvisorTokens)
	assert.Equal(t, domain.Split{Stable: 80, Volatile: 20}, cfg.Split())
	require.Len(t, cfg.Custody.Accounts, 1)
	assert.Equal(t, "1000000", cfg.Custody.Accounts[0].Balance)

	// Untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.Custody.Timeout)
	assert.Equal(t, "ADV", cfg.Ledger.TokenSymbol)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
ledger:
  stable_pct: 80
  volatile_pct: 20
`)

	t.Setenv("LEDGER_SERVER_ADDR", ":7070")
	t.Setenv("LEDGER_ENGINE_STABLE_PCT", "70")
	t.Setenv("LEDGER_ENGINE_VOLATILE_PCT", "30")
	t.Setenv("LEDGER_ENGINE_ADDRESS", "0x00000000000000000000000000000000000000ee")
	t.Setenv("LEDGER_CUSTODY_TIMEOUT", "5s")
	t.Setenv("LEDGER_LOG_DEVELOPMENT", "true")
	t.Setenv("LEDGER_STREAM_ALLOWED_ORIGINS", "https://app.example,https://ops.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, domain.Split{Stable: 70, Volatile: 30}, cfg.Split())
	assert.Equal(t, common.HexToAddress("0xee"), cfg.LedgerAddress())
	assert.Equal(t, 5*time.Second, cfg.Custody.Timeout)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, []string{"https://app.example", "https://ops.example"}, cfg.Stream.AllowedOrigins)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeFile(t, "server: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "postgres_dsn"},
		{"bad address", func(c *Config) { c.Ledger.Address = "nope" }, "ledger.address"},
		{"bad split", func(c *Config) { c.Ledger.StablePct = 60 }, "split"},
		{"negative threshold", func(c *Config) { c.Ledger.NegligiblePoolSize = "-1" }, "negligible_pool_size"},
		{"zero multiplier", func(c *Config) { c.Ledger.InitialMultiplier = "0" }, "initial_multiplier"},
		{"rpc without endpoint", func(c *Config) { c.Custody.Mode = "rpc" }, "custody.endpoint"},
		{"unknown custody", func(c *Config) { c.Custody.Mode = "chain" }, "custody.mode"},
		{"bad cron", func(c *Config) { c.Snapshot.Cron = "every tuesday" }, "snapshot.cron"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad stub account", func(c *Config) {
			c.Custody.Accounts = []StubAccount{{Address: "0xc1", Balance: "1.5"}}
		}, "custody.accounts[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.Snapshot.Cron = ""
	assert.NoError(t, cfg.Validate(), "empty cron disables snapshots")
}
