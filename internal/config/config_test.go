package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Service.Account)
	assert.Equal(t, BrokerPaper, cfg.Broker.Mode)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Minute, cfg.Service.CycleInterval)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gearbox.yaml")
	doc := `
service:
  account: sim-01
  account_equity: 25000
  cycle_interval: 30s
database:
  driver: postgres
  dsn: postgres://gearbox@localhost/gearbox?sslmode=disable
broker:
  mode: bridge
  bridge:
    base_url: http://127.0.0.1:9999
governor:
  initial_r: 50
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sim-01", cfg.Service.Account)
	assert.Equal(t, 25000.0, cfg.Service.AccountEquity)
	assert.Equal(t, 30*time.Second, cfg.Service.CycleInterval)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, BrokerBridge, cfg.Broker.Mode)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Broker.Bridge.BaseURL)
	assert.Equal(t, 50.0, cfg.Governor.InitialR)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":8686", cfg.Ops.ListenAddr)
	assert.Equal(t, "MNQ", cfg.Service.Symbol)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("GEARBOX_DB_DSN", "/var/lib/gearbox/journal.db")
	t.Setenv("GEARBOX_BROKER_MODE", "paper")
	t.Setenv("GEARBOX_EQUITY", "50000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/gearbox/journal.db", cfg.Database.DSN)
	assert.Equal(t, BrokerPaper, cfg.Broker.Mode)
	assert.Equal(t, 50000.0, cfg.Service.AccountEquity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown broker mode", func(c *Config) { c.Broker.Mode = "ibkr" }},
		{"unknown db driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero cycle interval", func(c *Config) { c.Service.CycleInterval = 0 }},
		{"bad timezone", func(c *Config) { c.Service.Timezone = "Mars/Olympus" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gearbox.yaml")
	doc := "service:\n  cycle_interval: fortnight\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "cycle_interval")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
