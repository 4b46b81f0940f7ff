// Package config handles configuration for the agent, including defaults,
// JSON overlay, environment variables, and command-line flags.
package config

import (
	"path/filepath"
	"time"
)

// Config holds runtime settings for the upload agent.
//
// Fields:
//   - DataDir: directory for the ledger database and device credentials.
//   - DatabaseDSN: ledger DSN; empty means SQLite under DataDir. A
//     postgres:// DSN switches to the shared-ledger backend.
//   - ServerURL: base URL of the upload service.
//   - AdminAddr: loopback bind address for the observer surface.
//   - BatchSize: max items one drain pass takes on.
//   - DrainInterval: periodic drain trigger cadence.
//   - OnlineCheckInterval: how often the agent probes server reachability.
type Config struct {
	DataDir             string
	DatabaseDSN         string
	ServerURL           string
	AdminAddr           string
	BatchSize           int
	DrainInterval       time.Duration
	OnlineCheckInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "uplink-data"
	c.DatabaseDSN = ""
	c.ServerURL = "http://127.0.0.1:8080"
	c.AdminAddr = "127.0.0.1:8091"
	c.BatchSize = 5
	c.DrainInterval = 1 * time.Minute
	c.OnlineCheckInterval = 3 * time.Second
}

// LedgerDSN resolves the effective ledger DSN: an explicit DSN wins,
// otherwise the SQLite file under DataDir is used.
func (c *Config) LedgerDSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return filepath.Join(c.DataDir, "queue.db")
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present), environment variables, and command-line flags. Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
