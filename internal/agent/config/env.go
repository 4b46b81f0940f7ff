package config

import (
	"os"
	"strconv"
	"time"
)

// parseEnv overlays Config with UPLINK_* environment variables. Unset or
// unparsable values leave the current setting alone.
func parseEnv(cfg *Config) {
	if v := os.Getenv("UPLINK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UPLINK_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("UPLINK_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("UPLINK_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("UPLINK_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("UPLINK_DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DrainInterval = d
		}
	}
	if v := os.Getenv("UPLINK_ONLINE_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.OnlineCheckInterval = d
		}
	}
}
