package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/uplink/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the upload service (default from Config)
//	-d string   data directory for ledger and credentials
//	-m string   admin bind address
//	-b int      drain batch size
//	-i int      online check interval in seconds
//	-t int      periodic drain interval in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-m", "-b", "-i", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the upload service")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.AdminAddr, "m", cfg.AdminAddr, "admin bind address")
	fs.IntVar(&cfg.BatchSize, "b", cfg.BatchSize, "drain batch size")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")
	drainInterval := fs.Int("t", int(cfg.DrainInterval.Seconds()), "periodic drain interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
	cfg.DrainInterval = time.Duration(*drainInterval) * time.Second
}
