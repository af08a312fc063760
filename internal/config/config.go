// Package config centralizes the process environment the kernel reads: one
// Load() call instead of os.Getenv scattered across packages.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in SPEC_FULL.md's external interfaces
// section.
type Config struct {
	DBPath             string
	MaxConcurrentTasks int
	SchedTickMS        int64
	LeaseMS            int64
	RecoveryIntervalMS int64
	MaxAttempts        int
	Host               string
	Port               int
	LogLevel           string
}

// Load reads configuration from the process environment, applying the
// defaults set below where a variable is unset.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("DB_PATH", "./taskgraph.db")
	v.SetDefault("MAX_CONCURRENT", 3)
	v.SetDefault("SCHED_TICK_MS", 200)
	v.SetDefault("LEASE_MS", 60000)
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	// Recovery sweeps do not have their own env var in the external
	// interface table; tie the default to the tick so recovery runs every
	// tick unless overridden.
	v.SetDefault("RECOVERY_INTERVAL_MS", v.GetInt64("SCHED_TICK_MS"))

	return Config{
		DBPath:             v.GetString("DB_PATH"),
		MaxConcurrentTasks: v.GetInt("MAX_CONCURRENT"),
		SchedTickMS:        v.GetInt64("SCHED_TICK_MS"),
		LeaseMS:            v.GetInt64("LEASE_MS"),
		RecoveryIntervalMS: v.GetInt64("RECOVERY_INTERVAL_MS"),
		MaxAttempts:        v.GetInt("MAX_ATTEMPTS"),
		Host:               v.GetString("HOST"),
		Port:               v.GetInt("PORT"),
		LogLevel:           v.GetString("LOG_LEVEL"),
	}
}

// BusyTimeout is the duration the store waits on SQLITE_BUSY before giving
// up, independent of the scheduler's own tick and lease timings.
const BusyTimeout = 30 * time.Second
