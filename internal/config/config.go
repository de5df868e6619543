// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the PnL engine.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    string
	InstanceID  string

	// ReportingEnabled keeps the USD side of the durable ledger. Fills must
	// then carry an FX rate.
	ReportingEnabled bool

	TickInterval         time.Duration
	CleanupInterval      time.Duration
	IdleTTL              time.Duration
	HistoryCapacity      int
	HistoryFlushInterval time.Duration
	HistoryTTL           time.Duration
	ReconcileInterval    time.Duration
	LedgerTimeout        time.Duration
	CacheTTL             time.Duration

	problems []error
}

var durationDefaults = map[string]time.Duration{
	"TICK_INTERVAL":          200 * time.Millisecond,
	"CLEANUP_INTERVAL":       time.Minute,
	"IDLE_TTL":               10 * time.Minute,
	"HISTORY_FLUSH_INTERVAL": 30 * time.Second,
	"HISTORY_TTL":            24 * time.Hour,
	"RECONCILE_INTERVAL":     5 * time.Minute,
	"LEDGER_TIMEOUT":         5 * time.Second,
	"CACHE_TTL":              30 * time.Second,
}

// Load reads the environment. Values that fail to parse fall back to
// their defaults and are reported by Validate.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REPORTING_ENABLED", true)
	v.SetDefault("HISTORY_CAPACITY", 1000)
	hostname, _ := os.Hostname()
	v.SetDefault("INSTANCE_ID", hostname)
	for k, d := range durationDefaults {
		v.SetDefault(k, d.String())
	}

	c := &Config{
		Port:             v.GetString("PORT"),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		RedisURL:         v.GetString("REDIS_URL"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		InstanceID:       v.GetString("INSTANCE_ID"),
		ReportingEnabled: v.GetBool("REPORTING_ENABLED"),
	}

	c.TickInterval = c.duration(v, "TICK_INTERVAL")
	c.CleanupInterval = c.duration(v, "CLEANUP_INTERVAL")
	c.IdleTTL = c.duration(v, "IDLE_TTL")
	c.HistoryFlushInterval = c.duration(v, "HISTORY_FLUSH_INTERVAL")
	c.HistoryTTL = c.duration(v, "HISTORY_TTL")
	c.ReconcileInterval = c.duration(v, "RECONCILE_INTERVAL")
	c.LedgerTimeout = c.duration(v, "LEDGER_TIMEOUT")
	c.CacheTTL = c.duration(v, "CACHE_TTL")

	c.HistoryCapacity = v.GetInt("HISTORY_CAPACITY")
	if c.HistoryCapacity <= 0 {
		c.problems = append(c.problems, fmt.Errorf("HISTORY_CAPACITY %q must be a positive integer", v.GetString("HISTORY_CAPACITY")))
		c.HistoryCapacity = 1000
	}
	if c.InstanceID == "" {
		c.InstanceID = "pnl-engine"
	}
	return c
}

func (c *Config) duration(v *viper.Viper, key string) time.Duration {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		c.problems = append(c.problems, fmt.Errorf("%s %q must be a positive duration", key, raw))
		return durationDefaults[key]
	}
	return d
}

// Validate reports the settings that were rejected by Load.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.problems...)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog; unknown levels mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
