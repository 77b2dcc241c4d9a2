// Package config loads the server configuration from environment variables.
// The struct is read once at startup and passed down explicitly so tests can
// construct isolated instances without touching process-wide state.
package config

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DataProvider selects how map documents are served.
const (
	ProviderJSON = "json" // snapshot-only REST
	ProviderCRDT = "crdt" // live collaborative documents
)

// Config holds every environment knob the server understands.
type Config struct {
	Port           string
	CORSOrigin     string
	SQLiteFile     string
	LogLevel       string
	FeatureMapsAPI bool
	FeatureMCP     bool
	ServerSync     bool
	DataProvider   string

	// Sync session tuning. Zero values fall back to the hub defaults.
	SyncPingInterval time.Duration
	SyncIdleTimeout  time.Duration
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		Port:           "3001",
		CORSOrigin:     "*",
		SQLiteFile:     "./data/mindmeld.sqlite",
		LogLevel:       "info",
		FeatureMapsAPI: true,
		FeatureMCP:     false,
		ServerSync:     true,
		DataProvider:   ProviderCRDT,
	}
}

// FromEnv reads the configuration from the environment, falling back to
// defaults for unset variables.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("SQLITE_FILE"); v != "" {
		cfg.SQLiteFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.FeatureMapsAPI = envBool("FEATURE_MAPS_API", cfg.FeatureMapsAPI)
	cfg.FeatureMCP = envBool("FEATURE_MCP", cfg.FeatureMCP)
	cfg.ServerSync = envBool("SERVER_SYNC", cfg.ServerSync)
	if v := os.Getenv("DATA_PROVIDER"); v == ProviderJSON || v == ProviderCRDT {
		cfg.DataProvider = v
	}
	cfg.SyncPingInterval = envDuration("SYNC_PING_INTERVAL", cfg.SyncPingInterval)
	cfg.SyncIdleTimeout = envDuration("SYNC_IDLE_TIMEOUT", cfg.SyncIdleTimeout)

	return cfg
}

// NewLogger builds a zap logger honoring the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
