package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the hearthd server.
type Config struct {
	Port    int
	Version string
	DataDir string

	Pairing   PairingConfig
	Timeouts  TimeoutConfig
	Telemetry TelemetryConfig
}

// PairingConfig controls the pairing transaction table.
type PairingConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// TimeoutConfig carries the default timeout per async plugin call kind.
// Zero means no timeout.
type TimeoutConfig struct {
	Discovery time.Duration
	Pairing   time.Duration
	Setup     time.Duration
	Action    time.Duration
	Browse    time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("HEARTHD_PORT", 4444),
		Version: envStr("HEARTHD_VERSION", "0.1.0"),
		DataDir: envStr("HEARTHD_DATA_DIR", defaultDataDir()),
		Pairing: PairingConfig{
			TTL:           envDur("HEARTHD_PAIRING_TTL", 10*time.Minute),
			SweepInterval: envDur("HEARTHD_PAIRING_SWEEP_INTERVAL", time.Minute),
		},
		Timeouts: TimeoutConfig{
			Discovery: envDur("HEARTHD_TIMEOUT_DISCOVERY", 30*time.Second),
			Pairing:   envDur("HEARTHD_TIMEOUT_PAIRING", 2*time.Minute),
			Setup:     envDur("HEARTHD_TIMEOUT_SETUP", 60*time.Second),
			Action:    envDur("HEARTHD_TIMEOUT_ACTION", 30*time.Second),
			Browse:    envDur("HEARTHD_TIMEOUT_BROWSE", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "hearthd"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hearthd"
	}
	return filepath.Join(home, ".hearthd")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
