// Package config reads runtime configuration: environment variables first,
// with an optional YAML profile overlay for deployment-specific settings.
package config

import "os"

// Config holds runtime configuration. Zero values mean the subsystem is
// disabled: no DatabaseURL means no SQL telemetry store, no RedisAddr means
// the cache runs without an L2, no OTLPEndpoint means telemetry spans are
// no-ops.
type Config struct {
	LogLevel     string
	StrictMode   bool
	DatabaseURL  string
	RedisAddr    string
	OTLPEndpoint string
	PatternsDir  string
	PricingPack  string
	DataDir      string
}

// Load reads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	patternsDir := os.Getenv("PATTERNS_DIR")
	if patternsDir == "" {
		patternsDir = "patterns"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	return &Config{
		LogLevel:     logLevel,
		StrictMode:   os.Getenv("STRICT_MODE") == "true",
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		PatternsDir:  patternsDir,
		PricingPack:  os.Getenv("PRICING_PACK"),
		DataDir:      dataDir,
	}
}

// LoadWithProfile loads the environment configuration and, when
// DAWSOS_PROFILE is set, applies the named profile from PROFILES_DIR
// (default "profiles") on top of it.
func LoadWithProfile() (*Config, error) {
	cfg := Load()

	name := os.Getenv("DAWSOS_PROFILE")
	if name == "" {
		return cfg, nil
	}
	dir := os.Getenv("PROFILES_DIR")
	if dir == "" {
		dir = "profiles"
	}
	profile, err := LoadProfile(dir, name)
	if err != nil {
		return nil, err
	}
	profile.Apply(cfg)
	return cfg, nil
}
