package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const envPrefix = "TREESYNC_"

// Load loads configuration from a file path and applies environment variable overrides.
// Fields missing from the file keep their defaults.
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// loadFromFile decodes a JSON file over cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}

func envBool(name string, dst *bool) {
	if v := getenv(name); v == "true" || v == "1" {
		*dst = true
	}
}

func envString(name string, dst *string) {
	if v := getenv(name); v != "" {
		*dst = v
	}
}

// envInt ignores values that do not parse, logging them
func envInt(name string, dst *int) {
	v := getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", envPrefix+name).Str("value", v).Msg("ignoring non-integer environment variable")
		return
	}
	*dst = n
}

// applyEnvironmentOverrides applies configuration from TREESYNC_* environment variables
func applyEnvironmentOverrides(cfg *Config) {
	envBool("DEBUG", &cfg.Debug)
	envString("LOG_LEVEL", &cfg.LogLevel)

	// Client
	envString("SERVER_URL", &cfg.Client.ServerURL)
	envString("AUTH_TOKEN", &cfg.Client.AuthToken)
	envString("SUBJECT", &cfg.Client.Subject)
	envInt("MAX_TRANSACTION_RETRIES", &cfg.Client.MaxTransactionRetries)

	// Server
	envString("HTTP_ADDR", &cfg.Server.Addr)
	envString("JWT_SECRET", &cfg.Server.JWTSecret)
	envBool("DEV_MODE", &cfg.Server.DevMode)
	envString("DATABASE_URL", &cfg.Server.DatabaseURL)
	envString("SNAPSHOT_NAME", &cfg.Server.SnapshotName)
	envInt("RATE_LIMIT_WINDOW_SECONDS", &cfg.Server.RateLimit.WindowSeconds)
	envInt("RATE_LIMIT_MAX_REQUESTS", &cfg.Server.RateLimit.MaxRequests)
	envInt("RATE_LIMIT_BURST", &cfg.Server.RateLimit.Burst)
}

// LoadFromEnvironment creates a configuration using only environment variables
// This is useful for containerized deployments where files may not be available
// Validation is deferred to allow CLI flag overrides to be applied first
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}
