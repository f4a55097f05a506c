package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var envKeys = []string{
	"DEBUG", "LOG_LEVEL", "SERVER_URL", "AUTH_TOKEN", "SUBJECT", "MAX_TRANSACTION_RETRIES",
	"HTTP_ADDR", "JWT_SECRET", "DEV_MODE", "DATABASE_URL", "SNAPSHOT_NAME",
	"RATE_LIMIT_WINDOW_SECONDS", "RATE_LIMIT_MAX_REQUESTS", "RATE_LIMIT_BURST",
}

// clearEnv blanks every variable the loader reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(envPrefix+key, "")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		checks  func(*testing.T, *Config)
	}{
		{
			name: "default values when no env set",
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Client.ServerURL != "ws://localhost:8080/ws" {
					t.Errorf("Client.ServerURL = %s, want default", cfg.Client.ServerURL)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
				}
				if cfg.Server.RateLimit.MaxRequests != 600 {
					t.Errorf("Server.RateLimit.MaxRequests = %d, want 600", cfg.Server.RateLimit.MaxRequests)
				}
			},
		},
		{
			name: "client settings",
			envVars: map[string]string{
				"TREESYNC_SERVER_URL":              "wss://db.example.com/ws",
				"TREESYNC_AUTH_TOKEN":              "tok",
				"TREESYNC_MAX_TRANSACTION_RETRIES": "3",
				"TREESYNC_DEBUG":                   "1",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Client.ServerURL != "wss://db.example.com/ws" || cfg.Client.AuthToken != "tok" {
					t.Errorf("Client = %+v", cfg.Client)
				}
				if cfg.Client.MaxTransactionRetries != 3 {
					t.Errorf("Client.MaxTransactionRetries = %d, want 3", cfg.Client.MaxTransactionRetries)
				}
				if !cfg.Debug {
					t.Error("Debug = false, want true")
				}
			},
		},
		{
			name: "server settings",
			envVars: map[string]string{
				"TREESYNC_HTTP_ADDR":        ":9090",
				"TREESYNC_DEV_MODE":         "true",
				"TREESYNC_DATABASE_URL":     "postgres://localhost/treesync",
				"TREESYNC_RATE_LIMIT_BURST": "7",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Server.Addr != ":9090" || !cfg.Server.DevMode {
					t.Errorf("Server = %+v", cfg.Server)
				}
				if cfg.Server.DatabaseURL != "postgres://localhost/treesync" {
					t.Errorf("Server.DatabaseURL = %s", cfg.Server.DatabaseURL)
				}
				if cfg.Server.RateLimit.Burst != 7 {
					t.Errorf("Server.RateLimit.Burst = %d, want 7", cfg.Server.RateLimit.Burst)
				}
			},
		},
		{
			name:    "unparsable integers keep defaults",
			envVars: map[string]string{"TREESYNC_MAX_TRANSACTION_RETRIES": "lots"},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Client.MaxTransactionRetries != 25 {
					t.Errorf("Client.MaxTransactionRetries = %d, want 25", cfg.Client.MaxTransactionRetries)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := LoadFromEnvironment()
			if err != nil {
				t.Fatalf("LoadFromEnvironment() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	testConfigPath := filepath.Join(tmpDir, "test_config.json")
	testConfigJSON := `{
  "debug": true,
  "logLevel": "debug",
  "client": {"serverUrl": "ws://test-server:8080/ws", "subject": "alice"},
  "server": {"jwtSecret": "s3cret"}
}`
	if err := os.WriteFile(testConfigPath, []byte(testConfigJSON), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}
	badConfigPath := filepath.Join(tmpDir, "bad.json")
	if err := os.WriteFile(badConfigPath, []byte(`{"client":`), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}

	tests := []struct {
		name       string
		configPath string
		envVars    map[string]string
		wantErr    error
		checks     func(*testing.T, *Config)
	}{
		{
			name:       "load from file",
			configPath: testConfigPath,
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Client.ServerURL != "ws://test-server:8080/ws" || cfg.Client.Subject != "alice" {
					t.Errorf("Client = %+v, want values from file", cfg.Client)
				}
				if cfg.Server.JWTSecret != "s3cret" {
					t.Errorf("Server.JWTSecret = %q, want s3cret", cfg.Server.JWTSecret)
				}
				// fields missing from the file keep their defaults
				if cfg.Server.Addr != ":8080" || cfg.Client.MaxTransactionRetries != 25 {
					t.Errorf("defaults lost: addr %q retries %d", cfg.Server.Addr, cfg.Client.MaxTransactionRetries)
				}
			},
		},
		{
			name:       "env overrides file",
			configPath: testConfigPath,
			envVars:    map[string]string{"TREESYNC_SERVER_URL": "ws://override:9000/ws"},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Client.ServerURL != "ws://override:9000/ws" {
					t.Errorf("Client.ServerURL = %s, want env override", cfg.Client.ServerURL)
				}
				if !cfg.Debug {
					t.Error("Debug = false, want true from file")
				}
			},
		},
		{
			name:       "nonexistent file",
			configPath: "/nonexistent/config.json",
			wantErr:    ErrConfigFileNotFound,
		},
		{
			name:       "invalid json",
			configPath: badConfigPath,
			wantErr:    ErrInvalidConfigFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(tt.configPath)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Load() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && tt.checks != nil {
				tt.checks(t, cfg)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func(mutate func(*Config)) *Config {
		cfg := DefaultConfig()
		cfg.Server.JWTSecret = "secret"
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name      string
		config    *Config
		clientErr error
		serverErr error
	}{
		{name: "defaults with a secret", config: valid(func(*Config) {})},
		{name: "dev mode without secret", config: valid(func(c *Config) { c.Server.JWTSecret = ""; c.Server.DevMode = true })},
		{name: "missing secret", config: valid(func(c *Config) { c.Server.JWTSecret = "" }), serverErr: ErrMissingJWTSecret},
		{name: "missing addr", config: valid(func(c *Config) { c.Server.Addr = "" }), serverErr: ErrMissingAddr},
		{name: "negative rate limit", config: valid(func(c *Config) { c.Server.RateLimit.Burst = -1 }), serverErr: ErrInvalidRateLimit},
		{name: "missing server url", config: valid(func(c *Config) { c.Client.ServerURL = "" }), clientErr: ErrMissingServerURL},
		{name: "http server url", config: valid(func(c *Config) { c.Client.ServerURL = "http://localhost:8080/ws" }), clientErr: ErrInvalidServerURL},
		{name: "zero retries", config: valid(func(c *Config) { c.Client.MaxTransactionRetries = 0 }), clientErr: ErrInvalidRetries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.ValidateClient(); !errors.Is(err, tt.clientErr) {
				t.Errorf("ValidateClient() error = %v, want %v", err, tt.clientErr)
			}
			if err := tt.config.ValidateServer(); !errors.Is(err, tt.serverErr) {
				t.Errorf("ValidateServer() error = %v, want %v", err, tt.serverErr)
			}
		})
	}
}
