// Package config loads settings for the treesync binaries from a JSON file and
// TREESYNC_* environment variables.
package config

import (
	"net/url"
)

// Config holds the configuration of both the client and the reference server
type Config struct {
	Client   ClientConfig `json:"client"`
	Server   ServerConfig `json:"server"`
	Debug    bool         `json:"debug"`
	LogLevel string       `json:"logLevel"`
}

// ClientConfig describes how a client connects
type ClientConfig struct {
	ServerURL string `json:"serverUrl"`
	AuthToken string `json:"authToken,omitempty"`
	// Subject is sent as X-Debug-Sub when no token is configured (dev servers only)
	Subject               string `json:"subject,omitempty"`
	MaxTransactionRetries int    `json:"maxTransactionRetries"`
}

// ServerConfig describes the reference server
type ServerConfig struct {
	Addr      string `json:"addr"`
	JWTSecret string `json:"jwtSecret,omitempty"`
	DevMode   bool   `json:"devMode"` // enables X-Debug-Sub header fallback
	// DatabaseURL enables the postgres snapshot store when set
	DatabaseURL  string          `json:"databaseUrl,omitempty"`
	SnapshotName string          `json:"snapshotName"`
	RateLimit    RateLimitConfig `json:"rateLimit"`
}

// RateLimitConfig limits REST writes per subject; zero MaxRequests disables limiting
type RateLimitConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

// ValidateClient checks the settings a client needs
func (c *Config) ValidateClient() error {
	if c.Client.ServerURL == "" {
		return ErrMissingServerURL
	}
	u, err := url.Parse(c.Client.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return ErrInvalidServerURL
	}
	if c.Client.MaxTransactionRetries <= 0 {
		return ErrInvalidRetries
	}
	return nil
}

// ValidateServer checks the settings the reference server needs
func (c *Config) ValidateServer() error {
	if c.Server.Addr == "" {
		return ErrMissingAddr
	}
	if !c.Server.DevMode && c.Server.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	rl := c.Server.RateLimit
	if rl.WindowSeconds < 0 || rl.MaxRequests < 0 || rl.Burst < 0 {
		return ErrInvalidRateLimit
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL:             "ws://localhost:8080/ws",
			MaxTransactionRetries: 25,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			SnapshotName: "default",
			RateLimit: RateLimitConfig{
				WindowSeconds: 60,
				MaxRequests:   600,
				Burst:         120,
			},
		},
		LogLevel: "info",
	}
}
