package config

import "errors"

var (
	// ErrMissingServerURL indicates that the client has no server to connect to
	ErrMissingServerURL = errors.New("client.serverUrl is required in configuration")

	// ErrInvalidServerURL indicates a server URL that is not a ws:// or wss:// URL
	ErrInvalidServerURL = errors.New("client.serverUrl must be a ws:// or wss:// url")

	// ErrInvalidRetries indicates a non-positive transaction retry limit
	ErrInvalidRetries = errors.New("client.maxTransactionRetries must be positive")

	// ErrMissingAddr indicates that the server has no listen address
	ErrMissingAddr = errors.New("server.addr is required in configuration")

	// ErrMissingJWTSecret indicates that the server cannot verify tokens
	ErrMissingJWTSecret = errors.New("server.jwtSecret is required when not in dev mode")

	// ErrInvalidRateLimit indicates a rate limit with negative values
	ErrInvalidRateLimit = errors.New("server.rateLimit values must not be negative")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
