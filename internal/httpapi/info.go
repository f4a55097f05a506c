package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion string `json:"apiVersion"`
	// ServerTime is the database clock in milliseconds since the epoch
	ServerTime int64          `json:"serverTime"`
	Sessions   int            `json:"sessions"`
	Protocol   ProtocolInfo   `json:"protocol"`
	RateLimit  *RateLimitInfo `json:"rateLimit,omitempty"`
}

// ProtocolInfo tells clients where and how to connect
type ProtocolInfo struct {
	Websocket string `json:"websocket"`
	REST      string `json:"rest"`
	// HandshakeTimeoutMs is how long a client should wait for the handshake frame
	HandshakeTimeoutMs int `json:"handshakeTimeoutMs"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// DefaultRateLimitConfig allows 600 writes a minute per subject with bursts of 120
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// Info handles GET /info
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion: "1.0",
		ServerTime: s.DB.Now().UnixMilli(),
		Sessions:   s.DB.SessionCount(),
		Protocol: ProtocolInfo{
			Websocket:          "/ws",
			REST:               "/db",
			HandshakeTimeoutMs: int((10 * time.Second).Milliseconds()),
		},
	}
	if s.RateLimitConfig.MaxRequests > 0 {
		info.RateLimit = &s.RateLimitConfig
	}

	writeJSON(w, http.StatusOK, info)
}
