package httpapi

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/auth"
	"github.com/erauner12/treesync/internal/emulator"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB              *emulator.Database
	RateLimitConfig RateLimitInfo
	// Upgrader for the websocket endpoint; the zero value accepts same-origin requests only
	Upgrader websocket.Upgrader

	limiterOnce sync.Once
	limiter     *RateLimiter
}

// errorResp is the body of every error response
type errorResp struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error carrying the request's correlation ID
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg, CorrelationID: GetCorrelationID(r.Context())})
}

// Routes creates the HTTP router with the database endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Get("/info", s.Info)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		r.Get("/ws", s.ServeWebsocket)
		r.Get("/db", s.GetData)
		r.Get("/db/*", s.GetData)

		r.Group(func(r chi.Router) {
			r.Use(s.limitWrites)
			r.Put("/db/*", s.PutData)
			r.Patch("/db/*", s.PatchData)
			r.Delete("/db/*", s.DeleteData)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
