package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

const correlationHeader = "X-Correlation-ID"

// CorrelationMiddleware tags the request with the client's X-Correlation-ID, or a new
// one. The ID is echoed back and carried by the request logger; websocket sessions
// opened by the request log under it for their whole lifetime.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		ctx = log.With().Str("correlation_id", id).Logger().WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID returns the ID set by CorrelationMiddleware, or ""
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// upgradeHeader is the extra header for a websocket handshake response. The upgrade
// hijacks the connection, so headers set on the ResponseWriter are not sent.
func upgradeHeader(ctx context.Context) http.Header {
	id := GetCorrelationID(ctx)
	if id == "" {
		return nil
	}
	return http.Header{correlationHeader: {id}}
}
