package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/gemini-relay/pkg/logging"
	"github.com/polisai/gemini-relay/pkg/telemetry"
)

// RequestIDHeader carries the correlation ID in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestIDFromContext returns the ID assigned by the request ID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return logging.RequestIDFromContext(ctx)
}

// requestID propagates a caller-supplied X-Request-ID or assigns a new UUID,
// and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// accessLog writes one line per request once the response is complete.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := telemetry.NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		s.logger.InfoContext(r.Context(), "handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"origin", r.Header.Get(headerOrigin),
			"remote_addr", r.RemoteAddr,
		)
	})
}
