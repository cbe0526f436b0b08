// Package server implements the public HTTP front door of the relay: the liveness
// route, the generate route, the origin allow-list, and the ambient middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/gemini-relay/pkg/config"
	"github.com/polisai/gemini-relay/pkg/domain"
	"github.com/polisai/gemini-relay/pkg/upstream"
)

const (
	// GeneratePath is the relay route.
	GeneratePath = "/api/generate"

	detailBodyTooLarge = "request body too large"
	kindBodyTooLarge   = "body_too_large"
	operationName      = "relay.http"
)

// Forwarder relays a validated request to the upstream model. Every failure
// must be a *domain.RelayError or something domain.AsRelayError can wrap.
type Forwarder interface {
	Generate(ctx context.Context, target upstream.Target, req *domain.GenerateRequest) ([]byte, error)
}

// Metrics is the subset of telemetry.HTTPMetrics the front door uses.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	RecordRelayError(kind string)
}

// Config wires the front door's dependencies.
type Config struct {
	Store     *config.Store
	Forwarder Forwarder
	Logger    *slog.Logger
	Metrics   Metrics
}

// Server serves the public routes. It is safe for concurrent use.
type Server struct {
	store     *config.Store
	forwarder Forwarder
	logger    *slog.Logger
	metrics   Metrics
}

// New creates the front door. Store and Forwarder are required.
func New(cfg Config) *Server {
	if cfg.Store == nil {
		panic("server: Store is required")
	}
	if cfg.Forwarder == nil {
		panic("server: Forwarder is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:     cfg.Store,
		forwarder: cfg.Forwarder,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Handler returns the routes wrapped in the middleware chain, outermost first:
// tracing, request ID, access log, metrics, origin policy.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	h = s.cors(h)
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	h = s.accessLog(h)
	h = requestID(h)
	return otelhttp.NewHandler(h, operationName)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("POST "+GeneratePath, s.handleGenerate)
	return mux
}

// handleHealth handles GET / requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.Health())
}

// handleGenerate handles POST /api/generate requests
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot := s.store.Current()

	body := http.MaxBytesReader(w, r.Body, snapshot.Server.MaxBodyBytes)
	req, err := domain.DecodeGenerateRequest(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.recordError(kindBodyTooLarge)
			s.logger.WarnContext(ctx, "request body too large", "limit_bytes", tooLarge.Limit)
			writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{Detail: detailBodyTooLarge})
			return
		}
		s.writeError(ctx, w, err)
		return
	}

	target := upstream.Target{
		BaseURL: snapshot.Upstream.BaseURL,
		Model:   snapshot.Upstream.Model,
		Timeout: snapshot.Upstream.Timeout,
		APIKey:  snapshot.Upstream.APIKey,
	}

	result, err := s.forwarder.Generate(ctx, target, req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result); err != nil {
		s.logger.DebugContext(ctx, "failed to write response", "error", err)
	}
}

// writeError renders err as {"detail": ...} with the status of its kind. An
// upstream status that cannot carry a body is answered with 502 so the detail
// reaches the caller.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	re := domain.AsRelayError(err)
	s.recordError(string(re.Kind))

	status := re.Status
	if !bodyAllowedForStatus(status) {
		status = http.StatusBadGateway
	}
	attrs := []any{
		"kind", string(re.Kind),
		"status", status,
		"detail", re.Detail,
	}
	if status != re.Status {
		attrs = append(attrs, "upstream_status", re.Status)
	}

	switch re.Kind {
	case domain.KindValidation:
		s.logger.InfoContext(ctx, "rejected invalid request", attrs...)
	case domain.KindUpstream:
		s.logger.WarnContext(ctx, "upstream returned an error", attrs...)
	default:
		s.logger.ErrorContext(ctx, "relay call failed", append(attrs, "timeout", re.Timeout)...)
	}

	writeJSON(w, status, re.Response())
}

func (s *Server) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordRelayError(kind)
	}
}

// bodyAllowedForStatus reports whether a response with status may include a
// body (RFC 9110: not 1xx, 204 or 304).
func bodyAllowedForStatus(status int) bool {
	switch {
	case status < http.StatusOK:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
