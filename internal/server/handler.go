// Package server exposes the HTTP surface: webhook intake for both remote
// systems, the operations API, and the websocket status feed.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/engine"
)

// Default body size limit for webhook and API payloads.
const defaultMaxBodySize = 1 << 20 // 1MB

const defaultRequestTimeout = 30 * time.Second

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Handler carries the HTTP handlers for all routes.
type Handler struct {
	engine       *engine.Engine
	cfg          config.ServerConfig
	mappingsFile string
	logger       *slog.Logger
}

// NewHandler creates the route handler set. mappingsFile is the path the
// reload endpoint re-reads; empty disables reloading over HTTP.
func NewHandler(e *engine.Engine, cfg config.ServerConfig, mappingsFile string, logger *slog.Logger) *Handler {
	if e == nil {
		panic("engine cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, cfg: cfg, mappingsFile: mappingsFile, logger: logger.With("component", "server")}
}

// RegisterRoutes registers all routes to the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Webhook intake. Authenticated by HMAC body signature, not JWT.
	mux.HandleFunc("POST /webhooks/doc", withTimeout(maxBodySize(h.handleDocWebhook, defaultMaxBodySize), defaultRequestTimeout))
	mux.HandleFunc("POST /webhooks/table", withTimeout(maxBodySize(h.handleTableWebhook, defaultMaxBodySize), defaultRequestTimeout))

	// Operations API.
	mux.HandleFunc("GET /api/v1/ops", withTimeout(h.protected(h.handleListOps), defaultRequestTimeout))
	mux.HandleFunc("GET /api/v1/ops/{id}", withTimeout(h.protected(h.handleGetOp), defaultRequestTimeout))
	mux.HandleFunc("POST /api/v1/ops/{id}/retry", withTimeout(h.protected(h.handleRetryOp), defaultRequestTimeout))
	mux.HandleFunc("POST /api/v1/ops/{id}/cancel", withTimeout(h.protected(h.handleCancelOp), defaultRequestTimeout))
	mux.HandleFunc("POST /api/v1/ops/{id}/resolve", withTimeout(maxBodySize(h.protected(h.handleResolveOp), defaultMaxBodySize), defaultRequestTimeout))
	mux.HandleFunc("GET /api/v1/stats", withTimeout(h.protected(h.handleStats), defaultRequestTimeout))

	// Mapping management.
	mux.HandleFunc("GET /api/v1/mappings", withTimeout(h.protected(h.handleListMappings), defaultRequestTimeout))
	mux.HandleFunc("POST /api/v1/mappings/reload", withTimeout(h.protected(h.handleReloadMappings), defaultRequestTimeout))

	// Status feed. The websocket upgrade carries its own lifecycle, no
	// request timeout.
	mux.HandleFunc("GET /api/v1/ops/watch", h.protected(h.handleWatch))

	mux.HandleFunc("GET /health", withTimeout(h.handleHealth, 5*time.Second))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("Failed to encode error response", "error", err)
	}
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// maxBodySize wraps a handler with request body size limiting
func maxBodySize(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// withTimeout wraps a handler with a context timeout
func withTimeout(next http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}
