package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/engine"
)

// Server owns the HTTP listener for webhooks, the ops API and the status
// feed.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the server with all routes registered.
func New(e *engine.Engine, cfg config.ServerConfig, mappingsFile string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	NewHandler(e, cfg, mappingsFile, logger).RegisterRoutes(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  time.Duration(cfg.ReadTimeout),
			WriteTimeout: time.Duration(cfg.WriteTimeout),
		},
		logger: logger.With("component", "server"),
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(shutdownCtx)
}
