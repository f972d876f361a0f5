// Package api exposes the reconciliation engine over HTTP: JSON
// endpoints for the trigger and connection commands, a WebSocket
// stream of engine events, health and version endpoints, and an
// optional Prometheus /metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/proctrigger/internal/buildinfo"
	"github.com/nugget/proctrigger/internal/connwatch"
	"github.com/nugget/proctrigger/internal/events"
	"github.com/nugget/proctrigger/internal/metrics"
	"github.com/nugget/proctrigger/internal/mqtt"
	"github.com/nugget/proctrigger/internal/reconcile"
	"github.com/nugget/proctrigger/internal/trigger"
)

// Engine is the command surface the server drives.
type Engine interface {
	ListTriggers(ctx context.Context) ([]trigger.Trigger, error)
	AddTrigger(ctx context.Context) (trigger.Trigger, error)
	RemoveTrigger(ctx context.Context, id string) error
	RemoveTriggerAt(ctx context.Context, index int) error
	UpdateTrigger(ctx context.Context, id string, f trigger.Fields) (trigger.Trigger, error)
	UpdateTriggerAt(ctx context.Context, index int, f trigger.Fields) (trigger.Trigger, error)
	ConnectionSettings() mqtt.Settings
	SetConnectionSettings(ctx context.Context, s mqtt.Settings) error
	Reconnect(ctx context.Context) error
	IsConnected() bool
	Processes(ctx context.Context) ([]string, error)
	RunningStates(ctx context.Context) ([]bool, []string, error)
	Health() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	engine  Engine
	bus     *events.Bus
	metrics bool
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, engine Engine, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		engine:  engine,
		bus:     bus,
		logger:  logger,
	}
}

// EnableMetrics serves the Prometheus default gatherer on /metrics.
func (s *Server) EnableMetrics() {
	s.metrics = true
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Trigger commands
	mux.HandleFunc("GET /v1/triggers", s.handleTriggerList)
	mux.HandleFunc("POST /v1/triggers", s.handleTriggerAdd)
	mux.HandleFunc("PUT /v1/triggers/{id}", s.handleTriggerUpdate)
	mux.HandleFunc("DELETE /v1/triggers/{id}", s.handleTriggerRemove)
	mux.HandleFunc("PUT /v1/triggers/at/{index}", s.handleTriggerUpdateAt)
	mux.HandleFunc("DELETE /v1/triggers/at/{index}", s.handleTriggerRemoveAt)
	mux.HandleFunc("GET /v1/states", s.handleStates)

	// Connection commands
	mux.HandleFunc("GET /v1/connection", s.handleConnectionGet)
	mux.HandleFunc("PUT /v1/connection", s.handleConnectionSet)
	mux.HandleFunc("POST /v1/connection/reconnect", s.handleReconnect)

	mux.HandleFunc("GET /v1/processes", s.handleProcesses)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "metrics", s.metrics)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// commandError maps an engine error to a response. It returns false
// when err is nil or only a persistence warning, in which case the
// caller writes its normal response.
func (s *Server) commandError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil, errors.Is(err, trigger.ErrNotPersisted):
		return false
	case errors.Is(err, trigger.ErrOutOfRange), errors.Is(err, trigger.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trigger.ErrLockUnavailable):
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, reconcile.ErrInvalidSettings):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("command failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
	return true
}

// warning returns the message of a persistence failure, or "".
func warning(err error) string {
	if errors.Is(err, trigger.ErrNotPersisted) {
		return err.Error()
	}
	return ""
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "proctrigger",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth reports 200 while the process table is being sampled.
// A disconnected broker degrades the status but not the code: the
// engine keeps reconciling and will reconnect on its own.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := s.engine.Health()
	status := "healthy"
	code := http.StatusOK
	if d, ok := deps["mqtt"]; ok && !d.Ready {
		status = "degraded"
	}
	if d, ok := deps["process_table"]; ok && !d.Ready {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":       status,
		"dependencies": deps,
	}, s.logger)
}
