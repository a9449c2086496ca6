// Package api exposes the management HTTP API: CRUD over the routing
// configuration, user administration, audit log queries and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wsdispatch/wsdispatch/internal/config"
	"github.com/wsdispatch/wsdispatch/internal/outbound"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

// Server serves the management API.
type Server struct {
	manager *config.Manager
	store   *store.Store
	pool    *outbound.Pool
	logger  zerolog.Logger
	started time.Time

	httpServer *http.Server
}

// NewServer wires the API against the config manager, user store and
// outbound pool.
func NewServer(manager *config.Manager, st *store.Store, pool *outbound.Pool, logger zerolog.Logger) *Server {
	return &Server{
		manager: manager,
		store:   st,
		pool:    pool,
		logger:  logger,
		started: time.Now(),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config/reload", s.handleReloadConfig)

	mux.HandleFunc("GET /api/categories", s.handleListCategories)
	mux.HandleFunc("POST /api/categories", s.handleCreateCategory)
	mux.HandleFunc("GET /api/categories/{id}", s.handleGetCategory)
	mux.HandleFunc("PUT /api/categories/{id}", s.handleUpdateCategory)
	mux.HandleFunc("DELETE /api/categories/{id}", s.handleDeleteCategory)

	mux.HandleFunc("GET /api/command-sets", s.handleListCommandSets)
	mux.HandleFunc("POST /api/command-sets", s.handleCreateCommandSet)
	mux.HandleFunc("GET /api/command-sets/{id}", s.handleGetCommandSet)
	mux.HandleFunc("PUT /api/command-sets/{id}", s.handleUpdateCommandSet)
	mux.HandleFunc("DELETE /api/command-sets/{id}", s.handleDeleteCommandSet)
	mux.HandleFunc("POST /api/command-sets/{id}/commands", s.handleAddCommand)
	mux.HandleFunc("DELETE /api/command-sets/{id}/commands", s.handleRemoveCommand)

	mux.HandleFunc("GET /api/access-lists", s.handleListAccessLists)
	mux.HandleFunc("POST /api/access-lists", s.handleCreateAccessList)
	mux.HandleFunc("GET /api/access-lists/conflicts", s.handleAccessListConflicts)
	mux.HandleFunc("GET /api/access-lists/{id}", s.handleGetAccessList)
	mux.HandleFunc("PUT /api/access-lists/{id}", s.handleUpdateAccessList)
	mux.HandleFunc("DELETE /api/access-lists/{id}", s.handleDeleteAccessList)

	mux.HandleFunc("GET /api/connections", s.handleListConnections)
	mux.HandleFunc("POST /api/connections", s.handleCreateConnection)
	mux.HandleFunc("GET /api/connections/status", s.handleConnectionStatus)
	mux.HandleFunc("GET /api/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("PUT /api/connections/{id}", s.handleUpdateConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", s.handleDeleteConnection)
	mux.HandleFunc("POST /api/connections/{id}/reconnect", s.handleReconnectConnection)

	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	mux.HandleFunc("PUT /api/users/{id}", s.handleUpdateUser)

	mux.HandleFunc("GET /api/logs", s.handleListLogs)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Start serves the API on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	statuses := s.pool.Statuses()
	for _, status := range statuses {
		if status.State == outbound.StateOpen {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "healthy",
		"uptime_seconds":        int(time.Since(s.started).Seconds()),
		"connections_total":     len(statuses),
		"connections_connected": connected,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Current())
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reload(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the config error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrNotFound), errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, outbound.ErrUnknownConnection):
		status = http.StatusNotFound
	case errors.Is(err, config.ErrIDConflict), errors.Is(err, config.ErrReferentialIntegrity):
		status = http.StatusConflict
	case errors.Is(err, config.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("API request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", config.ErrValidation, err)
	}
	return nil
}
