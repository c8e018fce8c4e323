// Package server hosts the ops HTTP surface: health, version and stream
// statistics. Media itself is served over the byte-level HTTP layer in
// httpparse, not through this router.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/valurhrafn/mistlib/internal/config"
	"github.com/valurhrafn/mistlib/pkg/version"
)

// StreamInfo is one row of the stream statistics endpoint.
type StreamInfo struct {
	Name     string `json:"name"`
	Buffered int    `json:"buffered_packets"`
	Rings    int    `json:"rings"`
	Tracks   int    `json:"tracks"`
	Ended    bool   `json:"ended"`
}

// StatsSource provides the live stream statistics the API exposes.
type StatsSource interface {
	Streams() []StreamInfo
}

// Server is the ops API server.
type Server struct {
	config     *config.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	logger     *logrus.Logger
	stats      StatsSource
}

// New creates a new ops API server.
func New(cfg *config.ServerConfig, log *logrus.Logger, stats StatsSource) *Server {
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		logger: log,
		stats:  stats,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.APIPort),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.WithField("port", s.config.APIPort).Info("Ops API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams := []StreamInfo{}
	if s.stats != nil {
		streams = s.stats.Streams()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

// writeJSON is a helper to write JSON responses
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
