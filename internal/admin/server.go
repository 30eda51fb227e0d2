package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusProvider supplies the status document served on /status.
type StatusProvider interface {
	Status() map[string]any
	Running() bool
}

// Server is the operator HTTP surface: liveness, status, and Prometheus
// metrics. It carries no message traffic.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the admin server on addr.
func NewServer(addr string, provider StatusProvider, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		logger: logger.With().Str("component", "admin").Logger(),
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !provider.Running() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(provider.Status()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode status")
		}
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start runs the listener until it fails or Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("Admin server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
