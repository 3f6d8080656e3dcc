package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relaypool/internal/pool"
)

// Server exposes metrics and relay status of a pool over HTTP
type Server struct {
	addr       string
	pool       *pool.Pool
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New creates a new Server for addr
func New(addr string, p *pool.Pool, logger zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		pool:   p,
		logger: logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the HTTP handler serving /metrics, /healthz and /relays
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/relays", s.handleRelays)
	return mux
}

// Start starts listening; requests are served in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Msg("starting observability server")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("observability server error")
		}
	}()

	return nil
}

// Addr returns the address the server listens on, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server. The pool is not closed.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability server shutdown error: %w", err)
	}
	s.logger.Info().Msg("observability server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.pool.Health()
	status := http.StatusOK
	if h.Down() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

func (s *Server) handleRelays(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Relays())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}
