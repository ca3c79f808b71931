// Package server provides the HTTP front of the AS4 message handler.
//
// The server exposes three surfaces:
//
//   - POST <endpointPath> - the AS4 endpoint. Inbound ebMS3 messages,
//     receipts, errors and pull requests arrive here; authentication is
//     message-level WS-Security.
//   - GET /health and GET /ready - liveness and readiness probes.
//   - GET <metricsPath> - Prometheus metrics, when enabled.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phax/phase4-sub011/internal/config"
	"github.com/phax/phase4-sub011/pkg/msh"
)

// Pinger reports backing store connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the AS4 HTTP server
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
	core    *msh.Core
	pinger  Pinger
}

// New creates the server around an assembled message handler core.
// pinger may be nil when the server runs on in-memory stores.
func New(cfg *config.Config, core *msh.Core, pinger Pinger, logger *slog.Logger) *Server {
	s := &Server{
		config: cfg,
		logger: logger,
		core:   core,
		pinger: pinger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Start begins listening on the configured port
func (s *Server) Start() error {
	s.httpSrv.Addr = fmt.Sprintf(":%d", s.config.Server.Port)
	s.logger.Info("starting server",
		slog.String("addr", s.httpSrv.Addr),
		slog.String("endpoint", s.config.Server.EndpointPath),
		slog.Bool("tls", s.config.Server.TLS.Enabled))
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("POST "+s.config.Server.EndpointPath, msh.NewReceiver(s.core))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, promhttp.HandlerFor(
			prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.jsonResponse(w, map[string]string{"status": "storage unavailable"}, http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
