// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept requests.
type ReadinessChecker func() bool

// Metrics contains custom Prometheus metrics for Keyfold.
type Metrics struct {
	SignInsTotal        *prometheus.CounterVec
	RegistrationsTotal  *prometheus.CounterVec
	TokensIssuedTotal   *prometheus.CounterVec
	TokensConsumedTotal *prometheus.CounterVec
	SessionsRevoked     prometheus.Counter
	SweepDeletedTotal   *prometheus.CounterVec
	EmailsDispatched    *prometheus.CounterVec
}

// NewMetrics creates and registers custom Keyfold metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignInsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfold_sign_ins_total",
				Help: "Total number of sign-in attempts by method and status",
			},
			[]string{"method", "status"},
		),
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfold_registrations_total",
				Help: "Total number of registration attempts by status",
			},
			[]string{"status"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfold_tokens_issued_total",
				Help: "Total number of verification tokens issued by purpose",
			},
			[]string{"purpose"},
		),
		TokensConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfold_tokens_consumed_total",
				Help: "Total number of verification tokens consumed by purpose and status",
			},
			[]string{"purpose", "status"},
		),
		SessionsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keyfold_sessions_revoked_total",
				Help: "Total number of sessions revoked",
			},
		),
		SweepDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfold_sweep_deleted_total",
				Help: "Total number of rows removed by the expiry sweeper by kind",
			},
			[]string{"kind"},
		),
		EmailsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfold_emails_dispatched_total",
				Help: "Total number of emails dispatched by purpose",
			},
			[]string{"purpose"},
		),
	}

	reg.MustRegister(m.SignInsTotal)
	reg.MustRegister(m.RegistrationsTotal)
	reg.MustRegister(m.TokensIssuedTotal)
	reg.MustRegister(m.TokensConsumedTotal)
	reg.MustRegister(m.SessionsRevoked)
	reg.MustRegister(m.SweepDeletedTotal)
	reg.MustRegister(m.EmailsDispatched)

	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9090", ":9090" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept requests,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
