package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessChecker reports whether the node can serve traffic
type ReadinessChecker interface {
	Ready() bool
}

// MetricsServer serves Prometheus metrics and health probes via HTTP
type MetricsServer struct {
	httpServer *http.Server
	readiness  ReadinessChecker
	nodeID     string
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port   int
	NodeID string
}

// NewMetricsServer creates a new metrics server exposing the metrics in gatherer
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, readiness ReadinessChecker, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		readiness: readiness,
		nodeID:    cfg.NodeID,
		logger:    logger,
	}

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Start starts serving in the background
func (s *MetricsServer) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler serving all endpoints
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

type probeResponse struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	Timestamp  string `json:"timestamp"`
	Goroutines int    `json:"goroutines,omitempty"`
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, http.StatusOK, probeResponse{
		Status:     "healthy",
		Goroutines: runtime.NumGoroutine(),
	})
}

// readyHandler reports ready once every cache installed a view containing this node
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil && !s.readiness.Ready() {
		s.writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "not_ready"})
		return
	}
	s.writeProbe(w, http.StatusOK, probeResponse{Status: "ready"})
}

func (s *MetricsServer) writeProbe(w http.ResponseWriter, code int, resp probeResponse) {
	resp.NodeID = s.nodeID
	resp.Timestamp = time.Now().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write probe response", zap.Error(err))
	}
}
