// Package api is the ops HTTP surface: health, metrics, and queue
// statistics. Email submission stays a Go-level call on the queue service;
// this server exists for probes and dashboards.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mailqueue/internal/alert"
	"github.com/ignite/mailqueue/internal/config"
	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/health"
	"github.com/ignite/mailqueue/internal/metrics"
	"github.com/ignite/mailqueue/internal/pkg/logger"
	"github.com/ignite/mailqueue/internal/queue"
)

// Server serves the ops endpoints.
type Server struct {
	cfg     config.ServerConfig
	monitor *health.Monitor
	metrics *metrics.Collector
	service *queue.Service
	alerts  *alert.Manager

	httpServer *http.Server
}

// NewServer builds the ops server.
func NewServer(cfg config.ServerConfig, monitor *health.Monitor, collector *metrics.Collector, service *queue.Service, alerts *alert.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		monitor: monitor,
		metrics: collector,
		service: service,
		alerts:  alerts,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/queue/health", s.handleQueueHealth)
	r.Get("/alerts", s.handleAlerts)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.GetHost(), cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start listens in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("ops server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", "error", err.Error())
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth runs the probes. Critical health returns 503 so load
// balancer checks fail over.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Check(r.Context())
	status := http.StatusOK
	if report.Overall == domain.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	active := s.alerts.Active()
	if active == nil {
		active = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": active})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
