package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/knowledge-hub/knowledge-hub/internal/application/router"
)

const readinessTimeout = 3 * time.Second

// HealthChecker is implemented by the state stores.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server serves the operational HTTP endpoints. Domain operations are
// driven through the event router, not HTTP.
type Server struct {
	router *router.Router
	store  HealthChecker
	logger zerolog.Logger
}

func NewServer(rtr *router.Router, store HealthChecker, logger zerolog.Logger) *Server {
	return &Server{
		router: rtr,
		store:  store,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/debug/events", func(r chi.Router) {
		r.Get("/health", s.routerHealth)
		r.Get("/metrics", s.routerMetrics)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	body := map[string]interface{}{"status": "ready"}
	status := http.StatusOK
	if err := s.store.Health(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("store not ready")
		body["store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		body["store"] = "ok"
	}
	health := s.router.HealthCheck(ctx)
	body["events"] = health
	if health.Status == router.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		body["status"] = "not_ready"
	}
	respondJSON(w, status, body)
}

func (s *Server) routerHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.router.HealthCheck(r.Context()))
}

func (s *Server) routerMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.router.Metrics())
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
