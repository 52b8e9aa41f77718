// Package web exposes the Geometer metering and estimation JSON API.
package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/artpar/geometer/adapters/idgen"
	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/app"
	"github.com/artpar/geometer/ports"
)

// Handler serves the estimation, recording, and analytics endpoints.
type Handler struct {
	estimator  *app.Estimator
	ledger     *app.Ledger
	aggregator *app.Aggregator
	clock      ports.Clock
	idgen      ports.IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Collector
}

// Config wires the handler's collaborators.
type Config struct {
	Estimator  *app.Estimator
	Ledger     *app.Ledger
	Aggregator *app.Aggregator
	Clock      ports.Clock
	IDGen      ports.IDGenerator
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// NewHandler creates the API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.IDGen == nil {
		cfg.IDGen = idgen.UUID{}
	}
	return &Handler{
		estimator:  cfg.Estimator,
		ledger:     cfg.Ledger,
		aggregator: cfg.Aggregator,
		clock:      cfg.Clock,
		idgen:      cfg.IDGen,
		logger:     cfg.Logger.With().Str("component", "web").Logger(),
		metrics:    cfg.Metrics,
	}
}

// Router builds the HTTP router with the full middleware chain.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if h.metrics != nil {
		r.Use(NewMetricsMiddleware(h.metrics))
	}

	// Operational endpoints (no auth required)
	r.Get("/healthz", h.Health)
	r.Get("/version", Version)

	if h.metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Serve OpenAPI spec at well-known location
	r.Get("/.well-known/openapi.json", OpenAPISpec)

	// Swagger UI
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/.well-known/openapi.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/estimate-cost/region", h.EstimateRegion)
		r.Post("/estimate-cost/path", h.EstimatePath)

		r.Route("/usage", func(r chi.Router) {
			r.Post("/record", h.RecordUsage)
			r.Get("/metrics", h.UsageMetrics)
			r.Get("/trends/hourly", h.HourlyTrends)
			r.Get("/costs/breakdown", h.CostBreakdown)
			r.Get("/performance/slowest", h.SlowestRequests)
			r.Get("/performance/errors", h.ErrorAnalysis)
			r.Get("/instances", h.Instances)
			r.Get("/endpoint/*", h.EndpointUsage)
		})

		r.Get("/user/cost-summary", h.CostSummary)
	})

	return r
}

// Health returns a simple liveness check.
//
//	@Summary		Liveness check
//	@Description	Returns OK if the service is running
//	@Tags			Health
//	@Produce		json
//	@Success		200	{object}	map[string]string	"status: ok"
//	@Router			/healthz [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// VersionResponse carries the build identity.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// BuildVersion is set at link time via -ldflags.
var BuildVersion = "dev"

// Version returns the service version.
//
//	@Summary		Get service version
//	@Tags			System
//	@Produce		json
//	@Success		200	{object}	VersionResponse	"Version information"
//	@Router			/version [get]
func Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{
		Version: BuildVersion,
		Service: "geometer",
	})
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for internal endpoints
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" ||
				strings.HasPrefix(r.URL.Path, "/swagger") || strings.HasPrefix(r.URL.Path, "/.well-known") {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			status := statusLabel(ww.Status())
			path := metrics.NormalizePath(r.URL.Path)

			m.RequestsTotal.WithLabelValues(r.Method, path, status, tierLabel(r)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
		})
	}
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// tierLabel returns the caller's tier for metric labels.
func tierLabel(r *http.Request) string {
	if t := r.Header.Get("X-User-Tier"); t != "" {
		return t
	}
	return "unknown"
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
