// Package metrics provides Prometheus metrics collection for Geometer.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for Geometer.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Estimate metrics
	EstimatesTotal *prometheus.CounterVec
	EstimatedCost  *prometheus.CounterVec

	// Quota metrics
	QuotaDenials  *prometheus.CounterVec
	QuotaWarnings *prometheus.CounterVec

	// Ledger metrics
	LedgerWrites      *prometheus.CounterVec
	LedgerWriteErrors prometheus.Counter
	LedgerRetryDepth  prometheus.Gauge

	// Aggregation metrics
	AggregationRefreshes    prometheus.Counter
	AggregationRefreshError prometheus.Counter
	AggregationStaleness    prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newWith(promauto.With(reg))
}

func newWith(factory promauto.Factory) *Collector {
	return &Collector{
		// Request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "path", "status", "tier"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "geometer",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geometer",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		// Estimate metrics
		EstimatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "estimates_total",
				Help:      "Total number of cost estimates computed",
			},
			[]string{"request_type", "data_type", "tier"},
		),
		EstimatedCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "estimated_cost_usd_total",
				Help:      "Sum of estimated costs in USD",
			},
			[]string{"data_type", "tier"},
		),

		// Quota metrics
		QuotaDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "quota_denials_total",
				Help:      "Total number of requests denied by quota checks",
			},
			[]string{"reason", "tier"},
		),
		QuotaWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "quota_warnings_total",
				Help:      "Total number of admissions with usage warnings",
			},
			[]string{"tier"},
		),

		// Ledger metrics
		LedgerWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "ledger_writes_total",
				Help:      "Total number of usage events committed to the ledger",
			},
			[]string{"outcome"},
		),
		LedgerWriteErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "ledger_write_errors_total",
				Help:      "Total number of failed ledger writes",
			},
		),
		LedgerRetryDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geometer",
				Name:      "ledger_retry_queue_depth",
				Help:      "Number of usage events waiting for retry",
			},
		),

		// Aggregation metrics
		AggregationRefreshes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "aggregation_refreshes_total",
				Help:      "Total number of metrics cache refreshes",
			},
		),
		AggregationRefreshError: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "aggregation_refresh_errors_total",
				Help:      "Total number of failed metrics cache refreshes",
			},
		),
		AggregationStaleness: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geometer",
				Name:      "aggregation_staleness_seconds",
				Help:      "Age of the cached metrics snapshot in seconds",
			},
		),

		// Config metrics
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geometer",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geometer",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// endpointUsagePrefix is the one route with an unbounded suffix: the
// caller's endpoint path rides after it.
const endpointUsagePrefix = "/api/v1/usage/endpoint/"

// NormalizePath reduces cardinality from dynamic path segments so the
// path label stays a bounded set.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, endpointUsagePrefix) {
		return endpointUsagePrefix + "{endpoint}"
	}
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return path
}
