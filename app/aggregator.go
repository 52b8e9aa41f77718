package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

// ErrAggregationUnavailable means the event store is unreachable and no
// cached snapshot exists to serve instead.
var ErrAggregationUnavailable = errors.New("aggregation unavailable")

// metricsWindow is how far back the real-time metrics projection reads.
const metricsWindow = 24 * time.Hour

// Aggregator is the read side: every answer is a projection over the event
// log. It holds no authoritative state and never takes ledger locks.
type Aggregator struct {
	events  ports.EventStore
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	staleness time.Duration

	mu          sync.Mutex
	snapshot    usage.Metrics
	hasSnapshot bool
	refreshedAt time.Time
}

// AggregatorConfig configures the aggregation service.
type AggregatorConfig struct {
	Events    ports.EventStore
	Clock     ports.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.Collector
	Staleness time.Duration // snapshot max age (default 10s)
}

// NewAggregator creates a new aggregation service.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 10 * time.Second
	}
	return &Aggregator{
		events:    cfg.Events,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With().Str("component", "aggregator").Logger(),
		metrics:   cfg.Metrics,
		staleness: cfg.Staleness,
	}
}

// Metrics returns the real-time metrics projection. The snapshot is cached
// up to the staleness bound; forceRefresh recomputes synchronously. When
// the event store fails, the last snapshot is served if one exists.
func (a *Aggregator) Metrics(ctx context.Context, forceRefresh bool) (usage.Metrics, error) {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasSnapshot && !forceRefresh && now.Sub(a.refreshedAt) < a.staleness {
		if a.metrics != nil {
			a.metrics.AggregationStaleness.Set(now.Sub(a.refreshedAt).Seconds())
		}
		return a.snapshot, nil
	}

	events, err := a.events.ListSince(ctx, now.Add(-metricsWindow))
	if err != nil {
		if a.metrics != nil {
			a.metrics.AggregationRefreshError.Inc()
		}
		if a.hasSnapshot {
			a.logger.Warn().Err(err).Msg("event store read failed, serving stale snapshot")
			return a.snapshot, nil
		}
		return usage.Metrics{}, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}

	a.snapshot = usage.ComputeMetrics(events, now)
	a.hasSnapshot = true
	a.refreshedAt = now

	if a.metrics != nil {
		a.metrics.AggregationRefreshes.Inc()
		a.metrics.AggregationStaleness.Set(0)
	}
	return a.snapshot, nil
}

// HourlyTrends returns gapless per-hour buckets for the trailing window.
func (a *Aggregator) HourlyTrends(ctx context.Context, hours int) ([]usage.HourBucket, error) {
	if hours <= 0 {
		hours = 24
	}
	now := a.clock.Now()

	// Fetch exactly the bucketed window: the last bucket is the hour
	// containing now, so events stamped ahead of it stay out.
	last := now.UTC().Truncate(time.Hour)
	first := last.Add(-time.Duration(hours-1) * time.Hour)

	events, err := a.events.ListRange(ctx, first, last.Add(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}
	return usage.HourlyTrends(events, now, hours), nil
}

// CostBreakdown groups costs over the trailing window.
func (a *Aggregator) CostBreakdown(ctx context.Context, hours int, groupBy usage.GroupBy) (usage.BreakdownSummary, error) {
	if hours <= 0 {
		hours = 24
	}
	now := a.clock.Now()

	events, err := a.events.ListSince(ctx, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return usage.BreakdownSummary{}, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}
	return usage.ComputeBreakdown(events, groupBy), nil
}

// SlowestRequests returns the slowest events in the trailing window.
func (a *Aggregator) SlowestRequests(ctx context.Context, limit, hours int) ([]usage.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	if hours <= 0 {
		hours = 24
	}
	now := a.clock.Now()

	events, err := a.events.ListSince(ctx, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}
	return usage.SlowestRequests(events, limit), nil
}

// ErrorAnalysis summarizes failed requests in the trailing window.
func (a *Aggregator) ErrorAnalysis(ctx context.Context, hours int) (usage.ErrorReport, error) {
	if hours <= 0 {
		hours = 24
	}
	now := a.clock.Now()

	events, err := a.events.ListSince(ctx, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return usage.ErrorReport{}, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}
	return usage.AnalyzeErrors(events, 10), nil
}

// InstanceFilter narrows the raw event listing.
type InstanceFilter struct {
	Limit    int
	Endpoint string
	Tier     string
	Minutes  int
}

// Instances returns raw events, newest first, optionally filtered.
func (a *Aggregator) Instances(ctx context.Context, f InstanceFilter) ([]usage.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Minutes <= 0 {
		f.Minutes = 60
	}
	now := a.clock.Now()

	events, err := a.events.ListSince(ctx, now.Add(-time.Duration(f.Minutes)*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}

	// Newest first.
	filtered := make([]usage.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if f.Endpoint != "" && e.Endpoint != f.Endpoint {
			continue
		}
		if f.Tier != "" && string(e.Tier) != f.Tier {
			continue
		}
		filtered = append(filtered, e)
		if len(filtered) >= f.Limit {
			break
		}
	}
	return filtered, nil
}

// EndpointUsage summarizes one endpoint over the trailing window.
type EndpointUsage struct {
	Endpoint              string  `json:"endpoint"`
	TotalRequests         int64   `json:"totalRequests"`
	TotalCost             float64 `json:"totalCost"`
	AverageCostPerRequest float64 `json:"averageCostPerRequest"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
	ErrorRatePercent      float64 `json:"errorRatePercent"`
	DataVolumeGb          float64 `json:"dataVolumeGb"`
}

// EndpointUsage aggregates a single endpoint's events.
func (a *Aggregator) EndpointUsage(ctx context.Context, endpoint string, hours int) (EndpointUsage, error) {
	if hours <= 0 {
		hours = 24
	}
	now := a.clock.Now()

	events, err := a.events.ListSince(ctx, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return EndpointUsage{}, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}

	u := EndpointUsage{Endpoint: endpoint}
	var latency float64
	var errs int64
	for _, e := range events {
		if e.Endpoint != endpoint {
			continue
		}
		u.TotalRequests++
		u.TotalCost += e.Cost.TotalCost
		u.DataVolumeGb += e.DataSizeMb / 1024
		latency += e.ProcessingTimeMs
		if e.IsError() {
			errs++
		}
	}
	if u.TotalRequests > 0 {
		u.AverageCostPerRequest = u.TotalCost / float64(u.TotalRequests)
		u.AverageResponseTimeMs = latency / float64(u.TotalRequests)
		u.ErrorRatePercent = float64(errs) / float64(u.TotalRequests) * 100
	}
	u.TotalCost = cost.Round4(u.TotalCost)
	return u, nil
}

// UserSummary aggregates one user's events over the trailing days.
func (a *Aggregator) UserSummary(ctx context.Context, userID string, days int) (usage.Summary, error) {
	if days <= 0 {
		days = 30
	}
	now := a.clock.Now()
	start := now.AddDate(0, 0, -days)

	events, err := a.events.ListByUser(ctx, userID, start, now.Add(time.Second))
	if err != nil {
		return usage.Summary{}, fmt.Errorf("%w: %v", ErrAggregationUnavailable, err)
	}
	return usage.Summarize(events, userID, start, now), nil
}

// CostSummary is the user-facing billing view.
type CostSummary struct {
	UserID               string        `json:"userId"`
	UserTier             string        `json:"userTier"`
	SummaryPeriodDays    int           `json:"summaryPeriodDays"`
	CurrentMonthUsage    CurrentUsage  `json:"currentMonthUsage"`
	UsageSummary         usage.Summary `json:"usageSummary"`
	ProjectedMonthlyCost float64       `json:"projectedMonthlyCost"`
	MonthlyRequestLimit  int64         `json:"monthlyRequestLimit"`
	MonthlyDataLimitMb   float64       `json:"monthlyDataLimitMb"`
}

// CurrentUsage is the current billing period's running totals.
type CurrentUsage struct {
	Requests   int64   `json:"requests"`
	CostUSD    float64 `json:"costUsd"`
	DataSizeMb float64 `json:"dataSizeMb"`
}

// CostSummary combines the period summary with a linear monthly projection:
// projected = total over the window scaled to 30 days, rounded to cents.
func (a *Aggregator) CostSummary(ctx context.Context, userID string, tc tier.Config, ledger *Ledger, days int) (CostSummary, error) {
	if days <= 0 {
		days = 30
	}

	summary, err := a.UserSummary(ctx, userID, days)
	if err != nil {
		return CostSummary{}, err
	}

	entry, err := ledger.CurrentUsage(ctx, userID)
	if err != nil {
		return CostSummary{}, fmt.Errorf("read current usage: %w", err)
	}

	projected, _ := decimal.NewFromFloat(summary.TotalCost * 30 / float64(days)).Round(2).Float64()

	return CostSummary{
		UserID:            userID,
		UserTier:          string(tc.Tier),
		SummaryPeriodDays: days,
		CurrentMonthUsage: CurrentUsage{
			Requests:   entry.RequestsUsed,
			CostUSD:    entry.CostAccrued,
			DataSizeMb: entry.DataMbUsed,
		},
		UsageSummary:         summary,
		ProjectedMonthlyCost: projected,
		MonthlyRequestLimit:  tc.MonthlyRequestLimit,
		MonthlyDataLimitMb:   tc.MonthlyDataLimitMb,
	}, nil
}
