package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/geo"
	"github.com/artpar/geometer/domain/quota"
	"github.com/artpar/geometer/domain/tier"
)

// Estimator computes cost estimates and runs the quota pre-check.
// Pricing is swappable at runtime (config hot reload).
type Estimator struct {
	ledger  *Ledger
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	policy *tier.Policy
	rates  cost.Rates
}

// Estimate is the outcome of an estimate request: the cost breakdown plus
// the advisory admission result for the user's current usage.
type Estimate struct {
	Cost      cost.Breakdown `json:"costEstimate"`
	Admission quota.Result   `json:"usageLimits"`
}

// NewEstimator creates a new estimator.
func NewEstimator(ledger *Ledger, policy *tier.Policy, rates cost.Rates, logger zerolog.Logger, m *metrics.Collector) *Estimator {
	return &Estimator{
		ledger:  ledger,
		logger:  logger.With().Str("component", "estimator").Logger(),
		metrics: m,
		policy:  policy,
		rates:   rates,
	}
}

// UpdatePricing swaps the tier policy and rates. Requests in flight keep
// the snapshot they started with.
func (s *Estimator) UpdatePricing(policy *tier.Policy, rates cost.Rates) {
	s.mu.Lock()
	s.policy = policy
	s.rates = rates
	s.mu.Unlock()
	s.logger.Info().Msg("pricing updated")
}

func (s *Estimator) pricing() (*tier.Policy, cost.Rates) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy, s.rates
}

// Policy returns the current tier policy snapshot.
func (s *Estimator) Policy() *tier.Policy {
	p, _ := s.pricing()
	return p
}

// EstimateRegion estimates the cost of a circular region query and checks
// it against the user's quota.
func (s *Estimator) EstimateRegion(ctx context.Context, userID string, t tier.Tier, region geo.Region, dt cost.DataType) (Estimate, error) {
	policy, rates := s.pricing()

	tc, err := policy.Lookup(t)
	if err != nil {
		return Estimate{}, err
	}

	breakdown, err := cost.EstimateRegion(region, dt, tc, rates)
	if err != nil {
		return Estimate{}, err
	}

	return s.admit(ctx, userID, tc, breakdown, geo.KindRegion, dt)
}

// EstimatePath estimates the cost of a buffered path query and checks it
// against the user's quota.
func (s *Estimator) EstimatePath(ctx context.Context, userID string, t tier.Tier, path geo.Path, dt cost.DataType) (Estimate, error) {
	policy, rates := s.pricing()

	tc, err := policy.Lookup(t)
	if err != nil {
		return Estimate{}, err
	}

	breakdown, err := cost.EstimatePath(path, dt, tc, rates)
	if err != nil {
		return Estimate{}, err
	}

	return s.admit(ctx, userID, tc, breakdown, geo.KindPath, dt)
}

func (s *Estimator) admit(ctx context.Context, userID string, tc tier.Config, b cost.Breakdown, kind geo.QueryKind, dt cost.DataType) (Estimate, error) {
	est := quota.Estimate{
		Requests:   1,
		CostUSD:    b.TotalCost,
		DataSizeMb: b.EstimatedDataSizeMb,
	}

	res, err := s.ledger.CanAfford(ctx, userID, tc, est)
	if err != nil {
		return Estimate{}, err
	}

	if s.metrics != nil {
		s.metrics.EstimatesTotal.WithLabelValues(string(kind), string(dt), string(tc.Tier)).Inc()
		s.metrics.EstimatedCost.WithLabelValues(string(dt), string(tc.Tier)).Add(b.TotalCost)
	}

	return Estimate{Cost: b, Admission: res}, nil
}
