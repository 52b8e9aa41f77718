// Package quota provides pure functions for admission control.
// All functions are deterministic with no side effects.
package quota

import (
	"time"

	"github.com/artpar/geometer/domain/tier"
)

// Entry is the per-user, per-period running total (the ledger entry).
// Owned exclusively by the ledger; everyone else sees read-only copies.
type Entry struct {
	UserID       string
	PeriodStart  time.Time
	RequestsUsed int64
	CostAccrued  float64
	DataMbUsed   float64
	LastUpdated  time.Time
}

// Estimate is the projected consumption of one prospective request.
type Estimate struct {
	Requests   int64
	CostUSD    float64
	DataSizeMb float64
}

// Denial reasons returned in Result.Reason.
const (
	ReasonTierNotAllowed = "tier_not_allowed"
	ReasonRequestLimit   = "request_limit_exceeded"
	ReasonDataLimit      = "data_limit_exceeded"
)

// warnThreshold is the fraction of a limit at which a warning is attached.
const warnThreshold = 0.8

// Result is the outcome of an admission check (value type).
type Result struct {
	Allowed           bool     `json:"allowed"`
	Reason            string   `json:"reason,omitempty"`
	RequestsUsed      int64    `json:"requestsUsed"`
	RequestsLimit     int64    `json:"requestsLimit"`
	ProjectedRequests int64    `json:"projectedRequests"`
	DataUsedMb        float64  `json:"dataUsedMb"`
	DataLimitMb       float64  `json:"dataLimitMb"`
	ProjectedDataMb   float64  `json:"projectedDataMb"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Check decides whether a request with the given estimate may proceed.
// This is a PURE function.
//
// A zero limit means unlimited; whether the tier may issue requests at all
// is the explicit AllowsRequests flag (the free tier has zero limits and
// AllowsRequests=false). The check is advisory across the fetch boundary:
// two admitted requests may both complete and push a user slightly over
// quota. Within one period the ledger serializes the commit, so the numbers
// seen here are consistent.
func Check(e Entry, cfg tier.Config, est Estimate) Result {
	r := Result{
		RequestsUsed:      e.RequestsUsed,
		RequestsLimit:     cfg.MonthlyRequestLimit,
		ProjectedRequests: e.RequestsUsed + est.Requests,
		DataUsedMb:        e.DataMbUsed,
		DataLimitMb:       cfg.MonthlyDataLimitMb,
		ProjectedDataMb:   e.DataMbUsed + est.DataSizeMb,
	}

	if !cfg.AllowsRequests {
		r.Reason = ReasonTierNotAllowed
		return r
	}

	if cfg.MonthlyRequestLimit > 0 && r.ProjectedRequests > cfg.MonthlyRequestLimit {
		r.Reason = ReasonRequestLimit
		return r
	}
	if cfg.MonthlyDataLimitMb > 0 && r.ProjectedDataMb > cfg.MonthlyDataLimitMb {
		r.Reason = ReasonDataLimit
		return r
	}

	r.Allowed = true

	if cfg.MonthlyRequestLimit > 0 &&
		float64(r.ProjectedRequests) >= float64(cfg.MonthlyRequestLimit)*warnThreshold {
		r.Warnings = append(r.Warnings, "approaching monthly request limit")
	}
	if cfg.MonthlyDataLimitMb > 0 &&
		r.ProjectedDataMb >= cfg.MonthlyDataLimitMb*warnThreshold {
		r.Warnings = append(r.Warnings, "approaching monthly data volume limit")
	}

	return r
}

// Apply returns a copy of the entry with the estimate committed.
// This is a PURE function; the ledger owns the actual mutation.
func Apply(e Entry, est Estimate, now time.Time) Entry {
	e.RequestsUsed += est.Requests
	e.CostAccrued += est.CostUSD
	e.DataMbUsed += est.DataSizeMb
	e.LastUpdated = now
	return e
}
