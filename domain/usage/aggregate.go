package usage

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/geometer/domain/cost"
)

// Metrics is a point-in-time projection over the event log (value type).
// Always recomputed from events, never a source of truth.
type Metrics struct {
	TotalRequests         int64            `json:"totalRequests"`
	RequestsPerMinute     float64          `json:"requestsPerMinute"`
	TotalCost             float64          `json:"totalCost"`
	CostPerHour           float64          `json:"costPerHour"`
	AverageResponseTimeMs float64          `json:"averageResponseTimeMs"`
	ErrorRatePercent      float64          `json:"errorRatePercent"`
	MostUsedEndpoints     []EndpointCount  `json:"mostUsedEndpoints"`
	UserTierDistribution  map[string]int64 `json:"userTierDistribution"`
	LastUpdated           time.Time        `json:"lastUpdated"`
}

// EndpointCount pairs an endpoint with its request count.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// topEndpoints is how many endpoints Metrics reports.
const topEndpoints = 5

// ComputeMetrics aggregates events into real-time metrics.
// This is a PURE function. Rates are taken relative to now: requests per
// minute counts the trailing minute, cost per hour the trailing hour.
// An empty slice yields zero rates, never NaN.
func ComputeMetrics(events []Event, now time.Time) Metrics {
	m := Metrics{
		UserTierDistribution: make(map[string]int64),
		MostUsedEndpoints:    []EndpointCount{},
		LastUpdated:          now,
	}
	if len(events) == 0 {
		return m
	}

	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)

	var (
		totalLatency float64
		errorCount   int64
		perEndpoint  = make(map[string]int64)
	)

	for _, e := range events {
		m.TotalRequests++
		m.TotalCost += e.Cost.TotalCost
		totalLatency += e.ProcessingTimeMs
		perEndpoint[e.Endpoint]++
		m.UserTierDistribution[string(e.Tier)]++

		if e.IsError() {
			errorCount++
		}
		if !e.Timestamp.Before(minuteAgo) {
			m.RequestsPerMinute++
		}
		if !e.Timestamp.Before(hourAgo) {
			m.CostPerHour += e.Cost.TotalCost
		}
	}

	m.AverageResponseTimeMs = totalLatency / float64(m.TotalRequests)
	m.ErrorRatePercent = float64(errorCount) / float64(m.TotalRequests) * 100

	for endpoint, count := range perEndpoint {
		m.MostUsedEndpoints = append(m.MostUsedEndpoints, EndpointCount{Endpoint: endpoint, Count: count})
	}
	sort.Slice(m.MostUsedEndpoints, func(i, j int) bool {
		a, b := m.MostUsedEndpoints[i], m.MostUsedEndpoints[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Endpoint < b.Endpoint
	})
	if len(m.MostUsedEndpoints) > topEndpoints {
		m.MostUsedEndpoints = m.MostUsedEndpoints[:topEndpoints]
	}

	return m
}

// HourBucket is one fixed 1-hour window of trend data.
type HourBucket struct {
	Hour                  time.Time `json:"hour"`
	Requests              int64     `json:"requests"`
	Cost                  float64   `json:"cost"`
	Errors                int64     `json:"errors"`
	AverageResponseTimeMs float64   `json:"averageResponseTimeMs"`
}

// HourlyTrends buckets events into fixed 1-hour windows, the last one
// containing now. Empty hours are zero-filled so the series has no gaps.
// This is a PURE function.
func HourlyTrends(events []Event, now time.Time, hours int) []HourBucket {
	if hours <= 0 {
		return []HourBucket{}
	}

	lastHour := now.UTC().Truncate(time.Hour)
	firstHour := lastHour.Add(-time.Duration(hours-1) * time.Hour)

	buckets := make([]HourBucket, hours)
	latency := make([]float64, hours)
	for i := range buckets {
		buckets[i].Hour = firstHour.Add(time.Duration(i) * time.Hour)
	}

	for _, e := range events {
		h := e.Timestamp.UTC().Truncate(time.Hour)
		if h.Before(firstHour) || h.After(lastHour) {
			continue
		}
		i := int(h.Sub(firstHour) / time.Hour)
		buckets[i].Requests++
		buckets[i].Cost += e.Cost.TotalCost
		latency[i] += e.ProcessingTimeMs
		if e.IsError() {
			buckets[i].Errors++
		}
	}

	for i := range buckets {
		if buckets[i].Requests > 0 {
			buckets[i].AverageResponseTimeMs = latency[i] / float64(buckets[i].Requests)
		}
	}

	return buckets
}

// GroupBy selects the grouping key for cost breakdowns.
type GroupBy string

const (
	GroupByEndpoint GroupBy = "endpoint"
	GroupByDataType GroupBy = "dataType"
	GroupByTier     GroupBy = "tier"
)

// ParseGroupBy validates a grouping key.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case GroupByEndpoint, GroupByDataType, GroupByTier:
		return GroupBy(s), nil
	}
	return "", fmt.Errorf("unknown group_by %q", s)
}

// GroupCost is the cost attributed to one group key.
type GroupCost struct {
	Key                   string  `json:"key"`
	Cost                  float64 `json:"cost"`
	Requests              int64   `json:"requests"`
	AverageCostPerRequest float64 `json:"averageCostPerRequest"`
	PercentOfTotal        float64 `json:"percentOfTotal"`
}

// BreakdownSummary is a grouped cost summary over a window.
type BreakdownSummary struct {
	TotalCost             float64     `json:"totalCost"`
	TotalRequests         int64       `json:"totalRequests"`
	AverageCostPerRequest float64     `json:"averageCostPerRequest"`
	DataVolumeGb          float64     `json:"dataVolumeGb"`
	GroupBy               GroupBy     `json:"groupBy"`
	Groups                []GroupCost `json:"groups"`
}

// ComputeBreakdown groups event costs by the requested key, ordered by cost
// descending. This is a PURE function.
func ComputeBreakdown(events []Event, groupBy GroupBy) BreakdownSummary {
	s := BreakdownSummary{GroupBy: groupBy, Groups: []GroupCost{}}

	type acc struct {
		cost     float64
		requests int64
	}
	groups := make(map[string]*acc)

	for _, e := range events {
		s.TotalRequests++
		s.TotalCost += e.Cost.TotalCost
		s.DataVolumeGb += e.DataSizeMb / 1024

		var key string
		switch groupBy {
		case GroupByDataType:
			key = string(e.DataType)
		case GroupByTier:
			key = string(e.Tier)
		default:
			key = e.Endpoint
		}

		g, ok := groups[key]
		if !ok {
			g = &acc{}
			groups[key] = g
		}
		g.cost += e.Cost.TotalCost
		g.requests++
	}

	if s.TotalRequests > 0 {
		s.AverageCostPerRequest = s.TotalCost / float64(s.TotalRequests)
	}

	for key, g := range groups {
		gc := GroupCost{
			Key:      key,
			Cost:     g.cost,
			Requests: g.requests,
		}
		if g.requests > 0 {
			gc.AverageCostPerRequest = g.cost / float64(g.requests)
		}
		if s.TotalCost > 0 {
			gc.PercentOfTotal = g.cost / s.TotalCost * 100
		}
		s.Groups = append(s.Groups, gc)
	}
	sort.Slice(s.Groups, func(i, j int) bool {
		a, b := s.Groups[i], s.Groups[j]
		if a.Cost != b.Cost {
			return a.Cost > b.Cost
		}
		return a.Key < b.Key
	})

	s.TotalCost = cost.Round4(s.TotalCost)
	return s
}

// SlowestRequests returns up to limit events ordered by processing time
// descending, ties broken by timestamp ascending. This is a PURE function.
func SlowestRequests(events []Event, limit int) []Event {
	if limit <= 0 {
		return []Event{}
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ProcessingTimeMs != b.ProcessingTimeMs {
			return a.ProcessingTimeMs > b.ProcessingTimeMs
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// ErrorReport summarizes failed requests in a window.
type ErrorReport struct {
	TotalRequests    int64            `json:"totalRequests"`
	TotalErrors      int64            `json:"totalErrors"`
	ErrorRatePercent float64          `json:"errorRatePercent"`
	ByStatus         map[int]int64    `json:"byStatus"`
	ByEndpoint       map[string]int64 `json:"byEndpoint"`
	Recent           []Event          `json:"recent"`
}

// AnalyzeErrors filters events with status >= 400 and summarizes them.
// Recent holds up to maxRecent newest errors, newest first.
// This is a PURE function.
func AnalyzeErrors(events []Event, maxRecent int) ErrorReport {
	r := ErrorReport{
		ByStatus:   make(map[int]int64),
		ByEndpoint: make(map[string]int64),
		Recent:     []Event{},
	}

	var failed []Event
	for _, e := range events {
		r.TotalRequests++
		if e.IsError() {
			r.TotalErrors++
			r.ByStatus[e.ResponseStatus]++
			r.ByEndpoint[e.Endpoint]++
			failed = append(failed, e)
		}
	}

	if r.TotalRequests > 0 {
		r.ErrorRatePercent = float64(r.TotalErrors) / float64(r.TotalRequests) * 100
	}

	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].Timestamp.After(failed[j].Timestamp)
	})
	if maxRecent > 0 && len(failed) > maxRecent {
		failed = failed[:maxRecent]
	}
	if failed != nil {
		r.Recent = failed
	}

	return r
}

// Summary aggregates a user's events for a reporting period (value type).
type Summary struct {
	UserID         string             `json:"userId"`
	PeriodStart    time.Time          `json:"periodStart"`
	PeriodEnd      time.Time          `json:"periodEnd"`
	TotalRequests  int64              `json:"totalRequests"`
	TotalCost      float64            `json:"totalCost"`
	CostByEndpoint map[string]float64 `json:"costByEndpoint"`
	CostByDataType map[string]float64 `json:"costByDataType"`
	DataVolumeGb   float64            `json:"dataVolumeGb"`
	Currency       string             `json:"currency"`
}

// Summarize combines a user's events into a period summary.
// This is a PURE function.
func Summarize(events []Event, userID string, periodStart, periodEnd time.Time) Summary {
	s := Summary{
		UserID:         userID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		CostByEndpoint: make(map[string]float64),
		CostByDataType: make(map[string]float64),
		Currency:       "USD",
	}

	for _, e := range events {
		s.TotalRequests++
		s.TotalCost += e.Cost.TotalCost
		s.CostByEndpoint[e.Endpoint] += e.Cost.TotalCost
		s.CostByDataType[string(e.DataType)] += e.Cost.TotalCost
		s.DataVolumeGb += e.DataSizeMb / 1024
	}

	s.TotalCost = cost.Round2(s.TotalCost)
	s.DataVolumeGb = round3(s.DataVolumeGb)
	return s
}

func round3(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(3).Float64()
	return f
}
