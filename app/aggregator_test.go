package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/geometer/adapters/clock"
	"github.com/artpar/geometer/adapters/memory"
	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

// countingEventStore tracks reads and can be switched to failing.
type countingEventStore struct {
	*memory.EventStore
	reads  int64
	broken bool
}

func (s *countingEventStore) ListSince(ctx context.Context, since time.Time) ([]usage.Event, error) {
	atomic.AddInt64(&s.reads, 1)
	if s.broken {
		return nil, errors.New("connection refused")
	}
	return s.EventStore.ListSince(ctx, since)
}

func newTestAggregator(t *testing.T, events ports.EventStore, fc *clock.Fake) *Aggregator {
	t.Helper()
	return NewAggregator(AggregatorConfig{
		Events:    events,
		Clock:     fc,
		Logger:    zerolog.Nop(),
		Metrics:   metrics.NewWithRegistry(prometheus.NewRegistry()),
		Staleness: 10 * time.Second,
	})
}

func seedEvents(t *testing.T, s *memory.EventStore, n int, spacing time.Duration) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		e := recordedEvent("req-" + string(rune('a'+i)))
		e.Timestamp = testNow.Add(-time.Duration(n-1-i) * spacing)
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestAggregator_MetricsCached(t *testing.T) {
	store := &countingEventStore{EventStore: memory.NewEventStore()}
	seedEvents(t, store.EventStore, 5, time.Minute)
	fc := clock.NewFake(testNow)
	a := newTestAggregator(t, store, fc)
	ctx := context.Background()

	m1, err := a.Metrics(ctx, false)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m1.TotalRequests != 5 {
		t.Errorf("TotalRequests = %d, want 5", m1.TotalRequests)
	}

	// Within the staleness bound: served from cache, no store read.
	fc.Advance(5 * time.Second)
	if _, err := a.Metrics(ctx, false); err != nil {
		t.Fatalf("cached metrics: %v", err)
	}
	if got := atomic.LoadInt64(&store.reads); got != 1 {
		t.Errorf("store reads = %d, want 1 (cache hit)", got)
	}

	// Past the bound: recomputed.
	fc.Advance(6 * time.Second)
	if _, err := a.Metrics(ctx, false); err != nil {
		t.Fatalf("stale metrics: %v", err)
	}
	if got := atomic.LoadInt64(&store.reads); got != 2 {
		t.Errorf("store reads = %d, want 2 (cache expired)", got)
	}
}

func TestAggregator_ForceRefresh(t *testing.T) {
	store := &countingEventStore{EventStore: memory.NewEventStore()}
	fc := clock.NewFake(testNow)
	a := newTestAggregator(t, store, fc)
	ctx := context.Background()

	a.Metrics(ctx, false)
	a.Metrics(ctx, true) // fresh snapshot despite recency

	if got := atomic.LoadInt64(&store.reads); got != 2 {
		t.Errorf("store reads = %d, want 2", got)
	}
}

func TestAggregator_ServesStaleOnFailure(t *testing.T) {
	store := &countingEventStore{EventStore: memory.NewEventStore()}
	seedEvents(t, store.EventStore, 3, time.Minute)
	fc := clock.NewFake(testNow)
	a := newTestAggregator(t, store, fc)
	ctx := context.Background()

	if _, err := a.Metrics(ctx, false); err != nil {
		t.Fatalf("initial metrics: %v", err)
	}

	store.broken = true
	fc.Advance(time.Minute)

	m, err := a.Metrics(ctx, false)
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if m.TotalRequests != 3 {
		t.Errorf("stale snapshot TotalRequests = %d, want 3", m.TotalRequests)
	}
}

func TestAggregator_UnavailableWithoutSnapshot(t *testing.T) {
	store := &countingEventStore{EventStore: memory.NewEventStore(), broken: true}
	a := newTestAggregator(t, store, clock.NewFake(testNow))

	_, err := a.Metrics(context.Background(), false)
	if !errors.Is(err, ErrAggregationUnavailable) {
		t.Errorf("err = %v, want ErrAggregationUnavailable", err)
	}
}

func TestAggregator_HourlyTrends(t *testing.T) {
	store := memory.NewEventStore()
	seedEvents(t, store, 6, time.Hour)
	a := newTestAggregator(t, store, clock.NewFake(testNow))

	buckets, err := a.HourlyTrends(context.Background(), 6)
	if err != nil {
		t.Fatalf("hourly trends: %v", err)
	}
	if len(buckets) != 6 {
		t.Fatalf("len = %d, want 6", len(buckets))
	}
}

func TestAggregator_HourlyTrendsWindowBounds(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()

	// One event in the current hour, one stamped ahead of it, one before
	// the window. Only the first belongs in the buckets.
	inside := recordedEvent("req-inside")
	inside.Timestamp = testNow.Add(-time.Minute)
	store.Append(ctx, inside)

	future := recordedEvent("req-future")
	future.Timestamp = testNow.Add(2 * time.Hour)
	store.Append(ctx, future)

	old := recordedEvent("req-old")
	old.Timestamp = testNow.Add(-5 * time.Hour)
	store.Append(ctx, old)

	a := newTestAggregator(t, store, clock.NewFake(testNow))

	buckets, err := a.HourlyTrends(ctx, 3)
	if err != nil {
		t.Fatalf("hourly trends: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("len = %d, want 3", len(buckets))
	}

	var total int64
	for _, b := range buckets {
		total += b.Requests
	}
	if total != 1 {
		t.Errorf("bucketed requests = %d, want 1 (future and stale events excluded)", total)
	}
	if buckets[len(buckets)-1].Requests != 1 {
		t.Errorf("current hour bucket count = %d, want 1", buckets[len(buckets)-1].Requests)
	}
}

func TestAggregator_Instances(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()

	premium := recordedEvent("req-premium")
	premium.Tier = tier.Premium
	premium.Timestamp = testNow.Add(-time.Minute)
	store.Append(ctx, premium)

	basic := recordedEvent("req-basic")
	basic.Timestamp = testNow.Add(-2 * time.Minute)
	store.Append(ctx, basic)

	a := newTestAggregator(t, store, clock.NewFake(testNow))

	got, err := a.Instances(ctx, InstanceFilter{Tier: "premium"})
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "req-premium" {
		t.Errorf("filter by tier returned %d events", len(got))
	}

	// Unfiltered: newest first.
	all, _ := a.Instances(ctx, InstanceFilter{})
	if len(all) != 2 || all[0].RequestID != "req-premium" {
		t.Errorf("unfiltered order wrong: %v", len(all))
	}
}

func TestAggregator_EndpointUsage(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()

	for i, ep := range []string{"/a", "/a", "/b"} {
		e := recordedEvent("req-" + string(rune('0'+i)))
		e.Endpoint = ep
		e.Timestamp = testNow.Add(-time.Minute)
		e.ProcessingTimeMs = 100
		store.Append(ctx, e)
	}

	a := newTestAggregator(t, store, clock.NewFake(testNow))

	u, err := a.EndpointUsage(ctx, "/a", 24)
	if err != nil {
		t.Fatalf("endpoint usage: %v", err)
	}
	if u.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", u.TotalRequests)
	}
	if u.TotalCost != 1.0 {
		t.Errorf("TotalCost = %v, want 1.0", u.TotalCost)
	}
	if u.AverageResponseTimeMs != 100 {
		t.Errorf("AverageResponseTimeMs = %v, want 100", u.AverageResponseTimeMs)
	}
}

func TestAggregator_CostSummaryProjection(t *testing.T) {
	store := memory.NewEventStore()
	l, _, _ := newTestLedger(t, store)
	ctx := context.Background()

	// 10 events at 0.5 each over the window.
	for i := 0; i < 10; i++ {
		e := recordedEvent("req-" + string(rune('a'+i)))
		e.Timestamp = testNow.Add(-time.Duration(i) * time.Hour)
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	a := newTestAggregator(t, store, clock.NewFake(testNow))
	tc, _ := tier.DefaultPolicy().Lookup(tier.Basic)

	s, err := a.CostSummary(ctx, "user-1", tc, l, 10)
	if err != nil {
		t.Fatalf("cost summary: %v", err)
	}

	if s.UsageSummary.TotalRequests != 10 {
		t.Errorf("TotalRequests = %d, want 10", s.UsageSummary.TotalRequests)
	}
	// 5.0 over 10 days projects to 15.0 over 30.
	if s.ProjectedMonthlyCost != 15.0 {
		t.Errorf("ProjectedMonthlyCost = %v, want 15.0", s.ProjectedMonthlyCost)
	}
	if s.CurrentMonthUsage.Requests != 10 {
		t.Errorf("CurrentMonthUsage.Requests = %d, want 10", s.CurrentMonthUsage.Requests)
	}
	if s.UserTier != "basic" {
		t.Errorf("UserTier = %q, want basic", s.UserTier)
	}
}
