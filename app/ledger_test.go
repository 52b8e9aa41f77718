package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/geometer/adapters/clock"
	"github.com/artpar/geometer/adapters/memory"
	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/quota"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

// flakyEventStore fails Append while broken is set.
type flakyEventStore struct {
	*memory.EventStore
	broken bool
}

func (s *flakyEventStore) Append(ctx context.Context, e usage.Event) (bool, error) {
	if s.broken {
		return false, errors.New("disk full")
	}
	return s.EventStore.Append(ctx, e)
}

// flakyLedgerStore fails Apply while broken is set.
type flakyLedgerStore struct {
	*memory.LedgerStore
	broken bool
}

func (s *flakyLedgerStore) Apply(ctx context.Context, userID string, periodStart time.Time, requestID string, est quota.Estimate, now time.Time) (quota.Entry, error) {
	if s.broken {
		return quota.Entry{}, errors.New("disk full")
	}
	return s.LedgerStore.Apply(ctx, userID, periodStart, requestID, est, now)
}

func newTestLedger(t *testing.T, events ports.EventStore) (*Ledger, *memory.LedgerStore, *clock.Fake) {
	t.Helper()

	entries := memory.NewLedgerStore(memory.LedgerStoreConfig{NumShards: 4})
	t.Cleanup(func() { entries.Close() })

	fc := clock.NewFake(testNow)
	l := NewLedger(LedgerConfig{
		Events:        events,
		Entries:       entries,
		Clock:         fc,
		Logger:        zerolog.Nop(),
		Metrics:       metrics.NewWithRegistry(prometheus.NewRegistry()),
		RetryInterval: time.Hour, // flush manually in tests
	})
	t.Cleanup(func() { l.Close() })

	return l, entries, fc
}

func recordedEvent(requestID string) usage.Event {
	return usage.Event{
		RequestID:  requestID,
		UserID:     "user-1",
		Tier:       tier.Basic,
		Timestamp:  testNow,
		Endpoint:   "/api/v1/estimate-cost/region",
		Method:     "POST",
		Cost:       cost.Breakdown{TotalCost: 0.5, Currency: "USD"},
		DataSizeMb: 10,
	}
}

func TestLedger_RecordIdempotent(t *testing.T) {
	events := memory.NewEventStore()
	l, _, _ := newTestLedger(t, events)
	ctx := context.Background()

	e := recordedEvent("req-1")
	if err := l.Record(ctx, e); err != nil {
		t.Fatalf("first record: %v", err)
	}
	// Same request ID delivered again.
	if err := l.Record(ctx, e); err != nil {
		t.Fatalf("second record: %v", err)
	}

	entry, err := l.CurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("current usage: %v", err)
	}
	if entry.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d, want 1 (no double count)", entry.RequestsUsed)
	}
	if entry.CostAccrued != 0.5 {
		t.Errorf("CostAccrued = %v, want 0.5", entry.CostAccrued)
	}
	if events.Len() != 1 {
		t.Errorf("event log has %d events, want 1", events.Len())
	}
}

func TestLedger_RecordInvalid(t *testing.T) {
	l, _, _ := newTestLedger(t, memory.NewEventStore())

	e := recordedEvent("req-1")
	e.UserID = ""
	if err := l.Record(context.Background(), e); err == nil {
		t.Error("event without user ID accepted")
	}
}

func TestLedger_CanAfford(t *testing.T) {
	l, _, _ := newTestLedger(t, memory.NewEventStore())
	ctx := context.Background()

	tc := tier.Config{
		Tier:                tier.Basic,
		MonthlyRequestLimit: 2,
		AllowsRequests:      true,
	}

	res, err := l.CanAfford(ctx, "user-1", tc, quota.Estimate{Requests: 1})
	if err != nil {
		t.Fatalf("can afford: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("fresh user denied: %q", res.Reason)
	}

	// Fill the quota.
	for i, id := range []string{"req-1", "req-2"} {
		e := recordedEvent(id)
		e.Timestamp = testNow.Add(time.Duration(i) * time.Minute)
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	res, err = l.CanAfford(ctx, "user-1", tc, quota.Estimate{Requests: 1})
	if err != nil {
		t.Fatalf("can afford: %v", err)
	}
	if res.Allowed {
		t.Error("admitted past the request limit")
	}
	if res.Reason != quota.ReasonRequestLimit {
		t.Errorf("reason = %q, want %q", res.Reason, quota.ReasonRequestLimit)
	}
}

func TestLedger_RecordFailureQueuesRetry(t *testing.T) {
	flaky := &flakyEventStore{EventStore: memory.NewEventStore(), broken: true}
	l, _, _ := newTestLedger(t, flaky)
	ctx := context.Background()

	err := l.Record(ctx, recordedEvent("req-1"))
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("err = %v, want ErrLedgerWrite", err)
	}
	if l.RetryDepth() != 1 {
		t.Fatalf("retry depth = %d, want 1", l.RetryDepth())
	}

	// Entry untouched while the write is pending.
	entry, _ := l.CurrentUsage(ctx, "user-1")
	if entry.RequestsUsed != 0 {
		t.Errorf("entry incremented despite failed append: %+v", entry)
	}

	// Store recovers; flush drains the queue exactly once.
	flaky.broken = false
	l.FlushRetries(ctx)

	if l.RetryDepth() != 0 {
		t.Errorf("retry depth = %d after flush, want 0", l.RetryDepth())
	}
	entry, _ = l.CurrentUsage(ctx, "user-1")
	if entry.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d after retry, want 1", entry.RequestsUsed)
	}
}

func TestLedger_ApplyFailureSurfacesAndRetries(t *testing.T) {
	events := memory.NewEventStore()
	entries := &flakyLedgerStore{
		LedgerStore: memory.NewLedgerStore(memory.LedgerStoreConfig{NumShards: 4}),
		broken:      true,
	}
	t.Cleanup(func() { entries.Close() })

	l := NewLedger(LedgerConfig{
		Events:        events,
		Entries:       entries,
		Clock:         clock.NewFake(testNow),
		Logger:        zerolog.Nop(),
		Metrics:       metrics.NewWithRegistry(prometheus.NewRegistry()),
		RetryInterval: time.Hour,
	})
	t.Cleanup(func() { l.Close() })
	ctx := context.Background()

	// Append succeeds, entry increment fails: the caller must not be told
	// the request was billed while the entry is missing the count.
	err := l.Record(ctx, recordedEvent("req-1"))
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("err = %v, want ErrLedgerWrite", err)
	}
	if events.Len() != 1 {
		t.Fatalf("event log has %d events, want 1", events.Len())
	}
	if l.RetryDepth() != 1 {
		t.Fatalf("retry depth = %d, want 1", l.RetryDepth())
	}

	// Store recovers; the flush increments the entry without re-appending.
	entries.broken = false
	l.FlushRetries(ctx)

	if l.RetryDepth() != 0 {
		t.Errorf("retry depth = %d after flush, want 0", l.RetryDepth())
	}
	entry, _ := l.CurrentUsage(ctx, "user-1")
	if entry.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d after flush, want 1", entry.RequestsUsed)
	}
	if events.Len() != 1 {
		t.Errorf("event log has %d events after flush, want 1 (no re-append)", events.Len())
	}

	// Redelivery of the same request after recovery stays a no-op.
	if err := l.Record(ctx, recordedEvent("req-1")); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	entry, _ = l.CurrentUsage(ctx, "user-1")
	if entry.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d after redelivery, want 1", entry.RequestsUsed)
	}
}

func TestLedger_RetryKeepsFailingEvents(t *testing.T) {
	flaky := &flakyEventStore{EventStore: memory.NewEventStore(), broken: true}
	l, _, _ := newTestLedger(t, flaky)
	ctx := context.Background()

	l.Record(ctx, recordedEvent("req-1"))
	l.FlushRetries(ctx) // still broken

	if l.RetryDepth() != 1 {
		t.Errorf("retry depth = %d, want 1 (event re-queued)", l.RetryDepth())
	}
}

func TestLedger_PeriodRollover(t *testing.T) {
	l, _, fc := newTestLedger(t, memory.NewEventStore())
	ctx := context.Background()

	if err := l.Record(ctx, recordedEvent("req-1")); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Next month: usage starts from zero without any explicit reset.
	fc.Set(time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC))

	entry, err := l.CurrentUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("current usage: %v", err)
	}
	if entry.RequestsUsed != 0 {
		t.Errorf("september usage = %d, want 0", entry.RequestsUsed)
	}
}
