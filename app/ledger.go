// Package app contains the application services wiring domain logic to ports.
package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/domain/quota"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

// ErrLedgerWrite means the event could not be durably recorded. The event
// is queued for retry; the caller should report the request as retryable.
var ErrLedgerWrite = errors.New("ledger write failed")

// ledgerLockShards bounds the per-user mutex table.
const ledgerLockShards = 64

// retryQueueCap bounds the retry queue; beyond it the oldest event is
// dropped with an error log, never silently.
const retryQueueCap = 1000

// pendingWrite is a queued retry. appended marks events already durable in
// the event log whose entry increment is still outstanding; for those only
// the Apply is retried, never the Append.
type pendingWrite struct {
	event    usage.Event
	appended bool
}

// Ledger is the single writer of usage state. Admission reads and record
// commits go through here; the aggregator never does.
type Ledger struct {
	events  ports.EventStore
	entries ports.LedgerStore
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	// Per-user key locks make append+increment atomic for one user
	// without serializing unrelated users.
	locks [ledgerLockShards]sync.Mutex

	retryMu   sync.Mutex
	retry     []pendingWrite
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// LedgerConfig configures the ledger service.
type LedgerConfig struct {
	Events        ports.EventStore
	Entries       ports.LedgerStore
	Clock         ports.Clock
	Logger        zerolog.Logger
	Metrics       *metrics.Collector
	RetryInterval time.Duration // default 10s
}

// NewLedger creates the usage ledger and starts its retry loop.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}

	l := &Ledger{
		events:  cfg.Events,
		entries: cfg.Entries,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With().Str("component", "ledger").Logger(),
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retryLoop(cfg.RetryInterval)

	return l
}

// userLock returns the mutex guarding a user's ledger operations.
func (l *Ledger) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &l.locks[h.Sum32()%ledgerLockShards]
}

// CanAfford runs the admission check against the user's current period.
// The result is advisory: the usage read here may be overtaken by another
// in-flight request before this one commits.
func (l *Ledger) CanAfford(ctx context.Context, userID string, tc tier.Config, est quota.Estimate) (quota.Result, error) {
	period := usage.PeriodStart(l.clock.Now())
	entry, err := l.entries.Get(ctx, userID, period)
	if err != nil {
		return quota.Result{}, fmt.Errorf("read ledger entry: %w", err)
	}

	res := quota.Check(entry, tc, est)
	if !res.Allowed && l.metrics != nil {
		l.metrics.QuotaDenials.WithLabelValues(res.Reason, string(tc.Tier)).Inc()
	}
	if res.Allowed && len(res.Warnings) > 0 && l.metrics != nil {
		l.metrics.QuotaWarnings.WithLabelValues(string(tc.Tier)).Inc()
	}
	return res, nil
}

// Record commits a completed request: append to the event log, then
// increment the period entry. Idempotent by request ID; recording the same
// event twice never double-counts. Returns ErrLedgerWrite when either
// effect fails; the outstanding work is queued for retry, so the two
// effects always converge — never a billed event without a counted entry.
func (l *Ledger) Record(ctx context.Context, e usage.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	mu := l.userLock(e.UserID)
	mu.Lock()
	defer mu.Unlock()

	inserted, err := l.events.Append(ctx, e)
	if err != nil {
		l.logger.Error().Err(err).
			Str("request_id", e.RequestID).
			Str("user_id", e.UserID).
			Msg("event append failed, queueing for retry")
		if l.metrics != nil {
			l.metrics.LedgerWriteErrors.Inc()
		}
		l.enqueueRetry(e, false)
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	if !inserted {
		// Duplicate delivery; the entry is already counted, or its
		// increment is waiting on the retry queue.
		l.logger.Debug().Str("request_id", e.RequestID).Msg("duplicate event dropped")
		if l.metrics != nil {
			l.metrics.LedgerWrites.WithLabelValues("duplicate").Inc()
		}
		return nil
	}

	if err := l.applyEntry(ctx, e); err != nil {
		l.logger.Error().Err(err).
			Str("request_id", e.RequestID).
			Str("user_id", e.UserID).
			Msg("entry increment failed, queueing for retry")
		if l.metrics != nil {
			l.metrics.LedgerWriteErrors.Inc()
		}
		l.enqueueRetry(e, true)
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	if l.metrics != nil {
		l.metrics.LedgerWrites.WithLabelValues("inserted").Inc()
	}
	return nil
}

// applyEntry increments the period entry for an event. Callers hold the
// user lock.
func (l *Ledger) applyEntry(ctx context.Context, e usage.Event) error {
	est := quota.Estimate{
		Requests:   1,
		CostUSD:    e.Cost.TotalCost,
		DataSizeMb: e.DataSizeMb,
	}
	period := usage.PeriodStart(e.Timestamp)
	_, err := l.entries.Apply(ctx, e.UserID, period, e.RequestID, est, l.clock.Now())
	return err
}

// CurrentUsage returns a snapshot of the user's current period entry.
func (l *Ledger) CurrentUsage(ctx context.Context, userID string) (quota.Entry, error) {
	period := usage.PeriodStart(l.clock.Now())
	return l.entries.Get(ctx, userID, period)
}

func (l *Ledger) enqueueRetry(e usage.Event, appended bool) {
	l.retryMu.Lock()
	defer l.retryMu.Unlock()

	if len(l.retry) >= retryQueueCap {
		dropped := l.retry[0]
		l.retry = l.retry[1:]
		l.logger.Error().
			Str("request_id", dropped.event.RequestID).
			Msg("retry queue full, dropping oldest event")
	}
	l.retry = append(l.retry, pendingWrite{event: e, appended: appended})

	if l.metrics != nil {
		l.metrics.LedgerRetryDepth.Set(float64(len(l.retry)))
	}
}

// retryAppended re-attempts the entry increment for an event already
// durable in the log.
func (l *Ledger) retryAppended(ctx context.Context, e usage.Event) error {
	mu := l.userLock(e.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.applyEntry(ctx, e); err != nil {
		l.enqueueRetry(e, true)
		return err
	}
	return nil
}

// FlushRetries re-attempts every queued write once. Writes that fail again
// go back on the queue.
func (l *Ledger) FlushRetries(ctx context.Context) {
	l.retryMu.Lock()
	pending := l.retry
	l.retry = nil
	l.retryMu.Unlock()

	for _, p := range pending {
		var err error
		if p.appended {
			err = l.retryAppended(ctx, p.event)
		} else {
			err = l.Record(ctx, p.event)
		}
		if err != nil {
			continue // re-queued
		}
		if l.metrics != nil {
			l.metrics.LedgerWrites.WithLabelValues("retried").Inc()
		}
	}

	if l.metrics != nil {
		l.retryMu.Lock()
		l.metrics.LedgerRetryDepth.Set(float64(len(l.retry)))
		l.retryMu.Unlock()
	}
}

// RetryDepth returns the number of queued events (for testing).
func (l *Ledger) RetryDepth() int {
	l.retryMu.Lock()
	defer l.retryMu.Unlock()
	return len(l.retry)
}

func (l *Ledger) retryLoop(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.FlushRetries(context.Background())
		case <-l.stopCh:
			return
		}
	}
}

// Close stops the retry loop and makes a final flush attempt.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.FlushRetries(ctx)
	})
	return nil
}
