// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/geometer/domain/quota"
	"github.com/artpar/geometer/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// EventStore persists the append-only usage event log.
type EventStore interface {
	// Append stores a usage event. Events are deduplicated by request ID:
	// appending an event whose request ID is already stored is a no-op and
	// returns inserted=false.
	Append(ctx context.Context, e usage.Event) (inserted bool, err error)

	// ListSince returns events with timestamp >= since, ordered by
	// timestamp ascending.
	ListSince(ctx context.Context, since time.Time) ([]usage.Event, error)

	// ListRange returns events with start <= timestamp < end, ordered by
	// timestamp ascending.
	ListRange(ctx context.Context, start, end time.Time) ([]usage.Event, error)

	// ListByUser returns a user's events within [start, end), ordered by
	// timestamp ascending.
	ListByUser(ctx context.Context, userID string, start, end time.Time) ([]usage.Event, error)

	// CountSince returns the number of events with timestamp >= since.
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// DeleteBefore removes events older than cutoff and reports how many
	// were deleted.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerStore persists per-user, per-period running totals.
type LedgerStore interface {
	// Get retrieves the entry for a user and billing period. A user with no
	// recorded usage yields a zero-valued entry, not an error.
	Get(ctx context.Context, userID string, periodStart time.Time) (quota.Entry, error)

	// Apply commits an estimate to the user's entry for the period,
	// creating the entry if it does not exist. requestID identifies the
	// event behind the estimate: implementations that rebuild entries
	// from the event log must treat an Apply for an already-counted
	// request ID as a no-op, so a rebuild racing the commit never
	// double-counts.
	Apply(ctx context.Context, userID string, periodStart time.Time, requestID string, est quota.Estimate, now time.Time) (quota.Entry, error)
}
