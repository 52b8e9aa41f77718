package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/geometer/domain/quota"
	"github.com/artpar/geometer/ports"
)

// LedgerStore implements ports.LedgerStore using SQLite.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new SQLite ledger store.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Get retrieves the entry for a user's billing period.
func (s *LedgerStore) Get(ctx context.Context, userID string, periodStart time.Time) (quota.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, period_start, requests_used, cost_accrued, data_mb_used, last_updated
		FROM ledger_entries
		WHERE user_id = ? AND period_start = ?
	`, userID, periodStart.UTC())

	var e quota.Entry
	err := row.Scan(&e.UserID, &e.PeriodStart, &e.RequestsUsed, &e.CostAccrued, &e.DataMbUsed, &e.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Entry{UserID: userID, PeriodStart: periodStart}, nil
	}
	if err != nil {
		return quota.Entry{}, err
	}
	return e, nil
}

// Apply commits an estimate to the entry, creating it if needed.
// requestID is unused here: this store never rebuilds entries from the
// event log, so an estimate cannot already be counted.
func (s *LedgerStore) Apply(ctx context.Context, userID string, periodStart time.Time, requestID string, est quota.Estimate, now time.Time) (quota.Entry, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, period_start, requests_used, cost_accrued, data_mb_used, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, period_start) DO UPDATE SET
			requests_used = requests_used + excluded.requests_used,
			cost_accrued = cost_accrued + excluded.cost_accrued,
			data_mb_used = data_mb_used + excluded.data_mb_used,
			last_updated = excluded.last_updated
	`, userID, periodStart.UTC(), est.Requests, est.CostUSD, est.DataSizeMb, now.UTC())
	if err != nil {
		return quota.Entry{}, err
	}

	return s.Get(ctx, userID, periodStart)
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
