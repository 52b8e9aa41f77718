package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/geo"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

// EventStore implements ports.EventStore using SQLite.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new SQLite event store.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `
	request_id, user_id, tier, timestamp, endpoint, method, data_type, request_type,
	base_cost, data_volume_cost, processing_cost, storage_cost, total_cost, currency,
	data_size_mb, response_status, processing_time_ms, ip_address, user_agent`

// Append stores a usage event, deduplicating by request ID.
func (s *EventStore) Append(ctx context.Context, e usage.Event) (bool, error) {
	// Store timestamp in UTC for consistent querying
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`,
		e.RequestID, e.UserID, string(e.Tier), e.Timestamp.UTC(), e.Endpoint, e.Method,
		string(e.DataType), string(e.RequestType),
		e.Cost.BaseCost, e.Cost.DataVolumeCost, e.Cost.ProcessingCost, e.Cost.StorageCost,
		e.Cost.TotalCost, e.Cost.Currency,
		e.DataSizeMb, e.ResponseStatus, e.ProcessingTimeMs, e.IPAddress, e.UserAgent,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSince returns events with timestamp >= since, oldest first.
func (s *EventStore) ListSince(ctx context.Context, since time.Time) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM usage_events
		WHERE datetime(timestamp) >= datetime(?)
		ORDER BY timestamp ASC
	`, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRange returns events within [start, end), oldest first.
func (s *EventStore) ListRange(ctx context.Context, start, end time.Time) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM usage_events
		WHERE datetime(timestamp) >= datetime(?) AND datetime(timestamp) < datetime(?)
		ORDER BY timestamp ASC
	`, start.UTC().Format("2006-01-02 15:04:05"), end.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByUser returns a user's events within [start, end), oldest first.
func (s *EventStore) ListByUser(ctx context.Context, userID string, start, end time.Time) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM usage_events
		WHERE user_id = ? AND datetime(timestamp) >= datetime(?) AND datetime(timestamp) < datetime(?)
		ORDER BY timestamp ASC
	`, userID, start.UTC().Format("2006-01-02 15:04:05"), end.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountSince returns the number of events with timestamp >= since.
func (s *EventStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_events WHERE datetime(timestamp) >= datetime(?)
	`, since.UTC().Format("2006-01-02 15:04:05"))

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteBefore removes events older than cutoff.
func (s *EventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_events WHERE datetime(timestamp) < datetime(?)
	`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]usage.Event, error) {
	var events []usage.Event
	for rows.Next() {
		var (
			e                    usage.Event
			tierStr, dataTypeStr string
			requestTypeStr       string
			ipAddress, userAgent sql.NullString
		)

		err := rows.Scan(
			&e.RequestID, &e.UserID, &tierStr, &e.Timestamp, &e.Endpoint, &e.Method,
			&dataTypeStr, &requestTypeStr,
			&e.Cost.BaseCost, &e.Cost.DataVolumeCost, &e.Cost.ProcessingCost, &e.Cost.StorageCost,
			&e.Cost.TotalCost, &e.Cost.Currency,
			&e.DataSizeMb, &e.ResponseStatus, &e.ProcessingTimeMs, &ipAddress, &userAgent,
		)
		if err != nil {
			return nil, err
		}

		e.Tier = tier.Tier(tierStr)
		e.DataType = cost.DataType(dataTypeStr)
		e.RequestType = geo.QueryKind(requestTypeStr)
		if ipAddress.Valid {
			e.IPAddress = ipAddress.String
		}
		if userAgent.Valid {
			e.UserAgent = userAgent.String
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.EventStore = (*EventStore)(nil)
