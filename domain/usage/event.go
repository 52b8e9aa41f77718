// Package usage provides usage event types and aggregation functions.
// All functions are pure - no side effects.
package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/geo"
	"github.com/artpar/geometer/domain/tier"
)

// Event represents a single completed request (immutable value type).
// Created exactly once when a request finishes, appended to the event log,
// and never mutated. RequestID is the idempotency key: recording the same
// event twice must not double-count.
type Event struct {
	RequestID        string         `json:"requestId"`
	UserID           string         `json:"userId"`
	Tier             tier.Tier      `json:"tier"`
	Timestamp        time.Time      `json:"timestamp"`
	Endpoint         string         `json:"endpoint"`
	Method           string         `json:"method"`
	DataType         cost.DataType  `json:"dataType,omitempty"`
	RequestType      geo.QueryKind  `json:"requestType,omitempty"`
	Cost             cost.Breakdown `json:"cost"`
	DataSizeMb       float64        `json:"dataSizeMb"`
	ResponseStatus   int            `json:"responseStatus"`
	ProcessingTimeMs float64        `json:"processingTimeMs"`
	IPAddress        string         `json:"ipAddress,omitempty"`
	UserAgent        string         `json:"userAgent,omitempty"`
}

// Validate checks the fields the ledger depends on.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("event missing request ID")
	}
	if e.UserID == "" {
		return errors.New("event missing user ID")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s missing timestamp", e.RequestID)
	}
	return nil
}

// IsError reports whether the request failed (HTTP status >= 400).
func (e Event) IsError() bool {
	return e.ResponseStatus >= 400
}

// PeriodStart returns the first instant of the billing period (calendar
// month, UTC) containing t.
func PeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodBounds returns the start and end of the billing period containing t.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = PeriodStart(t)
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return
}
