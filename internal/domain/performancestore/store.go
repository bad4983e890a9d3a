// Package performancestore defines persistence contracts for daily account performance.
package performancestore

import (
	"context"
	"time"

	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Store persists one performance record per account per calendar day.
type Store interface {
	Get(ctx context.Context, accountID string, date time.Time) (record schema.DailyPerformance, found bool, err error)
	// Upsert inserts or updates the record keyed by (account_id, date).
	Upsert(ctx context.Context, record schema.DailyPerformance) error
	// Range returns records within the inclusive date range ordered by date.
	Range(ctx context.Context, accountID string, window schema.DateRange) ([]schema.DailyPerformance, error)
	Latest(ctx context.Context, accountID string) (record schema.DailyPerformance, found bool, err error)
	// DeleteBefore removes at most limit records dated before cutoff and reports how many went.
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
