package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// PerformanceStore is a memory-backed performancestore.Store.
type PerformanceStore struct {
	mu      sync.RWMutex
	records map[string]map[string]schema.DailyPerformance
}

// NewPerformanceStore creates an empty performance store.
func NewPerformanceStore() *PerformanceStore {
	return &PerformanceStore{records: make(map[string]map[string]schema.DailyPerformance)}
}

// Get returns the record for the account and day.
func (s *PerformanceStore) Get(ctx context.Context, accountID string, date time.Time) (schema.DailyPerformance, bool, error) {
	if err := checkContext(ctx, "performance get"); err != nil {
		return schema.DailyPerformance{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID][schema.TruncateDay(date).Format(time.DateOnly)]
	return rec, ok, nil
}

// Upsert inserts or replaces the record keyed by account and day. CreatedAt survives updates.
func (s *PerformanceStore) Upsert(ctx context.Context, record schema.DailyPerformance) error {
	if err := checkContext(ctx, "performance upsert"); err != nil {
		return err
	}
	if record.AccountID == "" {
		return errs.Validation("performance record requires an account")
	}
	record.Date = schema.TruncateDay(record.Date)
	key := record.DateKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.records[record.AccountID]
	if !ok {
		days = make(map[string]schema.DailyPerformance)
		s.records[record.AccountID] = days
	}
	if prev, exists := days[key]; exists && !prev.CreatedAt.IsZero() {
		record.CreatedAt = prev.CreatedAt
	}
	days[key] = record
	return nil
}

// Range returns the records inside the inclusive window ordered by date.
func (s *PerformanceStore) Range(ctx context.Context, accountID string, window schema.DateRange) ([]schema.DailyPerformance, error) {
	if err := checkContext(ctx, "performance range"); err != nil {
		return nil, err
	}
	start, end := schema.TruncateDay(window.Start), schema.TruncateDay(window.End)
	s.mu.RLock()
	out := make([]schema.DailyPerformance, 0)
	for _, rec := range s.records[accountID] {
		if rec.Date.Before(start) || rec.Date.After(end) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Latest returns the most recent record of the account.
func (s *PerformanceStore) Latest(ctx context.Context, accountID string) (schema.DailyPerformance, bool, error) {
	if err := checkContext(ctx, "performance latest"); err != nil {
		return schema.DailyPerformance{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest schema.DailyPerformance
		found  bool
	)
	for _, rec := range s.records[accountID] {
		if !found || rec.Date.After(latest.Date) {
			latest, found = rec, true
		}
	}
	return latest, found, nil
}

// DeleteBefore removes up to limit of the oldest records dated before cutoff.
func (s *PerformanceStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if err := checkContext(ctx, "performance delete"); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, nil
	}
	type ref struct {
		account, key string
		date         time.Time
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []ref
	for account, days := range s.records {
		for key, rec := range days {
			if rec.Date.Before(cutoff) {
				victims = append(victims, ref{account, key, rec.Date})
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].date.Before(victims[j].date) })
	if len(victims) > limit {
		victims = victims[:limit]
	}
	for _, v := range victims {
		delete(s.records[v.account], v.key)
	}
	return int64(len(victims)), nil
}
