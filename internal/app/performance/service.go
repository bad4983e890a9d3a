package performance

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/performancestore"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

const (
	DefaultRetentionDays = 365
	DefaultCleanupBatch  = 1000
)

// Service persists and queries daily performance records.
type Service struct {
	store     performancestore.Store
	refs      referencestore.Resolver
	now       func() time.Time
	retention int
	batch     int

	// mu serialises the read-merge-write of UpdateDailyPerformance.
	mu sync.Mutex
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetention sets the default retention window and delete batch size.
func WithRetention(days, batch int) Option {
	return func(s *Service) {
		if days > 0 {
			s.retention = days
		}
		if batch > 0 {
			s.batch = batch
		}
	}
}

// NewService builds a Service. refs may be nil when group queries are not needed.
func NewService(store performancestore.Store, refs referencestore.Resolver, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errs.Configuration("performance store required")
	}
	s := &Service{
		store:     store,
		refs:      refs,
		now:       time.Now,
		retention: DefaultRetentionDays,
		batch:     DefaultCleanupBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UpdateDailyPerformance merges metrics into the record for (accountID, date).
//
// Snapshot fields (balance, equity, open positions and notional) overwrite unless the
// update is a backfill of an existing record. Closed-trade totals are replaced only
// when the update carries closed trades or no record exists yet, so an intraday
// snapshot never erases a prior history sync.
func (s *Service) UpdateDailyPerformance(ctx context.Context, accountID string, date time.Time, metrics schema.TradeMetrics) (err error) {
	defer func() { telemetry.Engine().PerformanceUpsert(ctx, err) }()
	if err := s.validate(accountID, date, metrics); err != nil {
		return err
	}
	day := schema.TruncateDay(date)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found, err := s.store.Get(ctx, accountID, day)
	if err != nil {
		return errs.Database("failed to load performance", errs.WithCause(err), errs.WithField("account_id", accountID))
	}
	merged := metrics
	if found && metrics.ClosedTrades == 0 {
		merged.ClosedTrades = existing.ClosedTrades
		merged.WinningTrades = existing.WinningTrades
		merged.ClosedTradeValue = existing.ClosedTradeValue
		merged.TradingFees = existing.TradingFees
		merged.FundingFees = existing.FundingFees
		merged.TotalPnL = existing.TotalPnL
	}
	if found && metrics.Backfill {
		merged.Balance = existing.Balance
		merged.Equity = existing.Equity
		merged.OpenPositions = existing.OpenPositions
		merged.OpenNotional = existing.OpenNotional
	}
	rec := Calculate(accountID, day, merged)
	rec.CreatedAt, rec.UpdatedAt = s.now().UTC(), s.now().UTC()
	if found && !existing.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return errs.Database("failed to store performance", errs.WithCause(err),
			errs.WithField("account_id", accountID), errs.WithField("date", rec.DateKey()))
	}
	observability.Log().Debug("performance updated",
		observability.F("account_id", accountID),
		observability.F("date", rec.DateKey()),
		observability.F("net_pnl", rec.NetPnL.String()))
	return nil
}

func (s *Service) validate(accountID string, date time.Time, m schema.TradeMetrics) error {
	switch {
	case accountID == "":
		return errs.Validation("account id required")
	case m.ClosedTrades < 0 || m.WinningTrades < 0:
		return errs.Validation("trade counts must be non-negative", errs.WithField("account_id", accountID))
	case m.WinningTrades > m.ClosedTrades:
		return errs.Validation("winning trades exceed closed trades", errs.WithField("account_id", accountID))
	case !m.Balance.IsPositive():
		return errs.Validation("balance must be positive", errs.WithField("account_id", accountID))
	case m.Equity.IsNegative():
		return errs.Validation("equity must be non-negative", errs.WithField("account_id", accountID))
	case schema.TruncateDay(date).After(schema.TruncateDay(s.now())):
		return errs.Validation("performance date is in the future",
			errs.WithField("account_id", accountID), errs.WithField("date", date.UTC().Format(time.DateOnly)))
	}
	return nil
}

func (s *Service) records(ctx context.Context, accountID string, window schema.DateRange) ([]schema.DailyPerformance, error) {
	if window.Start.After(window.End) {
		return nil, errs.Validation("start date must not be after end date")
	}
	rows, err := s.store.Range(ctx, accountID, window)
	if err != nil {
		return nil, errs.Database("failed to load performance", errs.WithCause(err), errs.WithField("account_id", accountID))
	}
	return rows, nil
}

// AccountMetrics summarises one account over the window.
func (s *Service) AccountMetrics(ctx context.Context, accountID string, window schema.DateRange) (PeriodMetrics, error) {
	rows, err := s.records(ctx, accountID, window)
	if err != nil {
		return PeriodMetrics{}, err
	}
	if len(rows) == 0 {
		return PeriodMetrics{}, errs.NotFound("no performance data", errs.WithField("account_id", accountID))
	}
	return Period(rows)
}

// AccountRisk computes risk statistics for one account over the window.
func (s *Service) AccountRisk(ctx context.Context, accountID string, window schema.DateRange) (RiskMetrics, error) {
	rows, err := s.records(ctx, accountID, window)
	if err != nil {
		return RiskMetrics{}, err
	}
	if len(rows) == 0 {
		return RiskMetrics{}, errs.NotFound("no performance data", errs.WithField("account_id", accountID))
	}
	return Risk(rows)
}

// GroupMetrics summarises every account in the group over the window.
func (s *Service) GroupMetrics(ctx context.Context, groupID string, window schema.DateRange) (PeriodMetrics, error) {
	if s.refs == nil {
		return PeriodMetrics{}, errs.Configuration("reference resolver not configured")
	}
	ok, err := s.refs.Validate(ctx, referencestore.KindOperations, referencestore.KindGroup, groupID)
	if err != nil {
		return PeriodMetrics{}, errs.Database("failed to resolve group", errs.WithCause(err), errs.WithField("group_id", groupID))
	}
	if !ok {
		return PeriodMetrics{}, errs.NotFound("group not found", errs.WithField("group_id", groupID))
	}
	accounts, err := s.refs.Accounts(ctx, referencestore.KindGroup, groupID)
	if err != nil {
		return PeriodMetrics{}, errs.Database("failed to resolve group", errs.WithCause(err), errs.WithField("group_id", groupID))
	}
	if len(accounts) == 0 {
		return PeriodMetrics{}, errs.NotFound("group has no accounts", errs.WithField("group_id", groupID))
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	data, err := s.collect(ctx, ids, window)
	if err != nil {
		return PeriodMetrics{}, err
	}
	if len(data) == 0 {
		return PeriodMetrics{}, errs.NotFound("no performance data", errs.WithField("group_id", groupID))
	}
	return Group(data)
}

// AggregatePerformance buckets the accounts' records by interval.
func (s *Service) AggregatePerformance(ctx context.Context, accountIDs []string, window schema.DateRange, iv Interval) ([]Bucket, error) {
	if len(accountIDs) == 0 {
		return nil, errs.Validation("at least one account id required")
	}
	if !window.Start.Before(window.End) {
		return nil, errs.Validation("start date must be before end date")
	}
	data, err := s.collect(ctx, accountIDs, window)
	if err != nil {
		return nil, err
	}
	return ByInterval(data, iv), nil
}

// CumulativePerformance returns running totals for one account, measured against
// the first record's balance.
func (s *Service) CumulativePerformance(ctx context.Context, accountID string, window schema.DateRange) ([]CumulativePoint, error) {
	rows, err := s.records(ctx, accountID, window)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.NotFound("no performance data", errs.WithField("account_id", accountID))
	}
	return Cumulative(rows, rows[0].Balance), nil
}

func (s *Service) collect(ctx context.Context, accountIDs []string, window schema.DateRange) (map[string][]schema.DailyPerformance, error) {
	data := make(map[string][]schema.DailyPerformance, len(accountIDs))
	for _, id := range accountIDs {
		rows, err := s.records(ctx, id, window)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			data[id] = rows
		}
	}
	return data, nil
}

// LatestPerformance returns the most recent record for the account.
func (s *Service) LatestPerformance(ctx context.Context, accountID string) (schema.DailyPerformance, error) {
	rec, found, err := s.store.Latest(ctx, accountID)
	if err != nil {
		return schema.DailyPerformance{}, errs.Database("failed to load performance", errs.WithCause(err), errs.WithField("account_id", accountID))
	}
	if !found {
		return schema.DailyPerformance{}, errs.NotFound("no performance data", errs.WithField("account_id", accountID))
	}
	return rec, nil
}

// CleanupOldRecords deletes records older than retentionDays in batches and
// returns the number removed. A non-positive retentionDays uses the configured default.
func (s *Service) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = s.retention
	}
	cutoff := schema.TruncateDay(s.now()).AddDate(0, 0, -retentionDays)
	var total int64
	for {
		n, err := s.store.DeleteBefore(ctx, cutoff, s.batch)
		total += n
		if err != nil {
			return total, errs.Database("failed to delete old performance", errs.WithCause(err))
		}
		if n < int64(s.batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	if total > 0 {
		observability.Log().Info("performance retention applied",
			observability.F("cutoff", cutoff.Format(time.DateOnly)),
			observability.F("deleted", total))
	}
	return total, nil
}

// RunRetention applies CleanupOldRecords every interval until ctx is done.
func (s *Service) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.CleanupOldRecords(ctx, 0); err != nil && ctx.Err() == nil {
			observability.Log().Warn("performance retention failed", observability.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
