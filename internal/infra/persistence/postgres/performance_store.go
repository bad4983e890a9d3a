package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// PerformanceStore persists one daily performance row per account per day.
type PerformanceStore struct {
	pool *pgxpool.Pool
}

// NewPerformanceStore constructs a PerformanceStore backed by the provided pool.
func NewPerformanceStore(pool *pgxpool.Pool) *PerformanceStore {
	return &PerformanceStore{pool: pool}
}

const (
	performanceColumns = `account_id, date, closed_trades, winning_trades, closed_trade_value,
    trading_fees, funding_fees, total_pnl, net_pnl, avg_trade_value, balance, equity, roi,
    open_positions, open_notional, created_at, updated_at`

	performanceGetSQL = `
SELECT ` + performanceColumns + `
FROM daily_performance
WHERE account_id = $1 AND date = $2;
`
	performanceRangeSQL = `
SELECT ` + performanceColumns + `
FROM daily_performance
WHERE account_id = $1 AND date BETWEEN $2 AND $3
ORDER BY date;
`
	performanceLatestSQL = `
SELECT ` + performanceColumns + `
FROM daily_performance
WHERE account_id = $1
ORDER BY date DESC
LIMIT 1;
`
	performanceUpsertSQL = `
INSERT INTO daily_performance (
    account_id,
    date,
    closed_trades,
    winning_trades,
    closed_trade_value,
    trading_fees,
    funding_fees,
    total_pnl,
    net_pnl,
    avg_trade_value,
    balance,
    equity,
    roi,
    open_positions,
    open_notional,
    created_at,
    updated_at
)
VALUES (
    @account_id, @date, @closed_trades, @winning_trades, @closed_trade_value,
    @trading_fees, @funding_fees, @total_pnl, @net_pnl, @avg_trade_value,
    @balance, @equity, @roi, @open_positions, @open_notional, NOW(), NOW()
)
ON CONFLICT (account_id, date) DO UPDATE SET
    closed_trades = EXCLUDED.closed_trades,
    winning_trades = EXCLUDED.winning_trades,
    closed_trade_value = EXCLUDED.closed_trade_value,
    trading_fees = EXCLUDED.trading_fees,
    funding_fees = EXCLUDED.funding_fees,
    total_pnl = EXCLUDED.total_pnl,
    net_pnl = EXCLUDED.net_pnl,
    avg_trade_value = EXCLUDED.avg_trade_value,
    balance = EXCLUDED.balance,
    equity = EXCLUDED.equity,
    roi = EXCLUDED.roi,
    open_positions = EXCLUDED.open_positions,
    open_notional = EXCLUDED.open_notional,
    updated_at = NOW();
`
	// ctid targets let the delete honour a LIMIT, which DELETE lacks.
	performanceDeleteBeforeSQL = `
DELETE FROM daily_performance
WHERE ctid IN (
    SELECT ctid FROM daily_performance
    WHERE date < $1
    ORDER BY date
    LIMIT $2
);
`
)

// Get returns the record for the account's calendar day.
func (s *PerformanceStore) Get(ctx context.Context, accountID string, date time.Time) (schema.DailyPerformance, bool, error) {
	if s.pool == nil {
		return schema.DailyPerformance{}, false, errNilPool()
	}
	return s.one(ctx, "load performance", performanceGetSQL, accountID, schema.TruncateDay(date))
}

// Latest returns the most recent record for the account.
func (s *PerformanceStore) Latest(ctx context.Context, accountID string) (schema.DailyPerformance, bool, error) {
	if s.pool == nil {
		return schema.DailyPerformance{}, false, errNilPool()
	}
	return s.one(ctx, "load latest performance", performanceLatestSQL, accountID)
}

func (s *PerformanceStore) one(ctx context.Context, op, query string, args ...any) (schema.DailyPerformance, bool, error) {
	rec, err := scanPerformance(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.DailyPerformance{}, false, nil
	}
	if err != nil {
		return schema.DailyPerformance{}, false, dbErr(op, err, errs.WithField("account_id", args[0].(string)))
	}
	return rec, true, nil
}

// Upsert inserts or updates the record keyed by account and day. created_at survives updates.
func (s *PerformanceStore) Upsert(ctx context.Context, rec schema.DailyPerformance) error {
	if s.pool == nil {
		return errNilPool()
	}
	if rec.AccountID == "" {
		return errs.Validation("performance record requires an account")
	}
	args := pgx.NamedArgs{
		"account_id":         rec.AccountID,
		"date":               schema.TruncateDay(rec.Date),
		"closed_trades":      rec.ClosedTrades,
		"winning_trades":     rec.WinningTrades,
		"closed_trade_value": toNumeric(rec.ClosedTradeValue),
		"trading_fees":       toNumeric(rec.TradingFees),
		"funding_fees":       toNumeric(rec.FundingFees),
		"total_pnl":          toNumeric(rec.TotalPnL),
		"net_pnl":            toNumeric(rec.NetPnL),
		"avg_trade_value":    toNumeric(rec.AvgTradeValue),
		"balance":            toNumeric(rec.Balance),
		"equity":             toNumeric(rec.Equity),
		"roi":                toNumeric(rec.ROI),
		"open_positions":     rec.OpenPositions,
		"open_notional":      toNumeric(rec.OpenNotional),
	}
	if _, err := s.pool.Exec(ctx, performanceUpsertSQL, args); err != nil {
		return dbErr("upsert performance", err, errs.WithField("account_id", rec.AccountID), errs.WithField("date", rec.DateKey()))
	}
	return nil
}

// Range returns records inside the inclusive window ordered by date.
func (s *PerformanceStore) Range(ctx context.Context, accountID string, window schema.DateRange) ([]schema.DailyPerformance, error) {
	if s.pool == nil {
		return nil, errNilPool()
	}
	rows, err := s.pool.Query(ctx, performanceRangeSQL, accountID, schema.TruncateDay(window.Start), schema.TruncateDay(window.End))
	if err != nil {
		return nil, dbErr("query performance range", err, errs.WithField("account_id", accountID))
	}
	defer rows.Close()
	var out []schema.DailyPerformance
	for rows.Next() {
		rec, err := scanPerformance(rows)
		if err != nil {
			return nil, dbErr("scan performance", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate performance", err)
	}
	return out, nil
}

// DeleteBefore removes at most limit of the oldest records dated before cutoff.
func (s *PerformanceStore) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if s.pool == nil {
		return 0, errNilPool()
	}
	if limit <= 0 {
		return 0, errs.Validation("delete batch size must be positive")
	}
	tag, err := s.pool.Exec(ctx, performanceDeleteBeforeSQL, schema.TruncateDay(cutoff), limit)
	if err != nil {
		return 0, dbErr("delete old performance", err)
	}
	return tag.RowsAffected(), nil
}

func scanPerformance(row pgx.Row) (schema.DailyPerformance, error) {
	var (
		rec                                     schema.DailyPerformance
		value, trading, funding, total, net     pgtype.Numeric
		avg, balance, equity, roi, openNotional pgtype.Numeric
	)
	err := row.Scan(&rec.AccountID, &rec.Date, &rec.ClosedTrades, &rec.WinningTrades, &value,
		&trading, &funding, &total, &net, &avg, &balance, &equity, &roi,
		&rec.OpenPositions, &openNotional, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return schema.DailyPerformance{}, err
	}
	rec.Date = schema.TruncateDay(rec.Date)
	err = decimals(
		target("closed_trade_value", &value, &rec.ClosedTradeValue),
		target("trading_fees", &trading, &rec.TradingFees),
		target("funding_fees", &funding, &rec.FundingFees),
		target("total_pnl", &total, &rec.TotalPnL),
		target("net_pnl", &net, &rec.NetPnL),
		target("avg_trade_value", &avg, &rec.AvgTradeValue),
		target("balance", &balance, &rec.Balance),
		target("equity", &equity, &rec.Equity),
		target("roi", &roi, &rec.ROI),
		target("open_notional", &openNotional, &rec.OpenNotional),
	)
	return rec, err
}
