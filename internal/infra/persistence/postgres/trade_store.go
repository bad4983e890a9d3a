package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// TradeStore records executed trades. Rows are written, never read back by the engine.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	tradeInsertSQL = `
INSERT INTO trades (
    id,
    account_id,
    exchange,
    symbol,
    side,
    size,
    entry_price,
    leverage,
    order_id,
    client_id,
    source,
    monitor_status,
    status,
    opened_at
)
VALUES (
    @id, @account_id, @exchange, @symbol, @side, @size, @entry_price, @leverage,
    @order_id, @client_id, @source, @monitor_status, @status, @opened_at
)
ON CONFLICT (id) DO NOTHING;
`
	tradeCloseSQL = `
UPDATE trades
SET status = 'closed',
    exit_price = @exit_price,
    realized_pnl = @realized_pnl,
    fees = @fees,
    closed_at = @closed_at
WHERE id = @id AND status = 'open';
`
)

// RecordTrade inserts the trade, generating an id when none is set.
func (s *TradeStore) RecordTrade(ctx context.Context, trade schema.TradeRecord) error {
	if s.pool == nil {
		return errNilPool()
	}
	id := trade.ID
	if id == "" {
		id = uuid.NewString()
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return errs.Validation("trade id must be a uuid", errs.WithField("trade_id", id))
	}
	status := trade.Status
	if status == "" {
		status = schema.TradeOpen
	}
	opened := trade.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	args := pgx.NamedArgs{
		"id":             parsed,
		"account_id":     trade.AccountID,
		"exchange":       string(trade.Exchange),
		"symbol":         trade.Symbol,
		"side":           string(trade.Side),
		"size":           toNumeric(trade.Size),
		"entry_price":    toNumeric(trade.EntryPrice),
		"leverage":       trade.Leverage,
		"order_id":       trade.OrderID,
		"client_id":      trade.ClientID,
		"source":         string(trade.Source),
		"monitor_status": string(trade.MonitorStatus),
		"status":         string(status),
		"opened_at":      opened.UTC(),
	}
	if _, err := s.pool.Exec(ctx, tradeInsertSQL, args); err != nil {
		return dbErr("record trade", err, errs.WithField("account_id", trade.AccountID), errs.WithField("symbol", trade.Symbol))
	}
	return nil
}

// CloseTrade marks an open trade closed. Closing an unknown or already closed trade is NotFound.
func (s *TradeStore) CloseTrade(ctx context.Context, tc schema.TradeClose) error {
	if s.pool == nil {
		return errNilPool()
	}
	parsed, err := uuid.Parse(tc.TradeID)
	if err != nil {
		return errs.Validation("trade id must be a uuid", errs.WithField("trade_id", tc.TradeID))
	}
	closed := tc.ClosedAt
	if closed.IsZero() {
		closed = time.Now()
	}
	args := pgx.NamedArgs{
		"id":           parsed,
		"exit_price":   toNullableNumeric(tc.ExitPrice, !tc.ExitPrice.IsZero()),
		"realized_pnl": toNumeric(tc.RealizedPnL),
		"fees":         toNumeric(tc.Fees),
		"closed_at":    closed.UTC(),
	}
	tag, err := s.pool.Exec(ctx, tradeCloseSQL, args)
	if err != nil {
		return dbErr("close trade", err, errs.WithField("trade_id", tc.TradeID))
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("open trade not found", errs.WithField("trade_id", tc.TradeID))
	}
	return nil
}
