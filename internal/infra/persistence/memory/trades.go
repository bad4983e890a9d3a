package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// TradeStore is a memory-backed tradestore.Recorder.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string]schema.TradeRecord
	order  []string
}

// NewTradeStore creates an empty trade recorder.
func NewTradeStore() *TradeStore {
	return &TradeStore{trades: make(map[string]schema.TradeRecord)}
}

// RecordTrade stores the trade, assigning an id when missing.
func (s *TradeStore) RecordTrade(ctx context.Context, trade schema.TradeRecord) error {
	if err := checkContext(ctx, "trade record"); err != nil {
		return err
	}
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.Status == "" {
		trade.Status = schema.TradeOpen
	}
	s.mu.Lock()
	if _, exists := s.trades[trade.ID]; !exists {
		s.order = append(s.order, trade.ID)
	}
	s.trades[trade.ID] = trade
	s.mu.Unlock()
	return nil
}

// CloseTrade marks an open trade closed.
func (s *TradeStore) CloseTrade(ctx context.Context, close schema.TradeClose) error {
	if err := checkContext(ctx, "trade close"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[close.TradeID]
	if !ok {
		return errs.NotFound("trade not found", errs.WithField("trade_id", close.TradeID))
	}
	closedAt := close.ClosedAt
	trade.Status = schema.TradeClosed
	trade.ExitPrice = close.ExitPrice
	trade.RealizedPnL = close.RealizedPnL
	trade.Fees = close.Fees
	trade.ClosedAt = &closedAt
	s.trades[close.TradeID] = trade
	return nil
}

// Trades returns recorded trades in insertion order.
func (s *TradeStore) Trades() []schema.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.TradeRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.trades[id])
	}
	return out
}
