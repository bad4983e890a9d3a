// Package tradestore defines the write-only trade recording contract.
package tradestore

import (
	"context"

	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Recorder persists trades. Writes are not read back for confirmation.
type Recorder interface {
	RecordTrade(ctx context.Context, trade schema.TradeRecord) error
	CloseTrade(ctx context.Context, close schema.TradeClose) error
}
