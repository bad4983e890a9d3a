// Package specstore defines persistence contracts for symbol trading constraints.
package specstore

import (
	"context"
	"time"

	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Store persists per-venue symbol specifications.
type Store interface {
	// Get returns the active spec for the symbol; found is false when none is stored.
	Get(ctx context.Context, exchange schema.ExchangeType, symbol string) (spec schema.SymbolSpec, found bool, err error)
	// Save upserts the spec keyed by (exchange, symbol).
	Save(ctx context.Context, spec schema.SymbolSpec) error
	// List returns every stored spec for the venue ordered by symbol.
	List(ctx context.Context, exchange schema.ExchangeType) ([]schema.SymbolSpec, error)
	// DeactivateVerifiedBefore marks specs not verified since cutoff as inactive.
	DeactivateVerifiedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
