// Package memory provides in-process implementations of the engine's storage contracts.
// They back tests and single-node deployments running without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

type specKey struct {
	exchange schema.ExchangeType
	symbol   string
}

// SpecStore is a memory-backed specstore.Store.
type SpecStore struct {
	mu    sync.RWMutex
	specs map[specKey]schema.SymbolSpec
}

// NewSpecStore creates an empty spec store.
func NewSpecStore() *SpecStore {
	return &SpecStore{specs: make(map[specKey]schema.SymbolSpec)}
}

// Get returns the active spec for the symbol.
func (s *SpecStore) Get(ctx context.Context, exchange schema.ExchangeType, symbol string) (schema.SymbolSpec, bool, error) {
	if err := checkContext(ctx, "spec get"); err != nil {
		return schema.SymbolSpec{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[specKey{exchange, symbol}]
	if !ok || !spec.Active {
		return schema.SymbolSpec{}, false, nil
	}
	return spec, true, nil
}

// Save upserts the spec.
func (s *SpecStore) Save(ctx context.Context, spec schema.SymbolSpec) error {
	if err := checkContext(ctx, "spec save"); err != nil {
		return err
	}
	if spec.Exchange == "" || spec.Symbol == "" {
		return errs.Validation("spec requires exchange and symbol")
	}
	s.mu.Lock()
	s.specs[specKey{spec.Exchange, spec.Symbol}] = spec
	s.mu.Unlock()
	return nil
}

// List returns every stored spec of the venue ordered by symbol.
func (s *SpecStore) List(ctx context.Context, exchange schema.ExchangeType) ([]schema.SymbolSpec, error) {
	if err := checkContext(ctx, "spec list"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]schema.SymbolSpec, 0, len(s.specs))
	for k, spec := range s.specs {
		if k.exchange == exchange {
			out = append(out, spec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// DeactivateVerifiedBefore marks active specs verified before cutoff as inactive.
func (s *SpecStore) DeactivateVerifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := checkContext(ctx, "spec deactivate"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, spec := range s.specs {
		if spec.Active && spec.LastVerified.Before(cutoff) {
			spec.Active = false
			s.specs[k] = spec
			n++
		}
	}
	return n, nil
}
