package trading

import (
	"context"
	"strconv"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/exchange"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/shared"
)

// Outcome is the transition the reconciler performed.
type Outcome int

const (
	// OutcomeInitialized: no position existed; leverage was set.
	OutcomeInitialized Outcome = iota + 1
	// OutcomeClosed: an opposing position was flattened and leverage reset.
	OutcomeClosed
	// OutcomeCompatible: a same-side position exists; the trade adds to it.
	OutcomeCompatible
	// OutcomeFailed: a venue call failed mid-transition.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInitialized:
		return "initialized"
	case OutcomeClosed:
		return "closed"
	case OutcomeCompatible:
		return "compatible"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reconciliation reports how the existing position was handled.
type Reconciliation struct {
	Outcome Outcome
	// Position is the existing position for OutcomeCompatible and the flattened one for OutcomeClosed.
	Position *schema.Position
	Reason   string
}

// ActionNeeded reports whether placing the trade is unsafe. Successful transitions never set it.
func (r Reconciliation) ActionNeeded() bool {
	return r.Outcome == OutcomeFailed
}

// Reconciler moves a symbol's position into a state compatible with a new order.
// Its read-then-act sequence is not atomic against the venue.
type Reconciler struct {
	venue exchange.Client
}

// NewReconciler builds a reconciler for one venue client.
func NewReconciler(venue exchange.Client) *Reconciler {
	return &Reconciler{venue: venue}
}

// HandleCurrentPosition prepares symbol for an order on side.
// An opposing position is handled as cancel-all, close, then set leverage, in that order.
func (r *Reconciler) HandleCurrentPosition(ctx context.Context, symbol string, side schema.Side, leverage int) (Reconciliation, error) {
	venue := string(r.venue.Exchange())
	if err := shared.ValidateLeverage(venue, symbol, leverage); err != nil {
		return Reconciliation{Outcome: OutcomeFailed, Reason: "invalid leverage"}, err
	}
	pos, err := r.venue.Position(ctx, symbol)
	if err != nil {
		return r.failed(symbol, side, leverage, "position lookup", err)
	}
	if pos.Empty() {
		if err := r.venue.SetLeverage(ctx, symbol, leverage); err != nil {
			return r.failed(symbol, side, leverage, "set leverage", err)
		}
		return Reconciliation{Outcome: OutcomeInitialized}, nil
	}
	if pos.Side.Matches(side) {
		return Reconciliation{Outcome: OutcomeCompatible, Position: pos}, nil
	}

	if err := r.venue.CancelAllOrders(ctx, symbol); err != nil {
		return r.failed(symbol, side, leverage, "cancel orders", err)
	}
	if err := r.venue.ClosePosition(ctx, symbol); err != nil {
		return r.failed(symbol, side, leverage, "close position", err)
	}
	if err := r.venue.SetLeverage(ctx, symbol, leverage); err != nil {
		return r.failed(symbol, side, leverage, "reset leverage", err)
	}
	return Reconciliation{Outcome: OutcomeClosed, Position: pos}, nil
}

func (r *Reconciler) failed(symbol string, side schema.Side, leverage int, step string, cause error) (Reconciliation, error) {
	err := errs.Exchange(string(r.venue.Exchange()), "failed to handle position",
		errs.WithCause(cause),
		errs.WithField("symbol", symbol),
		errs.WithField("side", string(side)),
		errs.WithField("leverage", strconv.Itoa(leverage)),
		errs.WithField("step", step))
	return Reconciliation{Outcome: OutcomeFailed, Reason: step + ": " + cause.Error()}, err
}
