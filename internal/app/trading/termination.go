package trading

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/notification"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

// AccountTermination is the per-account outcome of a bot termination.
type AccountTermination struct {
	AccountID       string
	Success         bool
	ClosedPositions int
	Err             error
}

// TerminationResult aggregates a bot termination.
// Success is the OR of the per-account results: true when at least one account was flattened.
type TerminationResult struct {
	BotID   string
	Success bool
	Results []AccountTermination
}

// Terminator flattens every account a bot trades through.
type Terminator struct {
	References  referencestore.Resolver
	Clients     ClientSource
	Notifier    notification.Notifier
	Concurrency int
}

// TerminateBotAccounts closes all positions on every account referenced by botID concurrently.
// Per-account failures are collected, never propagated.
func (t Terminator) TerminateBotAccounts(ctx context.Context, botID string) (TerminationResult, error) {
	ok, err := t.References.Validate(ctx, referencestore.KindOperations, referencestore.KindBot, botID)
	if err != nil {
		return TerminationResult{}, errs.Exchange("", "failed to terminate bot accounts", errs.WithCause(err), errs.WithField("bot_id", botID))
	}
	if !ok {
		return TerminationResult{}, errs.NotFound("bot not found", errs.WithField("bot_id", botID))
	}
	accounts, err := t.References.Accounts(ctx, referencestore.KindBot, botID)
	if err != nil {
		return TerminationResult{}, errs.Exchange("", "failed to terminate bot accounts", errs.WithCause(err), errs.WithField("bot_id", botID))
	}

	workers := t.Concurrency
	if workers <= 0 {
		workers = len(accounts)
	}
	mapper := iter.Mapper[schema.Account, AccountTermination]{MaxGoroutines: workers}
	results := mapper.Map(accounts, func(acc *schema.Account) AccountTermination {
		return t.flatten(ctx, *acc)
	})

	out := TerminationResult{BotID: botID, Results: results}
	for _, r := range results {
		out.Success = out.Success || r.Success
	}
	observability.Log().Info("terminated bot accounts",
		observability.F("bot_id", botID),
		observability.F("account_count", len(results)),
		observability.F("success", out.Success))
	t.notify(ctx, out)
	return out, nil
}

func (t Terminator) flatten(ctx context.Context, acc schema.Account) (res AccountTermination) {
	res.AccountID = acc.ID
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Err = errs.Exchange(string(acc.Exchange), "termination panicked", errs.WithField("panic", fmt.Sprint(p)))
		}
		telemetry.Engine().Operation(ctx, string(acc.Exchange), "terminate", res.Err)
	}()
	venue, err := t.Clients.GetInstance(ctx, acc)
	if err != nil {
		res.Err = err
		return res
	}
	positions, err := venue.Positions(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	for _, p := range positions {
		if err := venue.ClosePosition(ctx, p.Symbol); err != nil {
			res.Err = errs.Exchange(string(acc.Exchange), "close position failed", errs.WithCause(err), errs.WithField("symbol", p.Symbol))
			return res
		}
		res.ClosedPositions++
	}
	res.Success = true
	return res
}

func (t Terminator) notify(ctx context.Context, out TerminationResult) {
	if t.Notifier == nil {
		return
	}
	level := notification.LevelInfo
	failed := 0
	for _, r := range out.Results {
		if !r.Success {
			failed++
		}
	}
	if !out.Success {
		level = notification.LevelCritical
	} else if failed > 0 {
		level = notification.LevelWarning
	}
	msg := notification.Message{
		Level: level,
		Title: "bot terminated",
		Body:  fmt.Sprintf("%d of %d accounts flattened", len(out.Results)-failed, len(out.Results)),
		Fields: map[string]string{
			"bot_id": out.BotID,
		},
	}
	if err := t.Notifier.Notify(ctx, msg); err != nil {
		observability.Log().Warn("notification failed", observability.F("bot_id", out.BotID), observability.Err(err))
	}
}
