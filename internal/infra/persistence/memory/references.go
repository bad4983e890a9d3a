package memory

import (
	"context"
	"sync"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// References is a memory-backed referencestore.Resolver.
type References struct {
	mu       sync.RWMutex
	accounts map[string]schema.Account
	bots     map[string]schema.Bot
	groups   map[string]schema.Group
}

// NewReferences creates an empty reference resolver.
func NewReferences() *References {
	return &References{
		accounts: make(map[string]schema.Account),
		bots:     make(map[string]schema.Bot),
		groups:   make(map[string]schema.Group),
	}
}

// PutAccount registers an account.
func (r *References) PutAccount(acc schema.Account) {
	r.mu.Lock()
	r.accounts[acc.ID] = acc
	r.mu.Unlock()
}

// PutBot registers a bot.
func (r *References) PutBot(bot schema.Bot) {
	r.mu.Lock()
	r.bots[bot.ID] = bot
	r.mu.Unlock()
}

// PutGroup registers a group.
func (r *References) PutGroup(group schema.Group) {
	r.mu.Lock()
	r.groups[group.ID] = group
	r.mu.Unlock()
}

// Account returns the account by id.
func (r *References) Account(ctx context.Context, id string) (schema.Account, bool, error) {
	if err := checkContext(ctx, "account get"); err != nil {
		return schema.Account{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	return acc, ok, nil
}

// Validate reports whether source may reference the target entity.
// Bots, groups and the operations layer may reference accounts. Groups may also reference bots,
// and only the operations layer references groups.
func (r *References) Validate(ctx context.Context, source, target referencestore.Kind, id string) (bool, error) {
	if err := checkContext(ctx, "reference validate"); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch target {
	case referencestore.KindAccount:
		if source != referencestore.KindBot && source != referencestore.KindGroup && source != referencestore.KindOperations {
			return false, nil
		}
		_, ok := r.accounts[id]
		return ok, nil
	case referencestore.KindBot:
		if source != referencestore.KindGroup && source != referencestore.KindOperations {
			return false, nil
		}
		_, ok := r.bots[id]
		return ok, nil
	case referencestore.KindGroup:
		if source != referencestore.KindOperations {
			return false, nil
		}
		_, ok := r.groups[id]
		return ok, nil
	default:
		return false, nil
	}
}

// Accounts returns the existing accounts referenced by the bot or group.
func (r *References) Accounts(ctx context.Context, source referencestore.Kind, id string) ([]schema.Account, error) {
	if err := checkContext(ctx, "reference accounts"); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	switch source {
	case referencestore.KindBot:
		bot, ok := r.bots[id]
		if !ok {
			return nil, errs.NotFound("bot not found", errs.WithField("bot_id", id))
		}
		ids = bot.AccountIDs
	case referencestore.KindGroup:
		group, ok := r.groups[id]
		if !ok {
			return nil, errs.NotFound("group not found", errs.WithField("group_id", id))
		}
		ids = group.AccountIDs
	default:
		return nil, errs.Validation("unsupported reference source", errs.WithField("source", string(source)))
	}
	out := make([]schema.Account, 0, len(ids))
	for _, accID := range ids {
		if acc, ok := r.accounts[accID]; ok {
			out = append(out, acc)
		}
	}
	return out, nil
}
