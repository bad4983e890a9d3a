// Package referencestore defines the entity lookup contract the engine routes every read through.
package referencestore

import (
	"context"

	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Kind names an entity type participating in references.
type Kind string

const (
	KindAccount    Kind = "account"
	KindBot        Kind = "bot"
	KindGroup      Kind = "group"
	KindOperations Kind = "operations"
)

// Resolver resolves entity references without exposing raw queries.
type Resolver interface {
	// Account returns the account or found=false.
	Account(ctx context.Context, id string) (account schema.Account, found bool, err error)
	// Validate reports whether source may reference the target entity with the given id.
	Validate(ctx context.Context, source, target Kind, id string) (bool, error)
	// Accounts returns the accounts referenced by the bot or group with the given id.
	Accounts(ctx context.Context, source Kind, id string) ([]schema.Account, error)
}
