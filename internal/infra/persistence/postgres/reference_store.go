package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// ReferenceStore resolves accounts, bots and groups from PostgreSQL.
type ReferenceStore struct {
	pool *pgxpool.Pool
}

// NewReferenceStore constructs a ReferenceStore backed by the provided pool.
func NewReferenceStore(pool *pgxpool.Pool) *ReferenceStore {
	return &ReferenceStore{pool: pool}
}

const (
	accountColumns = `a.id, a.exchange, a.api_key, a.api_secret, a.passphrase, a.testnet, a.active`
	accountGetSQL  = `SELECT ` + accountColumns + ` FROM accounts a WHERE a.id = $1;`
	botAccountsSQL = `
SELECT ` + accountColumns + `
FROM bot_accounts ba
JOIN accounts a ON a.id = ba.account_id
WHERE ba.bot_id = $1
ORDER BY a.id;
`
	groupAccountsSQL = `
SELECT ` + accountColumns + `
FROM group_accounts ga
JOIN accounts a ON a.id = ga.account_id
WHERE ga.group_id = $1
ORDER BY a.id;
`
	accountExistsSQL = `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1);`
	botExistsSQL     = `SELECT EXISTS (SELECT 1 FROM bots WHERE id = $1);`
	groupExistsSQL   = `SELECT EXISTS (SELECT 1 FROM account_groups WHERE id = $1);`

	accountUpsertSQL = `
INSERT INTO accounts (id, exchange, api_key, api_secret, passphrase, testnet, active, updated_at)
VALUES (@id, @exchange, @api_key, @api_secret, @passphrase, @testnet, @active, NOW())
ON CONFLICT (id) DO UPDATE SET
    exchange = EXCLUDED.exchange,
    api_key = EXCLUDED.api_key,
    api_secret = EXCLUDED.api_secret,
    passphrase = EXCLUDED.passphrase,
    testnet = EXCLUDED.testnet,
    active = EXCLUDED.active,
    updated_at = NOW();
`
	botUpsertSQL = `
INSERT INTO bots (id, name, status) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status;
`
	groupUpsertSQL = `
INSERT INTO account_groups (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name;
`
)

// Account returns the account by id.
func (s *ReferenceStore) Account(ctx context.Context, id string) (schema.Account, bool, error) {
	if s.pool == nil {
		return schema.Account{}, false, errNilPool()
	}
	acc, err := scanAccount(s.pool.QueryRow(ctx, accountGetSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Account{}, false, nil
	}
	if err != nil {
		return schema.Account{}, false, dbErr("load account", err, errs.WithField("account_id", id))
	}
	return acc, true, nil
}

// Validate reports whether source may reference the target entity.
// Bots, groups and the operations layer may reference accounts, groups and
// operations may reference bots, and only operations may reference groups.
func (s *ReferenceStore) Validate(ctx context.Context, source, target referencestore.Kind, id string) (bool, error) {
	if s.pool == nil {
		return false, errNilPool()
	}
	var query string
	switch target {
	case referencestore.KindAccount:
		if source != referencestore.KindBot && source != referencestore.KindGroup && source != referencestore.KindOperations {
			return false, nil
		}
		query = accountExistsSQL
	case referencestore.KindBot:
		if source != referencestore.KindGroup && source != referencestore.KindOperations {
			return false, nil
		}
		query = botExistsSQL
	case referencestore.KindGroup:
		if source != referencestore.KindOperations {
			return false, nil
		}
		query = groupExistsSQL
	default:
		return false, nil
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, dbErr("validate reference", err, errs.WithField("target", string(target)), errs.WithField("id", id))
	}
	return ok, nil
}

// Accounts returns the accounts referenced by the bot or group.
func (s *ReferenceStore) Accounts(ctx context.Context, source referencestore.Kind, id string) ([]schema.Account, error) {
	if s.pool == nil {
		return nil, errNilPool()
	}
	var query string
	switch source {
	case referencestore.KindBot:
		query = botAccountsSQL
	case referencestore.KindGroup:
		query = groupAccountsSQL
	default:
		return nil, errs.Validation("unsupported reference source", errs.WithField("source", string(source)))
	}
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, dbErr("list referenced accounts", err, errs.WithField("source", string(source)), errs.WithField("id", id))
	}
	defer rows.Close()
	var out []schema.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, dbErr("scan account", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate accounts", err)
	}
	return out, nil
}

// SaveAccount upserts an account and its credentials.
func (s *ReferenceStore) SaveAccount(ctx context.Context, acc schema.Account) error {
	if s.pool == nil {
		return errNilPool()
	}
	if strings.TrimSpace(acc.ID) == "" {
		return errs.Validation("account id required")
	}
	if err := acc.Credentials.Validate(acc.Exchange); err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":         acc.ID,
		"exchange":   string(acc.Exchange),
		"api_key":    acc.Credentials.APIKey,
		"api_secret": acc.Credentials.APISecret,
		"passphrase": acc.Credentials.Passphrase,
		"testnet":    acc.Credentials.Testnet,
		"active":     acc.Active,
	}
	if _, err := s.pool.Exec(ctx, accountUpsertSQL, args); err != nil {
		return dbErr("save account", err, errs.WithField("account_id", acc.ID))
	}
	return nil
}

// SaveBot upserts the bot and replaces its account links in one transaction.
func (s *ReferenceStore) SaveBot(ctx context.Context, bot schema.Bot) error {
	if strings.TrimSpace(bot.ID) == "" {
		return errs.Validation("bot id required")
	}
	return s.saveLinked(ctx, "bot", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, botUpsertSQL, bot.ID, bot.Name, bot.Status)
		return err
	}, "bot_accounts", "bot_id", bot.ID, bot.AccountIDs)
}

// SaveGroup upserts the group and replaces its account links in one transaction.
func (s *ReferenceStore) SaveGroup(ctx context.Context, group schema.Group) error {
	if strings.TrimSpace(group.ID) == "" {
		return errs.Validation("group id required")
	}
	return s.saveLinked(ctx, "group", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, groupUpsertSQL, group.ID, group.Name)
		return err
	}, "group_accounts", "group_id", group.ID, group.AccountIDs)
}

// saveLinked runs upsert then rewrites the link table rows for owner. table and
// column are package constants, never caller input.
func (s *ReferenceStore) saveLinked(ctx context.Context, kind string, upsert func(pgx.Tx) error, table, column, owner string, accountIDs []string) error {
	if s.pool == nil {
		return errNilPool()
	}
	txOptions := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return dbErr("begin "+kind+" tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := upsert(tx); err != nil {
		return dbErr("save "+kind, err, errs.WithField("id", owner))
	}
	if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE "+column+" = $1;", owner); err != nil {
		return dbErr("clear "+kind+" accounts", err, errs.WithField("id", owner))
	}
	insert := "INSERT INTO " + table + " (" + column + ", account_id) VALUES ($1, $2) ON CONFLICT DO NOTHING;"
	for _, accountID := range accountIDs {
		if _, err := tx.Exec(ctx, insert, owner, accountID); err != nil {
			return dbErr("link "+kind+" account", err, errs.WithField("id", owner), errs.WithField("account_id", accountID))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return dbErr("commit "+kind+" tx", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (schema.Account, error) {
	var (
		acc      schema.Account
		exchange string
	)
	if err := row.Scan(&acc.ID, &exchange, &acc.Credentials.APIKey, &acc.Credentials.APISecret,
		&acc.Credentials.Passphrase, &acc.Credentials.Testnet, &acc.Active); err != nil {
		return schema.Account{}, err
	}
	acc.Exchange = schema.ExchangeType(exchange)
	return acc, nil
}
