package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/txn"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS currency_balances (
	currency TEXT    NOT NULL,
	account  TEXT    NOT NULL,
	free     NUMERIC NOT NULL DEFAULT 0 CHECK (free >= 0),
	reserved NUMERIC NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	PRIMARY KEY (currency, account)
);

CREATE TABLE IF NOT EXISTS assets (
	class_id BIGINT  NOT NULL,
	token_id BIGINT  NOT NULL,
	owner    TEXT    NOT NULL,
	reserved BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (class_id, token_id)
);
`

// PostgresLedger implements Currency, Assets, Depositor and Minter on
// PostgreSQL. All amounts are stored as NUMERIC for exact decimal precision.
// Calls join the transaction carried in ctx, if any.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	runner txn.Runner
}

// NewPostgresLedger creates a ledger over pool.
func NewPostgresLedger(pool *pgxpool.Pool, runner txn.Runner) *PostgresLedger {
	return &PostgresLedger{pool: pool, runner: runner}
}

// Migrate creates the ledger tables if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Currency returns the currency view of the ledger.
func (l *PostgresLedger) Currency() *PostgresCurrency { return &PostgresCurrency{l} }

// Assets returns the asset view of the ledger.
func (l *PostgresLedger) Assets() *PostgresAssets { return &PostgresAssets{l} }

// PostgresCurrency is the Currency half of PostgresLedger.
type PostgresCurrency struct{ l *PostgresLedger }

func (c *PostgresCurrency) Reserve(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	tag, err := txn.Conn(ctx, c.l.pool).Exec(ctx,
		`UPDATE currency_balances
		 SET free = free - $3::NUMERIC, reserved = reserved + $3::NUMERIC
		 WHERE currency = $1 AND account = $2 AND free >= $3::NUMERIC`,
		string(currency), string(who), amount.String())
	if err != nil {
		return fmt.Errorf("reserve %s for %s: %w", currency, who, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (c *PostgresCurrency) Unreserve(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	var actualS string
	err := txn.Conn(ctx, c.l.pool).QueryRow(ctx,
		`WITH cur AS (
		     SELECT LEAST(reserved, $3::NUMERIC) AS n FROM currency_balances
		     WHERE currency = $1 AND account = $2 FOR UPDATE
		 )
		 UPDATE currency_balances b
		 SET free = b.free + cur.n, reserved = b.reserved - cur.n
		 FROM cur
		 WHERE b.currency = $1 AND b.account = $2
		 RETURNING cur.n::TEXT`,
		string(currency), string(who), amount.String()).Scan(&actualS)
	if errors.Is(err, pgx.ErrNoRows) {
		return amount
	}
	if err != nil {
		slog.Error("unreserve failed", "currency", currency, "account", who, "err", err)
		return amount
	}
	actual, _ := decimal.NewFromString(actualS)
	return amount.Sub(actual)
}

func (c *PostgresCurrency) Transfer(ctx context.Context, currency model.CurrencyID, from, to model.AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return c.l.runner.Atomic(ctx, func(ctx context.Context) error {
		q := txn.Conn(ctx, c.l.pool)
		tag, err := q.Exec(ctx,
			`UPDATE currency_balances SET free = free - $3::NUMERIC
			 WHERE currency = $1 AND account = $2 AND free >= $3::NUMERIC`,
			string(currency), string(from), amount.String())
		if err != nil {
			return fmt.Errorf("debit %s: %w", from, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}
		return credit(ctx, q, currency, to, amount)
	})
}

func (c *PostgresCurrency) Deposit(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return credit(ctx, txn.Conn(ctx, c.l.pool), currency, who, amount)
}

func credit(ctx context.Context, q txn.Querier, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO currency_balances (currency, account, free) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (currency, account) DO UPDATE SET free = currency_balances.free + EXCLUDED.free`,
		string(currency), string(who), amount.String())
	if err != nil {
		return fmt.Errorf("credit %s: %w", who, err)
	}
	return nil
}

// PostgresAssets is the Assets half of PostgresLedger.
type PostgresAssets struct{ l *PostgresLedger }

func (a *PostgresAssets) Mint(ctx context.Context, owner model.AccountID, classID uint64) (model.AssetID, error) {
	var token int64
	err := txn.Conn(ctx, a.l.pool).QueryRow(ctx,
		`INSERT INTO assets (class_id, token_id, owner)
		 SELECT $1, COALESCE(MAX(token_id) + 1, 0), $2 FROM assets WHERE class_id = $1
		 RETURNING token_id`,
		int64(classID), string(owner)).Scan(&token)
	if err != nil {
		return model.AssetID{}, fmt.Errorf("mint class %d: %w", classID, err)
	}
	return model.AssetID{ClassID: classID, TokenID: uint64(token)}, nil
}

func (a *PostgresAssets) Reserve(ctx context.Context, who model.AccountID, asset model.AssetID) error {
	return a.update(ctx, who, asset, false,
		`UPDATE assets SET reserved = TRUE
		 WHERE class_id = $1 AND token_id = $2 AND owner = $3 AND NOT reserved`)
}

func (a *PostgresAssets) Unreserve(ctx context.Context, who model.AccountID, asset model.AssetID) error {
	return a.update(ctx, who, asset, true,
		`UPDATE assets SET reserved = FALSE
		 WHERE class_id = $1 AND token_id = $2 AND owner = $3 AND reserved`)
}

func (a *PostgresAssets) Transfer(ctx context.Context, from, to model.AccountID, asset model.AssetID) error {
	return a.update(ctx, from, asset, false,
		`UPDATE assets SET owner = $4
		 WHERE class_id = $1 AND token_id = $2 AND owner = $3 AND NOT reserved`, string(to))
}

// update runs a guarded single-row update and, when no row matched, works
// out which guard failed. wantReserved is the reservation state the update
// requires.
func (a *PostgresAssets) update(ctx context.Context, who model.AccountID, asset model.AssetID, wantReserved bool, sql string, extra ...any) error {
	q := txn.Conn(ctx, a.l.pool)
	args := append([]any{int64(asset.ClassID), int64(asset.TokenID), string(who)}, extra...)
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("asset %d:%d: %w", asset.ClassID, asset.TokenID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner string
	var reserved bool
	err = q.QueryRow(ctx,
		`SELECT owner, reserved FROM assets WHERE class_id = $1 AND token_id = $2`,
		int64(asset.ClassID), int64(asset.TokenID)).Scan(&owner, &reserved)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrAssetNotFound
	case err != nil:
		return fmt.Errorf("asset %d:%d: %w", asset.ClassID, asset.TokenID, err)
	case owner != string(who):
		return ErrNotOwner
	case wantReserved:
		return ErrAssetNotReserved
	default:
		return ErrAssetReserved
	}
}
