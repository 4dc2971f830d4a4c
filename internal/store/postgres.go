package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/txn"
)

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id       BIGINT  PRIMARY KEY,
	creator  TEXT    NOT NULL,
	winner   TEXT,
	class_id BIGINT  NOT NULL,
	token_id BIGINT  NOT NULL,
	token1   TEXT    NOT NULL,
	min1     NUMERIC NOT NULL,
	duration BIGINT  NOT NULL,
	start_at BIGINT  NOT NULL
);

CREATE TABLE IF NOT EXISTS auction_bids (
	auction_id BIGINT  PRIMARY KEY,
	bidder     TEXT    NOT NULL,
	amount     NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS auction_expiry (
	tick       BIGINT NOT NULL,
	auction_id BIGINT NOT NULL,
	PRIMARY KEY (tick, auction_id)
);

CREATE TABLE IF NOT EXISTS auction_expiry_counts (
	tick BIGINT  PRIMARY KEY,
	n    INTEGER NOT NULL CHECK (n >= 0)
);

CREATE TABLE IF NOT EXISTS engine_meta (
	key   TEXT   PRIMARY KEY,
	value BIGINT NOT NULL
);
`

const (
	metaNextAuctionID = "next_auction_id"
	metaLastFinalized = "last_finalized_tick"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Ticks and ids are stored as BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the auction tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuction(ctx context.Context, id model.AuctionID) (*model.AuctionDetails, error) {
	var (
		a                 model.AuctionDetails
		winner            *string
		classID, tokenID  int64
		duration, startAt int64
		token1, min1      string
	)
	err := txn.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT creator, winner, class_id, token_id, token1, min1::TEXT, duration, start_at
		 FROM auctions WHERE id = $1`, int64(id)).
		Scan(&a.Creator, &winner, &classID, &tokenID, &token1, &min1, &duration, &startAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %d: %w", id, err)
	}

	a.ID = id
	if winner != nil {
		w := model.AccountID(*winner)
		a.Winner = &w
	}
	a.Token0 = model.AssetID{ClassID: uint64(classID), TokenID: uint64(tokenID)}
	a.Token1 = model.CurrencyID(token1)
	a.Min1, _ = decimal.NewFromString(min1)
	a.Duration = model.Tick(duration)
	a.StartAt = model.Tick(startAt)
	return &a, nil
}

func (s *PostgresStore) PutAuction(ctx context.Context, a *model.AuctionDetails) error {
	var winner *string
	if a.Winner != nil {
		w := string(*a.Winner)
		winner = &w
	}
	_, err := txn.Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO auctions (id, creator, winner, class_id, token_id, token1, min1, duration, start_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET winner = EXCLUDED.winner`,
		int64(a.ID), string(a.Creator), winner,
		int64(a.Token0.ClassID), int64(a.Token0.TokenID),
		string(a.Token1), a.Min1.String(),
		int64(a.Duration), int64(a.StartAt),
	)
	if err != nil {
		return fmt.Errorf("put auction %d: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteAuction(ctx context.Context, id model.AuctionID) error {
	_, err := txn.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM auctions WHERE id = $1`, int64(id))
	return err
}

func (s *PostgresStore) CountAuctions(ctx context.Context) (int, error) {
	var n int
	if err := txn.Conn(ctx, s.pool).QueryRow(ctx, `SELECT count(*) FROM auctions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count auctions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) NextAuctionID(ctx context.Context) (model.AuctionID, error) {
	v, ok, err := s.meta(ctx, metaNextAuctionID)
	if err != nil || !ok {
		return 0, err
	}
	return model.AuctionID(v), nil
}

func (s *PostgresStore) SetNextAuctionID(ctx context.Context, id model.AuctionID) error {
	return s.setMeta(ctx, metaNextAuctionID, int64(id))
}

func (s *PostgresStore) GetBid(ctx context.Context, id model.AuctionID) (*model.Bid, error) {
	b := model.Bid{AuctionID: id}
	var amount string
	err := txn.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT bidder, amount::TEXT FROM auction_bids WHERE auction_id = $1`, int64(id)).
		Scan(&b.Bidder, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %d: %w", id, err)
	}
	b.Amount, _ = decimal.NewFromString(amount)
	return &b, nil
}

func (s *PostgresStore) PutBid(ctx context.Context, b *model.Bid) error {
	_, err := txn.Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO auction_bids (auction_id, bidder, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (auction_id) DO UPDATE SET bidder = EXCLUDED.bidder, amount = EXCLUDED.amount`,
		int64(b.AuctionID), string(b.Bidder), b.Amount.String())
	if err != nil {
		return fmt.Errorf("put bid %d: %w", b.AuctionID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteBid(ctx context.Context, id model.AuctionID) error {
	_, err := txn.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM auction_bids WHERE auction_id = $1`, int64(id))
	return err
}

func (s *PostgresStore) InsertExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error {
	q := txn.Conn(ctx, s.pool)
	tag, err := q.Exec(ctx,
		`INSERT INTO auction_expiry (tick, auction_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		int64(tick), int64(id))
	if err != nil {
		return fmt.Errorf("insert expiry %d@%d: %w", id, tick, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = q.Exec(ctx,
		`INSERT INTO auction_expiry_counts (tick, n) VALUES ($1, 1)
		 ON CONFLICT (tick) DO UPDATE SET n = auction_expiry_counts.n + 1`, int64(tick))
	return err
}

func (s *PostgresStore) RemoveExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error {
	q := txn.Conn(ctx, s.pool)
	tag, err := q.Exec(ctx,
		`DELETE FROM auction_expiry WHERE tick = $1 AND auction_id = $2`, int64(tick), int64(id))
	if err != nil {
		return fmt.Errorf("remove expiry %d@%d: %w", id, tick, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := q.Exec(ctx,
		`UPDATE auction_expiry_counts SET n = n - 1 WHERE tick = $1`, int64(tick)); err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`DELETE FROM auction_expiry_counts WHERE tick = $1 AND n <= 0`, int64(tick))
	return err
}

func (s *PostgresStore) CountExpiry(ctx context.Context, tick model.Tick) (int, error) {
	var n int
	err := txn.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT n FROM auction_expiry_counts WHERE tick = $1`, int64(tick)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *PostgresStore) ListExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error) {
	rows, err := txn.Conn(ctx, s.pool).Query(ctx,
		`SELECT auction_id FROM auction_expiry WHERE tick = $1 ORDER BY auction_id`, int64(tick))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (s *PostgresStore) DrainExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error) {
	q := txn.Conn(ctx, s.pool)
	rows, err := q.Query(ctx,
		`DELETE FROM auction_expiry WHERE tick = $1 RETURNING auction_id`, int64(tick))
	if err != nil {
		return nil, fmt.Errorf("drain expiry %d: %w", tick, err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	if _, err := q.Exec(ctx, `DELETE FROM auction_expiry_counts WHERE tick = $1`, int64(tick)); err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *PostgresStore) LastFinalized(ctx context.Context) (model.Tick, bool, error) {
	v, ok, err := s.meta(ctx, metaLastFinalized)
	return model.Tick(v), ok, err
}

func (s *PostgresStore) SetLastFinalized(ctx context.Context, tick model.Tick) error {
	return s.setMeta(ctx, metaLastFinalized, int64(tick))
}

func (s *PostgresStore) meta(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := txn.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT value FROM engine_meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", key, err)
	}
	return v, true, nil
}

func (s *PostgresStore) setMeta(ctx context.Context, key string, v int64) error {
	_, err := txn.Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO engine_meta (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, v)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// scanIDs reads a single BIGINT column and closes rows.
func scanIDs(rows pgx.Rows) ([]model.AuctionID, error) {
	defer rows.Close()

	var ids []model.AuctionID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, model.AuctionID(id))
	}
	return ids, rows.Err()
}
