// Package store defines the persistence interface for the auction engine.
// It owns three logical tables (auctions, leading bids and the tick-bucketed
// expiry index) plus the id allocator and the last finalized tick.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Writes join the ambient txn scope; callers wrap related writes in
// txn.Runner.Atomic.
package store

import (
	"context"
	"errors"

	"github.com/atmx/auction-engine/internal/model"
)

// ErrNotFound is returned when an auction or bid does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auctions ---

	// GetAuction retrieves an auction by its ID.
	GetAuction(ctx context.Context, id model.AuctionID) (*model.AuctionDetails, error)

	// PutAuction inserts or replaces an auction.
	PutAuction(ctx context.Context, a *model.AuctionDetails) error

	// DeleteAuction removes an auction. Deleting a missing auction is not an error.
	DeleteAuction(ctx context.Context, id model.AuctionID) error

	// CountAuctions returns the number of stored auctions.
	CountAuctions(ctx context.Context) (int, error)

	// --- Id allocator ---

	// NextAuctionID returns the id the next created auction will get.
	NextAuctionID(ctx context.Context) (model.AuctionID, error)

	// SetNextAuctionID advances the allocator.
	SetNextAuctionID(ctx context.Context, id model.AuctionID) error

	// --- Leading bids ---

	// GetBid returns the leading bid of an auction.
	GetBid(ctx context.Context, id model.AuctionID) (*model.Bid, error)

	// PutBid replaces the leading bid of an auction.
	PutBid(ctx context.Context, b *model.Bid) error

	// DeleteBid removes the leading bid of an auction, if any.
	DeleteBid(ctx context.Context, id model.AuctionID) error

	// --- Expiry index ---

	// InsertExpiry adds (tick, id) to the index and bumps the bucket counter.
	InsertExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error

	// RemoveExpiry removes (tick, id) and decrements the bucket counter.
	RemoveExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error

	// CountExpiry returns the number of entries in the bucket for tick.
	CountExpiry(ctx context.Context, tick model.Tick) (int, error)

	// ListExpiry returns the ids in the bucket for tick, ascending.
	ListExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error)

	// DrainExpiry removes every entry in the bucket for tick and returns
	// their ids, ascending.
	DrainExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error)

	// --- Chain state ---

	// LastFinalized returns the last tick settlement ran for. ok is false
	// before the first tick.
	LastFinalized(ctx context.Context) (tick model.Tick, ok bool, err error)

	// SetLastFinalized records tick as settled.
	SetLastFinalized(ctx context.Context, tick model.Tick) error
}
