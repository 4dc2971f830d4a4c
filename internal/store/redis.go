package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/txn"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for auctions and leading bids. Writes go to the primary store and
// invalidate the cache, once immediately and again after the enclosing
// transaction commits. Reads inside a transaction bypass the cache so
// uncommitted state is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutAuction(ctx context.Context, a *model.AuctionDetails) error {
	if err := s.primary.PutAuction(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, auctionKey(a.ID))
	return nil
}

func (s *CachedStore) DeleteAuction(ctx context.Context, id model.AuctionID) error {
	if err := s.primary.DeleteAuction(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, auctionKey(id))
	return nil
}

func (s *CachedStore) PutBid(ctx context.Context, b *model.Bid) error {
	if err := s.primary.PutBid(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, bidKey(b.AuctionID))
	return nil
}

func (s *CachedStore) DeleteBid(ctx context.Context, id model.AuctionID) error {
	if err := s.primary.DeleteBid(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, bidKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id model.AuctionID) (*model.AuctionDetails, error) {
	if txn.Active(ctx) {
		return s.primary.GetAuction(ctx, id)
	}

	// Try cache.
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.AuctionDetails
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, auctionKey(id), a)
	return a, nil
}

func (s *CachedStore) GetBid(ctx context.Context, id model.AuctionID) (*model.Bid, error) {
	if txn.Active(ctx) {
		return s.primary.GetBid(ctx, id)
	}

	data, err := s.rdb.Get(ctx, bidKey(id)).Bytes()
	if err == nil {
		var b model.Bid
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, bidKey(id), b)
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CountAuctions(ctx context.Context) (int, error) {
	return s.primary.CountAuctions(ctx)
}

func (s *CachedStore) NextAuctionID(ctx context.Context) (model.AuctionID, error) {
	return s.primary.NextAuctionID(ctx)
}

func (s *CachedStore) SetNextAuctionID(ctx context.Context, id model.AuctionID) error {
	return s.primary.SetNextAuctionID(ctx, id)
}

func (s *CachedStore) InsertExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error {
	return s.primary.InsertExpiry(ctx, tick, id)
}

func (s *CachedStore) RemoveExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error {
	return s.primary.RemoveExpiry(ctx, tick, id)
}

func (s *CachedStore) CountExpiry(ctx context.Context, tick model.Tick) (int, error) {
	return s.primary.CountExpiry(ctx, tick)
}

func (s *CachedStore) ListExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error) {
	return s.primary.ListExpiry(ctx, tick)
}

func (s *CachedStore) DrainExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error) {
	return s.primary.DrainExpiry(ctx, tick)
}

func (s *CachedStore) LastFinalized(ctx context.Context) (model.Tick, bool, error) {
	return s.primary.LastFinalized(ctx)
}

func (s *CachedStore) SetLastFinalized(ctx context.Context, tick model.Tick) error {
	return s.primary.SetLastFinalized(ctx, tick)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	s.rdb.Del(ctx, key)
	// A reader outside the transaction may re-cache the old value before
	// commit; drop it again once the write is visible.
	txn.OnCommit(ctx, func() {
		s.rdb.Del(context.WithoutCancel(ctx), key)
	})
}

func auctionKey(id model.AuctionID) string { return fmt.Sprintf("auction:%d", id) }
func bidKey(id model.AuctionID) string     { return fmt.Sprintf("auction:%d:bid", id) }
