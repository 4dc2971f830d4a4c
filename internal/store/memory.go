package store

import (
	"context"
	"slices"
	"sync"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/txn"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	auctions    map[model.AuctionID]model.AuctionDetails
	bids        map[model.AuctionID]model.Bid
	expiry      map[model.Tick]map[model.AuctionID]struct{}
	expiryCount map[model.Tick]int
	nextID      model.AuctionID
	lastTick    *model.Tick
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:    make(map[model.AuctionID]model.AuctionDetails),
		bids:        make(map[model.AuctionID]model.Bid),
		expiry:      make(map[model.Tick]map[model.AuctionID]struct{}),
		expiryCount: make(map[model.Tick]int),
	}
}

// set writes m[k] = v, or deletes k when del is true, and journals the
// previous state. Caller holds s.mu.
func set[K comparable, V any](ctx context.Context, s *MemoryStore, m map[K]V, k K, v V, del bool) {
	prev, existed := m[k]
	if del {
		delete(m, k)
	} else {
		m[k] = v
	}
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (s *MemoryStore) CountAuctions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.auctions), nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id model.AuctionID) (*model.AuctionDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	return cloneAuction(a), nil
}

func (s *MemoryStore) PutAuction(ctx context.Context, a *model.AuctionDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set(ctx, s, s.auctions, a.ID, *cloneAuction(*a), false)
	return nil
}

func (s *MemoryStore) DeleteAuction(ctx context.Context, id model.AuctionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set(ctx, s, s.auctions, id, model.AuctionDetails{}, true)
	return nil
}

func (s *MemoryStore) NextAuctionID(_ context.Context) (model.AuctionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID, nil
}

func (s *MemoryStore) SetNextAuctionID(ctx context.Context, id model.AuctionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.nextID
	s.nextID = id
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID = prev
	})
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id model.AuctionID) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) PutBid(ctx context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set(ctx, s, s.bids, b.AuctionID, *b, false)
	return nil
}

func (s *MemoryStore) DeleteBid(ctx context.Context, id model.AuctionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set(ctx, s, s.bids, id, model.Bid{}, true)
	return nil
}

// bucket returns the expiry bucket for tick, creating it. Caller holds s.mu.
func (s *MemoryStore) bucket(ctx context.Context, tick model.Tick) map[model.AuctionID]struct{} {
	b, ok := s.expiry[tick]
	if !ok {
		b = make(map[model.AuctionID]struct{})
		set(ctx, s, s.expiry, tick, b, false)
	}
	return b
}

func (s *MemoryStore) InsertExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(ctx, tick)
	if _, ok := b[id]; ok {
		return nil
	}
	set(ctx, s, b, id, struct{}{}, false)
	set(ctx, s, s.expiryCount, tick, s.expiryCount[tick]+1, false)
	return nil
}

func (s *MemoryStore) RemoveExpiry(ctx context.Context, tick model.Tick, id model.AuctionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.expiry[tick]
	if !ok {
		return nil
	}
	if _, ok := b[id]; !ok {
		return nil
	}
	set(ctx, s, b, id, struct{}{}, true)
	if len(b) == 0 {
		set(ctx, s, s.expiry, tick, nil, true)
	}
	if n := s.expiryCount[tick] - 1; n > 0 {
		set(ctx, s, s.expiryCount, tick, n, false)
	} else {
		set(ctx, s, s.expiryCount, tick, 0, true)
	}
	return nil
}

func (s *MemoryStore) CountExpiry(_ context.Context, tick model.Tick) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiryCount[tick], nil
}

func (s *MemoryStore) ListExpiry(_ context.Context, tick model.Tick) ([]model.AuctionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.expiry[tick]), nil
}

func (s *MemoryStore) DrainExpiry(ctx context.Context, tick model.Tick) ([]model.AuctionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.expiry[tick]
	if !ok {
		return nil, nil
	}
	ids := sortedIDs(b)
	set(ctx, s, s.expiry, tick, nil, true)
	set(ctx, s, s.expiryCount, tick, 0, true)
	return ids, nil
}

func (s *MemoryStore) LastFinalized(_ context.Context) (model.Tick, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastTick == nil {
		return 0, false, nil
	}
	return *s.lastTick, true, nil
}

func (s *MemoryStore) SetLastFinalized(ctx context.Context, tick model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastTick
	s.lastTick = &tick
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastTick = prev
	})
	return nil
}

func sortedIDs(b map[model.AuctionID]struct{}) []model.AuctionID {
	if len(b) == 0 {
		return nil
	}
	ids := make([]model.AuctionID, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func cloneAuction(a model.AuctionDetails) *model.AuctionDetails {
	if a.Winner != nil {
		w := *a.Winner
		a.Winner = &w
	}
	return &a
}
