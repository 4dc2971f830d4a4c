package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/txn"
)

type balanceKey struct {
	currency model.CurrencyID
	account  model.AccountID
}

// MemoryCurrency implements Currency and Depositor with in-memory maps.
// Writes are journaled through txn.OnRollback. Not suitable for production.
type MemoryCurrency struct {
	mu       sync.RWMutex
	balances map[balanceKey]*Balance
}

// NewMemoryCurrency creates an empty in-memory currency ledger.
func NewMemoryCurrency() *MemoryCurrency {
	return &MemoryCurrency{balances: make(map[balanceKey]*Balance)}
}

// account returns the balance for k, creating it. Caller holds mu.
func (l *MemoryCurrency) account(k balanceKey) *Balance {
	b, ok := l.balances[k]
	if !ok {
		b = &Balance{}
		l.balances[k] = b
	}
	return b
}

// adjust applies deltas to free and reserved and journals the inverse.
// Caller holds mu.
func (l *MemoryCurrency) adjust(ctx context.Context, k balanceKey, free, reserved decimal.Decimal) {
	b := l.account(k)
	b.Free = b.Free.Add(free)
	b.Reserved = b.Reserved.Add(reserved)
	txn.OnRollback(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		b := l.account(k)
		b.Free = b.Free.Sub(free)
		b.Reserved = b.Reserved.Sub(reserved)
	})
}

func (l *MemoryCurrency) Reserve(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{currency, who}
	if l.account(k).Free.LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.adjust(ctx, k, amount.Neg(), amount)
	return nil
}

func (l *MemoryCurrency) Unreserve(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{currency, who}
	actual := decimal.Min(amount, l.account(k).Reserved)
	l.adjust(ctx, k, actual, actual.Neg())
	return amount.Sub(actual)
}

func (l *MemoryCurrency) Transfer(ctx context.Context, currency model.CurrencyID, from, to model.AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := balanceKey{currency, from}
	if l.account(src).Free.LessThan(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	l.adjust(ctx, src, amount.Neg(), decimal.Zero)
	l.adjust(ctx, balanceKey{currency, to}, amount, decimal.Zero)
	return nil
}

func (l *MemoryCurrency) Deposit(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.adjust(ctx, balanceKey{currency, who}, amount, decimal.Zero)
	return nil
}

// BalanceOf returns a snapshot of who's holdings.
func (l *MemoryCurrency) BalanceOf(currency model.CurrencyID, who model.AccountID) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.balances[balanceKey{currency, who}]; ok {
		return *b
	}
	return Balance{}
}

type assetState struct {
	owner    model.AccountID
	reserved bool
}

// MemoryAssets implements Assets and Minter with in-memory maps.
type MemoryAssets struct {
	mu        sync.RWMutex
	assets    map[model.AssetID]assetState
	nextToken map[uint64]uint64
}

// NewMemoryAssets creates an empty in-memory asset registry.
func NewMemoryAssets() *MemoryAssets {
	return &MemoryAssets{
		assets:    make(map[model.AssetID]assetState),
		nextToken: make(map[uint64]uint64),
	}
}

// set replaces the state of id and journals the previous one. Caller holds mu.
func (r *MemoryAssets) set(ctx context.Context, id model.AssetID, next assetState) {
	prev, existed := r.assets[id]
	r.assets[id] = next
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.assets[id] = prev
		} else {
			delete(r.assets, id)
		}
	})
}

// lookup checks that who owns asset. Caller holds mu.
func (r *MemoryAssets) lookup(who model.AccountID, asset model.AssetID) (assetState, error) {
	st, ok := r.assets[asset]
	if !ok {
		return st, ErrAssetNotFound
	}
	if st.owner != who {
		return st, ErrNotOwner
	}
	return st, nil
}

func (r *MemoryAssets) Mint(ctx context.Context, owner model.AccountID, classID uint64) (model.AssetID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.nextToken[classID]
	r.nextToken[classID] = token + 1
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nextToken[classID] = token
	})

	id := model.AssetID{ClassID: classID, TokenID: token}
	r.set(ctx, id, assetState{owner: owner})
	return id, nil
}

func (r *MemoryAssets) Reserve(ctx context.Context, who model.AccountID, asset model.AssetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.lookup(who, asset)
	if err != nil {
		return err
	}
	if st.reserved {
		return ErrAssetReserved
	}
	r.set(ctx, asset, assetState{owner: who, reserved: true})
	return nil
}

func (r *MemoryAssets) Unreserve(ctx context.Context, who model.AccountID, asset model.AssetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.lookup(who, asset)
	if err != nil {
		return err
	}
	if !st.reserved {
		return ErrAssetNotReserved
	}
	r.set(ctx, asset, assetState{owner: who})
	return nil
}

func (r *MemoryAssets) Transfer(ctx context.Context, from, to model.AccountID, asset model.AssetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.lookup(from, asset)
	if err != nil {
		return err
	}
	if st.reserved {
		return ErrAssetReserved
	}
	r.set(ctx, asset, assetState{owner: to})
	return nil
}

// Owner returns the owner of asset and whether it is reserved.
func (r *MemoryAssets) Owner(asset model.AssetID) (owner model.AccountID, reserved bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.assets[asset]
	return st.owner, st.reserved, ok
}
