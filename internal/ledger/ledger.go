// Package ledger defines the currency and asset collaborators the auction
// engine escrows against, plus reference implementations. The engine only
// ever holds a reservation on a balance or an asset, never title.
//
// Implementations must join the ambient transaction scope (see package txn)
// so that a failed call leaves no partial reservation behind.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned when the free balance cannot cover
	// a reservation or transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient free balance")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")

	// ErrAssetNotFound is returned for an asset that was never minted.
	ErrAssetNotFound = errors.New("ledger: asset not found")

	// ErrNotOwner is returned when the account does not own the asset.
	ErrNotOwner = errors.New("ledger: account does not own asset")

	// ErrAssetReserved is returned when reserving or transferring an asset
	// that is already held in escrow.
	ErrAssetReserved = errors.New("ledger: asset is reserved")

	// ErrAssetNotReserved is returned when unreserving a free asset.
	ErrAssetNotReserved = errors.New("ledger: asset is not reserved")
)

// Currency is a multi-currency balance ledger with reservations.
type Currency interface {
	// Reserve moves amount from free to reserved.
	Reserve(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error

	// Unreserve moves up to amount from reserved back to free. It never
	// fails; whatever could not be unreserved is returned.
	Unreserve(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) decimal.Decimal

	// Transfer moves amount of free balance between accounts.
	Transfer(ctx context.Context, currency model.CurrencyID, from, to model.AccountID, amount decimal.Decimal) error
}

// Assets is a non-fungible asset registry with reservations.
type Assets interface {
	// Reserve locks an asset owned by who.
	Reserve(ctx context.Context, who model.AccountID, asset model.AssetID) error

	// Unreserve releases a reserved asset owned by who.
	Unreserve(ctx context.Context, who model.AccountID, asset model.AssetID) error

	// Transfer changes the owner of an unreserved asset.
	Transfer(ctx context.Context, from, to model.AccountID, asset model.AssetID) error
}

// Balance is a snapshot of one account's holdings in one currency.
type Balance struct {
	Free     decimal.Decimal `json:"free"`
	Reserved decimal.Decimal `json:"reserved"`
}

// Depositor credits free balance out of thin air. Only the development
// faucet uses it.
type Depositor interface {
	Deposit(ctx context.Context, currency model.CurrencyID, who model.AccountID, amount decimal.Decimal) error
}

// Minter creates new assets. Only the development faucet uses it.
type Minter interface {
	Mint(ctx context.Context, owner model.AccountID, classID uint64) (model.AssetID, error)
}
