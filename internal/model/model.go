// Package model defines the core domain types shared across the auction engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the engine's logical unit of time. The host runtime advances it
// exactly once per cycle.
type Tick uint64

// AuctionID identifies an auction. IDs are issued in strictly increasing
// order and never reused.
type AuctionID uint64

// AccountID is the authenticated identity of a caller.
type AccountID string

// CurrencyID names a fungible currency, e.g. "DOT".
type CurrencyID string

// AssetID identifies one non-fungible asset: a class and an instance in it.
type AssetID struct {
	ClassID uint64 `json:"class_id"`
	TokenID uint64 `json:"token_id"`
}

// AuctionDetails holds the terms and outcome of one open auction.
type AuctionDetails struct {
	ID       AuctionID       `json:"id" db:"id"`
	Creator  AccountID       `json:"creator" db:"creator"`
	Winner   *AccountID      `json:"winner,omitempty" db:"winner"`
	Token0   AssetID         `json:"token0"`
	Token1   CurrencyID      `json:"token1" db:"token1"`
	Min1     decimal.Decimal `json:"min1" db:"min1"`
	Duration Tick            `json:"duration" db:"duration"`
	StartAt  Tick            `json:"start_at" db:"start_at"`
}

// EndAt is the tick at which the auction settles. It is fixed at creation
// and is the key of the auction's expiry index entry.
func (a *AuctionDetails) EndAt() Tick {
	return SaturatingAdd(a.StartAt, a.Duration)
}

// Bid is the current leading bid of an auction. Amount always equals the
// amount held in escrow for the bidder.
type Bid struct {
	AuctionID AuctionID       `json:"auction_id" db:"auction_id"`
	Bidder    AccountID       `json:"bidder" db:"bidder"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

// SaturatingAdd adds two ticks, clamping at the maximum tick.
func SaturatingAdd(a, b Tick) Tick {
	if s := a + b; s >= a {
		return s
	}
	return ^Tick(0)
}

// Event types delivered to the notification sink.
const (
	EventAuctionCreated   = "auction_created"
	EventAuctionBid       = "auction_bid"
	EventAuctionCancelled = "auction_cancelled"
	EventAuctionEnd       = "auction_end"
)

// Event is a fire-and-forget notification. Fields not relevant to Type are
// left empty.
type Event struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	AuctionID AuctionID        `json:"auction_id"`
	Tick      Tick             `json:"tick"`
	Account   AccountID        `json:"account,omitempty"` // creator, bidder or winner
	Token0    *AssetID         `json:"token0,omitempty"`
	Token1    CurrencyID       `json:"token1,omitempty"`
	Min1      *decimal.Decimal `json:"min1,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"` // bid or final amount
	Duration  Tick             `json:"duration,omitempty"`
	StartAt   Tick             `json:"start_at,omitempty"`
	EndAt     Tick             `json:"end_at,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
