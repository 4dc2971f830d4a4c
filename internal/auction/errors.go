package auction

import (
	"errors"

	"github.com/atmx/auction-engine/internal/ledger"
)

// Caller-input validation failures. None of them leave state behind.
var (
	ErrInvalidDuration  = errors.New("auction: duration must be positive")
	ErrExceedMaxAuction = errors.New("auction: too many auctions end at this tick")
	ErrInvalidBidAmount = errors.New("auction: invalid bid amount")
	ErrInvalidMinimum   = errors.New("auction: minimum bid must not be negative")
	ErrAuctionExpired   = errors.New("auction: auction expired")
	ErrAuctionStarted   = errors.New("auction: auction already started")
	ErrInvalidCreator   = errors.New("auction: caller is not the creator")
	ErrAuctionNotFound  = errors.New("auction: auction not found")
	ErrNoAvailableID    = errors.New("auction: auction ids exhausted")
)

// ErrTickOutOfOrder is returned by Advance when ticks do not strictly increase.
var ErrTickOutOfOrder = errors.New("auction: tick is not after the last finalized tick")

// Reason returns a short, stable label for err, used for metrics and logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrExceedMaxAuction):
		return "exceed_max_auction"
	case errors.Is(err, ErrInvalidBidAmount):
		return "invalid_bid_amount"
	case errors.Is(err, ErrInvalidMinimum):
		return "invalid_minimum"
	case errors.Is(err, ErrAuctionExpired):
		return "auction_expired"
	case errors.Is(err, ErrAuctionStarted):
		return "auction_started"
	case errors.Is(err, ErrInvalidCreator):
		return "invalid_creator"
	case errors.Is(err, ErrAuctionNotFound):
		return "not_found"
	case errors.Is(err, ErrNoAvailableID):
		return "no_available_id"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrNotOwner),
		errors.Is(err, ledger.ErrAssetNotFound),
		errors.Is(err, ledger.ErrAssetReserved),
		errors.Is(err, ledger.ErrAssetNotReserved):
		return "asset"
	default:
		return "internal"
	}
}
