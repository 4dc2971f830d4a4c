// Package auction implements the sealed-ledger auction engine: creators
// escrow a non-fungible asset, bidders escrow currency against it, and the
// engine settles each auction at a precomputed expiry tick.
//
// The engine never reads a clock. Callers pass the current tick to every
// operation and the host runtime calls Advance once per tick, in order.
// Every operation runs in one txn scope, so a failed call leaves no trace.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/event"
	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/txn"
)

// SettlementMode selects how a tick's expiring auctions are committed.
type SettlementMode string

const (
	// SettleIsolated settles each auction in its own atomic step. A failure
	// is reported without blocking the rest of the bucket.
	SettleIsolated SettlementMode = "isolated"

	// SettleBatch drains and settles the whole bucket in one atomic step.
	// Any failure discards the entire tick.
	SettleBatch SettlementMode = "batch"
)

// DefaultMaxAuctionsPerTick bounds the settlement batch size.
const DefaultMaxAuctionsPerTick = 100

// Config controls engine policy.
type Config struct {
	// MaxAuctionsPerTick caps the number of auctions that may expire at
	// the same tick.
	MaxAuctionsPerTick int

	// Settlement selects the settlement mode. Empty means SettleIsolated.
	Settlement SettlementMode

	// PruneOnCancel removes the expiry index entry when an auction is
	// cancelled. When false the entry is left dangling and skipped at
	// settlement, and still counts towards MaxAuctionsPerTick.
	PruneOnCancel bool
}

// CreateParams are the terms of a new auction.
type CreateParams struct {
	Token0   model.AssetID
	Token1   model.CurrencyID
	Min1     decimal.Decimal
	Duration model.Tick
}

// Engine owns the auction tables and is their only writer.
type Engine struct {
	store    store.Store
	runner   txn.Runner
	currency ledger.Currency
	assets   ledger.Assets
	sink     event.Sink
	cfg      Config
}

// NewEngine creates an engine. sink may be nil.
func NewEngine(st store.Store, runner txn.Runner, currency ledger.Currency, assets ledger.Assets, sink event.Sink, cfg Config) *Engine {
	if cfg.MaxAuctionsPerTick <= 0 {
		cfg.MaxAuctionsPerTick = DefaultMaxAuctionsPerTick
	}
	if cfg.Settlement == "" {
		cfg.Settlement = SettleIsolated
	}
	if sink == nil {
		sink = event.Multi{}
	}
	return &Engine{
		store:    st,
		runner:   runner,
		currency: currency,
		assets:   assets,
		sink:     sink,
		cfg:      cfg,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// CreateAuction escrows p.Token0 from caller and opens an auction that
// becomes active at now+1 and settles at now+1+p.Duration.
func (e *Engine) CreateAuction(ctx context.Context, now model.Tick, caller model.AccountID, p CreateParams) (*model.AuctionDetails, error) {
	if p.Duration == 0 {
		return nil, e.reject("create", ErrInvalidDuration)
	}
	if p.Min1.IsNegative() {
		return nil, e.reject("create", ErrInvalidMinimum)
	}

	startAt := model.SaturatingAdd(now, 1)
	endAt := model.SaturatingAdd(startAt, p.Duration)

	var created *model.AuctionDetails
	err := e.runner.Atomic(ctx, func(ctx context.Context) error {
		// Capacity is checked before anything is written.
		n, err := e.store.CountExpiry(ctx, endAt)
		if err != nil {
			return err
		}
		if n >= e.cfg.MaxAuctionsPerTick {
			return ErrExceedMaxAuction
		}

		if err := e.assets.Reserve(ctx, caller, p.Token0); err != nil {
			return err
		}

		id, err := e.store.NextAuctionID(ctx)
		if err != nil {
			return err
		}
		if id == ^model.AuctionID(0) {
			return ErrNoAvailableID
		}

		a := &model.AuctionDetails{
			ID:       id,
			Creator:  caller,
			Token0:   p.Token0,
			Token1:   p.Token1,
			Min1:     p.Min1,
			Duration: p.Duration,
			StartAt:  startAt,
		}
		if err := e.store.PutAuction(ctx, a); err != nil {
			return err
		}
		if err := e.store.InsertExpiry(ctx, endAt, id); err != nil {
			return err
		}
		if err := e.store.SetNextAuctionID(ctx, id+1); err != nil {
			return err
		}

		min1 := a.Min1
		token0 := a.Token0
		e.emit(ctx, model.Event{
			Type:      model.EventAuctionCreated,
			AuctionID: id,
			Tick:      now,
			Account:   caller,
			Token0:    &token0,
			Token1:    a.Token1,
			Min1:      &min1,
			Duration:  a.Duration,
			StartAt:   startAt,
			EndAt:     endAt,
		})
		txn.OnCommit(ctx, metrics.OpenAuctions.Inc)
		created = a
		return nil
	})
	if err != nil {
		return nil, e.reject("create", err)
	}

	metrics.CallsTotal.WithLabelValues("create").Inc()
	slog.Info("auction created",
		"auction_id", created.ID,
		"creator", caller,
		"class_id", p.Token0.ClassID,
		"token_id", p.Token0.TokenID,
		"currency", p.Token1,
		"min1", p.Min1.String(),
		"start_at", startAt,
		"end_at", endAt,
	)
	return created, nil
}

// BidAuction makes caller the leading bidder of auction id with amount.
// The previous leader's escrow is released in the same step the new one is
// taken, so exactly one reservation is held per auction.
func (e *Engine) BidAuction(ctx context.Context, now model.Tick, caller model.AccountID, id model.AuctionID, amount decimal.Decimal) error {
	err := e.runner.Atomic(ctx, func(ctx context.Context) error {
		a, err := e.auction(ctx, id)
		if err != nil {
			return err
		}
		if !amount.IsPositive() || amount.LessThan(a.Min1) {
			return ErrInvalidBidAmount
		}
		// Biddable through the final active tick; settlement runs after it.
		if now > a.EndAt() {
			return ErrAuctionExpired
		}

		prev, err := e.store.GetBid(ctx, id)
		switch {
		case err == nil:
			if !amount.GreaterThan(prev.Amount) {
				return ErrInvalidBidAmount
			}
			e.release(ctx, a, prev)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if err := e.currency.Reserve(ctx, a.Token1, caller, amount); err != nil {
			return err
		}
		if err := e.store.PutBid(ctx, &model.Bid{AuctionID: id, Bidder: caller, Amount: amount}); err != nil {
			return err
		}

		e.emit(ctx, model.Event{
			Type:      model.EventAuctionBid,
			AuctionID: id,
			Tick:      now,
			Account:   caller,
			Amount:    &amount,
		})
		return nil
	})
	if err != nil {
		return e.reject("bid", err)
	}

	metrics.CallsTotal.WithLabelValues("bid").Inc()
	slog.Info("auction bid",
		"auction_id", id,
		"bidder", caller,
		"amount", amount.String(),
		"tick", now,
	)
	return nil
}

// CancelAuction returns the escrowed asset to its creator and removes the
// auction. Only the creator may cancel, and only before the start tick.
func (e *Engine) CancelAuction(ctx context.Context, now model.Tick, caller model.AccountID, id model.AuctionID) error {
	err := e.runner.Atomic(ctx, func(ctx context.Context) error {
		a, err := e.auction(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Creator {
			return ErrInvalidCreator
		}
		if now >= a.StartAt {
			return ErrAuctionStarted
		}

		if err := e.assets.Unreserve(ctx, a.Creator, a.Token0); err != nil {
			return err
		}

		// Bidding is allowed from the creation tick, so a leader may exist.
		bid, err := e.store.GetBid(ctx, id)
		switch {
		case err == nil:
			e.release(ctx, a, bid)
			if err := e.store.DeleteBid(ctx, id); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if err := e.store.DeleteAuction(ctx, id); err != nil {
			return err
		}
		if e.cfg.PruneOnCancel {
			if err := e.store.RemoveExpiry(ctx, a.EndAt(), id); err != nil {
				return err
			}
		}

		e.emit(ctx, model.Event{
			Type:      model.EventAuctionCancelled,
			AuctionID: id,
			Tick:      now,
			Account:   caller,
		})
		txn.OnCommit(ctx, metrics.OpenAuctions.Dec)
		return nil
	})
	if err != nil {
		return e.reject("cancel", err)
	}

	metrics.CallsTotal.WithLabelValues("cancel").Inc()
	slog.Info("auction cancelled", "auction_id", id, "creator", caller, "tick", now)
	return nil
}

// --- Read side ---

// Auction returns an open auction.
func (e *Engine) Auction(ctx context.Context, id model.AuctionID) (*model.AuctionDetails, error) {
	return e.auction(ctx, id)
}

// LeadingBid returns the current leading bid of an auction, or nil when
// nobody has bid yet.
func (e *Engine) LeadingBid(ctx context.Context, id model.AuctionID) (*model.Bid, error) {
	b, err := e.store.GetBid(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// ExpiringAt returns the ids scheduled to settle at tick, including
// entries left behind by cancelled auctions.
func (e *Engine) ExpiringAt(ctx context.Context, tick model.Tick) ([]model.AuctionID, error) {
	return e.store.ListExpiry(ctx, tick)
}

// OpenAuctions returns the number of auctions not yet settled or cancelled.
func (e *Engine) OpenAuctions(ctx context.Context) (int, error) {
	return e.store.CountAuctions(ctx)
}

// LastFinalized returns the last tick Advance completed.
func (e *Engine) LastFinalized(ctx context.Context) (model.Tick, bool, error) {
	return e.store.LastFinalized(ctx)
}

// --- helpers ---

func (e *Engine) auction(ctx context.Context, id model.AuctionID) (*model.AuctionDetails, error) {
	a, err := e.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction %d: %w", id, err)
	}
	return a, nil
}

// release returns a bidder's escrow. A shortfall means the collaborator
// lost track of the reservation; it is logged, not fatal.
func (e *Engine) release(ctx context.Context, a *model.AuctionDetails, b *model.Bid) {
	if left := e.currency.Unreserve(ctx, a.Token1, b.Bidder, b.Amount); left.IsPositive() {
		slog.Warn("escrow shortfall on release",
			"auction_id", a.ID,
			"bidder", b.Bidder,
			"amount", b.Amount.String(),
			"missing", left.String(),
		)
	}
}

// emit queues ev for delivery once the enclosing scope commits.
func (e *Engine) emit(ctx context.Context, ev model.Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	txn.OnCommit(ctx, func() {
		e.sink.Publish(context.WithoutCancel(ctx), ev)
	})
}

func (e *Engine) reject(op string, err error) error {
	metrics.CallRejections.WithLabelValues(op, Reason(err)).Inc()
	slog.Debug("auction call rejected", "op", op, "err", err)
	return err
}
