// Package chain is the host runtime around the auction engine. It keeps the
// logical clock, serialises caller operations, and finalizes every tick
// exactly once and in order.
//
// Calls submitted while the clock reads tick t execute at t. Finalizing t
// runs settlement for t and then opens t+1.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
)

// DefaultInterval is the wall-clock length of one tick.
const DefaultInterval = 6 * time.Second

var ErrInvalidInterval = errors.New("chain: tick interval must be positive")

// Runtime owns the clock. All mutating calls go through it.
type Runtime struct {
	mu       sync.Mutex
	engine   *auction.Engine
	now      model.Tick
	interval time.Duration

	// OnFinalize, if set, receives each report after its tick is closed.
	OnFinalize func(*auction.SettlementReport)
}

// New creates a runtime that resumes after the last finalized tick, or at
// tick 0 on a fresh store.
func New(ctx context.Context, engine *auction.Engine, interval time.Duration) (*Runtime, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	last, ok, err := engine.LastFinalized(ctx)
	if err != nil {
		return nil, err
	}
	var now model.Tick
	if ok {
		now = model.SaturatingAdd(last, 1)
	}
	open, err := engine.OpenAuctions(ctx)
	if err != nil {
		return nil, err
	}
	metrics.CurrentTick.Set(float64(now))
	metrics.OpenAuctions.Set(float64(open))
	slog.Info("chain runtime ready", "tick", now, "resumed", ok, "open_auctions", open, "interval", interval.String())
	return &Runtime{engine: engine, now: now, interval: interval}, nil
}

// Engine exposes the engine for read-only queries.
func (r *Runtime) Engine() *auction.Engine { return r.engine }

// Now returns the tick calls currently execute at.
func (r *Runtime) Now() model.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// CreateAuction runs engine.CreateAuction at the current tick.
func (r *Runtime) CreateAuction(ctx context.Context, caller model.AccountID, p auction.CreateParams) (*model.AuctionDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.CreateAuction(ctx, r.now, caller, p)
}

// BidAuction runs engine.BidAuction at the current tick.
func (r *Runtime) BidAuction(ctx context.Context, caller model.AccountID, id model.AuctionID, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.BidAuction(ctx, r.now, caller, id, amount)
}

// CancelAuction runs engine.CancelAuction at the current tick.
func (r *Runtime) CancelAuction(ctx context.Context, caller model.AccountID, id model.AuctionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.CancelAuction(ctx, r.now, caller, id)
}

// Finalize settles the current tick and opens the next one. If settlement
// returns an error the clock does not move and the same tick is retried on
// the next call, so no tick is ever skipped.
func (r *Runtime) Finalize(ctx context.Context) (*auction.SettlementReport, error) {
	r.mu.Lock()
	report, err := r.engine.Advance(ctx, r.now)
	if err != nil {
		r.mu.Unlock()
		return report, err
	}
	r.now = model.SaturatingAdd(r.now, 1)
	metrics.CurrentTick.Set(float64(r.now))
	r.mu.Unlock()

	if r.OnFinalize != nil {
		r.OnFinalize(report)
	}
	return report, nil
}

// Run finalizes one tick per interval until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("chain runtime stopped", "tick", r.Now())
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Finalize(ctx); err != nil {
				slog.Error("tick finalization failed", "tick", r.Now(), "err", err)
			}
		}
	}
}
