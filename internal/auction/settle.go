package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/txn"
)

// Outcome describes one auction processed at settlement.
type Outcome struct {
	AuctionID model.AuctionID  `json:"auction_id"`
	Winner    *model.AccountID `json:"winner,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`

	// Missing is set for an index entry whose auction no longer exists
	// (it was cancelled). Nothing was done for it.
	Missing bool `json:"missing,omitempty"`
}

// Failure describes an auction whose settlement was rolled back.
type Failure struct {
	AuctionID model.AuctionID `json:"auction_id"`
	Err       error           `json:"-"`
}

// SettlementReport is the result of Advance for one tick.
type SettlementReport struct {
	Tick    model.Tick `json:"tick"`
	Settled []Outcome  `json:"settled"`
	Failed  []Failure  `json:"failed,omitempty"`

	// BatchDiscarded is set in batch mode when a failure rolled back the
	// whole tick. Settled is then empty.
	BatchDiscarded bool `json:"batch_discarded,omitempty"`
}

// settleError tags a settlement failure with its auction.
type settleError struct {
	id  model.AuctionID
	err error
}

func (e *settleError) Error() string { return fmt.Sprintf("settle auction %d: %v", e.id, e.err) }
func (e *settleError) Unwrap() error { return e.err }

// Advance runs settlement for tick: every auction whose end tick equals
// tick is finalized exactly once. Ticks must strictly increase across
// calls. Collaborator failures are reported, not returned; the returned
// error is reserved for storage failures and out-of-order ticks.
func (e *Engine) Advance(ctx context.Context, tick model.Tick) (*SettlementReport, error) {
	start := time.Now()
	defer func() { metrics.TickLatency.Observe(time.Since(start).Seconds()) }()

	last, ok, err := e.store.LastFinalized(ctx)
	if err != nil {
		return nil, err
	}
	if ok && tick <= last {
		return nil, fmt.Errorf("%w: tick %d, last %d", ErrTickOutOfOrder, tick, last)
	}

	report := &SettlementReport{Tick: tick}
	if e.cfg.Settlement == SettleBatch {
		err = e.settleBatch(ctx, tick, report)
	} else {
		err = e.settleIsolated(ctx, tick, report)
	}
	if err != nil {
		return report, err
	}

	if err := e.runner.Atomic(ctx, func(ctx context.Context) error {
		return e.store.SetLastFinalized(ctx, tick)
	}); err != nil {
		return report, err
	}

	if len(report.Settled) > 0 || len(report.Failed) > 0 {
		slog.Info("tick settled",
			"tick", tick,
			"settled", len(report.Settled),
			"failed", len(report.Failed),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return report, nil
}

// settleIsolated settles each auction in the bucket in its own scope. The
// index entry is removed in the same scope, so a failed auction keeps its
// entry; it is not retried because later ticks never revisit this bucket.
func (e *Engine) settleIsolated(ctx context.Context, tick model.Tick, report *SettlementReport) error {
	ids, err := e.store.ListExpiry(ctx, tick)
	if err != nil {
		return fmt.Errorf("list expiry %d: %w", tick, err)
	}

	for _, id := range ids {
		var out Outcome
		err := e.runner.Atomic(ctx, func(ctx context.Context) error {
			if err := e.store.RemoveExpiry(ctx, tick, id); err != nil {
				return err
			}
			var err error
			out, err = e.settle(ctx, tick, id)
			return err
		})
		if err != nil {
			slog.Error("auction settlement failed", "tick", tick, "auction_id", id, "err", err)
			metrics.Settlements.WithLabelValues("failed").Inc()
			report.Failed = append(report.Failed, Failure{AuctionID: id, Err: err})
			continue
		}
		report.Settled = append(report.Settled, out)
	}
	return nil
}

// settleBatch drains and settles the bucket in a single scope. Any failure
// rolls back every auction in it, including the drain.
func (e *Engine) settleBatch(ctx context.Context, tick model.Tick, report *SettlementReport) error {
	var outcomes []Outcome
	err := e.runner.Atomic(ctx, func(ctx context.Context) error {
		ids, err := e.store.DrainExpiry(ctx, tick)
		if err != nil {
			return err
		}
		for _, id := range ids {
			out, err := e.settle(ctx, tick, id)
			if err != nil {
				return &settleError{id: id, err: err}
			}
			outcomes = append(outcomes, out)
		}
		return nil
	})

	var se *settleError
	switch {
	case err == nil:
		report.Settled = outcomes
		return nil
	case errors.As(err, &se):
		slog.Error("tick settlement failed, batch discarded",
			"tick", tick, "auction_id", se.id, "err", se.err)
		metrics.FailedTicks.Inc()
		metrics.Settlements.WithLabelValues("failed").Inc()
		report.Failed = []Failure{{AuctionID: se.id, Err: se.err}}
		report.BatchDiscarded = true
		return nil
	default:
		return fmt.Errorf("drain expiry %d: %w", tick, err)
	}
}

// settle finalizes one auction. The asset always goes back to the creator
// first; with a leading bid the currency then moves to the creator and the
// asset to the winner.
func (e *Engine) settle(ctx context.Context, tick model.Tick, id model.AuctionID) (Outcome, error) {
	out := Outcome{AuctionID: id}

	a, err := e.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		out.Missing = true
		txn.OnCommit(ctx, func() { metrics.Settlements.WithLabelValues("missing").Inc() })
		return out, nil
	}
	if err != nil {
		return out, err
	}

	if err := e.assets.Unreserve(ctx, a.Creator, a.Token0); err != nil {
		return out, err
	}

	bid, err := e.store.GetBid(ctx, id)
	switch {
	case err == nil:
		e.release(ctx, a, bid)
		if err := e.currency.Transfer(ctx, a.Token1, bid.Bidder, a.Creator, bid.Amount); err != nil {
			return out, err
		}
		if err := e.assets.Transfer(ctx, a.Creator, bid.Bidder, a.Token0); err != nil {
			return out, err
		}
		if err := e.store.DeleteBid(ctx, id); err != nil {
			return out, err
		}
		winner, amount := bid.Bidder, bid.Amount
		a.Winner = &winner
		out.Winner = &winner
		out.Amount = &amount
	case !errors.Is(err, store.ErrNotFound):
		return out, err
	}

	ev := model.Event{
		Type:      model.EventAuctionEnd,
		AuctionID: id,
		Tick:      tick,
		Amount:    out.Amount,
	}
	if a.Winner != nil {
		ev.Account = *a.Winner
	}
	e.emit(ctx, ev)

	if err := e.store.DeleteAuction(ctx, id); err != nil {
		return out, err
	}

	outcome := "unsold"
	if out.Winner != nil {
		outcome = "sold"
	}
	txn.OnCommit(ctx, func() {
		metrics.Settlements.WithLabelValues(outcome).Inc()
		metrics.OpenAuctions.Dec()
	})
	return out, nil
}
