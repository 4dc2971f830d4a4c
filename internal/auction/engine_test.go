package auction_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/event"
	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/txn"
)

const dot = model.CurrencyID("DOT")

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

var errFrozen = errors.New("asset frozen")

// flakyAssets fails Transfer for selected assets.
type flakyAssets struct {
	*ledger.MemoryAssets
	frozen map[model.AssetID]bool
}

func (f *flakyAssets) Transfer(ctx context.Context, from, to model.AccountID, asset model.AssetID) error {
	if f.frozen[asset] {
		return errFrozen
	}
	return f.MemoryAssets.Transfer(ctx, from, to, asset)
}

type testEnv struct {
	engine   *auction.Engine
	store    *store.MemoryStore
	currency *ledger.MemoryCurrency
	assets   *flakyAssets
	events   *event.Recorder
}

func newTestEnv(t *testing.T, cfg auction.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		currency: ledger.NewMemoryCurrency(),
		assets:   &flakyAssets{MemoryAssets: ledger.NewMemoryAssets(), frozen: map[model.AssetID]bool{}},
		events:   &event.Recorder{},
	}
	env.engine = auction.NewEngine(env.store, txn.NewJournal(), env.currency, env.assets, env.events, cfg)
	return env
}

func (env *testEnv) mint(t *testing.T, owner model.AccountID) model.AssetID {
	t.Helper()
	id, err := env.assets.Mint(context.Background(), owner, 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return id
}

func (env *testEnv) fund(t *testing.T, who model.AccountID, amount int64) {
	t.Helper()
	if err := env.currency.Deposit(context.Background(), dot, who, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *testEnv) create(t *testing.T, now model.Tick, creator model.AccountID, asset model.AssetID, min1 int64, duration model.Tick) *model.AuctionDetails {
	t.Helper()
	a, err := env.engine.CreateAuction(context.Background(), now, creator, auction.CreateParams{
		Token0:   asset,
		Token1:   dot,
		Min1:     d(min1),
		Duration: duration,
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return a
}

func (env *testEnv) advance(t *testing.T, tick model.Tick) *auction.SettlementReport {
	t.Helper()
	r, err := env.engine.Advance(context.Background(), tick)
	if err != nil {
		t.Fatalf("advance %d: %v", tick, err)
	}
	return r
}

func (env *testEnv) checkBalance(t *testing.T, who model.AccountID, free, reserved int64) {
	t.Helper()
	b := env.currency.BalanceOf(dot, who)
	if !b.Free.Equal(d(free)) || !b.Reserved.Equal(d(reserved)) {
		t.Errorf("%s: expected free=%d reserved=%d, got free=%s reserved=%s",
			who, free, reserved, b.Free, b.Reserved)
	}
}

func (env *testEnv) checkAsset(t *testing.T, asset model.AssetID, owner model.AccountID, reserved bool) {
	t.Helper()
	gotOwner, gotReserved, ok := env.assets.Owner(asset)
	if !ok || gotOwner != owner || gotReserved != reserved {
		t.Errorf("asset %v: expected owner=%s reserved=%v, got owner=%s reserved=%v",
			asset, owner, reserved, gotOwner, gotReserved)
	}
}

func (env *testEnv) checkGone(t *testing.T, id model.AuctionID, endAt model.Tick) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.store.GetAuction(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("auction %d should be removed, got %v", id, err)
	}
	if _, err := env.store.GetBid(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("bid for auction %d should be removed, got %v", id, err)
	}
	ids, _ := env.store.ListExpiry(ctx, endAt)
	for _, x := range ids {
		if x == id {
			t.Errorf("expiry entry for auction %d should be removed", id)
		}
	}
}

// --- Creation ---

func TestCreateAuction_SchedulesExpiry(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	asset := env.mint(t, "alice")

	a := env.create(t, 0, "alice", asset, 1, 5)

	if a.ID != 0 || a.StartAt != 1 || a.EndAt() != 6 {
		t.Errorf("expected id=0 start_at=1 end_at=6, got id=%d start_at=%d end_at=%d", a.ID, a.StartAt, a.EndAt())
	}
	if a.EndAt()-a.StartAt != a.Duration {
		t.Errorf("end_at - start_at should equal duration")
	}
	ids, _ := env.engine.ExpiringAt(context.Background(), 6)
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("expected one expiry entry at tick 6, got %v", ids)
	}
	env.checkAsset(t, asset, "alice", true)

	created := env.events.OfType(model.EventAuctionCreated)
	if len(created) != 1 || created[0].EndAt != 6 || created[0].Token0 == nil || *created[0].Token0 != asset {
		t.Errorf("expected AuctionCreated carrying the terms, got %+v", created)
	}
}

func TestCreateAuction_IDsStrictlyIncrease(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	var last model.AuctionID
	for i := 0; i < 5; i++ {
		a := env.create(t, model.Tick(i), "alice", env.mint(t, "alice"), 1, 3)
		if i > 0 && a.ID <= last {
			t.Fatalf("auction ids must strictly increase: %d after %d", a.ID, last)
		}
		last = a.ID
	}
}

func TestCreateAuction_Rejections(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	asset := env.mint(t, "alice")
	ctx := context.Background()

	tests := []struct {
		name   string
		caller model.AccountID
		params auction.CreateParams
		want   error
	}{
		{"zero duration", "alice", auction.CreateParams{Token0: asset, Token1: dot, Min1: d(1)}, auction.ErrInvalidDuration},
		{"negative minimum", "alice", auction.CreateParams{Token0: asset, Token1: dot, Min1: d(-1), Duration: 3}, auction.ErrInvalidMinimum},
		{"not owner", "bob", auction.CreateParams{Token0: asset, Token1: dot, Min1: d(1), Duration: 3}, ledger.ErrNotOwner},
		{"unknown asset", "alice", auction.CreateParams{Token0: model.AssetID{ClassID: 42}, Token1: dot, Duration: 3}, ledger.ErrAssetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.CreateAuction(ctx, 0, tt.caller, tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if id, _ := env.store.NextAuctionID(ctx); id != 0 {
		t.Errorf("failed creations must not advance the allocator, got %d", id)
	}
	if n, _ := env.store.CountExpiry(ctx, 4); n != 0 {
		t.Errorf("failed creations must not schedule expiry, got %d", n)
	}
	env.checkAsset(t, asset, "alice", false)
	if n := len(env.events.Events()); n != 0 {
		t.Errorf("failed creations must not emit events, got %d", n)
	}
}

// Scenario C: the (cap+1)-th auction with the same end tick fails and
// leaves no residual state.
func TestCreateAuction_ExceedMaxAuction(t *testing.T) {
	env := newTestEnv(t, auction.Config{MaxAuctionsPerTick: 2})
	ctx := context.Background()

	env.create(t, 0, "alice", env.mint(t, "alice"), 1, 5)
	env.create(t, 0, "alice", env.mint(t, "alice"), 1, 5)

	extra := env.mint(t, "alice")
	_, err := env.engine.CreateAuction(ctx, 0, "alice", auction.CreateParams{Token0: extra, Token1: dot, Min1: d(1), Duration: 5})
	if !errors.Is(err, auction.ErrExceedMaxAuction) {
		t.Fatalf("expected ErrExceedMaxAuction, got %v", err)
	}

	env.checkAsset(t, extra, "alice", false)
	if n, _ := env.store.CountExpiry(ctx, 6); n != 2 {
		t.Errorf("expected 2 entries at tick 6, got %d", n)
	}
	if id, _ := env.store.NextAuctionID(ctx); id != 2 {
		t.Errorf("expected next id 2, got %d", id)
	}

	// A different end tick is unaffected.
	env.create(t, 0, "alice", extra, 1, 6)
}

// --- Bidding ---

// Scenario A.
func TestScenarioA_BidRotationAndSettlement(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	asset := env.mint(t, "alice")
	env.fund(t, "bob", 100)
	env.fund(t, "carol", 100)

	a := env.create(t, 0, "alice", asset, 5, 5)

	if err := env.engine.BidAuction(ctx, 2, "bob", a.ID, d(10)); err != nil {
		t.Fatalf("bid 10: %v", err)
	}
	env.checkBalance(t, "bob", 90, 10)

	if err := env.engine.BidAuction(ctx, 3, "carol", a.ID, d(8)); !errors.Is(err, auction.ErrInvalidBidAmount) {
		t.Fatalf("expected ErrInvalidBidAmount for 8, got %v", err)
	}
	if err := env.engine.BidAuction(ctx, 3, "carol", a.ID, d(15)); err != nil {
		t.Fatalf("bid 15: %v", err)
	}
	env.checkBalance(t, "bob", 100, 0)
	env.checkBalance(t, "carol", 85, 15)

	bid, _ := env.engine.LeadingBid(ctx, a.ID)
	if bid == nil || bid.Bidder != "carol" || !bid.Amount.Equal(d(15)) {
		t.Fatalf("expected carol leading with 15, got %+v", bid)
	}

	for tick := model.Tick(0); tick < 6; tick++ {
		if r := env.advance(t, tick); len(r.Settled) != 0 {
			t.Fatalf("nothing should settle at tick %d, got %+v", tick, r.Settled)
		}
	}

	r := env.advance(t, 6)
	if len(r.Settled) != 1 || len(r.Failed) != 0 {
		t.Fatalf("expected one settlement at tick 6, got %+v", r)
	}
	out := r.Settled[0]
	if out.Winner == nil || *out.Winner != "carol" || out.Amount == nil || !out.Amount.Equal(d(15)) {
		t.Errorf("expected carol to win with 15, got %+v", out)
	}

	env.checkBalance(t, "alice", 15, 0)
	env.checkBalance(t, "carol", 85, 0)
	env.checkBalance(t, "bob", 100, 0)
	env.checkAsset(t, asset, "carol", false)
	env.checkGone(t, a.ID, 6)

	ends := env.events.OfType(model.EventAuctionEnd)
	if len(ends) != 1 || ends[0].Account != "carol" || !ends[0].Amount.Equal(d(15)) {
		t.Errorf("expected AuctionEnd for carol/15, got %+v", ends)
	}
}

func TestBidAuction_Rejections(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 100)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 5, 3) // end_at = 4

	tests := []struct {
		name   string
		now    model.Tick
		id     model.AuctionID
		amount decimal.Decimal
		want   error
	}{
		{"unknown auction", 1, 99, d(10), auction.ErrAuctionNotFound},
		{"below minimum", 1, a.ID, d(4), auction.ErrInvalidBidAmount},
		{"zero", 1, a.ID, d(0), auction.ErrInvalidBidAmount},
		{"after end", 5, a.ID, d(10), auction.ErrAuctionExpired},
		{"insufficient funds", 1, a.ID, d(101), ledger.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.engine.BidAuction(ctx, tt.now, "bob", tt.id, tt.amount)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	env.checkBalance(t, "bob", 100, 0)
	if n := len(env.events.OfType(model.EventAuctionBid)); n != 0 {
		t.Errorf("rejected bids must not emit events, got %d", n)
	}
}

func TestBidAuction_BiddableThroughFinalTick(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 100)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)

	if err := env.engine.BidAuction(ctx, a.EndAt(), "bob", a.ID, d(5)); err != nil {
		t.Errorf("bid at end_at should be accepted, got %v", err)
	}
	if err := env.engine.BidAuction(ctx, a.EndAt()+1, "bob", a.ID, d(6)); !errors.Is(err, auction.ErrAuctionExpired) {
		t.Errorf("bid after end_at should fail with ErrAuctionExpired, got %v", err)
	}
}

func TestBidAuction_EqualBidRejected(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 100)
	env.fund(t, "carol", 100)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)

	_ = env.engine.BidAuction(ctx, 1, "bob", a.ID, d(10))
	if err := env.engine.BidAuction(ctx, 1, "carol", a.ID, d(10)); !errors.Is(err, auction.ErrInvalidBidAmount) {
		t.Errorf("equal bid should be rejected, got %v", err)
	}
	env.checkBalance(t, "bob", 90, 10)
	env.checkBalance(t, "carol", 100, 0)
}

// A new leader who cannot pay must not cost the old leader their position.
func TestBidAuction_FailedReserveKeepsPreviousLeader(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 100)
	env.fund(t, "carol", 12)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)

	if err := env.engine.BidAuction(ctx, 1, "bob", a.ID, d(10)); err != nil {
		t.Fatal(err)
	}
	err := env.engine.BidAuction(ctx, 1, "carol", a.ID, d(20))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected collaborator error unchanged, got %v", err)
	}

	env.checkBalance(t, "bob", 90, 10)
	env.checkBalance(t, "carol", 12, 0)
	bid, _ := env.engine.LeadingBid(ctx, a.ID)
	if bid == nil || bid.Bidder != "bob" || !bid.Amount.Equal(d(10)) {
		t.Errorf("bob should still lead with 10, got %+v", bid)
	}
}

func TestBidAuction_LeaderRaisesOwnBid(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 30)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)

	_ = env.engine.BidAuction(ctx, 1, "bob", a.ID, d(10))
	if err := env.engine.BidAuction(ctx, 1, "bob", a.ID, d(25)); err != nil {
		t.Fatalf("raise: %v", err)
	}
	env.checkBalance(t, "bob", 5, 25)
}

func TestBidAuction_AcceptedAmountsStrictlyIncrease(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	bidders := []model.AccountID{"b1", "b2", "b3"}
	for _, b := range bidders {
		env.fund(t, b, 1000)
	}
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 10)

	amounts := []int64{5, 3, 7, 7, 6, 20, 19, 21, 50, 2}
	var accepted []int64
	for i, amt := range amounts {
		bidder := bidders[i%len(bidders)]
		if err := env.engine.BidAuction(ctx, 2, bidder, a.ID, d(amt)); err == nil {
			accepted = append(accepted, amt)
		}

		// Exactly one reservation is held and it matches the ledger entry.
		bid, _ := env.engine.LeadingBid(ctx, a.ID)
		total := decimal.Zero
		for _, b := range bidders {
			total = total.Add(env.currency.BalanceOf(dot, b).Reserved)
		}
		if bid == nil || !total.Equal(bid.Amount) {
			t.Fatalf("reserved total %s does not match leading bid %+v", total, bid)
		}
	}

	for i := 1; i < len(accepted); i++ {
		if accepted[i] <= accepted[i-1] {
			t.Fatalf("accepted amounts not strictly increasing: %v", accepted)
		}
	}
	if diff := cmp.Diff([]int64{5, 7, 20, 21, 50}, accepted); diff != "" {
		t.Errorf("accepted amounts mismatch (-want +got):\n%s", diff)
	}
}

// --- Cancellation ---

// Scenario B.
func TestScenarioB_CancelBeforeStart(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	asset := env.mint(t, "alice")
	a := env.create(t, 0, "alice", asset, 1, 3)

	if err := env.engine.CancelAuction(ctx, 0, "alice", a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.checkAsset(t, asset, "alice", false)
	if _, err := env.engine.Auction(ctx, a.ID); !errors.Is(err, auction.ErrAuctionNotFound) {
		t.Errorf("auction should be removed, got %v", err)
	}
	if n := len(env.events.OfType(model.EventAuctionCancelled)); n != 1 {
		t.Errorf("expected one AuctionCancelled event, got %d", n)
	}

	// The index entry is left behind and skipped at settlement.
	r := env.advance(t, 4)
	if len(r.Settled) != 1 || !r.Settled[0].Missing {
		t.Errorf("expected a single missing outcome at tick 4, got %+v", r.Settled)
	}
	if n := len(env.events.OfType(model.EventAuctionEnd)); n != 0 {
		t.Errorf("no settlement should occur for a cancelled auction, got %d AuctionEnd", n)
	}
	env.checkAsset(t, asset, "alice", false)
}

func TestCancelAuction_Rejections(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	asset := env.mint(t, "alice")
	a := env.create(t, 0, "alice", asset, 1, 3) // start_at = 1

	if err := env.engine.CancelAuction(ctx, 0, "bob", a.ID); !errors.Is(err, auction.ErrInvalidCreator) {
		t.Errorf("expected ErrInvalidCreator, got %v", err)
	}
	if err := env.engine.CancelAuction(ctx, 1, "alice", a.ID); !errors.Is(err, auction.ErrAuctionStarted) {
		t.Errorf("expected ErrAuctionStarted at start_at, got %v", err)
	}
	if err := env.engine.CancelAuction(ctx, 0, "alice", 99); !errors.Is(err, auction.ErrAuctionNotFound) {
		t.Errorf("expected ErrAuctionNotFound, got %v", err)
	}
	env.checkAsset(t, asset, "alice", true)
}

func TestCancelAuction_ReleasesEarlyBid(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 50)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)

	if err := env.engine.BidAuction(ctx, 0, "bob", a.ID, d(20)); err != nil {
		t.Fatalf("bid at creation tick: %v", err)
	}
	if err := env.engine.CancelAuction(ctx, 0, "alice", a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.checkBalance(t, "bob", 50, 0)
	if bid, _ := env.engine.LeadingBid(ctx, a.ID); bid != nil {
		t.Errorf("bid should be removed with the auction, got %+v", bid)
	}
}

func TestCancelAuction_PruneOnCancel(t *testing.T) {
	env := newTestEnv(t, auction.Config{MaxAuctionsPerTick: 1, PruneOnCancel: true})
	ctx := context.Background()
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)

	if err := env.engine.CancelAuction(ctx, 0, "alice", a.ID); err != nil {
		t.Fatal(err)
	}
	if ids, _ := env.engine.ExpiringAt(ctx, 4); len(ids) != 0 {
		t.Errorf("expected index entry to be pruned, got %v", ids)
	}
	// The slot is free again.
	env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)
}

func TestCancelAuction_DanglingEntryCountsTowardsCap(t *testing.T) {
	env := newTestEnv(t, auction.Config{MaxAuctionsPerTick: 1})
	ctx := context.Background()
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)
	_ = env.engine.CancelAuction(ctx, 0, "alice", a.ID)

	_, err := env.engine.CreateAuction(ctx, 0, "alice", auction.CreateParams{
		Token0: env.mint(t, "alice"), Token1: dot, Min1: d(1), Duration: 3,
	})
	if !errors.Is(err, auction.ErrExceedMaxAuction) {
		t.Errorf("expected dangling entry to hold its slot, got %v", err)
	}
}

// --- Settlement ---

func TestAdvance_NoBidsReturnsAsset(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	asset := env.mint(t, "alice")
	a := env.create(t, 0, "alice", asset, 1, 2)

	r := env.advance(t, a.EndAt())
	if len(r.Settled) != 1 {
		t.Fatalf("expected one settlement, got %+v", r)
	}
	if out := r.Settled[0]; out.Winner != nil || out.Amount != nil || out.Missing {
		t.Errorf("expected no winner and no amount, got %+v", out)
	}
	env.checkAsset(t, asset, "alice", false)
	env.checkGone(t, a.ID, a.EndAt())

	ends := env.events.OfType(model.EventAuctionEnd)
	if len(ends) != 1 || ends[0].Account != "" || ends[0].Amount != nil {
		t.Errorf("expected AuctionEnd without winner, got %+v", ends)
	}
}

func TestAdvance_OnlyMatchingBucket(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 2) // end 3
	b := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 4) // end 5

	r := env.advance(t, 3)
	if len(r.Settled) != 1 || r.Settled[0].AuctionID != a.ID {
		t.Fatalf("expected only auction %d at tick 3, got %+v", a.ID, r.Settled)
	}
	if _, err := env.engine.Auction(context.Background(), b.ID); err != nil {
		t.Errorf("auction %d should still be open: %v", b.ID, err)
	}
	if r := env.advance(t, 4); len(r.Settled) != 0 {
		t.Errorf("nothing expires at tick 4, got %+v", r.Settled)
	}
	if r := env.advance(t, 5); len(r.Settled) != 1 || r.Settled[0].AuctionID != b.ID {
		t.Errorf("expected auction %d at tick 5, got %+v", b.ID, r.Settled)
	}
}

func TestAdvance_TicksMustIncrease(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	env.advance(t, 3)

	for _, tick := range []model.Tick{3, 2} {
		if _, err := env.engine.Advance(context.Background(), tick); !errors.Is(err, auction.ErrTickOutOfOrder) {
			t.Errorf("tick %d: expected ErrTickOutOfOrder, got %v", tick, err)
		}
	}
	env.advance(t, 4)
}

func TestAdvance_SettlesExactlyOnce(t *testing.T) {
	env := newTestEnv(t, auction.Config{})
	ctx := context.Background()
	env.fund(t, "bob", 100)
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 2)
	_ = env.engine.BidAuction(ctx, 1, "bob", a.ID, d(40))

	env.advance(t, 3)
	// A later tick never revisits bucket 3.
	env.advance(t, 4)

	env.checkBalance(t, "alice", 40, 0)
	env.checkBalance(t, "bob", 60, 0)
	if n := len(env.events.OfType(model.EventAuctionEnd)); n != 1 {
		t.Errorf("expected exactly one AuctionEnd, got %d", n)
	}
}

func setupFailingSibling(t *testing.T, env *testEnv) (ok, bad *model.AuctionDetails, badAsset model.AssetID) {
	t.Helper()
	ctx := context.Background()
	env.fund(t, "bob", 100)
	env.fund(t, "carol", 100)

	okAsset := env.mint(t, "alice")
	badAsset = env.mint(t, "dave")
	ok = env.create(t, 0, "alice", okAsset, 1, 3)
	bad = env.create(t, 0, "dave", badAsset, 1, 3)

	if err := env.engine.BidAuction(ctx, 1, "bob", ok.ID, d(10)); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.BidAuction(ctx, 1, "carol", bad.ID, d(20)); err != nil {
		t.Fatal(err)
	}
	env.assets.frozen[badAsset] = true
	return ok, bad, badAsset
}

func TestAdvance_IsolatedFailureDoesNotBlockSiblings(t *testing.T) {
	env := newTestEnv(t, auction.Config{Settlement: auction.SettleIsolated})
	ctx := context.Background()
	ok, bad, badAsset := setupFailingSibling(t, env)

	r := env.advance(t, 4)
	if len(r.Settled) != 1 || r.Settled[0].AuctionID != ok.ID {
		t.Errorf("expected auction %d settled, got %+v", ok.ID, r.Settled)
	}
	if len(r.Failed) != 1 || r.Failed[0].AuctionID != bad.ID || !errors.Is(r.Failed[0].Err, errFrozen) {
		t.Errorf("expected auction %d failed with errFrozen, got %+v", bad.ID, r.Failed)
	}

	env.checkBalance(t, "alice", 10, 0)
	env.checkGone(t, ok.ID, 4)

	// The failed auction is rolled back intact: escrow, bid and index entry.
	env.checkBalance(t, "carol", 80, 20)
	env.checkBalance(t, "dave", 0, 0)
	env.checkAsset(t, badAsset, "dave", true)
	if _, err := env.engine.Auction(ctx, bad.ID); err != nil {
		t.Errorf("failed auction should remain: %v", err)
	}
	if ids, _ := env.engine.ExpiringAt(ctx, 4); len(ids) != 1 || ids[0] != bad.ID {
		t.Errorf("failed auction should keep its index entry, got %v", ids)
	}

	ends := env.events.OfType(model.EventAuctionEnd)
	if len(ends) != 1 || ends[0].AuctionID != ok.ID {
		t.Errorf("only the settled auction should emit AuctionEnd, got %+v", ends)
	}
}

func TestAdvance_BatchFailureDiscardsTick(t *testing.T) {
	env := newTestEnv(t, auction.Config{Settlement: auction.SettleBatch})
	ctx := context.Background()
	ok, bad, _ := setupFailingSibling(t, env)

	r := env.advance(t, 4)
	if !r.BatchDiscarded || len(r.Settled) != 0 {
		t.Fatalf("expected batch discarded with nothing settled, got %+v", r)
	}
	if len(r.Failed) != 1 || r.Failed[0].AuctionID != bad.ID {
		t.Errorf("expected failure attributed to auction %d, got %+v", bad.ID, r.Failed)
	}

	// Everything, including the sibling and the drain, is rolled back.
	env.checkBalance(t, "alice", 0, 0)
	env.checkBalance(t, "bob", 90, 10)
	for _, id := range []model.AuctionID{ok.ID, bad.ID} {
		if _, err := env.engine.Auction(ctx, id); err != nil {
			t.Errorf("auction %d should remain after discarded batch: %v", id, err)
		}
	}
	if ids, _ := env.engine.ExpiringAt(ctx, 4); len(ids) != 2 {
		t.Errorf("expected both index entries restored, got %v", ids)
	}
	if n := len(env.events.OfType(model.EventAuctionEnd)); n != 0 {
		t.Errorf("discarded batch must not emit AuctionEnd, got %d", n)
	}

	// The tick still counts as finalized.
	if last, found, _ := env.engine.LastFinalized(ctx); !found || last != 4 {
		t.Errorf("expected last finalized tick 4, got %d (%v)", last, found)
	}
}

func TestAdvance_BatchSuccess(t *testing.T) {
	env := newTestEnv(t, auction.Config{Settlement: auction.SettleBatch})
	a := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)
	b := env.create(t, 0, "alice", env.mint(t, "alice"), 1, 3)
	_ = env.engine.CancelAuction(context.Background(), 0, "alice", b.ID)

	r := env.advance(t, 4)
	if r.BatchDiscarded || len(r.Settled) != 2 {
		t.Fatalf("expected two outcomes, got %+v", r)
	}
	want := []auction.Outcome{{AuctionID: a.ID}, {AuctionID: b.ID, Missing: true}}
	if diff := cmp.Diff(want, r.Settled); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if ids, _ := env.engine.ExpiringAt(context.Background(), 4); len(ids) != 0 {
		t.Errorf("bucket should be drained, got %v", ids)
	}
}
