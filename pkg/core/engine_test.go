package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/openclearing/margincore/pkg/core/book"
	"github.com/openclearing/margincore/pkg/core/market"
	"github.com/openclearing/margincore/pkg/core/store"
	"github.com/openclearing/margincore/pkg/util"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

var t0 = time.UnixMilli(1_700_000_000_000)

const sym = "WTI-USD"

func newTestExchange(t *testing.T, clock *util.ManualClock) *Exchange {
	t.Helper()
	return NewExchange(Options{Clock: clock, ChallengeWindow: 24 * time.Hour})
}

// newTestMarket registers a market trading for one hour and settling an
// hour later, with a one hour oracle request window.
func newTestMarket(t *testing.T, x *Exchange, clock *util.ManualClock) *market.Market {
	t.Helper()
	p := market.DefaultParams(clock.Now())
	p.TradingEndsAt = clock.Now().Add(time.Hour).UnixMilli()
	p.SettlesAt = clock.Now().Add(2 * time.Hour).UnixMilli()
	p.RequestWindow = time.Hour
	mkt, err := x.CreateMarket(sym, "WTI", "USD", p)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return mkt
}

func limitOrder(id string, owner common.Address, side book.Side, price, qty int64) *book.Order {
	return &book.Order{ID: id, Owner: owner, Symbol: sym, Side: side, Type: book.Limit, TIF: book.GTC, Price: price, Qty: qty}
}

func mustPlace(t *testing.T, x *Exchange, o *book.Order) []book.Fill {
	t.Helper()
	fills, err := x.PlaceOrder(o)
	if err != nil {
		t.Fatalf("place %s: %v", o.ID, err)
	}
	return fills
}

func TestPlacementReservesMargin(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)

	// 10 @ 10000 at 5% initial margin plus 5 bps taker fee headroom:
	// (500 + 5) per unit, 5050 total.
	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))

	acc := x.GetAccount(alice)
	if acc.Locked != 5_050 || acc.Available != 4_950 {
		t.Errorf("after placement: locked=%d available=%d, want 5050/4950", acc.Locked, acc.Available)
	}

	o, err := x.GetOrder(sym, "bid")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.UnitMargin != 505 || o.LockedMargin != 5_050 {
		t.Errorf("order margin: unit=%d locked=%d, want 505/5050", o.UnitMargin, o.LockedMargin)
	}
}

func TestPlacementRejectsUnderfunded(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 1_000)

	_, err := x.PlaceOrder(limitOrder("bid", alice, book.Buy, 10_000, 10))
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("want ErrInsufficientCollateral, got %v", err)
	}
	if acc := x.GetAccount(alice); acc.Locked != 0 || acc.Available != 1_000 {
		t.Errorf("failed placement must not move collateral: %+v", acc)
	}
}

func TestTradeConvertsReservationToPositionMargin(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)
	x.Deposit(bob, 10_000)

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 10_000, 10)
	sell.TIF = book.IOC
	fills := mustPlace(t, x, sell)

	if len(fills) != 1 || fills[0].Price != 10_000 || fills[0].Qty != 10 {
		t.Fatalf("fills = %+v, want one 10@10000", fills)
	}

	// Maker long: 5000 initial margin stays locked, fee headroom returns,
	// 1 bps maker rebate credits.
	acc := x.GetAccount(alice)
	if acc.Locked != 5_000 {
		t.Errorf("alice locked = %d, want 5000", acc.Locked)
	}
	if acc.Available != 5_010 {
		t.Errorf("alice available = %d, want 5010 (reservation slack + rebate)", acc.Available)
	}
	if acc.Rebates != 10 {
		t.Errorf("alice rebates = %d, want 10", acc.Rebates)
	}

	// Taker short: same margin, 5 bps taker fee paid.
	acc = x.GetAccount(bob)
	if acc.Locked != 5_000 || acc.FeesPaid != 50 {
		t.Errorf("bob locked=%d fees=%d, want 5000/50", acc.Locked, acc.FeesPaid)
	}

	pos := x.GetPositions(alice)
	if len(pos) != 1 || pos[0].Size != 10 || pos[0].EntryPrice != 10_000 || pos[0].Margin != 5_000 {
		t.Errorf("alice position = %+v, want long 10@10000 margin 5000", pos)
	}

	// Fees net into the insurance fund: +50 taker, -10 rebate.
	if fund := x.InsuranceFund(); fund != 40 {
		t.Errorf("fund = %d, want 40", fund)
	}

	mkt, _ := x.GetMarket(sym)
	if mkt.LastTradePrice != 10_000 || mkt.MarkPrice != 10_000 {
		t.Errorf("prices = %d/%d, want 10000/10000", mkt.LastTradePrice, mkt.MarkPrice)
	}
}

func TestCancelReleasesMargin(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))

	if _, err := x.CancelOrder(sym, "bid", bob); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-owner cancel: want ErrUnauthorized, got %v", err)
	}
	if _, err := x.CancelOrder(sym, "bid", alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if acc := x.GetAccount(alice); acc.Locked != 0 || acc.Available != 10_000 {
		t.Errorf("cancel must release everything: %+v", acc)
	}
	if _, err := x.CancelOrder(sym, "missing", alice); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("want ErrOrderNotFound, got %v", err)
	}
}

func TestGTDExpiryReleasesOnTick(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)

	o := limitOrder("gtd", alice, book.Buy, 10_000, 10)
	o.TIF = book.GTD
	o.ExpiresAt = t0.Add(time.Minute).UnixMilli()
	mustPlace(t, x, o)

	clock.Advance(2 * time.Minute)
	x.Tick()

	if acc := x.GetAccount(alice); acc.Locked != 0 {
		t.Errorf("expired order margin still locked: %d", acc.Locked)
	}
	if _, err := x.GetOrder(sym, "gtd"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expired order should leave the book, got %v", err)
	}
}

func TestClosePosition(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)
	x.Deposit(bob, 10_000)
	x.Deposit(carol, 10_000)

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 10_000, 10)
	sell.TIF = book.IOC
	mustPlace(t, x, sell)

	// Exit liquidity for alice's long.
	mustPlace(t, x, limitOrder("exit", carol, book.Buy, 9_900, 10))

	realized, fills, err := x.ClosePosition(alice, sym, 0, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(fills) != 1 || fills[0].Price != 9_900 || fills[0].Qty != 10 {
		t.Fatalf("close fills = %+v, want 10@9900", fills)
	}
	if realized != -1_000 {
		t.Errorf("close reported realized = %d, want -1000", realized)
	}

	if _, ok := x.positions.ActiveFor(alice, sym); ok {
		t.Error("position should be gone")
	}
	acc := x.GetAccount(alice)
	if acc.Locked != 0 {
		t.Errorf("locked = %d, want 0 after close", acc.Locked)
	}
	// Realized the 100/unit loss plus the close fee on top of entry costs.
	if acc.RealizedPnL != -1_000 {
		t.Errorf("realized = %d, want -1000", acc.RealizedPnL)
	}
	if err := x.ledger.Validate(alice); err != nil {
		t.Errorf("conservation: %v", err)
	}

	if _, _, err := x.ClosePosition(alice, sym, 0, 0); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("closing again: want ErrPositionNotFound, got %v", err)
	}
}

func TestPartialCloseWithBound(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)
	x.Deposit(bob, 10_000)
	x.Deposit(carol, 10_000)

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 10_000, 10)
	sell.TIF = book.IOC
	mustPlace(t, x, sell)
	mustPlace(t, x, limitOrder("exit", carol, book.Buy, 9_900, 10))

	// Depth exists but the bound shuts it out: that is a bound rejection,
	// not a liquidity one.
	if _, _, err := x.ClosePosition(alice, sym, 4, 9_950); !errors.Is(err, ErrPriceBound) {
		t.Fatalf("bound above depth: want ErrPriceBound, got %v", err)
	}
	if pos, _ := x.positions.ActiveFor(alice, sym); pos.Size != 10 {
		t.Fatalf("rejected close must not touch the position, size = %d", pos.Size)
	}

	// Oversized close is a validation error.
	if _, _, err := x.ClosePosition(alice, sym, 11, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("oversize close: want ErrValidation, got %v", err)
	}

	realized, fills, err := x.ClosePosition(alice, sym, 4, 9_900)
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != 4 || fills[0].Price != 9_900 {
		t.Fatalf("fills = %+v, want 4@9900", fills)
	}
	if realized != -400 {
		t.Errorf("partial close realized = %d, want -400", realized)
	}
	pos, ok := x.positions.ActiveFor(alice, sym)
	if !ok || pos.Size != 6 || pos.EntryPrice != 10_000 {
		t.Errorf("position after partial close = %+v, want long 6@10000", pos)
	}
	if acc := x.GetAccount(alice); acc.Locked != 3_000 {
		t.Errorf("locked = %d, want 3000 for the remaining 6", acc.Locked)
	}
}

// A trader's collateral can move under another market's placements while a
// fill settles here. Settlement must land as one ledger movement: when an
// order errors, the book and the position stay exactly as they were, and
// conservation holds after every round. Bob is funded to the edge so that
// the fee is only payable out of the margin freed in the same movement.
func TestFillSettlementAtomicUnderConcurrentLocks(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000_000)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var once sync.Once
	halt := func() {
		once.Do(func() { close(stop) })
		wg.Wait()
	}
	t.Cleanup(halt)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := x.ledger.Lock(bob, 50); err == nil {
				x.ledger.Unlock(bob, 50)
			}
		}
	}()

	buyRound := func(i int) {
		t.Helper()
		for attempt := 0; ; attempt++ {
			before, _ := x.positions.ActiveFor(bob, sym)
			o := limitOrder(fmt.Sprintf("buy-%d-%d", i, attempt), bob, book.Buy, 10_000, 10)
			o.TIF = book.IOC
			fills, err := x.PlaceOrder(o)
			if err == nil {
				if len(fills) != 1 || fills[0].Qty != 10 {
					t.Fatalf("round %d: fills = %+v, want 10@10000", i, fills)
				}
				return
			}
			// The churn may transiently hold bob's last 50; such a
			// rejection must reject whole.
			after, _ := x.positions.ActiveFor(bob, sym)
			if after.Size != before.Size {
				t.Fatalf("round %d: errored placement (%v) moved the position %d -> %d", i, err, before.Size, after.Size)
			}
		}
	}
	closeRound := func(i int) {
		t.Helper()
		for {
			before, _ := x.positions.ActiveFor(bob, sym)
			realized, _, err := x.ClosePosition(bob, sym, 0, 0)
			if err == nil {
				if realized != 0 {
					t.Fatalf("round %d: flat round realized %d", i, realized)
				}
				return
			}
			after, _ := x.positions.ActiveFor(bob, sym)
			if after.Size != before.Size {
				t.Fatalf("round %d: errored close (%v) moved the position %d -> %d", i, err, before.Size, after.Size)
			}
		}
	}

	const rounds = 200
	x.Deposit(bob, 5_050)
	for i := 0; i < rounds; i++ {
		if i > 0 {
			x.Deposit(bob, 50)
		}
		mustPlace(t, x, limitOrder(fmt.Sprintf("ask-%d", i), alice, book.Sell, 10_000, 10))
		buyRound(i)
		if err := x.ledger.Validate(bob); err != nil {
			t.Fatalf("round %d after buy: %v", i, err)
		}

		x.Deposit(bob, 50)
		mustPlace(t, x, limitOrder(fmt.Sprintf("exit-%d", i), alice, book.Buy, 10_000, 10))
		closeRound(i)
		if err := x.ledger.Validate(bob); err != nil {
			t.Fatalf("round %d after close: %v", i, err)
		}
	}
	halt()

	acc := x.GetAccount(bob)
	if acc.Available != 5_000 || acc.Locked != 0 {
		t.Errorf("final: available=%d locked=%d, want 5000/0", acc.Available, acc.Locked)
	}
	if acc.FeesPaid != 100*rounds {
		t.Errorf("fees paid = %d, want %d", acc.FeesPaid, 100*rounds)
	}
}

func TestReduceOnlyValidation(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)

	ro := limitOrder("ro", alice, book.Sell, 10_000, 5)
	ro.ReduceOnly = true
	ro.TIF = book.IOC
	if _, err := x.PlaceOrder(ro); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("reduce-only without a position: want ErrPositionNotFound, got %v", err)
	}

	ro2 := limitOrder("ro2", alice, book.Sell, 10_000, 5)
	ro2.ReduceOnly = true // GTC
	if _, err := x.PlaceOrder(ro2); !errors.Is(err, ErrValidation) {
		t.Errorf("resting reduce-only: want ErrValidation, got %v", err)
	}
}

func TestStopTriggerCascade(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	for _, a := range []common.Address{alice, bob, carol} {
		x.Deposit(a, 100_000)
	}

	// Resting bids to absorb the stop, and one at the trigger level.
	mustPlace(t, x, limitOrder("bid1", carol, book.Buy, 9_600, 5))
	mustPlace(t, x, limitOrder("bid2", carol, book.Buy, 9_500, 5))

	// Alice parks a sell stop below the market.
	stop := &book.Order{ID: "stop", Owner: alice, Symbol: sym, Side: book.Sell, Type: book.Stop, TIF: book.GTC, StopPrice: 9_600, Bound: 9_400, Qty: 5}
	mustPlace(t, x, stop)
	if acc := x.GetAccount(alice); acc.Locked == 0 {
		t.Fatal("parked stop must hold a reservation")
	}

	// Bob trades through the trigger: sells 5 into the 9600 bid.
	hit := limitOrder("hit", bob, book.Sell, 9_600, 5)
	hit.TIF = book.IOC
	mustPlace(t, x, hit)

	// The stop armed, converted to a market IOC order, and filled the 9500
	// bid inside its bound.
	pos, ok := x.positions.ActiveFor(alice, sym)
	if !ok || pos.Size != -5 || pos.EntryPrice != 9_500 {
		t.Fatalf("stop position = %+v, want short 5@9500", pos)
	}
	if _, err := x.GetOrder(sym, "stop"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("armed stop should leave the book, got %v", err)
	}
	mkt, _ := x.GetMarket(sym)
	if mkt.LastTradePrice != 9_500 {
		t.Errorf("last trade = %d, want 9500 from the stop fill", mkt.LastTradePrice)
	}
	if err := x.ledger.Validate(alice); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestMarkPriceLiquidation(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 5_100)
	x.Deposit(bob, 20_000)

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 10_000, 10)
	sell.TIF = book.IOC
	mustPlace(t, x, sell)

	// Alice: long 10@10000 on 5000 margin. At 9500 equity hits zero.
	if err := x.UpdateMarkPrice(sym, 9_500); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if _, ok := x.positions.ActiveFor(alice, sym); ok {
		t.Fatal("alice should be liquidated")
	}
	if _, ok := x.positions.ActiveFor(bob, sym); !ok {
		t.Error("bob's profitable short must survive")
	}
	acc := x.GetAccount(alice)
	if acc.Locked != 0 {
		t.Errorf("alice locked = %d, want 0", acc.Locked)
	}
	// Trade fees 40, then 5000 margin seized minus 230 fee shortfall.
	if fund := x.InsuranceFund(); fund != 4_810 {
		t.Errorf("fund = %d, want 4810", fund)
	}
	if err := x.ledger.Validate(alice); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestSettlementLifecycle(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)
	x.Deposit(bob, 10_000)

	// Entry at 3000 ($30.00): alice long 10, bob short 10.
	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 3_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 3_000, 10)
	sell.TIF = book.IOC
	mustPlace(t, x, sell)

	// A leftover resting order to verify end-of-trading cancellation.
	mustPlace(t, x, limitOrder("stale", alice, book.Buy, 2_900, 5))

	// Trading ends.
	clock.Advance(time.Hour + time.Minute)
	x.Tick()
	mkt, _ := x.GetMarket(sym)
	if mkt.State != market.TradingEnded {
		t.Fatalf("state = %s, want TradingEnded", mkt.State)
	}
	if _, err := x.GetOrder(sym, "stale"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("resting orders should cancel at end of trading, got %v", err)
	}
	if _, err := x.PlaceOrder(limitOrder("late", alice, book.Buy, 3_000, 1)); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("want ErrMarketClosed, got %v", err)
	}

	// Settlement time: the request opens automatically.
	clock.Advance(time.Hour)
	x.Tick()
	mkt, _ = x.GetMarket(sym)
	if mkt.State != market.SettlementRequested {
		t.Fatalf("state = %s, want SettlementRequested", mkt.State)
	}

	// Oracle proposes 32.50, nobody challenges.
	if err := x.ProposeSettlement(sym, decimal.RequireFromString("32.50"), carol); err != nil {
		t.Fatalf("propose: %v", err)
	}
	// Not finalizable inside the challenge window.
	if err := x.Settle(sym, common.Address{}); !errors.Is(err, ErrNotFinalizable) {
		t.Fatalf("early settle: want ErrNotFinalizable, got %v", err)
	}

	clock.Advance(25 * time.Hour)
	x.Tick()

	mkt, _ = x.GetMarket(sym)
	if mkt.State != market.Settled {
		t.Fatalf("state = %s, want Settled", mkt.State)
	}
	if mkt.MarkPrice != 3_250 {
		t.Errorf("final mark = %d, want 3250", mkt.MarkPrice)
	}

	// Long realizes (3250-3000)*10 = +2500, short the mirror image.
	accA := x.GetAccount(alice)
	if accA.Locked != 0 || accA.RealizedPnL != 2_500 {
		t.Errorf("alice: locked=%d pnl=%d, want 0/2500", accA.Locked, accA.RealizedPnL)
	}
	if accA.Available != 12_503 {
		t.Errorf("alice available = %d, want 12503 (deposit + pnl + rebate)", accA.Available)
	}
	accB := x.GetAccount(bob)
	if accB.Locked != 0 || accB.RealizedPnL != -2_500 {
		t.Errorf("bob: locked=%d pnl=%d, want 0/-2500", accB.Locked, accB.RealizedPnL)
	}
	if _, ok := x.positions.ActiveFor(alice, sym); ok {
		t.Error("settled positions must be inactive")
	}

	// Settlement happens exactly once.
	if err := x.Settle(sym, common.Address{}); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("double settle: want ErrAlreadySettled, got %v", err)
	}
	for _, a := range []common.Address{alice, bob} {
		if err := x.ledger.Validate(a); err != nil {
			t.Errorf("conservation for %s: %v", a.Hex(), err)
		}
	}
}

func TestChallengeFlowThroughRouter(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)

	clock.Advance(2*time.Hour + time.Minute)
	x.Tick() // -> TradingEnded
	x.Tick() // -> SettlementRequested

	if err := x.ProposeSettlement(sym, decimal.RequireFromString("32.50"), carol); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := x.ChallengeSettlement(sym, decimal.RequireFromString("31.00"), bob); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if err := x.ChallengeSettlement(sym, decimal.RequireFromString("30.00"), alice); !errors.Is(err, ErrAlreadyChallenged) {
		t.Errorf("second challenge: want ErrAlreadyChallenged, got %v", err)
	}

	// Dispute blocks the auto sweep indefinitely.
	clock.Advance(48 * time.Hour)
	x.Tick()
	if mkt, _ := x.GetMarket(sym); mkt.State != market.SettlementRequested {
		t.Fatalf("disputed market must not settle, state = %s", mkt.State)
	}

	if err := x.ResolveSettlement(sym, decimal.RequireFromString("31.75")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	x.Tick()
	mkt, _ := x.GetMarket(sym)
	if mkt.State != market.Settled || mkt.MarkPrice != 3_175 {
		t.Errorf("state=%s mark=%d, want Settled/3175", mkt.State, mkt.MarkPrice)
	}
}

func TestDepthAndStats(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 100_000)

	mustPlace(t, x, limitOrder("b1", alice, book.Buy, 9_900, 5))
	mustPlace(t, x, limitOrder("b2", alice, book.Buy, 9_800, 3))
	mustPlace(t, x, limitOrder("a1", alice, book.Sell, 10_100, 4))

	bids, asks, err := x.Depth(sym)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(bids) != 2 || bids[0].Price != 9_900 || bids[0].Qty != 5 {
		t.Errorf("bids = %+v", bids)
	}
	if len(asks) != 1 || asks[0].Price != 10_100 {
		t.Errorf("asks = %+v", asks)
	}

	stats, err := x.MarketStats(sym)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.BestBid != 9_900 || stats.BestAsk != 10_100 || stats.MidPrice != 10_000 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEventsPublished(t *testing.T) {
	clock := util.NewManualClock(t0)
	x := newTestExchange(t, clock)
	newTestMarket(t, x, clock)
	x.Deposit(alice, 10_000)
	x.Deposit(bob, 10_000)

	events, cancel := x.Bus().Subscribe(64)
	defer cancel()

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 10_000, 10)
	sell.TIF = book.IOC
	mustPlace(t, x, sell)

	seen := map[EventType]bool{}
	for {
		select {
		case evt := <-events:
			seen[evt.Type] = true
		default:
			if !seen[EventOrderPlaced] || !seen[EventTradeExecuted] || !seen[EventPriceUpdated] {
				t.Errorf("missing events, saw %v", seen)
			}
			return
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := util.NewManualClock(t0)

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	x := NewExchange(Options{Store: st, Clock: clock, ChallengeWindow: 24 * time.Hour})
	p := market.DefaultParams(clock.Now())
	if _, err := x.CreateMarket(sym, "WTI", "USD", p); err != nil {
		t.Fatalf("create market: %v", err)
	}
	x.Deposit(alice, 10_000)
	x.Deposit(bob, 10_000)

	mustPlace(t, x, limitOrder("bid", alice, book.Buy, 10_000, 10))
	sell := limitOrder("ask", bob, book.Sell, 10_000, 4)
	sell.TIF = book.IOC
	mustPlace(t, x, sell)
	mustPlace(t, x, limitOrder("resting", bob, book.Sell, 10_200, 3))
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Reboot from disk.
	st2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	x2 := NewExchange(Options{Store: st2, Clock: clock, ChallengeWindow: 24 * time.Hour})
	if err := x2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	acc := x2.GetAccount(alice)
	want := x.GetAccount(alice)
	if acc.Available != want.Available || acc.Locked != want.Locked {
		t.Errorf("restored account = %+v, want %+v", acc, want)
	}

	pos, ok := x2.positions.ActiveFor(alice, sym)
	if !ok || pos.Size != 4 || pos.EntryPrice != 10_000 {
		t.Errorf("restored position = %+v, want long 4@10000", pos)
	}

	// The partially filled bid and the resting ask both survive.
	o, err := x2.GetOrder(sym, "bid")
	if err != nil || o.Remaining() != 6 {
		t.Errorf("restored bid remaining = %d (err %v), want 6", o.Remaining(), err)
	}
	if _, err := x2.GetOrder(sym, "resting"); err != nil {
		t.Errorf("restored ask missing: %v", err)
	}

	bids, asks, _ := x2.Depth(sym)
	if len(bids) != 1 || bids[0].Qty != 6 || len(asks) != 1 || asks[0].Qty != 3 {
		t.Errorf("restored depth bids=%+v asks=%+v", bids, asks)
	}

	trades, err := x2.RecentTrades(sym, 10)
	if err != nil || len(trades) != 1 || trades[0].Qty != 4 {
		t.Errorf("restored trades = %+v (err %v), want one 4@10000", trades, err)
	}
}

// Two bids resting at the same price with the same millisecond timestamp
// must keep their arrival order across a reboot; the wall clock alone
// cannot order them, the persisted sequence number can.
func TestRestartKeepsSameMillisecondPriority(t *testing.T) {
	dir := t.TempDir()
	clock := util.NewManualClock(t0)

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	x := NewExchange(Options{Store: st, Clock: clock, ChallengeWindow: 24 * time.Hour})
	p := market.DefaultParams(clock.Now())
	if _, err := x.CreateMarket(sym, "WTI", "USD", p); err != nil {
		t.Fatalf("create market: %v", err)
	}
	x.Deposit(alice, 100_000)
	x.Deposit(bob, 100_000)
	x.Deposit(carol, 100_000)

	// The manual clock stands still, so both bids share a timestamp.
	mustPlace(t, x, limitOrder("first", alice, book.Buy, 10_000, 5))
	mustPlace(t, x, limitOrder("second", bob, book.Buy, 10_000, 5))
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	x2 := NewExchange(Options{Store: st2, Clock: clock, ChallengeWindow: 24 * time.Hour})
	if err := x2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	taker := limitOrder("taker", carol, book.Sell, 10_000, 5)
	taker.TIF = book.IOC
	fills := mustPlace(t, x2, taker)
	if len(fills) != 1 || fills[0].MakerOrder != "first" {
		t.Fatalf("restored fill priority = %+v, want maker first", fills)
	}
}
