// Package core routes every exchange operation through a per-market lock so
// each market sees a strict serial order of placements, cancels, price
// updates, and settlement steps. The leaf packages (book, collateral,
// position, margin, settlement) hold the mechanics; this package owns the
// margin reservation protocol that makes a placement atomic: collateral is
// locked once up front at the worst executable price, and every partial
// fill provably consumes no more than its share of that reservation.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclearing/margincore/pkg/core/book"
	"github.com/openclearing/margincore/pkg/core/collateral"
	"github.com/openclearing/margincore/pkg/core/margin"
	"github.com/openclearing/margincore/pkg/core/market"
	"github.com/openclearing/margincore/pkg/core/position"
	"github.com/openclearing/margincore/pkg/core/settlement"
	"github.com/openclearing/margincore/pkg/core/store"
	"github.com/openclearing/margincore/pkg/metrics"
	"github.com/openclearing/margincore/pkg/util"
)

// Exchange is the engine facade: one collateral ledger and position table
// shared across markets, one book and one serialization lock per market.
type Exchange struct {
	markets   *market.Registry
	ledger    *collateral.Ledger
	positions *position.Ledger
	liq       *margin.Engine
	bridge    *settlement.Bridge

	mu    sync.RWMutex // guards books and locks maps
	books map[string]*book.Book
	locks map[string]*sync.Mutex

	store *store.Store // nil runs in-memory only
	bus   *EventBus
	clock util.Clock
	log   *zap.Logger
}

// Options configures a new Exchange. Zero values get safe defaults; a nil
// Store disables persistence.
type Options struct {
	Store           *store.Store
	ChallengeWindow time.Duration
	Settler         common.Address
	Clock           util.Clock
	Logger          *zap.Logger
}

const defaultChallengeWindow = 24 * time.Hour

func NewExchange(opts Options) *Exchange {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChallengeWindow <= 0 {
		opts.ChallengeWindow = defaultChallengeWindow
	}

	e := &Exchange{
		markets:   market.NewRegistry(),
		ledger:    collateral.NewLedger(),
		positions: position.NewLedger(),
		books:     make(map[string]*book.Book),
		locks:     make(map[string]*sync.Mutex),
		store:     opts.Store,
		bus:       NewEventBus(),
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	e.liq = margin.NewEngine(e.positions, e.ledger, opts.Logger)
	e.bridge = settlement.NewBridge(e.markets, opts.ChallengeWindow, opts.Settler, opts.Logger)
	return e
}

// Load restores accounts, markets, positions, open orders, and settlement
// records from the store. Must run before the exchange serves traffic.
func (e *Exchange) Load() error {
	if e.store == nil {
		return nil
	}

	accounts, err := e.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, acc := range accounts {
		if err := e.ledger.Restore(acc); err != nil {
			return fmt.Errorf("restore account %s: %w", acc.Address.Hex(), err)
		}
	}
	fund, err := e.store.LoadFund()
	if err != nil {
		return fmt.Errorf("load fund: %w", err)
	}
	e.ledger.RestoreFund(fund)

	markets, err := e.store.LoadMarkets()
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for _, mkt := range markets {
		if err := e.markets.Register(mkt); err != nil {
			return err
		}
		bk := book.New(mkt.Symbol)
		e.books[mkt.Symbol] = bk
		e.locks[mkt.Symbol] = &sync.Mutex{}

		orders, err := e.store.LoadOpenOrders(mkt.Symbol)
		if err != nil {
			return fmt.Errorf("load orders for %s: %w", mkt.Symbol, err)
		}
		for _, o := range orders {
			bk.Restore(o)
		}
	}

	positions, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		e.positions.Restore(p)
	}

	recs, err := e.store.LoadSettlements()
	if err != nil {
		return fmt.Errorf("load settlements: %w", err)
	}
	for _, rec := range recs {
		e.bridge.Restore(rec)
	}

	e.log.Info("state restored",
		zap.Int("accounts", len(accounts)),
		zap.Int("markets", len(markets)),
		zap.Int("positions", len(positions)))
	return nil
}

// Bus exposes the event stream for the API layer.
func (e *Exchange) Bus() *EventBus { return e.bus }

// CreateMarket registers a market and allocates its book.
func (e *Exchange) CreateMarket(symbol, base, quote string, p market.Params) (*market.Market, error) {
	mkt, err := market.New(symbol, base, quote, p, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := e.markets.Register(mkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.mu.Lock()
	e.books[symbol] = book.New(symbol)
	e.locks[symbol] = &sync.Mutex{}
	e.mu.Unlock()

	e.persist(func(b *store.Batch) error { return b.SaveMarket(mkt) })
	e.log.Info("market created",
		zap.String("symbol", symbol),
		zap.Int64("tick_size", mkt.TickSize),
		zap.Int64("max_leverage", mkt.MaxLeverage))
	return mkt, nil
}

// marketFor resolves a symbol to its market, book, and serialization lock.
func (e *Exchange) marketFor(symbol string) (*market.Market, *book.Book, *sync.Mutex, error) {
	mkt, err := e.markets.Get(symbol)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	e.mu.RLock()
	bk, lk := e.books[symbol], e.locks[symbol]
	e.mu.RUnlock()
	if bk == nil || lk == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return mkt, bk, lk, nil
}

// Deposit credits a trader's collateral.
func (e *Exchange) Deposit(addr common.Address, amount int64) error {
	if err := e.ledger.Deposit(addr, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.persistAccount(addr)
	return nil
}

// Withdraw debits free collateral. Locked margin is never withdrawable.
func (e *Exchange) Withdraw(addr common.Address, amount int64) error {
	if err := e.ledger.Withdraw(addr, amount); err != nil {
		if errors.Is(err, collateral.ErrInsufficient) {
			return fmt.Errorf("%w: %v", ErrInsufficientCollateral, err)
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.persistAccount(addr)
	return nil
}

// PlaceOrder reserves margin, runs the order through the book, and applies
// every fill to both parties' positions and collateral. The reservation is
// the only step that can fail under the trader's control: once it holds,
// all fills commit.
func (e *Exchange) PlaceOrder(o *book.Order) ([]book.Fill, error) {
	mkt, bk, lk, err := e.marketFor(o.Symbol)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	if !mkt.Trading() {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketClosed, mkt.Symbol, mkt.State)
	}

	// Lapsed GTD orders release their margin before new flow arrives.
	e.releaseOrders(bk.ExpireDue(now), EventOrderExpired, now)

	return e.placeLocked(mkt, bk, o, now)
}

// placeLocked is the placement path under the market lock.
func (e *Exchange) placeLocked(mkt *market.Market, bk *book.Book, o *book.Order, now time.Time) ([]book.Fill, error) {
	nowMs := now.UnixMilli()

	if o.ReduceOnly {
		if err := e.checkReduceOnly(o); err != nil {
			return nil, err
		}
	}

	unit := e.unitMargin(o, mkt, bk)
	total := unit * o.Qty
	if err := e.ledger.Lock(o.Owner, total); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientCollateral, err)
	}
	o.UnitMargin = unit
	o.LockedMargin = total

	fills, err := bk.Place(o, mkt, now)
	if err != nil {
		// Nothing matched; the reservation comes straight back.
		if uerr := e.ledger.Unlock(o.Owner, o.LockedMargin); uerr != nil {
			e.log.Error("release after rejected order", zap.Error(uerr))
		}
		o.LockedMargin = 0
		o.UnitMargin = 0
		metrics.OrdersRejected.WithLabelValues(o.Symbol).Inc()
		if errors.Is(err, book.ErrBound) {
			return nil, fmt.Errorf("%w: %v", ErrPriceBound, err)
		}
		if errors.Is(err, book.ErrNoDepth) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := e.settleFills(mkt, o, fills, nowMs); err != nil {
		return nil, err
	}
	e.releaseRemainder(o)
	e.releaseOrders(bk.DrainExpired(), EventOrderExpired, now)

	metrics.OrdersPlaced.WithLabelValues(o.Symbol, o.Type.String()).Inc()
	e.bus.Emit(EventOrderPlaced, o.Symbol, now, *o)

	if len(fills) > 0 {
		e.advancePrice(mkt, fills[len(fills)-1].Price, now)
		e.afterPriceMove(mkt, bk, now)
	}

	e.persist(func(b *store.Batch) error {
		if err := b.SaveOrder(o); err != nil {
			return err
		}
		return e.saveTradeState(b, mkt, fills)
	})
	return fills, nil
}

// checkReduceOnly rejects reduce-only orders that could open or flip
// exposure. Reduce-only flow must be immediate (IOC or FOK): a resting
// reduce-only order could outlive the position it reduces.
func (e *Exchange) checkReduceOnly(o *book.Order) error {
	if o.TIF != book.IOC && o.TIF != book.FOK {
		return fmt.Errorf("%w: reduce-only orders must be IOC or FOK", ErrValidation)
	}
	pos, ok := e.positions.ActiveFor(o.Owner, o.Symbol)
	if !ok {
		return fmt.Errorf("%w: no position to reduce in %s", ErrPositionNotFound, o.Symbol)
	}
	closing := (pos.Size > 0 && o.Side == book.Sell) || (pos.Size < 0 && o.Side == book.Buy)
	if !closing {
		return fmt.Errorf("%w: reduce-only order on the position's side", ErrValidation)
	}
	if o.Qty > pos.AbsSize() {
		return fmt.Errorf("%w: reduce-only quantity %d exceeds position size %d", ErrValidation, o.Qty, pos.AbsSize())
	}
	return nil
}

// unitMargin is the per-unit collateral reservation for an order: initial
// margin plus taker-fee headroom at the worst price the order can fill at.
// Buys never fill above their limit or bound. Sells fill between their
// limit and the best bid at execution time, so the live best bid caps the
// sell-side fill price under per-market serialization. Parked stops use
// their trigger as an extra bound and are topped up at injection if the
// book has moved beyond it.
func (e *Exchange) unitMargin(o *book.Order, mkt *market.Market, bk *book.Book) int64 {
	px := o.Price
	if px == 0 {
		px = o.Bound
	}
	if o.Side == book.Sell {
		if bb := bk.BestBid(); bb > px {
			px = bb
		}
	}
	if (o.Type == book.Stop || o.Type == book.StopLimit) && o.StopPrice > px {
		px = o.StopPrice
	}
	if o.ReduceOnly {
		// Closing flow needs fee headroom only; the position's own margin
		// absorbs any realized loss.
		return mkt.TakerFee(px, 1)
	}
	return mkt.RequiredInitialMargin(px, 1) + mkt.TakerFee(px, 1)
}

// settleFills applies each fill to both parties. Maker records come from
// the fill's back-reference since filled makers have left the book.
func (e *Exchange) settleFills(mkt *market.Market, taker *book.Order, fills []book.Fill, nowMs int64) error {
	for i := range fills {
		f := &fills[i]
		if err := e.applyFillSide(mkt, taker, f.TakerSide == book.Buy, f.Price, f.Qty, f.TakerFee, nowMs); err != nil {
			return fmt.Errorf("taker fill: %w", err)
		}
		maker := f.MakerRef()
		if err := e.applyFillSide(mkt, maker, f.TakerSide == book.Sell, f.Price, f.Qty, f.MakerFee, nowMs); err != nil {
			return fmt.Errorf("maker fill: %w", err)
		}
		if maker.IsClosed() {
			e.releaseRemainder(maker)
		}

		metrics.TradesExecuted.WithLabelValues(f.Symbol).Inc()
		metrics.TradedVolume.WithLabelValues(f.Symbol).Add(float64(f.Qty))
		e.bus.Publish(Event{Type: EventTradeExecuted, Symbol: f.Symbol, Timestamp: f.Timestamp, Payload: *f})
	}
	return nil
}

// applyFillSide commits one side of one fill. The order's reservation
// covers initial margin for any opened quantity plus the fee, both computed
// per unit at a price no better than the reservation price, so the ledger
// settlement below succeeds by construction. Collateral moves first, in one
// atomic ledger operation; the position mutation that follows cannot fail
// for the guarded inputs, so a fill never half-commits.
func (e *Exchange) applyFillSide(mkt *market.Market, o *book.Order, bought bool, price, qty, fee, nowMs int64) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("malformed fill: qty %d price %d", qty, price)
	}
	release := o.UnitMargin * qty

	sizeDelta := qty
	if !bought {
		sizeDelta = -qty
	}

	// Quantity that opens new exposure, after netting against an opposite
	// position: it alone needs initial margin at the fill price. The closed
	// portion's outcome is read off the same snapshot, which stays valid
	// because only this market's lock holder mutates its positions.
	openedQty := qty
	var realized, freed int64
	if prior, ok := e.positions.ActiveFor(o.Owner, mkt.Symbol); ok {
		switch {
		case (prior.Size > 0) == bought:
			// extends, full quantity opens
		case prior.AbsSize() >= qty:
			openedQty = 0
		default:
			openedQty = qty - prior.AbsSize()
		}
		realized, freed = prior.CloseOutcome(sizeDelta, price)
	}
	im := mkt.RequiredInitialMargin(price, openedQty)

	// The reservation slice beyond what stays attached to the position
	// returns to available together with margin freed by the closed portion,
	// the fee is charged, and PnL lands, all in one ledger movement.
	if _, err := e.ledger.SettleFill(o.Owner, release-im+freed, fee, realized); err != nil {
		return err
	}
	o.LockedMargin -= release
	e.ledger.FundCredit(fee)

	if _, err := e.positions.ApplyFill(o.Owner, mkt.Symbol, sizeDelta, price, im, nowMs); err != nil {
		return fmt.Errorf("position apply after collateral settle: %w", err)
	}
	return nil
}

// releaseRemainder returns the margin still reserved for an order that no
// longer rests (filled, cancelled remainder, rejected).
func (e *Exchange) releaseRemainder(o *book.Order) {
	if !o.IsClosed() || o.LockedMargin <= 0 {
		return
	}
	if err := e.ledger.Unlock(o.Owner, o.LockedMargin); err != nil {
		e.log.Error("release order margin",
			zap.String("order", o.ID),
			zap.Error(err))
		return
	}
	o.LockedMargin = 0
}

// releaseOrders unwinds margin for a batch of removed orders and reports
// them downstream.
func (e *Exchange) releaseOrders(orders []*book.Order, evt EventType, now time.Time) {
	for _, o := range orders {
		e.releaseRemainder(o)
		metrics.OrdersCancelled.WithLabelValues(o.Symbol).Inc()
		e.bus.Emit(evt, o.Symbol, now, *o)
		e.persist(func(b *store.Batch) error {
			if err := b.SaveOrder(o); err != nil {
				return err
			}
			return b.SaveAccount(accountPtr(e.ledger.Get(o.Owner)))
		})
	}
}

// advancePrice records a new last-trade price; the mark follows it.
func (e *Exchange) advancePrice(mkt *market.Market, price int64, now time.Time) {
	mkt.LastTradePrice = price
	mkt.MarkPrice = price
	metrics.MarkPrice.WithLabelValues(mkt.Symbol).Set(float64(price))
	e.bus.Emit(EventPriceUpdated, mkt.Symbol, now, price)
}

// afterPriceMove runs everything a new price can set off: stop triggers
// (which can cascade as their own fills move the price again) and the
// liquidation sweep. Runs under the market lock.
func (e *Exchange) afterPriceMove(mkt *market.Market, bk *book.Book, now time.Time) {
	for {
		armed := bk.ArmStops(mkt.LastTradePrice)
		if len(armed) == 0 {
			break
		}
		for _, o := range armed {
			e.injectTriggered(mkt, bk, o, now)
		}
	}
	e.releaseOrders(bk.DrainExpired(), EventOrderExpired, now)
	e.sweepLiquidations(mkt, now)
	metrics.OpenInterest.WithLabelValues(mkt.Symbol).Set(float64(e.positions.OpenInterest(mkt.Symbol)))
}

// injectTriggered re-enters a triggered stop as the market or limit order
// it converted into. The original reservation was priced at the trigger; if
// the book has moved past it the difference is topped up first, and a stop
// the trader can no longer fund is dropped with its margin returned.
func (e *Exchange) injectTriggered(mkt *market.Market, bk *book.Book, o *book.Order, now time.Time) {
	drop := func(reason error) {
		o.Status = book.StatusCancelled
		e.releaseRemainder(o)
		metrics.OrdersCancelled.WithLabelValues(o.Symbol).Inc()
		e.bus.Emit(EventOrderCancelled, o.Symbol, now, *o)
		e.log.Warn("triggered stop dropped",
			zap.String("order", o.ID),
			zap.Error(reason))
	}

	if unit := e.unitMargin(o, mkt, bk); unit > o.UnitMargin {
		topUp := (unit - o.UnitMargin) * o.Remaining()
		if err := e.ledger.Lock(o.Owner, topUp); err != nil {
			drop(err)
			return
		}
		o.UnitMargin = unit
		o.LockedMargin += topUp
	}

	fills, err := bk.Place(o, mkt, now)
	if err != nil {
		drop(err)
		return
	}
	if err := e.settleFills(mkt, o, fills, now.UnixMilli()); err != nil {
		e.log.Error("triggered stop fills", zap.Error(err))
		return
	}
	e.releaseRemainder(o)
	e.bus.Emit(EventStopTriggered, o.Symbol, now, *o)

	if len(fills) > 0 {
		e.advancePrice(mkt, fills[len(fills)-1].Price, now)
	}
	e.persist(func(b *store.Batch) error {
		if err := b.SaveOrder(o); err != nil {
			return err
		}
		return e.saveTradeState(b, mkt, fills)
	})
}

// sweepLiquidations force-closes insolvent positions at the mark price and
// reports the results.
func (e *Exchange) sweepLiquidations(mkt *market.Market, now time.Time) {
	results := e.liq.Sweep(mkt, mkt.MarkPrice, now.UnixMilli())
	for _, r := range results {
		metrics.Liquidations.WithLabelValues(r.Symbol, string(r.Method)).Inc()
		if r.Shortfall > 0 {
			metrics.SocializedLoss.Add(float64(r.Shortfall))
		}
		e.bus.Emit(EventLiquidationCompleted, r.Symbol, now, r)
		e.persistTrader(r.Trader)
	}
	if len(results) > 0 {
		metrics.InsuranceFund.Set(float64(e.ledger.FundBalance()))
	}
}

// CancelOrder removes a resting or parked order and returns its margin.
func (e *Exchange) CancelOrder(symbol, orderID string, caller common.Address) (*book.Order, error) {
	_, bk, lk, err := e.marketFor(symbol)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	o, err := bk.Cancel(orderID, caller, now)
	if err != nil {
		if errors.Is(err, book.ErrNotOwner) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	e.releaseRemainder(o)
	metrics.OrdersCancelled.WithLabelValues(symbol).Inc()
	e.bus.Emit(EventOrderCancelled, symbol, now, *o)
	e.persist(func(b *store.Batch) error {
		if err := b.SaveOrder(o); err != nil {
			return err
		}
		return b.SaveAccount(accountPtr(e.ledger.Get(o.Owner)))
	})
	return o, nil
}

// ClosePosition exits qty of the trader's position with a reduce-only
// fill-or-kill market order: either the whole requested size closes in one
// atomic sweep of the book, or nothing changes. qty == 0 closes the full
// position. A non-zero bound is the caller's worst acceptable price; fills
// past it reject the whole close. bound == 0 derives the bound from
// visible depth. Returns the PnL realized on the closed quantity.
func (e *Exchange) ClosePosition(owner common.Address, symbol string, qty, bound int64) (int64, []book.Fill, error) {
	mkt, bk, lk, err := e.marketFor(symbol)
	if err != nil {
		return 0, nil, err
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	if !mkt.Trading() {
		return 0, nil, fmt.Errorf("%w: %s is %s", ErrMarketClosed, symbol, mkt.State)
	}

	pos, ok := e.positions.ActiveFor(owner, symbol)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s has no position in %s", ErrPositionNotFound, owner.Hex(), symbol)
	}
	if qty == 0 {
		qty = pos.AbsSize()
	}
	if qty < 0 || qty > pos.AbsSize() {
		return 0, nil, fmt.Errorf("%w: close qty %d exceeds position size %d", ErrValidation, qty, pos.AbsSize())
	}

	side := book.Sell
	if pos.Size < 0 {
		side = book.Buy
	}
	if bound == 0 {
		if bound, err = worstBound(bk, side, qty, now); err != nil {
			return 0, nil, err
		}
	}

	o := &book.Order{
		ID:         uuid.NewString(),
		Owner:      owner,
		Symbol:     symbol,
		Side:       side,
		Type:       book.Market,
		TIF:        book.FOK,
		Bound:      bound,
		Qty:        qty,
		ReduceOnly: true,
	}
	fills, err := e.placeLocked(mkt, bk, o, now)
	if err != nil {
		return 0, nil, err
	}

	// Every fill closes against the snapshot's entry price; reduce-only
	// orders never flip, so this is exactly what the ledger realized.
	sgn := int64(1)
	if pos.Size < 0 {
		sgn = -1
	}
	var realized int64
	for _, f := range fills {
		realized += (f.Price - pos.EntryPrice) * f.Qty * sgn
	}
	return realized, fills, nil
}

// worstBound walks visible depth to find the deepest price level needed to
// fill qty, which becomes the market order's worst-acceptable bound.
func worstBound(bk *book.Book, side book.Side, qty int64, now time.Time) (int64, error) {
	levels := bk.AskLevels()
	if side == book.Sell {
		levels = bk.BidLevels()
	}
	var acc int64
	for _, lvl := range levels {
		acc += lvl.Qty
		if acc >= qty {
			return lvl.Price, nil
		}
	}
	// Hidden iceberg depth may still cover it; fall back to the last level.
	if len(levels) > 0 {
		last := levels[len(levels)-1].Price
		if bk.FillableQty(side, last, now) >= qty {
			return last, nil
		}
	}
	return 0, fmt.Errorf("%w: book depth %d below %d", ErrInsufficientLiquidity, acc, qty)
}

// UpdateMarkPrice applies an external mark and sweeps liquidations against
// it. Stops key off trade prices, not the mark.
func (e *Exchange) UpdateMarkPrice(symbol string, price int64) error {
	mkt, _, lk, err := e.marketFor(symbol)
	if err != nil {
		return err
	}
	if price <= 0 {
		return fmt.Errorf("%w: mark price must be positive", ErrValidation)
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	mkt.MarkPrice = price
	metrics.MarkPrice.WithLabelValues(symbol).Set(float64(price))
	e.bus.Emit(EventPriceUpdated, symbol, now, price)
	e.sweepLiquidations(mkt, now)
	e.persist(func(b *store.Batch) error { return b.SaveMarket(mkt) })
	return nil
}

// Tick drives clock-based transitions for every market: GTD expiry, end of
// trading, the settlement request, and auto-finalization.
func (e *Exchange) Tick() {
	now := e.clock.Now()
	for _, mkt := range e.markets.List() {
		e.tickMarket(mkt, now)
	}
}

func (e *Exchange) tickMarket(mkt *market.Market, now time.Time) {
	_, bk, lk, err := e.marketFor(mkt.Symbol)
	if err != nil {
		return
	}
	lk.Lock()
	defer lk.Unlock()

	switch mkt.State {
	case market.Active:
		e.releaseOrders(bk.ExpireDue(now), EventOrderExpired, now)
		if now.UnixMilli() >= mkt.TradingEndsAt {
			if err := e.bridge.EndTrading(mkt.Symbol, now); err != nil {
				e.log.Error("end trading", zap.String("symbol", mkt.Symbol), zap.Error(err))
				return
			}
			e.releaseOrders(bk.RemoveAll(), EventOrderCancelled, now)
			e.bus.Emit(EventMarketStateChanged, mkt.Symbol, now, mkt.State)
			e.persist(func(b *store.Batch) error { return b.SaveMarket(mkt) })
		}

	case market.TradingEnded:
		if !mkt.AutoSettle || now.UnixMilli() < mkt.SettlesAt {
			return
		}
		rec, err := e.bridge.RequestValue(mkt.Symbol, now)
		if err != nil {
			e.log.Error("request settlement", zap.String("symbol", mkt.Symbol), zap.Error(err))
			return
		}
		e.bus.Emit(EventMarketStateChanged, mkt.Symbol, now, mkt.State)
		e.persist(func(b *store.Batch) error {
			if err := b.SaveMarket(mkt); err != nil {
				return err
			}
			return b.SaveSettlement(rec)
		})

	case market.SettlementRequested:
		if !mkt.AutoSettle {
			return
		}
		rec, ok := e.bridge.Get(mkt.Symbol)
		if !ok || !rec.Finalizable(now) {
			return
		}
		if err := e.settleLocked(mkt, common.Address{}, now); err != nil {
			e.log.Error("auto settle", zap.String("symbol", mkt.Symbol), zap.Error(err))
		}
	}
}

// RequestSettlement opens the oracle request for a manual-settle market.
func (e *Exchange) RequestSettlement(symbol string) error {
	mkt, _, lk, err := e.marketFor(symbol)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	rec, err := e.bridge.RequestValue(symbol, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.bus.Emit(EventMarketStateChanged, symbol, now, mkt.State)
	e.persist(func(b *store.Batch) error {
		if err := b.SaveMarket(mkt); err != nil {
			return err
		}
		return b.SaveSettlement(rec)
	})
	return nil
}

// ProposeSettlement records a candidate final value.
func (e *Exchange) ProposeSettlement(symbol string, value decimal.Decimal, proposer common.Address) error {
	_, _, lk, err := e.marketFor(symbol)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	if err := e.bridge.Propose(symbol, value, proposer, now); err != nil {
		return wrapSettlementErr(err)
	}
	e.bus.Emit(EventSettlementProposed, symbol, now, value.String())
	e.persistSettlement(symbol)
	return nil
}

// ChallengeSettlement disputes the proposed value inside the challenge
// window. Only one challenge is accepted per market.
func (e *Exchange) ChallengeSettlement(symbol string, alt decimal.Decimal, challenger common.Address) error {
	_, _, lk, err := e.marketFor(symbol)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	now := e.clock.Now()
	if err := e.bridge.Challenge(symbol, alt, challenger, now); err != nil {
		return wrapSettlementErr(err)
	}
	e.bus.Emit(EventSettlementDisputed, symbol, now, alt.String())
	e.persistSettlement(symbol)
	return nil
}

// ResolveSettlement records the arbitration outcome for a disputed market.
func (e *Exchange) ResolveSettlement(symbol string, value decimal.Decimal) error {
	_, _, lk, err := e.marketFor(symbol)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if err := e.bridge.Resolve(symbol, value); err != nil {
		return wrapSettlementErr(err)
	}
	e.persistSettlement(symbol)
	return nil
}

// Settle finalizes the settlement value and pays out every open position.
func (e *Exchange) Settle(symbol string, caller common.Address) error {
	mkt, _, lk, err := e.marketFor(symbol)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()
	return e.settleLocked(mkt, caller, e.clock.Now())
}

// settleLocked accepts the final value exactly once and converts every open
// position into realized PnL at the settlement price: (final − entry) ×
// size, with the position's full margin returned.
func (e *Exchange) settleLocked(mkt *market.Market, caller common.Address, now time.Time) error {
	ticks, val, err := e.bridge.Finalize(mkt.Symbol, caller, now)
	if err != nil {
		return wrapSettlementErr(err)
	}

	settles := e.positions.SettleSymbol(mkt.Symbol, ticks, now.UnixMilli())
	for _, s := range settles {
		owner := s.Position.Owner
		// One atomic movement per trader: a payout cannot land with the
		// margin release missing, or the other way around.
		if _, err := e.ledger.SettleFill(owner, s.Freed, 0, s.Realized); err != nil {
			e.log.Error("settlement payout",
				zap.String("trader", owner.Hex()),
				zap.Error(err))
		}
		e.persistTrader(owner)
	}

	mkt.MarkPrice = ticks
	if err := mkt.Advance(market.Settled); err != nil {
		return err
	}
	metrics.OpenInterest.WithLabelValues(mkt.Symbol).Set(0)
	metrics.InsuranceFund.Set(float64(e.ledger.FundBalance()))
	e.bus.Emit(EventMarketSettled, mkt.Symbol, now, val.String())
	e.persist(func(b *store.Batch) error {
		if err := b.SaveMarket(mkt); err != nil {
			return err
		}
		if err := b.SaveFund(e.ledger.FundBalance()); err != nil {
			return err
		}
		rec, ok := e.bridge.Get(mkt.Symbol)
		if !ok {
			return nil
		}
		return b.SaveSettlement(&rec)
	})
	e.log.Info("market settled",
		zap.String("symbol", mkt.Symbol),
		zap.String("value", val.String()),
		zap.Int64("ticks", ticks),
		zap.Int("positions", len(settles)))
	return nil
}

func wrapSettlementErr(err error) error {
	switch {
	case errors.Is(err, settlement.ErrFinal):
		return fmt.Errorf("%w: %v", ErrAlreadySettled, err)
	case errors.Is(err, settlement.ErrNotFinalizable):
		return fmt.Errorf("%w: %v", ErrNotFinalizable, err)
	case errors.Is(err, settlement.ErrWindowClosed):
		return fmt.Errorf("%w: %v", ErrChallengeClosed, err)
	case errors.Is(err, settlement.ErrChallenged):
		return fmt.Errorf("%w: %v", ErrAlreadyChallenged, err)
	default:
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
}

// ---- queries ----

func (e *Exchange) GetAccount(addr common.Address) collateral.Account {
	return e.ledger.Get(addr)
}

func (e *Exchange) GetPositions(addr common.Address) []position.Position {
	return e.positions.ByOwner(addr)
}

func (e *Exchange) GetPosition(id string) (position.Position, bool) {
	return e.positions.Get(id)
}

// GetOrder returns a live (resting or parked) order.
func (e *Exchange) GetOrder(symbol, orderID string) (book.Order, error) {
	_, bk, _, err := e.marketFor(symbol)
	if err != nil {
		return book.Order{}, err
	}
	o, ok := bk.Get(orderID)
	if !ok {
		return book.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *o, nil
}

// OpenOrders returns a trader's live orders in a market.
func (e *Exchange) OpenOrders(symbol string, owner common.Address) ([]book.Order, error) {
	_, bk, _, err := e.marketFor(symbol)
	if err != nil {
		return nil, err
	}
	var out []book.Order
	for _, o := range bk.OrdersOf(owner) {
		out = append(out, *o)
	}
	return out, nil
}

// Depth returns the visible book, iceberg display slices included.
func (e *Exchange) Depth(symbol string) (bids, asks []book.PriceLevel, err error) {
	_, bk, _, err := e.marketFor(symbol)
	if err != nil {
		return nil, nil, err
	}
	return bk.BidLevels(), bk.AskLevels(), nil
}

// Stats is a per-market snapshot for API consumers.
type Stats struct {
	Symbol       string       `json:"symbol"`
	State        market.State `json:"state"`
	LastPrice    int64        `json:"last_price"`
	MarkPrice    int64        `json:"mark_price"`
	BestBid      int64        `json:"best_bid"`
	BestAsk      int64        `json:"best_ask"`
	MidPrice     int64        `json:"mid_price"`
	OpenInterest int64        `json:"open_interest"`
}

func (e *Exchange) MarketStats(symbol string) (Stats, error) {
	mkt, bk, _, err := e.marketFor(symbol)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Symbol:       symbol,
		State:        mkt.State,
		LastPrice:    mkt.LastTradePrice,
		MarkPrice:    mkt.MarkPrice,
		BestBid:      bk.BestBid(),
		BestAsk:      bk.BestAsk(),
		MidPrice:     bk.MidPrice(),
		OpenInterest: e.positions.OpenInterest(symbol),
	}, nil
}

// PriceImpact estimates the average execution price of a hypothetical
// market order over visible depth, and how much of it is fillable.
func (e *Exchange) PriceImpact(symbol string, side book.Side, qty int64) (avg, fillable int64, err error) {
	_, bk, _, err := e.marketFor(symbol)
	if err != nil {
		return 0, 0, err
	}
	avg, fillable = bk.AvgExecutionPrice(side, qty)
	return avg, fillable, nil
}

// RecentTrades reads fill history from the store, newest first.
func (e *Exchange) RecentTrades(symbol string, limit int) ([]*book.Fill, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.LoadRecentTrades(symbol, limit)
}

func (e *Exchange) ListMarkets() []*market.Market { return e.markets.List() }

func (e *Exchange) GetMarket(symbol string) (*market.Market, error) {
	mkt, err := e.markets.Get(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return mkt, nil
}

func (e *Exchange) GetSettlement(symbol string) (settlement.Record, bool) {
	return e.bridge.Get(symbol)
}

// InsuranceFund returns the fund balance; negative means socialized loss.
func (e *Exchange) InsuranceFund() int64 { return e.ledger.FundBalance() }

// ---- persistence helpers ----

func (e *Exchange) persist(fn func(b *store.Batch) error) {
	if e.store == nil {
		return
	}
	b := e.store.NewBatch()
	if err := fn(b); err != nil {
		e.log.Error("persist batch", zap.Error(err))
		b.Close()
		return
	}
	if err := b.Commit(); err != nil {
		e.log.Error("persist commit", zap.Error(err))
	}
}

func (e *Exchange) persistAccount(addr common.Address) {
	e.persist(func(b *store.Batch) error {
		return b.SaveAccount(accountPtr(e.ledger.Get(addr)))
	})
}

// persistTrader saves an account together with all its positions.
func (e *Exchange) persistTrader(addr common.Address) {
	e.persist(func(b *store.Batch) error {
		if err := b.SaveAccount(accountPtr(e.ledger.Get(addr))); err != nil {
			return err
		}
		for _, p := range e.positions.ByOwner(addr) {
			pos := p
			if err := b.SavePosition(&pos); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Exchange) persistSettlement(symbol string) {
	e.persist(func(b *store.Batch) error {
		rec, ok := e.bridge.Get(symbol)
		if !ok {
			return nil
		}
		return b.SaveSettlement(&rec)
	})
}

// saveTradeState batches everything a set of fills touched: both parties'
// accounts and positions, maker orders, the fills, the fund, the market.
func (e *Exchange) saveTradeState(b *store.Batch, mkt *market.Market, fills []book.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	touched := make(map[common.Address]bool)
	for i := range fills {
		f := &fills[i]
		touched[f.Taker] = true
		touched[f.Maker] = true
		if err := b.SaveTrade(f); err != nil {
			return err
		}
		if err := b.SaveOrder(f.MakerRef()); err != nil {
			return err
		}
	}
	for addr := range touched {
		if err := b.SaveAccount(accountPtr(e.ledger.Get(addr))); err != nil {
			return err
		}
		for _, p := range e.positions.ByOwner(addr) {
			if p.Symbol != mkt.Symbol {
				continue
			}
			pos := p
			if err := b.SavePosition(&pos); err != nil {
				return err
			}
		}
	}
	if err := b.SaveFund(e.ledger.FundBalance()); err != nil {
		return err
	}
	return b.SaveMarket(mkt)
}

func accountPtr(acc collateral.Account) *collateral.Account { return &acc }
