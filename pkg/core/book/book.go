package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"

	"github.com/openclearing/margincore/pkg/core/market"
)

var (
	// ErrNotOwner is returned when a cancel comes from anyone but the order
	// owner before expiry.
	ErrNotOwner = errors.New("not order owner")

	// ErrNoDepth is returned when a FOK order cannot be fully filled, or a
	// market order finds no eligible counter-order at all.
	ErrNoDepth = errors.New("insufficient book depth")

	// ErrBound is returned when depth exists but the order's worst-acceptable
	// price excludes all of it.
	ErrBound = errors.New("price bound excludes available depth")
)

// Book is one market's resting orders: an ID-keyed order table plus two
// sorted price-time indices. Better price first, ties broken by arrival
// sequence. All mutation happens under the router's per-market serialization;
// the internal mutex guards concurrent read-only queries.
type Book struct {
	mu sync.RWMutex

	symbol string
	bids   *btree.BTreeG[*Order] // descending price, ascending seq
	asks   *btree.BTreeG[*Order] // ascending price, ascending seq

	orders map[string]*Order // resting and parked orders by ID
	stops  map[string]*Order // parked stop / stop-limit orders

	lastPrice int64
	seq       uint64

	// GTD orders that lapsed while matching; drained by the router so their
	// margin can be released.
	expired []*Order
}

func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids: btree.NewBTreeG(func(a, b *Order) bool {
			if a.Price != b.Price {
				return a.Price > b.Price
			}
			return a.Seq < b.Seq
		}),
		asks: btree.NewBTreeG(func(a, b *Order) bool {
			if a.Price != b.Price {
				return a.Price < b.Price
			}
			return a.Seq < b.Seq
		}),
		orders: make(map[string]*Order),
		stops:  make(map[string]*Order),
	}
}

func (b *Book) Symbol() string { return b.symbol }

// Place validates the order and either parks it (stop orders), matches it
// against the opposite side, rests the remainder, or cancels it per its
// time-in-force. FOK orders leave the book untouched unless fully fillable.
func (b *Book) Place(o *Order, mkt *market.Market, now time.Time) ([]Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMs := now.UnixMilli()
	if err := b.validate(o, mkt, nowMs); err != nil {
		return nil, err
	}

	b.seq++
	o.Seq = b.seq
	o.CreatedAt = nowMs
	o.Status = StatusOpen

	// Stop orders park until the trigger price trades.
	if o.Type == Stop || o.Type == StopLimit {
		b.orders[o.ID] = o
		b.stops[o.ID] = o
		return nil, nil
	}

	if o.TIF == FOK {
		if b.fillable(o.Side, o.limitFor(), nowMs) < o.Qty {
			o.Status = StatusRejected
			if o.Type == Market && b.fillable(o.Side, anyPrice(o.Side), nowMs) >= o.Qty {
				return nil, fmt.Errorf("%w: order %s bound %d", ErrBound, o.ID, o.Bound)
			}
			return nil, fmt.Errorf("%w: FOK order %s needs %d", ErrNoDepth, o.ID, o.Qty)
		}
	}

	// A market order that cannot touch any depth rejects rather than
	// silently cancelling: either the bound shut it out or the side is empty.
	if o.Type == Market && b.fillable(o.Side, o.limitFor(), nowMs) == 0 {
		o.Status = StatusRejected
		if b.fillable(o.Side, anyPrice(o.Side), nowMs) > 0 {
			return nil, fmt.Errorf("%w: order %s bound %d", ErrBound, o.ID, o.Bound)
		}
		return nil, fmt.Errorf("%w: no resting %s-side depth", ErrNoDepth, o.Side.Opposite())
	}

	fills := b.match(o, mkt, nowMs)

	switch {
	case o.Remaining() == 0:
		o.Status = StatusFilled
	case o.Type == Market || o.TIF == IOC:
		// Market orders never rest; IOC degrades to what was available and
		// the remainder is cancelled (Filled records any partial execution).
		o.Status = StatusCancelled
	default: // GTC / GTD limit or iceberg rests
		if len(fills) > 0 {
			o.Status = StatusPartiallyFilled
		}
		b.rest(o)
	}

	return fills, nil
}

func (b *Book) validate(o *Order, mkt *market.Market, nowMs int64) error {
	if o.ID == "" {
		return fmt.Errorf("order ID required")
	}
	if _, exists := b.orders[o.ID]; exists {
		return fmt.Errorf("duplicate order ID %s", o.ID)
	}
	if err := mkt.ValidateOrder(o.Price, o.Qty); err != nil {
		return err
	}

	switch o.Type {
	case Market:
		if o.Price != 0 {
			return fmt.Errorf("market order carries a limit price")
		}
		if o.Bound <= 0 {
			return fmt.Errorf("market order requires a worst-acceptable price bound")
		}
		if o.TIF != IOC && o.TIF != FOK {
			return fmt.Errorf("market order must be IOC or FOK")
		}
	case Limit:
		if o.Price <= 0 {
			return fmt.Errorf("limit order requires a price")
		}
	case Iceberg:
		if o.Price <= 0 {
			return fmt.Errorf("iceberg order requires a price")
		}
		if o.DisplayQty <= 0 || o.DisplayQty >= o.Qty {
			return fmt.Errorf("iceberg display quantity must be positive and below total")
		}
	case Stop:
		if o.StopPrice <= 0 {
			return fmt.Errorf("stop order requires a trigger price")
		}
		if err := mkt.ValidatePrice(o.StopPrice); err != nil {
			return err
		}
		if o.Bound <= 0 {
			return fmt.Errorf("stop order requires a worst-acceptable price bound")
		}
	case StopLimit:
		if o.StopPrice <= 0 || o.Price <= 0 {
			return fmt.Errorf("stop-limit order requires trigger and limit prices")
		}
		if err := mkt.ValidatePrice(o.StopPrice); err != nil {
			return err
		}
	}

	if o.TIF == GTD {
		if o.ExpiresAt <= nowMs {
			return fmt.Errorf("GTD expiry %d is not in the future", o.ExpiresAt)
		}
	} else if o.ExpiresAt != 0 {
		return fmt.Errorf("expiry only valid for GTD orders")
	}

	return nil
}

// match walks the opposite side best-first, executing at the maker's price,
// until the taker is exhausted, depth runs out, or the price constraint stops
// being satisfied. Fill order is exactly price-time order.
func (b *Book) match(o *Order, mkt *market.Market, nowMs int64) []Fill {
	var fills []Fill

	counter := b.asks
	if o.Side == Sell {
		counter = b.bids
	}

	for o.Remaining() > 0 {
		maker, ok := counter.Min()
		if !ok {
			break
		}
		if maker.ExpiredAt(nowMs) {
			b.removeLocked(maker, StatusExpired)
			b.expired = append(b.expired, maker)
			continue
		}

		limit := o.limitFor()
		if o.Side == Buy && maker.Price > limit {
			break
		}
		if o.Side == Sell && maker.Price < limit {
			break
		}

		qty := min64(o.Remaining(), maker.Remaining())
		o.Filled += qty
		maker.Filled += qty
		b.lastPrice = maker.Price

		taker, makerAddr := o.Owner, maker.Owner
		fills = append(fills, Fill{
			Symbol:     b.symbol,
			Taker:      taker,
			Maker:      makerAddr,
			TakerOrder: o.ID,
			MakerOrder: maker.ID,
			TakerSide:  o.Side,
			Price:      maker.Price,
			Qty:        qty,
			TakerFee:   mkt.TakerFee(maker.Price, qty),
			MakerFee:   mkt.MakerFee(maker.Price, qty),
			Timestamp:  nowMs,
			makerRef:   maker,
		})

		if maker.Remaining() == 0 {
			b.removeLocked(maker, StatusFilled)
		} else {
			maker.Status = StatusPartiallyFilled
		}
	}

	return fills
}

func (b *Book) rest(o *Order) {
	b.orders[o.ID] = o
	if o.Side == Buy {
		b.bids.Set(o)
	} else {
		b.asks.Set(o)
	}
}

// Restore re-inserts a resting or parked order loaded from disk, skipping
// validation, matching, and margin handling. Orders carrying their original
// sequence number keep it, so time priority survives a restart exactly.
func (b *Book) Restore(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Seq == 0 {
		b.seq++
		o.Seq = b.seq
	} else if o.Seq > b.seq {
		b.seq = o.Seq
	}
	if o.Type == Stop || o.Type == StopLimit {
		b.orders[o.ID] = o
		b.stops[o.ID] = o
		return
	}
	b.rest(o)
}

// removeLocked takes an order out of the table and its side index.
func (b *Book) removeLocked(o *Order, status OrderStatus) {
	o.Status = status
	delete(b.orders, o.ID)
	delete(b.stops, o.ID)
	if o.Side == Buy {
		b.bids.Delete(o)
	} else {
		b.asks.Delete(o)
	}
}

// Cancel removes the unfilled remainder of a resting or parked order. Only
// the owner may cancel before expiry; after a GTD deadline anyone may.
// The removed order is returned so the caller can release its margin.
func (b *Book) Cancel(orderID string, caller common.Address, now time.Time) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, exists := b.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("order %s not found", orderID)
	}

	expired := o.ExpiredAt(now.UnixMilli())
	if o.Owner != caller && !expired {
		return nil, fmt.Errorf("%w: order %s", ErrNotOwner, orderID)
	}

	status := StatusCancelled
	if expired {
		status = StatusExpired
	}
	b.removeLocked(o, status)
	return o, nil
}

// ExpireDue removes every GTD order past its deadline and returns them.
// The router runs this before matching and on its clock sweep.
func (b *Book) ExpireDue(now time.Time) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMs := now.UnixMilli()
	var due []*Order
	for _, o := range b.orders {
		if o.ExpiredAt(nowMs) {
			due = append(due, o)
		}
	}
	for _, o := range due {
		b.removeLocked(o, StatusExpired)
	}
	return due
}

// DrainExpired returns GTD makers that lapsed mid-match since the last drain.
func (b *Book) DrainExpired() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.expired
	b.expired = nil
	return out
}

// ArmStops releases parked stop orders whose trigger has been crossed by the
// last trade price. Triggered stops become market or limit orders and are
// returned for re-injection by the router.
func (b *Book) ArmStops(lastTrade int64) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastTrade <= 0 {
		return nil
	}

	var armed []*Order
	for _, o := range b.stops {
		triggered := (o.Side == Buy && lastTrade >= o.StopPrice) ||
			(o.Side == Sell && lastTrade <= o.StopPrice)
		if triggered {
			armed = append(armed, o)
		}
	}
	for _, o := range armed {
		delete(b.stops, o.ID)
		delete(b.orders, o.ID)
		if o.Type == Stop {
			o.Type = Market
			o.TIF = IOC
		} else {
			o.Type = Limit
		}
	}
	return armed
}

// RemoveAll empties the book, cancelling every resting and parked order.
// Used when a market leaves the Active state; the removed orders are
// returned so their margin can be released.
func (b *Book) RemoveAll() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Order
	for _, o := range b.orders {
		out = append(out, o)
	}
	for _, o := range out {
		b.removeLocked(o, StatusCancelled)
	}
	return out
}

// anyPrice is the loosest possible limit for a side, used to tell "no depth
// at all" apart from "depth outside the bound".
func anyPrice(side Side) int64 {
	if side == Buy {
		return int64(1)<<62 - 1
	}
	return 1
}

// fillable sums counter-side quantity executable within limit. Hidden
// iceberg quantity counts: it participates in matching.
func (b *Book) fillable(side Side, limit int64, nowMs int64) int64 {
	counter := b.asks
	if side == Sell {
		counter = b.bids
	}
	var total int64
	counter.Scan(func(maker *Order) bool {
		if maker.ExpiredAt(nowMs) {
			return true
		}
		if side == Buy && maker.Price > limit {
			return false
		}
		if side == Sell && maker.Price < limit {
			return false
		}
		total += maker.Remaining()
		return true
	})
	return total
}

// FillableQty reports how much could execute right now within limit.
func (b *Book) FillableQty(side Side, limit int64, now time.Time) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fillable(side, limit, now.UnixMilli())
}

// Get returns a resting or parked order by ID.
func (b *Book) Get(orderID string) (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[orderID]
	return o, ok
}

// OrdersOf returns every resting or parked order owned by trader.
func (b *Book) OrdersOf(trader common.Address) []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Order
	for _, o := range b.orders {
		if o.Owner == trader {
			out = append(out, o)
		}
	}
	return out
}

// BidLevels returns visible bid depth, best first. Iceberg orders contribute
// only their display slice.
func (b *Book) BidLevels() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return levels(b.bids)
}

// AskLevels returns visible ask depth, best first.
func (b *Book) AskLevels() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return levels(b.asks)
}

func levels(tr *btree.BTreeG[*Order]) []PriceLevel {
	var out []PriceLevel
	tr.Scan(func(o *Order) bool {
		n := len(out)
		if n > 0 && out[n-1].Price == o.Price {
			out[n-1].Qty += o.Visible()
		} else {
			out = append(out, PriceLevel{Price: o.Price, Qty: o.Visible()})
		}
		return true
	})
	return out
}

// BestBid returns the highest resting bid price, zero if none.
func (b *Book) BestBid() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if o, ok := b.bids.Min(); ok {
		return o.Price
	}
	return 0
}

// BestAsk returns the lowest resting ask price, zero if none.
func (b *Book) BestAsk() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if o, ok := b.asks.Min(); ok {
		return o.Price
	}
	return 0
}

// MidPrice is the average of best bid and ask, zero when one-sided.
func (b *Book) MidPrice() int64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// LastPrice returns the most recent fill price, zero before any trade.
func (b *Book) LastPrice() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice
}

// AvgExecutionPrice estimates the volume-weighted price of executing qty
// against visible depth. Returns the estimate and how much is fillable.
func (b *Book) AvgExecutionPrice(side Side, qty int64) (int64, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counter := b.asks
	if side == Sell {
		counter = b.bids
	}

	var cost, filled int64
	counter.Scan(func(maker *Order) bool {
		take := min64(qty-filled, maker.Visible())
		cost += take * maker.Price
		filled += take
		return filled < qty
	})
	if filled == 0 {
		return 0, 0
	}
	return cost / filled, filled
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
