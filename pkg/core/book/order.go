package book

import (
	"github.com/ethereum/go-ethereum/common"
)

type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType int8

const (
	Limit OrderType = iota
	Market
	Stop
	StopLimit
	Iceberg
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case Stop:
		return "stop"
	case StopLimit:
		return "stop_limit"
	case Iceberg:
		return "iceberg"
	default:
		return "unknown"
	}
}

type TimeInForce int8

const (
	GTC TimeInForce = iota // rests until filled or cancelled
	IOC                    // fills what is available, cancels the rest
	FOK                    // fully fills in one operation or rejects untouched
	GTD                    // rests until ExpiresAt, then anyone may cancel
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTD:
		return "GTD"
	default:
		return "unknown"
	}
}

type OrderStatus int8

const (
	StatusOpen OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Order is a single instruction against one market's book.
// Prices are integer quote units, quantities integer size units.
type Order struct {
	ID     string
	Owner  common.Address
	Symbol string
	Side   Side
	Type   OrderType
	TIF    TimeInForce

	Price      int64 // limit price; zero for market orders
	Bound      int64 // worst acceptable price for market/stop orders
	StopPrice  int64 // trigger price for stop/stop-limit orders
	Qty        int64
	Filled     int64
	DisplayQty int64 // visible slice for iceberg orders; zero = fully visible

	ExpiresAt int64 // Unix ms; only meaningful for GTD
	Status    OrderStatus
	CreatedAt int64 // Unix ms

	// ReduceOnly orders may only shrink an existing position. The router
	// enforces this; the book treats them like any other order.
	ReduceOnly bool

	// Margin reserved for the unfilled remainder, managed by the router.
	// UnitMargin is the reservation per unit of remaining quantity, so
	// LockedMargin == UnitMargin × Remaining() at all times.
	LockedMargin int64
	UnitMargin   int64

	// Seq is the arrival sequence assigned by the book; it breaks price
	// ties and is persisted so time priority survives a restart.
	Seq uint64
}

func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// Visible is the quantity exposed to depth queries. Iceberg orders show at
// most DisplayQty even though the full remainder participates in matching.
func (o *Order) Visible() int64 {
	rem := o.Remaining()
	if o.Type == Iceberg && o.DisplayQty > 0 && rem > o.DisplayQty {
		return o.DisplayQty
	}
	return rem
}

func (o *Order) IsClosed() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// ExpiredAt reports whether a GTD order is past its deadline.
func (o *Order) ExpiredAt(nowMs int64) bool {
	return o.TIF == GTD && o.ExpiresAt > 0 && nowMs >= o.ExpiresAt
}

// limitFor returns the price constraint used during matching: the limit
// price for limit orders, the caller-supplied bound for market orders.
func (o *Order) limitFor() int64 {
	if o.Price > 0 {
		return o.Price
	}
	return o.Bound
}

// Fill is one execution between a taker and a resting maker, always at the
// maker's price. Fees are signed from the payer's perspective (negative
// maker fee = rebate).
type Fill struct {
	Symbol     string
	Taker      common.Address
	Maker      common.Address
	TakerOrder string
	MakerOrder string
	TakerSide  Side
	Price      int64
	Qty        int64
	TakerFee   int64
	MakerFee   int64
	Timestamp  int64 // Unix ms

	makerRef *Order // live maker record, for the router's margin bookkeeping
}

// MakerRef returns the maker order this fill executed against. Fully filled
// makers leave the book, so the fill keeps the only remaining reference.
func (f *Fill) MakerRef() *Order { return f.makerRef }

// PriceLevel aggregates visible quantity at one price.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}
