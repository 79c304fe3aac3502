package market

import (
	"fmt"
	"time"
)

// State is the lifecycle stage of a market. Transitions are strictly
// forward: Active → TradingEnded → SettlementRequested → Settled.
type State int8

const (
	Active State = iota
	TradingEnded
	SettlementRequested
	Settled
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case TradingEnded:
		return "TradingEnded"
	case SettlementRequested:
		return "SettlementRequested"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market holds every parameter of a tradable index market. Prices are stored
// as integer quote units (10^Decimals units per whole quote), quantities as
// integer size units.
type Market struct {
	// Identity
	Symbol     string // "WTI-USD"
	BaseAsset  string // index being traded, e.g. "WTI"
	QuoteAsset string // collateral asset, e.g. "USD"

	// Precision
	TickSize     int64 // minimum price increment; every limit price must be a multiple
	MinOrderSize int64 // minimum order quantity
	MinNotional  int64 // minimum order value in quote units, rejects dust
	Decimals     int32 // quote decimals, used to convert oracle values to price units

	// Margin & leverage
	MaxLeverage          int64 // e.g. 20 (20x)
	InitialMarginBps     int64 // e.g. 500 bps = 5% = 20x
	MaintenanceMarginBps int64 // liquidation threshold, e.g. 50 bps
	LiquidationFeeBps    int64 // fee on liquidated notional, paid to insurance fund

	// Fees
	TakerFeeBps int64
	MakerFeeBps int64 // may be negative (rebate)

	// Settlement schedule (Unix milliseconds)
	TradingEndsAt int64         // new orders rejected after this
	SettlesAt     int64         // earliest settlement-value request
	RequestWindow time.Duration // how long the oracle request stays open
	AutoSettle    bool          // finalize automatically when the value arrives

	// Live state
	State          State
	MarkPrice      int64 // current reference price for margin math
	LastTradePrice int64 // most recent fill price

	CreatedAt int64
}

// Params carries constructor arguments for NewMarket.
type Params struct {
	TickSize             int64
	MinOrderSize         int64
	MinNotional          int64
	Decimals             int32
	MaxLeverage          int64
	InitialMarginBps     int64
	MaintenanceMarginBps int64
	LiquidationFeeBps    int64
	TakerFeeBps          int64
	MakerFeeBps          int64
	TradingEndsAt        int64
	SettlesAt            int64
	RequestWindow        time.Duration
	AutoSettle           bool
}

// DefaultParams is a 20x market settling 30 days out, ticked at 0.01.
func DefaultParams(now time.Time) Params {
	return Params{
		TickSize:             1,
		MinOrderSize:         1,
		MinNotional:          10,
		Decimals:             2,
		MaxLeverage:          20,
		InitialMarginBps:     500,
		MaintenanceMarginBps: 50,
		LiquidationFeeBps:    25,
		TakerFeeBps:          5,
		MakerFeeBps:          -1,
		TradingEndsAt:        now.Add(30 * 24 * time.Hour).UnixMilli(),
		SettlesAt:            now.Add(30 * 24 * time.Hour).UnixMilli(),
		RequestWindow:        2 * time.Hour,
		AutoSettle:           true,
	}
}

func New(symbol, base, quote string, p Params, now time.Time) (*Market, error) {
	m := &Market{
		Symbol:               symbol,
		BaseAsset:            base,
		QuoteAsset:           quote,
		TickSize:             p.TickSize,
		MinOrderSize:         p.MinOrderSize,
		MinNotional:          p.MinNotional,
		Decimals:             p.Decimals,
		MaxLeverage:          p.MaxLeverage,
		InitialMarginBps:     p.InitialMarginBps,
		MaintenanceMarginBps: p.MaintenanceMarginBps,
		LiquidationFeeBps:    p.LiquidationFeeBps,
		TakerFeeBps:          p.TakerFeeBps,
		MakerFeeBps:          p.MakerFeeBps,
		TradingEndsAt:        p.TradingEndsAt,
		SettlesAt:            p.SettlesAt,
		RequestWindow:        p.RequestWindow,
		AutoSettle:           p.AutoSettle,
		State:                Active,
		CreatedAt:            now.UnixMilli(),
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks parameter sanity at creation time.
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.TickSize <= 0 {
		return fmt.Errorf("tick size must be positive")
	}
	if m.MinOrderSize <= 0 {
		return fmt.Errorf("min order size must be positive")
	}
	if m.MinNotional < 0 {
		return fmt.Errorf("min notional cannot be negative")
	}
	if m.MaxLeverage <= 0 {
		return fmt.Errorf("max leverage must be positive")
	}
	if m.InitialMarginBps <= 0 {
		return fmt.Errorf("initial margin must be positive")
	}
	if m.MaintenanceMarginBps <= 0 {
		return fmt.Errorf("maintenance margin must be positive")
	}
	if m.MaintenanceMarginBps > m.InitialMarginBps {
		return fmt.Errorf("maintenance margin cannot exceed initial margin")
	}
	// Leverage must be consistent with initial margin: 20x needs 500 bps.
	expected := 10000 / m.InitialMarginBps
	if m.MaxLeverage > expected {
		return fmt.Errorf("max leverage %dx inconsistent with initial margin %d bps", m.MaxLeverage, m.InitialMarginBps)
	}
	if m.LiquidationFeeBps < 0 {
		return fmt.Errorf("liquidation fee cannot be negative")
	}
	if m.TakerFeeBps < 0 {
		return fmt.Errorf("taker fee cannot be negative")
	}
	if m.MakerFeeBps > m.TakerFeeBps {
		return fmt.Errorf("maker fee cannot exceed taker fee")
	}
	if m.TradingEndsAt > m.SettlesAt {
		return fmt.Errorf("trading must end at or before settlement time")
	}
	if m.RequestWindow <= 0 {
		return fmt.Errorf("request window must be positive")
	}
	return nil
}

// Advance moves the lifecycle forward by exactly one stage. Any other
// transition, including going backward, is rejected.
func (m *Market) Advance(to State) error {
	if to != m.State+1 || to > Settled {
		return fmt.Errorf("illegal market transition %s to %s", m.State, to)
	}
	m.State = to
	return nil
}

// Trading reports whether new orders are accepted.
func (m *Market) Trading() bool {
	return m.State == Active
}

// ValidateOrder checks price and quantity against market rules. price may be
// zero for market orders (the bound is validated separately by the book).
func (m *Market) ValidateOrder(price, qty int64) error {
	if !m.Trading() {
		return fmt.Errorf("market %s is not active (state: %s)", m.Symbol, m.State)
	}
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if qty < m.MinOrderSize {
		return fmt.Errorf("order size %d below minimum %d", qty, m.MinOrderSize)
	}
	if price != 0 {
		if err := m.ValidatePrice(price); err != nil {
			return err
		}
		if notional := price * qty; notional < m.MinNotional {
			return fmt.Errorf("order notional %d below minimum %d", notional, m.MinNotional)
		}
	}
	return nil
}

// ValidatePrice enforces tick alignment for non-market prices.
func (m *Market) ValidatePrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if price%m.TickSize != 0 {
		return fmt.Errorf("price %d not aligned to tick size %d", price, m.TickSize)
	}
	return nil
}

// Margin and fee amounts are computed per unit of size and multiplied out,
// so the amount reserved for an order equals the sum over its partial fills
// exactly: no rounding dust between reservation and consumption.

func ceilBps(price, bps int64) int64 {
	return (price*bps + 9999) / 10000
}

// RequiredInitialMargin is the collateral needed to open qty at price.
func (m *Market) RequiredInitialMargin(price, qty int64) int64 {
	return ceilBps(price, m.InitialMarginBps) * qty
}

// RequiredMaintenanceMargin is the minimum equity backing an open position.
func (m *Market) RequiredMaintenanceMargin(price, qty int64) int64 {
	return ceilBps(price, m.MaintenanceMarginBps) * qty
}

// LiquidationFee is charged on liquidated notional, paid to the insurance fund.
func (m *Market) LiquidationFee(price, qty int64) int64 {
	return (price * m.LiquidationFeeBps / 10000) * qty
}

// TakerFee computes the taker's fee on filled quantity at price.
func (m *Market) TakerFee(price, qty int64) int64 {
	return ceilBps(price, m.TakerFeeBps) * qty
}

// MakerFee computes the maker's fee; negative bps means a rebate, floored in
// magnitude so a rebate never exceeds the taker fee reserved for the order.
func (m *Market) MakerFee(price, qty int64) int64 {
	if m.MakerFeeBps >= 0 {
		return ceilBps(price, m.MakerFeeBps) * qty
	}
	return -(price * (-m.MakerFeeBps) / 10000) * qty
}
