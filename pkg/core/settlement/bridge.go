// Package settlement drives a market from the end of trading to a final
// settlement value through an optimistic-oracle flow: request → propose →
// bounded challenge window → finalize. Whether a record is finalizable is a
// pure function of its fields and the current time.
package settlement

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclearing/margincore/pkg/core/market"
)

var (
	// ErrWindowClosed is returned for proposals after the request window or
	// challenges after the challenge deadline.
	ErrWindowClosed = errors.New("settlement window closed")

	// ErrChallenged is returned for a second challenge; the first challenge
	// flags the dispute and later ones are rejected, never overwritten.
	ErrChallenged = errors.New("settlement already challenged")

	// ErrFinal is returned for any mutation after finalization.
	ErrFinal = errors.New("settlement already final")

	// ErrNotFinalizable is returned when the deadline has not passed or an
	// unresolved dispute blocks finalization.
	ErrNotFinalizable = errors.New("settlement not finalizable")
)

// Record is the settlement state for one market. Values are decimals as the
// oracle reports them; conversion to price units happens at payout.
type Record struct {
	ID     string
	Symbol string

	RequestedAt   int64 // Unix ms
	RequestExpiry int64 // proposals must arrive before this

	Proposed    decimal.Decimal
	Proposer    common.Address
	ProposedAt  int64
	HasProposal bool

	ChallengeDeadline int64

	Challenged  bool
	Alternative decimal.Decimal
	Challenger  common.Address

	Resolved    decimal.Decimal
	HasResolved bool

	Final       bool
	FinalValue  decimal.Decimal
	FinalizedAt int64
}

// Disputed reports whether finalization is blocked pending arbitration.
func (r *Record) Disputed() bool {
	return r.Challenged && !r.HasResolved && !r.Final
}

// Finalizable is a pure function of record state and the current time: a
// proposal exists, the record is not yet final, and either the challenge
// deadline passed undisputed or arbitration resolved the dispute.
func (r *Record) Finalizable(now time.Time) bool {
	if !r.HasProposal || r.Final {
		return false
	}
	if r.Challenged {
		return r.HasResolved
	}
	return now.UnixMilli() >= r.ChallengeDeadline
}

// value returns what finalization would settle at.
func (r *Record) value() decimal.Decimal {
	if r.HasResolved {
		return r.Resolved
	}
	return r.Proposed
}

// Bridge owns settlement records and the market lifecycle transitions tied
// to them. Payouts are the router's job; the bridge hands it final values.
type Bridge struct {
	mu              sync.RWMutex
	markets         *market.Registry
	records         map[string]*Record
	challengeWindow time.Duration
	settler         common.Address // authorized trigger for manual-settle markets
	log             *zap.Logger
}

func NewBridge(markets *market.Registry, challengeWindow time.Duration, settler common.Address, log *zap.Logger) *Bridge {
	return &Bridge{
		markets:         markets,
		records:         make(map[string]*Record),
		challengeWindow: challengeWindow,
		settler:         settler,
		log:             log,
	}
}

// EndTrading moves an Active market to TradingEnded once its trading end
// time has passed. Resting orders stay cancellable; new orders are rejected
// by market state.
func (b *Bridge) EndTrading(symbol string, now time.Time) error {
	mkt, err := b.markets.Get(symbol)
	if err != nil {
		return err
	}
	if mkt.State != market.Active {
		return fmt.Errorf("market %s is %s, not Active", symbol, mkt.State)
	}
	if now.UnixMilli() < mkt.TradingEndsAt {
		return fmt.Errorf("market %s trading ends at %d", symbol, mkt.TradingEndsAt)
	}
	return mkt.Advance(market.TradingEnded)
}

// RequestValue submits the final-value request to the oracle, opening the
// data-request window. Market: TradingEnded → SettlementRequested.
func (b *Bridge) RequestValue(symbol string, now time.Time) (*Record, error) {
	mkt, err := b.markets.Get(symbol)
	if err != nil {
		return nil, err
	}
	if mkt.State != market.TradingEnded {
		return nil, fmt.Errorf("market %s is %s, not TradingEnded", symbol, mkt.State)
	}
	if now.UnixMilli() < mkt.SettlesAt {
		return nil, fmt.Errorf("market %s settles at %d", symbol, mkt.SettlesAt)
	}
	if err := mkt.Advance(market.SettlementRequested); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec := &Record{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		RequestedAt:   now.UnixMilli(),
		RequestExpiry: now.Add(mkt.RequestWindow).UnixMilli(),
	}
	b.records[symbol] = rec
	b.log.Info("settlement value requested",
		zap.String("symbol", symbol),
		zap.Int64("request_expiry", rec.RequestExpiry))
	return rec, nil
}

// Propose records the oracle's (or any party's) candidate final value and
// starts the challenge window.
func (b *Bridge) Propose(symbol string, value decimal.Decimal, proposer common.Address, now time.Time) error {
	if value.IsNegative() {
		return fmt.Errorf("settlement value cannot be negative: %s", value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[symbol]
	if !ok {
		return fmt.Errorf("no settlement request for market %s", symbol)
	}
	if rec.Final {
		return ErrFinal
	}
	if rec.HasProposal {
		return fmt.Errorf("market %s already has a proposed value %s", symbol, rec.Proposed)
	}
	if now.UnixMilli() >= rec.RequestExpiry {
		return fmt.Errorf("%w: request window for %s ended", ErrWindowClosed, symbol)
	}

	rec.Proposed = value
	rec.Proposer = proposer
	rec.ProposedAt = now.UnixMilli()
	rec.HasProposal = true
	rec.ChallengeDeadline = now.Add(b.challengeWindow).UnixMilli()
	b.log.Info("settlement value proposed",
		zap.String("symbol", symbol),
		zap.String("value", value.String()),
		zap.String("proposer", proposer.Hex()),
		zap.Int64("challenge_deadline", rec.ChallengeDeadline))
	return nil
}

// Challenge disputes the proposed value before the deadline. Only the first
// challenge is accepted; the market stays disputed until Resolve.
func (b *Bridge) Challenge(symbol string, alt decimal.Decimal, challenger common.Address, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[symbol]
	if !ok || !rec.HasProposal {
		return fmt.Errorf("no proposed value for market %s", symbol)
	}
	if rec.Final {
		return ErrFinal
	}
	if now.UnixMilli() >= rec.ChallengeDeadline {
		return fmt.Errorf("%w: challenge deadline for %s passed", ErrWindowClosed, symbol)
	}
	if rec.Challenged {
		return fmt.Errorf("%w: market %s", ErrChallenged, symbol)
	}
	if alt.Equal(rec.Proposed) {
		return fmt.Errorf("challenge value equals proposed value %s", rec.Proposed)
	}

	rec.Challenged = true
	rec.Alternative = alt
	rec.Challenger = challenger
	b.log.Warn("settlement disputed",
		zap.String("symbol", symbol),
		zap.String("proposed", rec.Proposed.String()),
		zap.String("alternative", alt.String()),
		zap.String("challenger", challenger.Hex()))
	return nil
}

// Resolve records the external arbitration outcome for a disputed market.
// The arbiter is trusted and opaque; the resolved value need not match
// either candidate.
func (b *Bridge) Resolve(symbol string, value decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[symbol]
	if !ok {
		return fmt.Errorf("no settlement request for market %s", symbol)
	}
	if rec.Final {
		return ErrFinal
	}
	if !rec.Challenged {
		return fmt.Errorf("market %s is not disputed", symbol)
	}
	rec.Resolved = value
	rec.HasResolved = true
	b.log.Info("settlement dispute resolved",
		zap.String("symbol", symbol),
		zap.String("value", value.String()))
	return nil
}

// Finalize accepts the value as final, exactly once, and returns it in
// integer price units. Manual-settle markets require the authorized settler;
// auto-settle markets accept the zero caller used by the clock sweep.
func (b *Bridge) Finalize(symbol string, caller common.Address, now time.Time) (int64, decimal.Decimal, error) {
	mkt, err := b.markets.Get(symbol)
	if err != nil {
		return 0, decimal.Zero, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[symbol]
	if !ok {
		return 0, decimal.Zero, fmt.Errorf("no settlement request for market %s", symbol)
	}
	if rec.Final {
		return 0, decimal.Zero, ErrFinal
	}
	if !mkt.AutoSettle && caller != b.settler {
		return 0, decimal.Zero, fmt.Errorf("caller %s not authorized to settle %s", caller.Hex(), symbol)
	}
	if !rec.Finalizable(now) {
		if rec.Disputed() {
			return 0, decimal.Zero, fmt.Errorf("%w: market %s disputed, awaiting arbitration", ErrNotFinalizable, symbol)
		}
		return 0, decimal.Zero, fmt.Errorf("%w: market %s", ErrNotFinalizable, symbol)
	}

	val := rec.value()
	rec.Final = true
	rec.FinalValue = val
	rec.FinalizedAt = now.UnixMilli()

	ticks := val.Shift(mkt.Decimals).Round(0).IntPart()
	b.log.Info("settlement finalized",
		zap.String("symbol", symbol),
		zap.String("value", val.String()),
		zap.Int64("ticks", ticks))
	return ticks, val, nil
}

// Get returns a copy of a market's settlement record.
func (b *Bridge) Get(symbol string) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[symbol]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Due returns symbols whose records can finalize now; the router's sweep
// finalizes the auto-settle ones.
func (b *Bridge) Due(now time.Time) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for sym, rec := range b.records {
		if rec.Finalizable(now) {
			out = append(out, sym)
		}
	}
	return out
}

// Restore installs a record loaded from disk. Only valid at boot.
func (b *Bridge) Restore(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := rec
	b.records[rec.Symbol] = &cp
}

// List returns copies of all settlement records, for persistence.
func (b *Bridge) List() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, *rec)
	}
	return out
}
