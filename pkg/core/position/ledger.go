// Package position tracks open exposure per trader per market, derived
// entirely from fills. Entry prices re-average on same-direction fills;
// reducing fills realize PnL; a fill through zero flips into a fresh
// position at the fill price.
package position

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Position is one trader's open exposure in one market. Size is signed,
// long positive. Margin is the collateral locked against it.
type Position struct {
	ID         string
	Owner      common.Address
	Symbol     string
	Size       int64
	EntryPrice int64
	Margin     int64
	OpenedAt   int64 // Unix ms
	UpdatedAt  int64 // Unix ms
	Active     bool
}

// UnrealizedPnL at a mark price: (mark − entry) × size. Short positions
// profit when the mark falls because size is negative.
func (p *Position) UnrealizedPnL(mark int64) int64 {
	if !p.Active || p.Size == 0 {
		return 0
	}
	return (mark - p.EntryPrice) * p.Size
}

func (p *Position) AbsSize() int64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// CloseOutcome computes what a fill of sizeDelta at price would realize and
// free on the position's closed portion, without mutating anything. Zero for
// same-direction fills. ApplyFill commits exactly these numbers, so callers
// may settle collateral against a snapshot before touching the ledger.
func (p *Position) CloseOutcome(sizeDelta, price int64) (realized, freed int64) {
	if !p.Active || p.Size == 0 || (p.Size > 0) == (sizeDelta > 0) {
		return 0, 0
	}
	closed := min64(abs64(p.Size), abs64(sizeDelta))
	realized = (price - p.EntryPrice) * closed * sign(p.Size)
	if closed == abs64(p.Size) {
		return realized, p.Margin
	}
	return realized, p.Margin * closed / abs64(p.Size)
}

// Notional at a given price: |size| × price.
func (p *Position) Notional(price int64) int64 {
	return p.AbsSize() * price
}

// Leverage is notional over locked margin, zero when no margin.
func (p *Position) Leverage(price int64) int64 {
	if p.Margin == 0 {
		return 0
	}
	return p.Notional(price) / p.Margin
}

// Apply is the result of applying one fill to a trader's position.
type Apply struct {
	Position *Position // the live position after the fill (nil if flat)
	Realized int64     // PnL realized on any closed portion
	Freed    int64     // position margin released by the closed portion
	Opened   bool      // a new position record was created
	Closed   bool      // an existing position was fully closed
}

type ownerKey struct {
	owner  common.Address
	symbol string
}

// Ledger is the position table: ID-keyed records plus owner+symbol and
// symbol indices over active positions.
type Ledger struct {
	mu       sync.RWMutex
	byID     map[string]*Position
	active   map[ownerKey]*Position
	bySymbol map[string]map[string]*Position // symbol → id → active position
}

func NewLedger() *Ledger {
	return &Ledger{
		byID:     make(map[string]*Position),
		active:   make(map[ownerKey]*Position),
		bySymbol: make(map[string]map[string]*Position),
	}
}

func (l *Ledger) indexLocked(p *Position) {
	l.byID[p.ID] = p
	l.active[ownerKey{p.Owner, p.Symbol}] = p
	m, ok := l.bySymbol[p.Symbol]
	if !ok {
		m = make(map[string]*Position)
		l.bySymbol[p.Symbol] = m
	}
	m[p.ID] = p
}

func (l *Ledger) deactivateLocked(p *Position, nowMs int64) {
	p.Active = false
	p.UpdatedAt = nowMs
	delete(l.active, ownerKey{p.Owner, p.Symbol})
	if m, ok := l.bySymbol[p.Symbol]; ok {
		delete(m, p.ID)
	}
}

// ApplyFill mutates the owner's position for a fill of sizeDelta (signed,
// positive = bought) at price. marginDelta is the collateral to attach to
// any newly opened exposure; the ledger computes what the closed portion
// frees. Callers move the corresponding collateral based on the result.
func (l *Ledger) ApplyFill(owner common.Address, symbol string, sizeDelta, price, marginDelta, nowMs int64) (Apply, error) {
	if sizeDelta == 0 {
		return Apply{}, fmt.Errorf("zero size delta")
	}
	if price <= 0 {
		return Apply{}, fmt.Errorf("non-positive fill price %d", price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[ownerKey{owner, symbol}]
	if !ok {
		pos = &Position{
			ID:         uuid.NewString(),
			Owner:      owner,
			Symbol:     symbol,
			Size:       sizeDelta,
			EntryPrice: price,
			Margin:     marginDelta,
			OpenedAt:   nowMs,
			UpdatedAt:  nowMs,
			Active:     true,
		}
		l.indexLocked(pos)
		return Apply{Position: pos, Opened: true}, nil
	}

	oldSize := pos.Size
	newSize := oldSize + sizeDelta
	sameDirection := (oldSize > 0) == (sizeDelta > 0)

	if sameDirection {
		// Extend: entry price becomes the size-weighted average.
		absOld, absDelta, absNew := abs64(oldSize), abs64(sizeDelta), abs64(newSize)
		pos.EntryPrice = (pos.EntryPrice*absOld + price*absDelta) / absNew
		pos.Size = newSize
		pos.Margin += marginDelta
		pos.UpdatedAt = nowMs
		return Apply{Position: pos}, nil
	}

	realized, freed := pos.CloseOutcome(sizeDelta, price)

	switch {
	case newSize == 0:
		pos.Margin = 0
		pos.Size = 0
		l.deactivateLocked(pos, nowMs)
		return Apply{Position: nil, Realized: realized, Freed: freed, Closed: true}, nil

	case (oldSize > 0) == (newSize > 0):
		// Reduced but not flipped.
		pos.Size = newSize
		pos.Margin -= freed
		pos.UpdatedAt = nowMs
		return Apply{Position: pos, Realized: realized, Freed: freed}, nil

	default:
		// Flipped through zero: close the old record entirely and open a
		// fresh one for the residual at the fill price.
		pos.Margin = 0
		pos.Size = 0
		l.deactivateLocked(pos, nowMs)

		fresh := &Position{
			ID:         uuid.NewString(),
			Owner:      owner,
			Symbol:     symbol,
			Size:       newSize,
			EntryPrice: price,
			Margin:     marginDelta,
			OpenedAt:   nowMs,
			UpdatedAt:  nowMs,
			Active:     true,
		}
		l.indexLocked(fresh)
		return Apply{Position: fresh, Realized: realized, Freed: freed, Opened: true, Closed: true}, nil
	}
}

// ReduceForLiquidation closes qty of a position at price without freeing
// margin proportionally: the realized loss and fee are taken out of the
// position's margin (seized by the caller), and on a full close whatever
// margin remains is freed. Returns realized PnL, margin seized, and margin
// freed. Idempotent on inactive positions: returns zeros.
func (l *Ledger) ReduceForLiquidation(id string, qty, price, fee, nowMs int64) (realized, seized, freed int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.byID[id]
	if !ok {
		return 0, 0, 0, fmt.Errorf("position %s not found", id)
	}
	if !pos.Active || pos.Size == 0 {
		return 0, 0, 0, nil
	}
	absSize := abs64(pos.Size)
	if qty <= 0 || qty > absSize {
		return 0, 0, 0, fmt.Errorf("liquidation qty %d out of range (size %d)", qty, absSize)
	}

	realized = (price - pos.EntryPrice) * qty * sign(pos.Size)
	owed := -realized + fee // loss plus fee, collected from margin
	if owed < 0 {
		owed = 0
	}
	seized = min64(owed, pos.Margin)
	pos.Margin -= seized

	if qty == absSize {
		freed = pos.Margin
		pos.Margin = 0
		pos.Size = 0
		l.deactivateLocked(pos, nowMs)
		return realized, seized, freed, nil
	}

	if pos.Size > 0 {
		pos.Size -= qty
	} else {
		pos.Size += qty
	}
	pos.UpdatedAt = nowMs
	return realized, seized, 0, nil
}

// Settlement is one position closed at the final settlement price.
type Settlement struct {
	Position Position // snapshot after closing
	Realized int64
	Freed    int64
}

// SettleSymbol closes every active position in a market at the settlement
// price, which may be zero. Realized PnL is (price − entry) × size and the
// full margin is freed; the caller moves the collateral accordingly.
func (l *Ledger) SettleSymbol(symbol string, price, nowMs int64) []Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Settlement
	active := l.bySymbol[symbol]
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	for _, id := range ids {
		pos := l.byID[id]
		realized := (price - pos.EntryPrice) * pos.Size
		freed := pos.Margin
		pos.Margin = 0
		pos.Size = 0
		l.deactivateLocked(pos, nowMs)
		out = append(out, Settlement{Position: *pos, Realized: realized, Freed: freed})
	}
	return out
}

// Get returns a copy of a position by ID.
func (l *Ledger) Get(id string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byID[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// ActiveFor returns the trader's live position in a market, if any.
func (l *Ledger) ActiveFor(owner common.Address, symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.active[ownerKey{owner, symbol}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// ByOwner returns copies of every position (active and historical) a trader
// has held.
func (l *Ledger) ByOwner(owner common.Address) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Position
	for _, p := range l.byID {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	return out
}

// ActiveBySymbol returns copies of every live position in a market.
func (l *Ledger) ActiveBySymbol(symbol string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Position
	for _, p := range l.bySymbol[symbol] {
		out = append(out, *p)
	}
	return out
}

// OpenInterest sums |size| across live positions in a market.
func (l *Ledger) OpenInterest(symbol string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var oi int64
	for _, p := range l.bySymbol[symbol] {
		oi += p.AbsSize()
	}
	return oi
}

// Restore installs a position loaded from disk. Only valid at boot.
func (l *Ledger) Restore(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := p
	l.byID[cp.ID] = &cp
	if cp.Active {
		l.active[ownerKey{cp.Owner, cp.Symbol}] = &cp
		m, ok := l.bySymbol[cp.Symbol]
		if !ok {
			m = make(map[string]*Position)
			l.bySymbol[cp.Symbol] = m
		}
		m[cp.ID] = &cp
	}
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func sign(x int64) int64 {
	if x < 0 {
		return -1
	}
	return 1
}
