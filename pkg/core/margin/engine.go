// Package margin watches position solvency and forces closes when the mark
// price crosses a position's liquidation threshold. It runs synchronously
// after every mark-price move, inside the router's per-market serialization,
// and always re-reads ledger state at execution time so a decision can never
// act on a stale snapshot.
package margin

import (
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclearing/margincore/pkg/core/collateral"
	"github.com/openclearing/margincore/pkg/core/market"
	"github.com/openclearing/margincore/pkg/core/position"
)

// Method records how a liquidation reduced the position.
type Method string

const (
	MethodPartial Method = "partial"
	MethodFull    Method = "full"
)

// Result describes one completed liquidation.
type Result struct {
	Trader     common.Address
	Symbol     string
	PositionID string
	Method     Method
	SizeBefore int64
	SizeAfter  int64
	ClosePrice int64
	Realized   int64 // PnL realized on the closed portion (a loss)
	Fee        int64 // liquidation fee collected for the insurance fund
	Residual   int64 // margin returned to the trader after a full close
	Shortfall  int64 // loss beyond margin, socialized via the insurance fund
}

// Engine evaluates and executes liquidations against the position and
// collateral ledgers.
type Engine struct {
	positions *position.Ledger
	ledger    *collateral.Ledger
	log       *zap.Logger
}

func NewEngine(positions *position.Ledger, ledger *collateral.Ledger, log *zap.Logger) *Engine {
	return &Engine{positions: positions, ledger: ledger, log: log}
}

// Solvent reports whether a position's margin plus unrealized PnL covers the
// maintenance requirement at the mark price.
func Solvent(p *position.Position, mkt *market.Market, mark int64) bool {
	if !p.Active || p.Size == 0 {
		return true
	}
	equity := p.Margin + p.UnrealizedPnL(mark)
	return equity >= mkt.RequiredMaintenanceMargin(mark, p.AbsSize())
}

// LiquidationPrice returns the mark price at which the position's equity
// falls to exactly the maintenance requirement. For longs this is below the
// entry price; for shorts above. Less locked margin moves it closer to
// entry.
func LiquidationPrice(p *position.Position, mkt *market.Market) int64 {
	if !p.Active || p.Size == 0 {
		return 0
	}
	s := p.AbsSize()
	mb := mkt.MaintenanceMarginBps
	if p.Size > 0 {
		// margin + (M − entry)·s == M·s·mb/10000
		return (p.EntryPrice*s - p.Margin) * 10000 / (s * (10000 - mb))
	}
	// margin + (entry − M)·s == M·s·mb/10000
	return (p.EntryPrice*s + p.Margin) * 10000 / (s * (10000 + mb))
}

// Sweep re-evaluates every live position in the market against the given
// mark price and liquidates the insolvent ones. State is read fresh per
// position at execution time; positions already flat are skipped, so a
// repeated sweep is a no-op.
func (e *Engine) Sweep(mkt *market.Market, mark int64, nowMs int64) []Result {
	if mark <= 0 {
		return nil
	}

	var results []Result
	for _, snapshot := range e.positions.ActiveBySymbol(mkt.Symbol) {
		// Revalidate against the live record, not the iteration snapshot.
		p, ok := e.positions.Get(snapshot.ID)
		if !ok || !p.Active || p.Size == 0 {
			continue
		}
		if Solvent(&p, mkt, mark) {
			continue
		}
		res, err := e.liquidate(&p, mkt, mark, nowMs)
		if err != nil {
			e.log.Error("liquidation failed",
				zap.String("position", p.ID),
				zap.String("trader", p.Owner.Hex()),
				zap.Error(err))
			continue
		}
		results = append(results, res)
		e.log.Info("liquidation completed",
			zap.String("symbol", mkt.Symbol),
			zap.String("trader", res.Trader.Hex()),
			zap.String("method", string(res.Method)),
			zap.Int64("size_before", res.SizeBefore),
			zap.Int64("size_after", res.SizeAfter),
			zap.Int64("mark", mark),
			zap.Int64("realized", res.Realized),
			zap.Int64("fee", res.Fee),
			zap.Int64("shortfall", res.Shortfall))
	}
	return results
}

// liquidate closes the smallest quantity that restores solvency, or the
// whole position when no partial close can. The loss and fee are collected
// from the position's margin; whatever margin survives a full close returns
// to the trader, and any uncollected loss is socialized.
func (e *Engine) liquidate(p *position.Position, mkt *market.Market, mark, nowMs int64) (Result, error) {
	absSize := p.AbsSize()
	qty := e.partialCloseQty(p, mkt, mark)

	fee := mkt.LiquidationFee(mark, qty)
	realized, seized, freed, err := e.positions.ReduceForLiquidation(p.ID, qty, mark, fee, nowMs)
	if err != nil {
		return Result{}, err
	}

	// Seized margin (loss + fee collected) leaves the account for the fund.
	if err := e.ledger.SeizeLocked(p.Owner, seized); err != nil {
		return Result{}, err
	}

	res := Result{
		Trader:     p.Owner,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		SizeBefore: p.Size,
		ClosePrice: mark,
		Realized:   realized,
		Fee:        min64(fee, seized),
	}

	owed := -realized + fee
	if owed > seized {
		// The margin could not cover the full loss plus fee. The fund
		// absorbs the difference (and may go negative), since the winning
		// side's realized gains are paid out in full.
		res.Shortfall = owed - seized
		e.ledger.FundCredit(-res.Shortfall)
	}

	if qty == absSize {
		res.Method = MethodFull
		res.SizeAfter = 0
		res.Residual = freed
		if err := e.ledger.Unlock(p.Owner, freed); err != nil {
			return Result{}, err
		}
	} else {
		res.Method = MethodPartial
		if p.Size > 0 {
			res.SizeAfter = p.Size - qty
		} else {
			res.SizeAfter = p.Size + qty
		}
	}
	return res, nil
}

// partialCloseQty finds the minimal close quantity restoring solvency via
// binary search; equity after a partial close is monotone in the closed
// quantity as long as the maintenance rate exceeds the liquidation fee rate.
// Returns the full size when nothing smaller works.
func (e *Engine) partialCloseQty(p *position.Position, mkt *market.Market, mark int64) int64 {
	absSize := p.AbsSize()
	if absSize <= mkt.MinOrderSize {
		return absSize
	}

	solventAfter := func(qty int64) bool {
		rest := absSize - qty
		if rest == 0 {
			return true
		}
		realized := (mark - p.EntryPrice) * qty * sign(p.Size)
		owed := -realized + mkt.LiquidationFee(mark, qty)
		if owed < 0 {
			owed = 0
		}
		margin := p.Margin - min64(owed, p.Margin)
		rem := *p
		rem.Size = rest * sign(p.Size)
		rem.Margin = margin
		return Solvent(&rem, mkt, mark)
	}

	if !solventAfter(absSize - mkt.MinOrderSize) {
		// Even leaving the minimum tradable size is insolvent.
		return absSize
	}

	lo, hi := int64(1), absSize-mkt.MinOrderSize
	for lo < hi {
		mid := (lo + hi) / 2
		if solventAfter(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
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
