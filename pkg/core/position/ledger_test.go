package position

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

const (
	sym = "WTI-USD"
	now = int64(1_700_000_000_000)
)

func TestOpenLong(t *testing.T) {
	l := NewLedger()

	app, err := l.ApplyFill(alice, sym, 10, 100, 500, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !app.Opened || app.Position == nil {
		t.Fatal("expected a new position")
	}
	p := app.Position
	if p.Size != 10 || p.EntryPrice != 100 || p.Margin != 500 {
		t.Errorf("position = %+v, want size 10 entry 100 margin 500", p)
	}
	if got := p.UnrealizedPnL(110); got != 100 {
		t.Errorf("unrealized at 110 = %d, want 100", got)
	}
}

func TestExtendAveragesEntry(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 500, now)

	app, err := l.ApplyFill(alice, sym, 10, 120, 600, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	p := app.Position
	if p.Size != 20 {
		t.Errorf("size = %d, want 20", p.Size)
	}
	if p.EntryPrice != 110 {
		t.Errorf("entry = %d, want 110 (weighted average of 100 and 120)", p.EntryPrice)
	}
	if p.Margin != 1_100 {
		t.Errorf("margin = %d, want 1100", p.Margin)
	}
}

func TestReduceRealizesProportionally(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 1_000, now)

	// Sell 4 at 110: realize (110-100)*4 = 40, free 4/10 of margin.
	app, err := l.ApplyFill(alice, sym, -4, 110, 0, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if app.Realized != 40 {
		t.Errorf("realized = %d, want 40", app.Realized)
	}
	if app.Freed != 400 {
		t.Errorf("freed = %d, want 400", app.Freed)
	}
	p := app.Position
	if p.Size != 6 || p.Margin != 600 || p.EntryPrice != 100 {
		t.Errorf("remainder = %+v, want size 6 margin 600 entry 100", p)
	}
}

func TestFullCloseFreesEverything(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 1_000, now)

	app, err := l.ApplyFill(alice, sym, -10, 90, 0, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !app.Closed || app.Position != nil {
		t.Fatal("expected a full close")
	}
	if app.Realized != -100 {
		t.Errorf("realized = %d, want -100", app.Realized)
	}
	if app.Freed != 1_000 {
		t.Errorf("freed = %d, want full margin 1000", app.Freed)
	}
	if _, ok := l.ActiveFor(alice, sym); ok {
		t.Error("position should be inactive after full close")
	}
}

func TestFlipThroughZero(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 1_000, now)

	// Sell 15 at 105: close 10 (realize +50), open short 5 at 105.
	app, err := l.ApplyFill(alice, sym, -15, 105, 300, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !app.Closed || !app.Opened {
		t.Fatal("flip should close the old record and open a new one")
	}
	if app.Realized != 50 {
		t.Errorf("realized = %d, want 50", app.Realized)
	}
	if app.Freed != 1_000 {
		t.Errorf("freed = %d, want 1000", app.Freed)
	}
	p := app.Position
	if p.Size != -5 || p.EntryPrice != 105 || p.Margin != 300 {
		t.Errorf("flipped position = %+v, want size -5 entry 105 margin 300", p)
	}
}

func TestShortProfitsOnFall(t *testing.T) {
	l := NewLedger()
	app, _ := l.ApplyFill(bob, sym, -10, 100, 500, now)
	if got := app.Position.UnrealizedPnL(90); got != 100 {
		t.Errorf("short unrealized at 90 = %d, want 100", got)
	}

	// Buy back all 10 at 90: realize (90-100)*10*(-1) = +100.
	closed, err := l.ApplyFill(bob, sym, 10, 90, 0, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if closed.Realized != 100 {
		t.Errorf("realized = %d, want 100", closed.Realized)
	}
}

func TestReduceForLiquidation(t *testing.T) {
	l := NewLedger()
	app, _ := l.ApplyFill(alice, sym, 10, 100, 500, now)
	id := app.Position.ID

	// Close 4 at 90: loss 40, fee 8; both seized from margin.
	realized, seized, freed, err := l.ReduceForLiquidation(id, 4, 90, 8, now)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if realized != -40 || seized != 48 || freed != 0 {
		t.Errorf("got realized=%d seized=%d freed=%d, want -40/48/0", realized, seized, freed)
	}
	p, _ := l.Get(id)
	if p.Size != 6 || p.Margin != 452 {
		t.Errorf("after partial: size=%d margin=%d, want 6/452", p.Size, p.Margin)
	}

	// Close the rest at 90: loss 60, fee 12; remainder of margin freed.
	realized, seized, freed, err = l.ReduceForLiquidation(id, 6, 90, 12, now)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if realized != -60 || seized != 72 || freed != 380 {
		t.Errorf("got realized=%d seized=%d freed=%d, want -60/72/380", realized, seized, freed)
	}

	// Idempotent on the now-inactive position.
	realized, seized, freed, err = l.ReduceForLiquidation(id, 1, 90, 0, now)
	if err != nil || realized != 0 || seized != 0 || freed != 0 {
		t.Errorf("repeat liquidation should be a no-op, got %d/%d/%d err=%v", realized, seized, freed, err)
	}
}

func TestSettleSymbol(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 500, now)
	l.ApplyFill(bob, sym, -10, 100, 500, now)
	l.ApplyFill(alice, "OTHER", 5, 50, 100, now)

	out := l.SettleSymbol(sym, 120, now)
	if len(out) != 2 {
		t.Fatalf("settled %d positions, want 2", len(out))
	}
	byOwner := map[common.Address]Settlement{}
	for _, s := range out {
		byOwner[s.Position.Owner] = s
	}
	if s := byOwner[alice]; s.Realized != 200 || s.Freed != 500 {
		t.Errorf("alice settled %+v, want realized 200 freed 500", s)
	}
	if s := byOwner[bob]; s.Realized != -200 || s.Freed != 500 {
		t.Errorf("bob settled %+v, want realized -200 freed 500", s)
	}
	if _, ok := l.ActiveFor(alice, sym); ok {
		t.Error("settled positions should be inactive")
	}
	if _, ok := l.ActiveFor(alice, "OTHER"); !ok {
		t.Error("other market must be untouched")
	}
	if oi := l.OpenInterest(sym); oi != 0 {
		t.Errorf("open interest = %d, want 0", oi)
	}
}

func TestSettleAtZero(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 500, now)

	out := l.SettleSymbol(sym, 0, now)
	if len(out) != 1 || out[0].Realized != -1_000 {
		t.Fatalf("settle at zero: %+v, want realized -1000", out)
	}
}

func TestOpenInterest(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(alice, sym, 10, 100, 0, now)
	l.ApplyFill(bob, sym, -7, 100, 0, now)

	if oi := l.OpenInterest(sym); oi != 17 {
		t.Errorf("open interest = %d, want 17", oi)
	}
}
