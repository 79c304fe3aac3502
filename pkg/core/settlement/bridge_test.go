package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclearing/margincore/pkg/core/market"
)

var (
	oracle   = common.HexToAddress("0x0A00000000000000000000000000000000000000")
	disputer = common.HexToAddress("0x0B00000000000000000000000000000000000000")
	settler  = common.HexToAddress("0x0C00000000000000000000000000000000000000")
)

var t0 = time.UnixMilli(1_700_000_000_000)

const window = 24 * time.Hour

// newBridge sets up a market already past its trading end, with the
// settlement request open.
func newBridge(t *testing.T, auto bool) (*Bridge, *market.Market) {
	t.Helper()
	reg := market.NewRegistry()
	p := market.DefaultParams(t0)
	p.TradingEndsAt = t0.UnixMilli()
	p.SettlesAt = t0.UnixMilli()
	p.AutoSettle = auto
	mkt, err := market.New("WTI-USD", "WTI", "USD", p, t0)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if err := reg.Register(mkt); err != nil {
		t.Fatalf("register: %v", err)
	}

	b := NewBridge(reg, window, settler, zap.NewNop())
	if err := b.EndTrading(mkt.Symbol, t0); err != nil {
		t.Fatalf("end trading: %v", err)
	}
	if _, err := b.RequestValue(mkt.Symbol, t0); err != nil {
		t.Fatalf("request: %v", err)
	}
	return b, mkt
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEndTradingRequiresDeadline(t *testing.T) {
	reg := market.NewRegistry()
	p := market.DefaultParams(t0) // ends 30 days out
	mkt, _ := market.New("WTI-USD", "WTI", "USD", p, t0)
	reg.Register(mkt)
	b := NewBridge(reg, window, settler, zap.NewNop())

	if err := b.EndTrading(mkt.Symbol, t0); err == nil {
		t.Error("ending trading before the deadline should fail")
	}
	if err := b.EndTrading(mkt.Symbol, t0.Add(31*24*time.Hour)); err != nil {
		t.Errorf("end trading after deadline: %v", err)
	}
	if mkt.State != market.TradingEnded {
		t.Errorf("state = %s, want TradingEnded", mkt.State)
	}
}

func TestProposeWithinRequestWindow(t *testing.T) {
	b, mkt := newBridge(t, true)

	if err := b.Propose(mkt.Symbol, dec("-1"), oracle, t0.Add(time.Minute)); err == nil {
		t.Error("negative value should be rejected")
	}
	// DefaultParams request window is two hours.
	if err := b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(3*time.Hour)); !errors.Is(err, ErrWindowClosed) {
		t.Errorf("late proposal should return ErrWindowClosed, got %v", err)
	}
	if err := b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute)); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := b.Propose(mkt.Symbol, dec("33"), oracle, t0.Add(2*time.Minute)); err == nil {
		t.Error("second proposal should be rejected")
	}

	rec, ok := b.Get(mkt.Symbol)
	if !ok || !rec.HasProposal || !rec.Proposed.Equal(dec("32.50")) {
		t.Errorf("record = %+v, want proposal 32.50", rec)
	}
	wantDeadline := t0.Add(time.Minute).Add(window).UnixMilli()
	if rec.ChallengeDeadline != wantDeadline {
		t.Errorf("challenge deadline = %d, want %d", rec.ChallengeDeadline, wantDeadline)
	}
}

func TestFinalizeAfterUndisputedWindow(t *testing.T) {
	b, mkt := newBridge(t, true)
	b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute))

	// Too early: the challenge window is still open.
	if _, _, err := b.Finalize(mkt.Symbol, common.Address{}, t0.Add(time.Hour)); !errors.Is(err, ErrNotFinalizable) {
		t.Errorf("early finalize should return ErrNotFinalizable, got %v", err)
	}

	after := t0.Add(25 * time.Hour)
	ticks, val, err := b.Finalize(mkt.Symbol, common.Address{}, after)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// 32.50 at two decimals = 3250 price units.
	if ticks != 3_250 || !val.Equal(dec("32.50")) {
		t.Errorf("finalized ticks=%d val=%s, want 3250/32.50", ticks, val)
	}

	if _, _, err := b.Finalize(mkt.Symbol, common.Address{}, after); !errors.Is(err, ErrFinal) {
		t.Errorf("double finalize should return ErrFinal, got %v", err)
	}
}

func TestChallengeBlocksFinalization(t *testing.T) {
	b, mkt := newBridge(t, true)
	b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute))

	if err := b.Challenge(mkt.Symbol, dec("32.50"), disputer, t0.Add(time.Hour)); err == nil {
		t.Error("challenge equal to the proposal should be rejected")
	}
	if err := b.Challenge(mkt.Symbol, dec("31.00"), disputer, t0.Add(time.Hour)); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	// Only the first challenge counts.
	if err := b.Challenge(mkt.Symbol, dec("30.00"), oracle, t0.Add(2*time.Hour)); !errors.Is(err, ErrChallenged) {
		t.Errorf("second challenge should return ErrChallenged, got %v", err)
	}

	rec, _ := b.Get(mkt.Symbol)
	if !rec.Disputed() || !rec.Alternative.Equal(dec("31.00")) {
		t.Errorf("record = %+v, want disputed with alternative 31.00", rec)
	}

	// Disputed records never finalize by timeout.
	if _, _, err := b.Finalize(mkt.Symbol, common.Address{}, t0.Add(48*time.Hour)); !errors.Is(err, ErrNotFinalizable) {
		t.Errorf("disputed finalize should return ErrNotFinalizable, got %v", err)
	}

	// Arbitration may pick a value matching neither candidate.
	if err := b.Resolve(mkt.Symbol, dec("31.75")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ticks, val, err := b.Finalize(mkt.Symbol, common.Address{}, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("finalize after resolution: %v", err)
	}
	if ticks != 3_175 || !val.Equal(dec("31.75")) {
		t.Errorf("finalized ticks=%d val=%s, want 3175/31.75", ticks, val)
	}
}

func TestChallengeAfterDeadline(t *testing.T) {
	b, mkt := newBridge(t, true)
	b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute))

	err := b.Challenge(mkt.Symbol, dec("31.00"), disputer, t0.Add(window+2*time.Minute))
	if !errors.Is(err, ErrWindowClosed) {
		t.Errorf("late challenge should return ErrWindowClosed, got %v", err)
	}
}

func TestResolveRequiresDispute(t *testing.T) {
	b, mkt := newBridge(t, true)
	b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute))

	if err := b.Resolve(mkt.Symbol, dec("31.00")); err == nil {
		t.Error("resolving an undisputed market should fail")
	}
}

func TestManualSettleRequiresSettler(t *testing.T) {
	b, mkt := newBridge(t, false)
	b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute))

	after := t0.Add(25 * time.Hour)
	if _, _, err := b.Finalize(mkt.Symbol, disputer, after); err == nil {
		t.Error("unauthorized caller should not finalize a manual market")
	}
	if _, _, err := b.Finalize(mkt.Symbol, common.Address{}, after); err == nil {
		t.Error("zero caller should not finalize a manual market")
	}
	if _, _, err := b.Finalize(mkt.Symbol, settler, after); err != nil {
		t.Errorf("settler finalize: %v", err)
	}
}

func TestDue(t *testing.T) {
	b, mkt := newBridge(t, true)
	b.Propose(mkt.Symbol, dec("32.50"), oracle, t0.Add(time.Minute))

	if due := b.Due(t0.Add(time.Hour)); len(due) != 0 {
		t.Errorf("nothing should be due inside the window, got %v", due)
	}
	due := b.Due(t0.Add(25 * time.Hour))
	if len(due) != 1 || due[0] != mkt.Symbol {
		t.Errorf("due = %v, want [%s]", due, mkt.Symbol)
	}
}

func TestFinalizeWithoutProposal(t *testing.T) {
	b, mkt := newBridge(t, true)
	if _, _, err := b.Finalize(mkt.Symbol, common.Address{}, t0.Add(48*time.Hour)); !errors.Is(err, ErrNotFinalizable) {
		t.Errorf("finalize without proposal should return ErrNotFinalizable, got %v", err)
	}
}
