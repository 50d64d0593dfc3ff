package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/gh0stOo/Tradingbot/internal/events"
)

// checkInvariant asserts equity equals cash plus locked margin plus
// unrealized PnL plus outstanding order reservations.
func checkInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	snap := l.Snapshot()
	sum := snap.Cash
	for _, p := range snap.Positions {
		sum += p.Margin + p.UnrealizedPnL
	}
	for _, o := range snap.Orders {
		if o.ReservedMargin > 0 && !o.MarginReleased {
			sum += o.ReservedMargin
		}
	}
	if math.Abs(snap.Equity-sum) > 1e-9 {
		t.Fatalf("equity invariant broken: equity=%.6f account total=%.6f", snap.Equity, sum)
	}
}

func TestEquityInvariantAcrossLifecycle(t *testing.T) {
	l := New(10000)
	l.EnableTrading()
	checkInvariant(t, l)

	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 50, 100, 98, nil, 5000, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	checkInvariant(t, l)

	l.MarkPrice("BTCUSDT", 103)
	checkInvariant(t, l)
	if got := l.Equity(); math.Abs(got-(10000-2+150)) > 1e-9 {
		t.Fatalf("expected equity 10148, got %.4f", got)
	}

	l.MarkPrice("BTCUSDT", 99)
	checkInvariant(t, l)

	if _, err := l.RemovePosition("BTCUSDT", 104, 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	checkInvariant(t, l)
	// entry fee 2, exit fee 3, gain 200
	if got := l.Equity(); math.Abs(got-10195) > 1e-9 {
		t.Fatalf("expected equity 10195, got %.4f", got)
	}
}

func TestDuplicateAssetRejected(t *testing.T) {
	l := New(10000)
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 1, 100, 98, nil, 100, 0); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := l.AddPosition("BTCUSDT", events.SideSell, 1, 100, 102, nil, 100, 0)
	if !errors.Is(err, ErrDuplicateAsset) {
		t.Fatalf("expected ErrDuplicateAsset, got %v", err)
	}
}

func TestInsufficientCash(t *testing.T) {
	l := New(100)
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 10, 100, 98, nil, 1000, 0); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
	if err := l.DebitCash(200); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash on debit, got %v", err)
	}
}

func TestShortPositionPnL(t *testing.T) {
	l := New(10000)
	if _, err := l.AddPosition("ETHUSDT", events.SideSell, 10, 2000, 2100, nil, 4000, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	l.MarkPrice("ETHUSDT", 1900)
	checkInvariant(t, l)
	pos, _ := l.Position("ETHUSDT")
	if math.Abs(pos.UnrealizedPnL-1000) > 1e-9 {
		t.Fatalf("short pnl wrong: %.4f", pos.UnrealizedPnL)
	}

	if _, err := l.RemovePosition("ETHUSDT", 1950, 0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := l.Equity(); math.Abs(got-10500) > 1e-9 {
		t.Fatalf("expected 10500 after covering, got %.4f", got)
	}
}

func TestReducePositionPartialAndFull(t *testing.T) {
	l := New(10000)
	targets := []events.TargetSpec{{Price: 110, Fraction: 0.5}, {Price: 120, Fraction: 0.5}}
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 10, 100, 95, targets, 1000, 0); err != nil {
		t.Fatalf("add: %v", err)
	}

	pos, err := l.ReducePosition("BTCUSDT", 5, 110, 0, 0)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if math.Abs(pos.Quantity-5) > 1e-9 || !pos.Targets[0].Filled {
		t.Fatalf("partial reduce wrong: %+v", pos)
	}
	checkInvariant(t, l)
	// +50 realized on the first half
	if got := l.Equity(); got < 10000 {
		t.Fatalf("profit lost: equity %.4f", got)
	}

	if _, err := l.ReducePosition("BTCUSDT", 5, 120, 0, 1); err != nil {
		t.Fatalf("final reduce: %v", err)
	}
	if _, ok := l.Position("BTCUSDT"); ok {
		t.Fatalf("position should be gone after full reduce")
	}
	checkInvariant(t, l)
	// +50 then +100 realized
	if got := l.Equity(); math.Abs(got-10150) > 1e-9 {
		t.Fatalf("expected 10150, got %.4f", got)
	}
}

func TestTargetFractionsValidated(t *testing.T) {
	l := New(10000)
	bad := []events.TargetSpec{{Price: 110, Fraction: 0.7}, {Price: 120, Fraction: 0.7}}
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 10, 100, 95, bad, 1000, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for oversubscribed targets, got %v", err)
	}
}

func TestDailyCountersAndReset(t *testing.T) {
	l := New(10000)
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 10, 100, 95, nil, 1000, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := l.RemovePosition("BTCUSDT", 95, 0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	snap := l.Snapshot()
	if snap.TradesToday != 1 {
		t.Fatalf("expected 1 trade today, got %d", snap.TradesToday)
	}
	if math.Abs(snap.DailyPnL-(-50)) > 1e-9 {
		t.Fatalf("expected -50 daily pnl, got %.4f", snap.DailyPnL)
	}

	l.ResetDailyCounters()
	snap = l.Snapshot()
	if snap.TradesToday != 0 || snap.DailyPnL != 0 {
		t.Fatalf("reset incomplete: %+v", snap)
	}
	if math.Abs(snap.DailyStartEquity-snap.Equity) > 1e-9 {
		t.Fatalf("daily start equity not rebased: %+v", snap)
	}
}

func TestTradingLatch(t *testing.T) {
	l := New(10000)
	if l.TradingEnabled() {
		t.Fatalf("trading must start disabled")
	}
	l.EnableTrading()
	if !l.TradingEnabled() {
		t.Fatalf("enable failed")
	}
	l.DisableTrading("daily loss limit")
	if l.TradingEnabled() {
		t.Fatalf("disable failed")
	}
	l.EnableTrading()
	l.TripKillSwitch("drawdown limit")
	if l.TradingEnabled() {
		t.Fatalf("kill switch must latch trading off")
	}
}

func TestApplyOrderFillReleasesProportionally(t *testing.T) {
	l := New(10000)
	if err := l.ReserveOrder(Order{ClientOrderID: "o-1", Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 50, Price: 100, Status: StatusCreated, ReservedMargin: 5000}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	o, err := l.ApplyOrderFill("o-1", "v-1", 20)
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status != StatusPartiallyFilled || math.Abs(o.FilledQty-20) > 1e-9 {
		t.Fatalf("expected PARTIALLY_FILLED with 20 filled, got %s %.2f", o.Status, o.FilledQty)
	}
	if math.Abs(o.ReservedMargin-3000) > 1e-9 || math.Abs(l.Cash()-7000) > 1e-9 {
		t.Fatalf("expected 2000 released, reservation %.2f cash %.2f", o.ReservedMargin, l.Cash())
	}
	if got := l.Equity(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("partial release must not move equity, got %.2f", got)
	}

	o, err = l.ApplyOrderFill("o-1", "", 30)
	if err != nil {
		t.Fatalf("final fill: %v", err)
	}
	if o.Status != StatusFilled || !o.MarginReleased || o.ReservedMargin != 0 {
		t.Fatalf("expected fully released FILLED order, got %+v", o)
	}
	if math.Abs(l.Cash()-10000) > 1e-9 {
		t.Fatalf("expected full reservation back, cash %.2f", l.Cash())
	}
	if _, err := l.ApplyOrderFill("o-1", "", 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("fill on terminal order must fail, got %v", err)
	}
}

func TestApplyOrderFillRejectsOverfill(t *testing.T) {
	l := New(10000)
	if err := l.ReserveOrder(Order{ClientOrderID: "o-1", Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 50, Price: 100, Status: StatusCreated, ReservedMargin: 5000}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.ApplyOrderFill("o-1", "", 60); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for overfill, got %v", err)
	}
	o, _ := l.GetOrder("o-1")
	if o.FilledQty != 0 || math.Abs(l.Cash()-5000) > 1e-9 {
		t.Fatalf("overfill must leave the order untouched, got %+v cash %.2f", o, l.Cash())
	}
}

func TestGrowPositionAveragesEntry(t *testing.T) {
	l := New(10000)
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 10, 100, 95, nil, 1000, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	pos, err := l.GrowPosition("BTCUSDT", 10, 110, 1100, 0)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if math.Abs(pos.Quantity-20) > 1e-9 || math.Abs(pos.EntryPrice-105) > 1e-9 {
		t.Fatalf("expected 20 @ 105 after averaging, got %.2f @ %.4f", pos.Quantity, pos.EntryPrice)
	}
	if math.Abs(pos.Margin-2100) > 1e-9 {
		t.Fatalf("expected combined margin 2100, got %.2f", pos.Margin)
	}
	// The first 10 units gained 10 each at the 110 mark.
	if got := l.Equity(); math.Abs(got-10100) > 1e-9 {
		t.Fatalf("expected equity 10100, got %.2f", got)
	}
	if _, err := l.GrowPosition("ETHUSDT", 1, 100, 100, 0); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}
}

func TestReleaseMarginExactlyOnce(t *testing.T) {
	l := New(10000)
	if err := l.ReserveOrder(Order{ClientOrderID: "o-1", Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 1, Price: 100, Status: StatusCreated, ReservedMargin: 500}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := l.Cash(); math.Abs(got-9500) > 1e-9 {
		t.Fatalf("reservation not debited: %.2f", got)
	}
	checkInvariant(t, l)

	released, err := l.ReleaseMargin("o-1")
	if err != nil || released != 500 {
		t.Fatalf("first release: %v %v", released, err)
	}
	released, err = l.ReleaseMargin("o-1")
	if err != nil || released != 0 {
		t.Fatalf("second release must be a no-op: %v %v", released, err)
	}
	if got := l.Cash(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("cash drifted: %.2f", got)
	}

	if _, err := l.ReleaseMargin("missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := New(10000)
	targets := []events.TargetSpec{{Price: 110, Fraction: 1}}
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 1, 100, 95, targets, 100, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	snap := l.Snapshot()
	p := snap.Positions["BTCUSDT"]
	p.Targets[0].Filled = true
	p.Quantity = 999
	snap.Positions["BTCUSDT"] = p

	fresh, _ := l.Position("BTCUSDT")
	if fresh.Targets[0].Filled || fresh.Quantity == 999 {
		t.Fatalf("snapshot mutation leaked into the ledger")
	}
}

func TestRestoreValidatesInvariant(t *testing.T) {
	l := New(10000)
	if _, err := l.AddPosition("BTCUSDT", events.SideBuy, 1, 100, 95, nil, 100, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	snap := l.Snapshot()

	fresh := New(0)
	if err := fresh.Restore(snap); err != nil {
		t.Fatalf("restore of a consistent snapshot failed: %v", err)
	}
	if math.Abs(fresh.Equity()-l.Equity()) > 1e-9 {
		t.Fatalf("restored equity differs")
	}

	snap.Equity += 123
	corrupt := New(0)
	if err := corrupt.Restore(snap); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for corrupt snapshot, got %v", err)
	}
}
