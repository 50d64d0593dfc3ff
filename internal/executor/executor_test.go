package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

func approvedDecision() events.RiskDecision {
	intent := events.OrderIntent{
		ID:         "intent-1",
		SignalID:   "sig-1",
		StrategyID: "trend",
		Asset:      "BTCUSDT",
		Side:       events.SideBuy,
		Quantity:   50,
		EntryPrice: 100,
		StopLoss:   98,
	}
	return events.RiskDecision{IntentID: intent.ID, Intent: intent, Approved: true}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.OrdersPerSecond = 1000
	return cfg
}

func TestSubmitIdempotent(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	for i := 0; i < 5; i++ {
		if err := ex.Submit(context.Background(), dec); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := venue.OrderCount(); got != 1 {
		t.Fatalf("expected exactly one venue order, got %d", got)
	}
}

func TestSubmitRefusesUnapprovedAndLatched(t *testing.T) {
	lg := ledger.New(10000)
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	dec.Approved = false
	dec.Reason = "exposure cap"
	if err := ex.Submit(context.Background(), dec); !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected ErrRiskRejected, got %v", err)
	}

	dec = approvedDecision()
	if err := ex.Submit(context.Background(), dec); !errors.Is(err, ledger.ErrKillSwitch) {
		t.Fatalf("expected ErrKillSwitch while latched, got %v", err)
	}
	if got := venue.OrderCount(); got != 0 {
		t.Fatalf("no order may reach the venue, got %d", got)
	}
}

func TestSubmitReservesMargin(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 50 * 100 at 1x leverage reserves 5000
	if got := lg.Cash(); math.Abs(got-5000) > 1e-9 {
		t.Fatalf("expected 5000 cash after reservation, got %.2f", got)
	}
}

type rejectingVenue struct{ *PaperVenue }

func (v *rejectingVenue) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	return Ack{}, fmt.Errorf("%w: insufficient margin tier", ErrVenueRejected)
}

func TestRejectReleasesMarginOnce(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := &rejectingVenue{NewPaperVenue(0, 0)}
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	if err := ex.Submit(context.Background(), dec); err == nil {
		t.Fatalf("expected rejection error")
	}
	if got := lg.Cash(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("margin not fully returned: cash %.2f", got)
	}
	o, err := lg.GetOrder(dec.IntentID)
	if err != nil {
		t.Fatalf("order missing: %v", err)
	}
	if o.Status != ledger.StatusRejected {
		t.Fatalf("expected rejected status, got %s", o.Status)
	}
	// A second release must be a no-op.
	if released, _ := lg.ReleaseMargin(dec.IntentID); released != 0 {
		t.Fatalf("margin released twice: %.2f", released)
	}
}

type flakyVenue struct {
	*PaperVenue
	mu       sync.Mutex
	failures int
	calls    int
}

func (v *flakyVenue) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	v.mu.Lock()
	v.calls++
	fail := v.calls <= v.failures
	v.mu.Unlock()
	if fail {
		return Ack{}, fmt.Errorf("%w: timeout", ErrVenueTransient)
	}
	return v.PaperVenue.PlaceOrder(ctx, req)
}

func TestRetryOnTransientError(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := &flakyVenue{PaperVenue: NewPaperVenue(0, 0), failures: 2}
	ex := New(fastConfig(), venue, lg, nil)

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if venue.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", venue.calls)
	}
}

func TestExhaustedRetriesLeaveOrderForReconciliation(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := &flakyVenue{PaperVenue: NewPaperVenue(0, 0), failures: 100}
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	err := ex.Submit(context.Background(), dec)
	if !errors.Is(err, ErrVenueTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	o, gerr := lg.GetOrder(dec.IntentID)
	if gerr != nil {
		t.Fatalf("order missing: %v", gerr)
	}
	if o.Terminal() {
		t.Fatalf("limbo order must stay open for reconciliation, got %s", o.Status)
	}
	if o.MarginReleased {
		t.Fatalf("reservation must survive until venue truth is known")
	}
}

func TestApplyFillExactlyOnce(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fill := <-venue.Fills()

	for i := 0; i < 3; i++ {
		if err := ex.ApplyFill(fill); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	pos, ok := lg.Position("BTCUSDT")
	if !ok {
		t.Fatalf("position not opened")
	}
	if math.Abs(pos.Quantity-50) > 1e-9 {
		t.Fatalf("expected quantity 50, got %f", pos.Quantity)
	}
	// reservation released, then margin re-debited at the fill price:
	// equity stays at 10000 minus fees (zero here)
	if got := lg.Equity(); math.Abs(got-10000) > 1e-6 {
		t.Fatalf("equity drifted on duplicate fills: %.4f", got)
	}
}

func TestFillAtSlippedPrice(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(10, 0) // 10 bps against us
	ex := New(fastConfig(), venue, lg, nil)

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := ex.ApplyFill(<-venue.Fills()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	pos, _ := lg.Position("BTCUSDT")
	if math.Abs(pos.EntryPrice-100.1) > 1e-9 {
		t.Fatalf("expected entry at slipped price 100.1, got %f", pos.EntryPrice)
	}
}

func TestReconcileAppliesVenueFill(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Drop the stream fill to simulate a missed execution report. The
	// local order stays SUBMITTED while the venue says FILLED.
	<-venue.Fills()

	report, err := ex.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.HasDiffs || report.Corrected != 1 {
		t.Fatalf("expected one corrected diff, got %+v", report)
	}
	if _, ok := lg.Position("BTCUSDT"); !ok {
		t.Fatalf("reconciliation did not open the position")
	}

	// A second pass sees a terminal order and changes nothing.
	report, err = ex.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if report.HasDiffs {
		t.Fatalf("expected clean second pass, got %+v", report)
	}
}

func TestReconcileCancelsUnknownOrder(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := &flakyVenue{PaperVenue: NewPaperVenue(0, 0), failures: 100}
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	if err := ex.Submit(context.Background(), dec); err == nil {
		t.Fatalf("expected limbo submit to fail")
	}

	report, err := ex.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Corrected != 1 {
		t.Fatalf("expected stranded order to be corrected, got %+v", report)
	}
	if got := lg.Cash(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("stranded reservation not released: cash %.2f", got)
	}
	o, _ := lg.GetOrder(dec.IntentID)
	if o.Status != ledger.StatusRejected {
		t.Fatalf("expected rejected after reconciliation, got %s", o.Status)
	}
}

func TestPartialFillsAccumulate(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	if err := ex.Submit(context.Background(), dec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-venue.Fills() // venue's own report is not part of this scenario

	first := events.Fill{FillID: "f-1", ClientOrderID: dec.IntentID, Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 20, Price: 100, Partial: true, Time: time.Now()}
	if err := ex.ApplyFill(first); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	o, err := lg.GetOrder(dec.IntentID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != ledger.StatusPartiallyFilled || math.Abs(o.FilledQty-20) > 1e-9 {
		t.Fatalf("expected PARTIALLY_FILLED with 20 filled, got %s %.2f", o.Status, o.FilledQty)
	}
	pos, ok := lg.Position("BTCUSDT")
	if !ok || math.Abs(pos.Quantity-20) > 1e-9 {
		t.Fatalf("expected partial position of 20, got %+v", pos)
	}
	if got := lg.Equity(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("partial fill must not move equity, got %.2f", got)
	}

	second := events.Fill{FillID: "f-2", ClientOrderID: dec.IntentID, Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 30, Price: 100, Time: time.Now()}
	if err := ex.ApplyFill(second); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	o, _ = lg.GetOrder(dec.IntentID)
	if o.Status != ledger.StatusFilled || math.Abs(o.FilledQty-50) > 1e-9 {
		t.Fatalf("expected FILLED with 50 filled, got %s %.2f", o.Status, o.FilledQty)
	}
	pos, _ = lg.Position("BTCUSDT")
	if math.Abs(pos.Quantity-50) > 1e-9 || math.Abs(pos.EntryPrice-100) > 1e-9 {
		t.Fatalf("expected 50 @ 100 after both fills, got %+v", pos)
	}
	if got := lg.Equity(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("expected equity 10000 after full fill, got %.2f", got)
	}
}

func TestFailedFillCanBeRetried(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	if err := ex.Submit(context.Background(), dec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-venue.Fills()

	// An overfill is refused by the ledger; the fill id must not be burned.
	bad := events.Fill{FillID: "f-1", ClientOrderID: dec.IntentID, Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 60, Price: 100, Time: time.Now()}
	if err := ex.ApplyFill(bad); err == nil {
		t.Fatalf("expected overfill to fail")
	}
	good := bad
	good.Quantity = 50
	if err := ex.ApplyFill(good); err != nil {
		t.Fatalf("retry with same fill id: %v", err)
	}
	pos, ok := lg.Position("BTCUSDT")
	if !ok || math.Abs(pos.Quantity-50) > 1e-9 {
		t.Fatalf("expected position of 50 after retry, got %+v", pos)
	}
}

func TestReconcileCompletesPartialFill(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	dec := approvedDecision()
	if err := ex.Submit(context.Background(), dec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-venue.Fills()

	// The stream delivered only the first 20 units before dying.
	part := events.Fill{FillID: "s-1", ClientOrderID: dec.IntentID, Asset: "BTCUSDT", Side: events.SideBuy, Quantity: 20, Price: 100, Partial: true, Time: time.Now()}
	if err := ex.ApplyFill(part); err != nil {
		t.Fatalf("partial fill: %v", err)
	}

	report, err := ex.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Diffs) != 1 || !report.Diffs[0].Corrected {
		t.Fatalf("expected one corrected order diff, got %+v", report.Diffs)
	}
	o, _ := lg.GetOrder(dec.IntentID)
	if o.Status != ledger.StatusFilled || math.Abs(o.FilledQty-50) > 1e-9 {
		t.Fatalf("expected FILLED with 50 after reconcile, got %s %.2f", o.Status, o.FilledQty)
	}
	pos, ok := lg.Position("BTCUSDT")
	if !ok || math.Abs(pos.Quantity-50) > 1e-9 {
		t.Fatalf("expected the remainder credited, got %+v", pos)
	}
	if got := lg.Equity(); math.Abs(got-10000) > 1e-9 {
		t.Fatalf("expected equity 10000, got %.2f", got)
	}
}

func TestReconcilePositionDrift(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	fill := <-venue.Fills()
	if err := ex.ApplyFill(fill); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	lg.MarkPrice("BTCUSDT", 102)

	// Venue liquidated half the position behind our back.
	venue.SetPosition("BTCUSDT", string(events.SideBuy), 25, 102)
	report, err := ex.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.PositionDiffs) != 1 || !report.PositionDiffs[0].Corrected {
		t.Fatalf("expected one corrected position diff, got %+v", report.PositionDiffs)
	}
	pos, ok := lg.Position("BTCUSDT")
	if !ok || math.Abs(pos.Quantity-25) > 1e-9 {
		t.Fatalf("expected ledger reduced to 25, got %+v", pos)
	}

	// Now the venue reports the position fully closed.
	venue.SetPosition("BTCUSDT", string(events.SideBuy), 0, 0)
	report, err = ex.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.PositionDiffs) != 1 || !report.PositionDiffs[0].Corrected {
		t.Fatalf("expected close-out diff, got %+v", report.PositionDiffs)
	}
	if _, ok := lg.Position("BTCUSDT"); ok {
		t.Fatalf("position should be gone after venue close-out")
	}
	// 50 @ 100 entry, 25 reduced at 102, 25 closed at the 102 mark.
	if got := lg.Equity(); math.Abs(got-10100) > 1e-6 {
		t.Fatalf("expected equity 10100 after drift corrections, got %.2f", got)
	}
}

func TestConsumeFills(t *testing.T) {
	lg := ledger.New(10000)
	lg.EnableTrading()
	venue := NewPaperVenue(0, 0)
	ex := New(fastConfig(), venue, lg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ex.ConsumeFills(ctx, venue.Fills())
		close(done)
	}()

	if err := ex.Submit(context.Background(), approvedDecision()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := lg.Position("BTCUSDT"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("fill never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
