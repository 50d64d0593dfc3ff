package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

// ErrRiskRejected is returned when Submit is handed a decision the risk
// engine did not approve.
var ErrRiskRejected = errors.New("intent rejected by risk engine")

// Config controls submission and reconciliation behavior.
type Config struct {
	Leverage          float64       `yaml:"leverage"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	OrdersPerSecond   float64       `yaml:"orders_per_second"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		Leverage:          1,
		MaxRetries:        3,
		RetryBaseDelay:    200 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		OrdersPerSecond:   5,
		ReconcileInterval: 30 * time.Second,
	}
}

// Executor submits approved intents to a venue and applies fills to the
// ledger. Submission is idempotent on intent id, fills are credited exactly
// once by fill id, and periodic reconciliation corrects the ledger toward
// venue truth.
type Executor struct {
	cfg     Config
	venue   Venue
	ledger  *ledger.Ledger
	bus     *events.Bus
	limiter *rate.Limiter

	mu        sync.Mutex
	pending   map[string]events.OrderIntent // client order id -> intent
	submitted map[string]Ack                // client order id -> venue ack
	applied   map[string]struct{}           // fill ids already credited
	lastRecon events.ReconciliationReport
}

// New creates an executor. The bus may be nil for direct-call use such as
// backtests.
func New(cfg Config, venue Venue, lg *ledger.Ledger, bus *events.Bus) *Executor {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	rps := cfg.OrdersPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Executor{
		cfg:       cfg,
		venue:     venue,
		ledger:    lg,
		bus:       bus,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		pending:   make(map[string]events.OrderIntent),
		submitted: make(map[string]Ack),
		applied:   make(map[string]struct{}),
	}
}

// Submit places the approved intent on the venue. Calling it N times with
// the same intent id produces exactly one venue order: repeats return the
// recorded outcome without touching the venue or the ledger again.
func (e *Executor) Submit(ctx context.Context, dec events.RiskDecision) error {
	if !dec.Approved {
		return fmt.Errorf("%w: intent %s: %s", ErrRiskRejected, dec.IntentID, dec.Reason)
	}
	if !e.ledger.TradingEnabled() {
		return fmt.Errorf("%w: refusing intent %s", ledger.ErrKillSwitch, dec.IntentID)
	}
	intent := dec.Intent

	e.mu.Lock()
	if ack, done := e.submitted[intent.ID]; done {
		e.mu.Unlock()
		log.Printf("executor: intent %s already submitted as %s, skipping", intent.ID, ack.VenueOrderID)
		return nil
	}
	if _, inflight := e.pending[intent.ID]; inflight {
		e.mu.Unlock()
		return nil
	}
	if o, err := e.ledger.GetOrder(intent.ID); err == nil && o.Status != ledger.StatusCreated {
		e.mu.Unlock()
		log.Printf("executor: intent %s already tracked with status %s, skipping", intent.ID, o.Status)
		return nil
	}
	e.pending[intent.ID] = intent
	e.mu.Unlock()

	margin := intent.Quantity * intent.EntryPrice / e.cfg.Leverage
	if err := e.reserve(intent, margin); err != nil {
		e.mu.Lock()
		delete(e.pending, intent.ID)
		e.mu.Unlock()
		return fmt.Errorf("reserving margin for %s: %w", intent.ID, err)
	}

	ack, err := e.placeWithRetry(ctx, OrderRequest{
		ClientOrderID: intent.ID,
		Asset:         intent.Asset,
		Side:          string(intent.Side),
		Quantity:      intent.Quantity,
		Price:         intent.EntryPrice,
	})
	if err != nil {
		if errors.Is(err, ErrVenueTransient) {
			// Venue state unknown: keep the order and its reservation,
			// reconciliation will resolve it against venue truth.
			log.Printf("executor: intent %s in limbo after retries: %v", intent.ID, err)
			return err
		}
		e.reject(intent.ID, err.Error())
		return err
	}

	if err := e.ledger.SetOrderStatus(intent.ID, ledger.StatusSubmitted, ack.VenueOrderID); err != nil {
		return fmt.Errorf("recording submission %s: %w", intent.ID, err)
	}
	e.mu.Lock()
	e.submitted[intent.ID] = ack
	e.mu.Unlock()

	e.publish(events.KindOrderSubmitted, events.OrderSubmission{
		ClientOrderID: intent.ID,
		VenueOrderID:  ack.VenueOrderID,
		Asset:         intent.Asset,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Price:         intent.EntryPrice,
		Status:        ack.Status,
	})
	log.Printf("executor: submitted %s %s qty=%.6f as venue order %s", intent.Asset, intent.Side, intent.Quantity, ack.VenueOrderID)
	return nil
}

func (e *Executor) reserve(intent events.OrderIntent, margin float64) error {
	return e.ledger.ReserveOrder(ledger.Order{
		ClientOrderID:  intent.ID,
		Asset:          intent.Asset,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		Price:          intent.EntryPrice,
		Status:         ledger.StatusCreated,
		ReservedMargin: margin,
		CreatedAt:      time.Now().UTC(),
	})
}

func (e *Executor) reject(clientOrderID, reason string) {
	if err := e.ledger.SetOrderStatus(clientOrderID, ledger.StatusRejected, ""); err != nil {
		log.Printf("executor: marking %s rejected: %v", clientOrderID, err)
	}
	if _, err := e.ledger.ReleaseMargin(clientOrderID); err != nil {
		log.Printf("executor: releasing margin for %s: %v", clientOrderID, err)
	}
	e.mu.Lock()
	intent, ok := e.pending[clientOrderID]
	delete(e.pending, clientOrderID)
	e.mu.Unlock()
	if ok {
		e.publish(events.KindOrderRejected, events.OrderSubmission{
			ClientOrderID: clientOrderID,
			Asset:         intent.Asset,
			Side:          intent.Side,
			Quantity:      intent.Quantity,
			Price:         intent.EntryPrice,
			Status:        string(ledger.StatusRejected),
			Reason:        reason,
		})
	}
	log.Printf("executor: rejected %s: %s", clientOrderID, reason)
}

// placeWithRetry retries transient venue errors with capped exponential
// backoff. No lock is held while waiting.
func (e *Executor) placeWithRetry(ctx context.Context, req OrderRequest) (Ack, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrVenueTransient, err)
	}
	delay := e.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		ack, err := e.venue.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		if !errors.Is(err, ErrVenueTransient) {
			return Ack{}, err
		}
		lastErr = err
		if attempt == e.cfg.MaxRetries {
			break
		}
		log.Printf("executor: attempt %d/%d for %s failed: %v, retrying in %s", attempt, e.cfg.MaxRetries, req.ClientOrderID, err, delay)
		select {
		case <-ctx.Done():
			return Ack{}, fmt.Errorf("%w: %v", ErrVenueTransient, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.cfg.RetryMaxDelay {
			delay = e.cfg.RetryMaxDelay
		}
	}
	return Ack{}, fmt.Errorf("placing %s after %d attempts: %w", req.ClientOrderID, e.cfg.MaxRetries, lastErr)
}

// ApplyFill credits a fill to the ledger exactly once, keyed by fill id.
// Each fill releases a proportional share of the reservation and grows the
// position; the order stays PARTIALLY_FILLED until cumulative quantity
// reaches the order quantity. A fill whose ledger effects fail is not
// remembered, so it can be retried.
func (e *Executor) ApplyFill(fill events.Fill) error {
	e.mu.Lock()
	if _, dup := e.applied[fill.FillID]; dup {
		e.mu.Unlock()
		log.Printf("executor: fill %s already applied, skipping", fill.FillID)
		return nil
	}
	e.applied[fill.FillID] = struct{}{}
	intent, ok := e.pending[fill.ClientOrderID]
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		delete(e.applied, fill.FillID)
		e.mu.Unlock()
		return err
	}

	if !ok {
		// Unknown client order id: either a restart lost the intent or the
		// venue sent a stray report. Fall back to the ledger order.
		o, err := e.ledger.GetOrder(fill.ClientOrderID)
		if err != nil {
			return fail(fmt.Errorf("fill %s for unknown order %s: %w", fill.FillID, fill.ClientOrderID, err))
		}
		intent = events.OrderIntent{
			ID:       o.ClientOrderID,
			Asset:    o.Asset,
			Side:     o.Side,
			Quantity: o.Quantity,
		}
	}

	order, err := e.ledger.ApplyOrderFill(fill.ClientOrderID, fill.VenueOrderID, fill.Quantity)
	if err != nil {
		return fail(fmt.Errorf("crediting fill %s: %w", fill.FillID, err))
	}

	margin := fill.Quantity * fill.Price / e.cfg.Leverage
	var pos ledger.Position
	if _, open := e.ledger.Position(fill.Asset); open {
		pos, err = e.ledger.GrowPosition(fill.Asset, fill.Quantity, fill.Price, margin, fill.Fee)
	} else {
		pos, err = e.ledger.AddPosition(fill.Asset, fill.Side, fill.Quantity, fill.Price, intent.StopLoss, intent.Targets, margin, fill.Fee)
	}
	if err != nil {
		return fail(fmt.Errorf("applying fill %s to position: %w", fill.FillID, err))
	}

	if order.Status == ledger.StatusFilled {
		e.mu.Lock()
		delete(e.pending, fill.ClientOrderID)
		e.mu.Unlock()
	}

	e.publish(events.KindFill, fill)
	e.publish(events.KindPositionUpdate, events.PositionUpdate{
		Asset:      pos.Asset,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		Status:     "open",
	})
	log.Printf("executor: fill %s %s qty=%.6f @ %.4f fee=%.4f (%.6f/%.6f)",
		fill.Asset, fill.Side, fill.Quantity, fill.Price, fill.Fee, order.FilledQty, order.Quantity)
	return nil
}

// ConsumeFills applies execution reports from a venue stream until the
// context is cancelled or the channel closes.
func (e *Executor) ConsumeFills(ctx context.Context, fills <-chan events.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			if err := e.ApplyFill(fill); err != nil {
				log.Printf("executor: applying fill %s: %v", fill.FillID, err)
			}
		}
	}
}

// Reconcile compares every non-terminal local order against the venue and
// corrects the ledger toward venue truth. Fills discovered here go through
// ApplyFill, so a fill already credited via the stream is never credited
// twice.
func (e *Executor) Reconcile(ctx context.Context) (events.ReconciliationReport, error) {
	report := events.ReconciliationReport{At: time.Now().UTC()}

	for _, o := range e.ledger.OpenOrders() {
		vo, err := e.venue.OrderStatus(ctx, o.ClientOrderID)
		if err != nil {
			if errors.Is(err, ErrVenueTransient) {
				log.Printf("reconcile: venue unavailable for %s: %v", o.ClientOrderID, err)
				continue
			}
			// The venue has never seen this order: the reservation is
			// stranded, release it.
			report.Diffs = append(report.Diffs, events.OrderDiff{
				ClientOrderID: o.ClientOrderID,
				LocalStatus:   string(o.Status),
				VenueStatus:   "UNKNOWN",
				Corrected:     true,
			})
			e.reject(o.ClientOrderID, "order unknown to venue")
			continue
		}

		switch vo.Status {
		case "FILLED":
			diff := events.OrderDiff{
				ClientOrderID: o.ClientOrderID,
				LocalStatus:   string(o.Status),
				VenueStatus:   vo.Status,
			}
			// Credit only what the stream has not already applied.
			remainder := vo.FilledQty - o.FilledQty
			if remainder <= 1e-9 {
				err := e.ledger.SetOrderStatus(o.ClientOrderID, ledger.StatusFilled, vo.VenueOrderID)
				diff.Corrected = err == nil
				e.mu.Lock()
				delete(e.pending, o.ClientOrderID)
				e.mu.Unlock()
			} else {
				fee := vo.Fee
				if vo.FilledQty > 0 {
					fee = vo.Fee * remainder / vo.FilledQty
				}
				err := e.ApplyFill(events.Fill{
					FillID:        "recon-" + vo.VenueOrderID,
					ClientOrderID: o.ClientOrderID,
					VenueOrderID:  vo.VenueOrderID,
					Asset:         o.Asset,
					Side:          o.Side,
					Quantity:      remainder,
					Price:         vo.AvgFillPrice,
					Fee:           fee,
					Time:          report.At,
				})
				diff.Corrected = err == nil
				if err != nil {
					log.Printf("reconcile: applying venue fill for %s: %v", o.ClientOrderID, err)
				}
			}
			report.Diffs = append(report.Diffs, diff)
		case "CANCELED", "REJECTED":
			report.Diffs = append(report.Diffs, events.OrderDiff{
				ClientOrderID: o.ClientOrderID,
				LocalStatus:   string(o.Status),
				VenueStatus:   vo.Status,
				Corrected:     true,
			})
			e.reject(o.ClientOrderID, "venue reports "+vo.Status)
		default:
			// Venue still working it, nothing to correct.
		}
	}

	e.reconcilePositions(ctx, &report)

	report.HasDiffs = len(report.Diffs) > 0 || len(report.PositionDiffs) > 0
	for _, d := range report.Diffs {
		if d.Corrected {
			report.Corrected++
		}
	}
	for _, d := range report.PositionDiffs {
		if d.Corrected {
			report.Corrected++
		}
	}

	e.mu.Lock()
	e.lastRecon = report
	e.mu.Unlock()

	if report.HasDiffs {
		log.Printf("reconcile: %d diffs, %d corrected", len(report.Diffs), report.Corrected)
	}
	e.publish(events.KindReconciliation, report)
	return report, nil
}

// reconcilePositions compares the ledger's position book against the
// venue's. A position the venue no longer holds is closed locally; a venue
// quantity below ours shrinks ours to match. Positions the venue holds that
// we do not, or holds larger than ours, are reported but never adopted: the
// ledger cannot invent an entry it was not part of.
func (e *Executor) reconcilePositions(ctx context.Context, report *events.ReconciliationReport) {
	venuePositions, err := e.venue.Positions(ctx)
	if err != nil {
		log.Printf("reconcile: venue positions unavailable: %v", err)
		return
	}
	byAsset := make(map[string]VenuePosition, len(venuePositions))
	for _, p := range venuePositions {
		byAsset[p.Asset] = p
	}

	snap := e.ledger.Snapshot()
	for asset, pos := range snap.Positions {
		vp, held := byAsset[asset]
		delete(byAsset, asset)
		if held && vp.Quantity >= pos.Quantity-1e-9 {
			if vp.Quantity > pos.Quantity+1e-9 {
				report.PositionDiffs = append(report.PositionDiffs, events.PositionDiff{
					Asset:    asset,
					LocalQty: pos.Quantity,
					VenueQty: vp.Quantity,
					Note:     "venue holds more than ledger",
				})
			}
			continue
		}

		diff := events.PositionDiff{Asset: asset, LocalQty: pos.Quantity}
		if !held {
			// Closed on venue. Realize at the last marked price.
			exit := pos.EntryPrice
			if pos.Quantity > 0 {
				adj := pos.UnrealizedPnL / pos.Quantity
				if pos.Side == events.SideSell {
					adj = -adj
				}
				exit += adj
			}
			_, cerr := e.ledger.RemovePosition(asset, exit, 0)
			diff.Corrected = cerr == nil
			diff.Note = "position closed on venue"
			if cerr != nil {
				log.Printf("reconcile: closing %s: %v", asset, cerr)
			}
		} else {
			excess := pos.Quantity - vp.Quantity
			_, cerr := e.ledger.ReducePosition(asset, excess, vp.MarkPrice, 0, -1)
			diff.VenueQty = vp.Quantity
			diff.Corrected = cerr == nil
			diff.Note = "reduced to venue quantity"
			if cerr != nil {
				log.Printf("reconcile: reducing %s by %.6f: %v", asset, excess, cerr)
			}
		}
		report.PositionDiffs = append(report.PositionDiffs, diff)
	}

	for asset, vp := range byAsset {
		report.PositionDiffs = append(report.PositionDiffs, events.PositionDiff{
			Asset:    asset,
			VenueQty: vp.Quantity,
			Note:     "venue position unknown to ledger",
		})
	}
}

// StartReconciler runs Reconcile on a timer until the context is cancelled.
func (e *Executor) StartReconciler(ctx context.Context) {
	interval := e.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("executor: reconciler running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				log.Printf("reconcile: %v", err)
			}
		}
	}
}

// LastReconciliation returns the most recent reconciliation report.
func (e *Executor) LastReconciliation() events.ReconciliationReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRecon
}

func (e *Executor) publish(kind events.Kind, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.New(kind, payload))
}
