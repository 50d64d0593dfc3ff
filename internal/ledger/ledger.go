package ledger

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/events"
)

var (
	// ErrDuplicateAsset is returned when a position already exists for an asset.
	ErrDuplicateAsset = errors.New("position already exists for asset")
	// ErrUnknownPosition is returned when no position exists for an asset.
	ErrUnknownPosition = errors.New("no position for asset")
	// ErrInsufficientCash is returned when a debit exceeds available cash.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrOrderNotFound is returned for lookups of unknown client order ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrValidation is returned for malformed mutation requests; the ledger
	// is left untouched.
	ErrValidation = errors.New("validation failed")
	// ErrKillSwitch is returned when an operation requires the trading latch
	// to be open and it is not.
	ErrKillSwitch = errors.New("trading disabled by kill switch")
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Position is an open holding in one asset. Owned exclusively by the Ledger;
// callers only ever see copies.
type Position struct {
	Asset           string              `json:"asset"`
	Side            events.Side         `json:"side"`
	Quantity        float64             `json:"quantity"`
	InitialQuantity float64             `json:"initial_quantity"`
	EntryPrice      float64             `json:"entry_price"`
	EntryTime       time.Time           `json:"entry_time"`
	StopLoss        float64             `json:"stop_loss"`
	Targets         []events.TargetSpec `json:"targets"`
	Margin          float64             `json:"margin"`
	UnrealizedPnL   float64             `json:"unrealized_pnl"`
	MarkPrice       float64             `json:"mark_price"`
}

// markTo recomputes unrealized PnL against a price.
func (p *Position) markTo(price float64) {
	p.MarkPrice = price
	if p.Side == events.SideBuy {
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	} else {
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Quantity
	}
}

// Order is a venue-facing submission tracked by the ledger.
type Order struct {
	ClientOrderID  string      `json:"client_order_id"`
	VenueOrderID   string      `json:"venue_order_id"`
	Asset          string      `json:"asset"`
	Side           events.Side `json:"side"`
	Quantity       float64     `json:"quantity"`
	FilledQty      float64     `json:"filled_qty"`
	Price          float64     `json:"price"`
	Status         OrderStatus `json:"status"`
	PositionRef    string      `json:"position_ref"`
	ReservedMargin float64     `json:"reserved_margin"`
	MarginReleased bool        `json:"margin_released"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Ledger is the single source of truth for cash, equity, positions and
// orders. One mutex guards everything; every exported operation is atomic
// end to end and recomputes the equity invariant before returning.
type Ledger struct {
	mu sync.Mutex

	cash       float64
	equity     float64
	peakEquity float64

	positions map[string]*Position
	orders    map[string]*Order
	exposure  map[string]float64

	tradingEnabled   bool
	dailyPnL         float64
	tradesToday      int
	dailyStartEquity float64
}

// New creates a ledger seeded with initial capital. Trading starts disabled
// until explicitly enabled.
func New(initialCash float64) *Ledger {
	l := &Ledger{
		cash:             initialCash,
		equity:           initialCash,
		peakEquity:       initialCash,
		positions:        make(map[string]*Position),
		orders:           make(map[string]*Order),
		exposure:         make(map[string]float64),
		dailyStartEquity: initialCash,
	}
	log.Printf("ledger: initialized with cash=%.2f", initialCash)
	return l
}

// recompute re-derives equity and peak. Equity is total account value:
// spendable cash, margin locked in positions, margin reserved for in-flight
// orders, and unrealized PnL. Must be called with the lock held after every
// mutation.
func (l *Ledger) recompute() {
	total := l.cash
	for _, p := range l.positions {
		total += p.Margin + p.UnrealizedPnL
	}
	for _, o := range l.orders {
		if o.ReservedMargin > 0 && !o.MarginReleased {
			total += o.ReservedMargin
		}
	}
	l.equity = total
	if l.equity > l.peakEquity {
		l.peakEquity = l.equity
	}
}

// AddPosition opens a position, debiting margin plus the entry fee from
// cash. Fails atomically with ErrDuplicateAsset if a position is already
// open for the asset, ErrValidation for malformed inputs, or
// ErrInsufficientCash when the debit cannot be covered.
func (l *Ledger) AddPosition(asset string, side events.Side, qty, entry, stop float64, targets []events.TargetSpec, margin, entryFee float64) (Position, error) {
	if asset == "" || qty <= 0 || entry <= 0 || margin < 0 || entryFee < 0 {
		return Position{}, fmt.Errorf("%w: asset=%q qty=%v entry=%v", ErrValidation, asset, qty, entry)
	}
	totalFraction := 0.0
	for _, t := range targets {
		if t.Fraction <= 0 || t.Price <= 0 {
			return Position{}, fmt.Errorf("%w: target price=%v fraction=%v", ErrValidation, t.Price, t.Fraction)
		}
		totalFraction += t.Fraction
	}
	if totalFraction > 1+1e-9 {
		return Position{}, fmt.Errorf("%w: take-profit fractions sum to %.4f > 1", ErrValidation, totalFraction)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[asset]; exists {
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset)
	}
	debit := margin + entryFee
	if l.cash < debit {
		return Position{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, debit, l.cash)
	}

	l.cash -= debit
	pos := &Position{
		Asset:           asset,
		Side:            side,
		Quantity:        qty,
		InitialQuantity: qty,
		EntryPrice:      entry,
		EntryTime:       time.Now().UTC(),
		StopLoss:        stop,
		Targets:         append([]events.TargetSpec(nil), targets...),
		Margin:          margin,
	}
	pos.markTo(entry)
	l.positions[asset] = pos
	l.exposure[asset] = qty * entry
	l.recompute()

	log.Printf("ledger: position opened %s %s qty=%.6f @ %.4f margin=%.2f", asset, side, qty, entry, margin)
	return *pos, nil
}

// GrowPosition adds quantity to an existing position at a new fill price,
// averaging the entry. Margin plus the fee is debited from cash. Used when
// an order fills in several parts.
func (l *Ledger) GrowPosition(asset string, qty, price, margin, fee float64) (Position, error) {
	if qty <= 0 || price <= 0 || margin < 0 || fee < 0 {
		return Position{}, fmt.Errorf("%w: qty=%v price=%v margin=%v", ErrValidation, qty, price, margin)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[asset]
	if !exists {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, asset)
	}
	debit := margin + fee
	if l.cash < debit {
		return Position{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, debit, l.cash)
	}

	l.cash -= debit
	newQty := pos.Quantity + qty
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / newQty
	pos.Quantity = newQty
	pos.InitialQuantity += qty
	pos.Margin += margin
	pos.markTo(price)
	l.exposure[asset] = pos.Quantity * pos.EntryPrice
	l.recompute()

	log.Printf("ledger: position grown %s by %.6f @ %.4f avg entry now %.4f", asset, qty, price, pos.EntryPrice)
	return *pos, nil
}

// RemovePosition closes a position at exitPrice. Reserved margin plus
// realized PnL minus fees is credited to cash exactly once; daily PnL and
// the trade counter are updated; equity is recomputed. Returns the removed
// position.
func (l *Ledger) RemovePosition(asset string, exitPrice, fees float64) (Position, error) {
	if exitPrice <= 0 || fees < 0 {
		return Position{}, fmt.Errorf("%w: exit=%v fees=%v", ErrValidation, exitPrice, fees)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[asset]
	if !exists {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, asset)
	}

	realized := realizedPnL(pos.Side, pos.Quantity, pos.EntryPrice, exitPrice) - fees
	l.cash += pos.Margin + realized
	l.dailyPnL += realized
	l.tradesToday++

	removed := *pos
	removed.UnrealizedPnL = 0
	delete(l.positions, asset)
	delete(l.exposure, asset)
	l.recompute()

	log.Printf("ledger: position closed %s @ %.4f realized=%.2f", asset, exitPrice, realized)
	return removed, nil
}

// ReducePosition realizes a partial exit of exitQty at exitPrice, releasing
// margin proportionally. targetIdx >= 0 marks that take-profit target as
// filled. Reducing to zero (or below the dust threshold) closes the
// position entirely.
func (l *Ledger) ReducePosition(asset string, exitQty, exitPrice, fees float64, targetIdx int) (Position, error) {
	if exitQty <= 0 || exitPrice <= 0 || fees < 0 {
		return Position{}, fmt.Errorf("%w: qty=%v exit=%v fees=%v", ErrValidation, exitQty, exitPrice, fees)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[asset]
	if !exists {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, asset)
	}
	if exitQty >= pos.Quantity-1e-12 {
		// Full exit through the same path as RemovePosition.
		realized := realizedPnL(pos.Side, pos.Quantity, pos.EntryPrice, exitPrice) - fees
		l.cash += pos.Margin + realized
		l.dailyPnL += realized
		l.tradesToday++
		removed := *pos
		removed.UnrealizedPnL = 0
		delete(l.positions, asset)
		delete(l.exposure, asset)
		l.recompute()
		log.Printf("ledger: position closed %s via reduce @ %.4f realized=%.2f", asset, exitPrice, realized)
		return removed, nil
	}

	fraction := exitQty / pos.Quantity
	marginRelease := pos.Margin * fraction
	realized := realizedPnL(pos.Side, exitQty, pos.EntryPrice, exitPrice) - fees

	l.cash += marginRelease + realized
	l.dailyPnL += realized
	pos.Quantity -= exitQty
	pos.Margin -= marginRelease
	if targetIdx >= 0 && targetIdx < len(pos.Targets) {
		pos.Targets[targetIdx].Filled = true
	}
	pos.markTo(exitPrice)
	l.exposure[asset] = pos.Quantity * pos.EntryPrice
	l.recompute()

	log.Printf("ledger: position reduced %s by %.6f @ %.4f realized=%.2f remaining=%.6f",
		asset, exitQty, exitPrice, realized, pos.Quantity)
	return *pos, nil
}

// MarkPrice updates the unrealized PnL of the asset's position and
// recomputes equity. Unknown assets are a no-op.
func (l *Ledger) MarkPrice(asset string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[asset]; ok {
		pos.markTo(price)
		l.recompute()
	}
}

// DebitCash atomically removes amount from cash.
func (l *Ledger) DebitCash(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %v", ErrValidation, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cash < amount {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, amount, l.cash)
	}
	l.cash -= amount
	l.recompute()
	return nil
}

// CreditCash atomically adds amount to cash.
func (l *Ledger) CreditCash(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %v", ErrValidation, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash += amount
	l.recompute()
	return nil
}

// ReserveOrder stores the order and debits its reserved margin from cash in
// one atomic step, so equity never observes a half-applied reservation.
func (l *Ledger) ReserveOrder(o Order) error {
	if o.ClientOrderID == "" {
		return fmt.Errorf("%w: empty client order id", ErrValidation)
	}
	if o.ReservedMargin < 0 {
		return fmt.Errorf("%w: negative reservation %v", ErrValidation, o.ReservedMargin)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cash < o.ReservedMargin {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, o.ReservedMargin, l.cash)
	}
	l.cash -= o.ReservedMargin
	stored := o
	l.orders[o.ClientOrderID] = &stored
	l.recompute()
	return nil
}

// UpsertOrder stores or replaces an order keyed by client order id.
func (l *Ledger) UpsertOrder(o Order) error {
	if o.ClientOrderID == "" {
		return fmt.Errorf("%w: empty client order id", ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := o
	l.orders[o.ClientOrderID] = &stored
	return nil
}

// GetOrder returns a copy of the order for the client order id.
func (l *Ledger) GetOrder(clientOrderID string) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	return *o, nil
}

// SetOrderStatus transitions an order's status and optionally records the
// venue-assigned id.
func (l *Ledger) SetOrderStatus(clientOrderID string, status OrderStatus, venueOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	o.Status = status
	if venueOrderID != "" {
		o.VenueOrderID = venueOrderID
	}
	return nil
}

// ApplyOrderFill credits fillQty against an order: the filled quantity
// accumulates, a proportional share of the remaining reservation returns to
// cash, and the order moves to PARTIALLY_FILLED or FILLED once cumulative
// quantity reaches the order quantity. Returns the updated order.
func (l *Ledger) ApplyOrderFill(clientOrderID, venueOrderID string, fillQty float64) (Order, error) {
	if fillQty <= 0 {
		return Order{}, fmt.Errorf("%w: fill qty %v", ErrValidation, fillQty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[clientOrderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if o.Terminal() {
		return Order{}, fmt.Errorf("%w: order %s is already %s", ErrValidation, clientOrderID, o.Status)
	}
	remaining := o.Quantity - o.FilledQty
	if fillQty > remaining+1e-9 {
		return Order{}, fmt.Errorf("%w: fill %v exceeds remaining %v on %s", ErrValidation, fillQty, remaining, clientOrderID)
	}

	if !o.MarginReleased && o.ReservedMargin > 0 {
		release := o.ReservedMargin * fillQty / remaining
		if release > o.ReservedMargin {
			release = o.ReservedMargin
		}
		o.ReservedMargin -= release
		l.cash += release
	}
	o.FilledQty += fillQty
	if venueOrderID != "" {
		o.VenueOrderID = venueOrderID
	}
	if o.FilledQty >= o.Quantity-1e-9 {
		// Flush any reservation dust along with the terminal transition.
		l.cash += o.ReservedMargin
		o.ReservedMargin = 0
		o.MarginReleased = true
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	l.recompute()
	return *o, nil
}

// ReleaseMargin credits an order's reserved margin back to cash exactly
// once. Repeat calls are a no-op, making rejection and fill paths safe to
// retry.
func (l *Ledger) ReleaseMargin(clientOrderID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientOrderID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if o.MarginReleased || o.ReservedMargin == 0 {
		return 0, nil
	}
	o.MarginReleased = true
	l.cash += o.ReservedMargin
	l.recompute()
	return o.ReservedMargin, nil
}

// OpenOrders returns copies of all non-terminal orders.
func (l *Ledger) OpenOrders() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Order, 0, len(l.orders))
	for _, o := range l.orders {
		if !o.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Position returns a copy of the open position for asset, if any.
func (l *Ledger) Position(asset string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[asset]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// EnableTrading opens the trading latch.
func (l *Ledger) EnableTrading() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tradingEnabled = true
	log.Printf("ledger: trading enabled")
}

// DisableTrading closes the trading latch. Used by the kill switch; only an
// explicit EnableTrading reopens it, intraday recovery does not.
func (l *Ledger) DisableTrading(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tradingEnabled {
		log.Printf("ledger: trading disabled: %s", reason)
	}
	l.tradingEnabled = false
}

// TripKillSwitch latches trading off in response to a breached risk limit.
// The latch survives intraday recovery; only EnableTrading reopens it.
func (l *Ledger) TripKillSwitch(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tradingEnabled {
		log.Printf("ledger: KILL SWITCH tripped: %s", reason)
	}
	l.tradingEnabled = false
}

// TradingEnabled reports the kill-switch latch state.
func (l *Ledger) TradingEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tradingEnabled
}

// Equity returns current equity: cash plus position margin and unrealized
// PnL plus unreleased order reservations.
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equity
}

// Cash returns current free cash.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// ResetDailyCounters zeroes daily PnL and the trade counter and rebases the
// daily starting equity. Invoked exactly once per trading-day boundary by
// the reset scheduler.
func (l *Ledger) ResetDailyCounters() {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf("ledger: daily counters reset (prev pnl=%.2f trades=%d)", l.dailyPnL, l.tradesToday)
	l.dailyPnL = 0
	l.tradesToday = 0
	l.dailyStartEquity = l.equity
}

func realizedPnL(side events.Side, qty, entry, exit float64) float64 {
	if side == events.SideBuy {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
