package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gh0stOo/Tradingbot/internal/events"
)

// PaperVenue simulates an exchange for paper trading and tests. Orders fill
// immediately at the requested price adjusted by a fixed slippage, with a
// proportional taker fee. Fills are emitted on the Fills channel the way a
// live venue pushes execution reports.
type PaperVenue struct {
	SlippageBps float64 // applied against the order direction
	FeeRate     float64 // fraction of notional

	mu        sync.Mutex
	orders    map[string]VenueOrder // by client order id
	positions map[string]VenuePosition
	fills     chan events.Fill
}

// NewPaperVenue creates a paper venue with the given slippage (basis
// points) and fee rate.
func NewPaperVenue(slippageBps, feeRate float64) *PaperVenue {
	return &PaperVenue{
		SlippageBps: slippageBps,
		FeeRate:     feeRate,
		orders:      make(map[string]VenueOrder),
		positions:   make(map[string]VenuePosition),
		fills:       make(chan events.Fill, 256),
	}
}

// Fills is the stream of execution reports.
func (v *PaperVenue) Fills() <-chan events.Fill { return v.fills }

// PlaceOrder is idempotent on ClientOrderID: a repeated id returns the
// original ack without creating a second order.
func (v *PaperVenue) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrVenueTransient, err)
	}
	if req.Quantity <= 0 || req.Price <= 0 {
		return Ack{}, fmt.Errorf("%w: bad quantity or price", ErrVenueRejected)
	}

	v.mu.Lock()
	if existing, ok := v.orders[req.ClientOrderID]; ok {
		v.mu.Unlock()
		return Ack{ClientOrderID: req.ClientOrderID, VenueOrderID: existing.VenueOrderID, Status: existing.Status}, nil
	}

	fillPrice := v.slip(req.Side, req.Price)
	order := VenueOrder{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  uuid.NewString(),
		Asset:         req.Asset,
		Status:        "FILLED",
		FilledQty:     req.Quantity,
		AvgFillPrice:  fillPrice,
		Fee:           req.Quantity * fillPrice * v.FeeRate,
	}
	v.orders[req.ClientOrderID] = order
	v.applyToPosition(req.Asset, req.Side, req.Quantity, fillPrice)
	v.mu.Unlock()

	fill := events.Fill{
		FillID:        uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  order.VenueOrderID,
		Asset:         req.Asset,
		Side:          events.Side(req.Side),
		Quantity:      req.Quantity,
		Price:         fillPrice,
		Fee:           order.Fee,
		Time:          time.Now().UTC(),
	}
	select {
	case v.fills <- fill:
	default:
		// Test venues with no fill consumer should not deadlock.
	}
	return Ack{ClientOrderID: req.ClientOrderID, VenueOrderID: order.VenueOrderID, Status: order.Status}, nil
}

func (v *PaperVenue) OrderStatus(ctx context.Context, clientOrderID string) (VenueOrder, error) {
	if err := ctx.Err(); err != nil {
		return VenueOrder{}, fmt.Errorf("%w: %v", ErrVenueTransient, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		return VenueOrder{}, fmt.Errorf("venue has no order %s", clientOrderID)
	}
	return o, nil
}

func (v *PaperVenue) CancelOrder(ctx context.Context, clientOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("venue has no order %s", clientOrderID)
	}
	if o.Status == "FILLED" {
		return fmt.Errorf("%w: order already filled", ErrVenueRejected)
	}
	o.Status = "CANCELED"
	v.orders[clientOrderID] = o
	return nil
}

func (v *PaperVenue) OpenOrders(ctx context.Context) ([]VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []VenueOrder
	for _, o := range v.orders {
		if o.Status == "NEW" {
			out = append(out, o)
		}
	}
	return out, nil
}

func (v *PaperVenue) Positions(ctx context.Context) ([]VenuePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVenueTransient, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []VenuePosition
	for _, p := range v.positions {
		out = append(out, p)
	}
	return out, nil
}

// applyToPosition folds a fill into the venue-side position book. Same-side
// fills grow the position, opposite-side fills shrink it. Caller holds v.mu.
func (v *PaperVenue) applyToPosition(asset, side string, qty, price float64) {
	p, ok := v.positions[asset]
	if !ok {
		v.positions[asset] = VenuePosition{Asset: asset, Side: side, Quantity: qty, MarkPrice: price}
		return
	}
	if p.Side == side {
		p.Quantity += qty
	} else {
		p.Quantity -= qty
	}
	p.MarkPrice = price
	if p.Quantity <= 1e-12 {
		delete(v.positions, asset)
		return
	}
	v.positions[asset] = p
}

// SetPosition forces the venue-side position book. Test hook for
// reconciliation scenarios; quantity zero deletes the position.
func (v *PaperVenue) SetPosition(asset, side string, qty, mark float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if qty <= 0 {
		delete(v.positions, asset)
		return
	}
	v.positions[asset] = VenuePosition{Asset: asset, Side: side, Quantity: qty, MarkPrice: mark}
}

// OrderCount reports how many distinct orders the venue has accepted.
func (v *PaperVenue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// SetOrderStatus forces an order into a status. Test hook for
// reconciliation scenarios where local and venue state diverge.
func (v *PaperVenue) SetOrderStatus(clientOrderID, status string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.orders[clientOrderID]; ok {
		o.Status = status
		v.orders[clientOrderID] = o
	}
}

func (v *PaperVenue) slip(side string, price float64) float64 {
	adj := price * v.SlippageBps / 10000
	if side == string(events.SideBuy) {
		return price + adj
	}
	return price - adj
}
