package executor

import (
	"context"
	"errors"
)

var (
	// ErrVenueTransient marks failures worth retrying (timeouts, 5xx,
	// rate limits). Anything else is treated as a hard rejection.
	ErrVenueTransient = errors.New("transient venue error")

	// ErrVenueRejected is a definitive rejection from the venue.
	ErrVenueRejected = errors.New("order rejected by venue")
)

// OrderRequest is what the executor sends to a venue. ClientOrderID is the
// idempotency key: venues must treat a repeated id as the same order.
type OrderRequest struct {
	ClientOrderID string
	Asset         string
	Side          string
	Quantity      float64
	Price         float64
}

// Ack is the venue's acknowledgment of an accepted order.
type Ack struct {
	ClientOrderID string
	VenueOrderID  string
	Status        string
}

// VenueOrder is an order as the venue sees it. During reconciliation this
// is the authoritative record.
type VenueOrder struct {
	ClientOrderID string
	VenueOrderID  string
	Asset         string
	Status        string // NEW, FILLED, CANCELED, REJECTED
	FilledQty     float64
	AvgFillPrice  float64
	Fee           float64
}

// VenuePosition is a position as the venue sees it.
type VenuePosition struct {
	Asset     string
	Side      string
	Quantity  float64
	MarkPrice float64
}

// Venue is the exchange-facing surface the executor talks to. All methods
// take a context; implementations must honor cancellation.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	OrderStatus(ctx context.Context, clientOrderID string) (VenueOrder, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	OpenOrders(ctx context.Context) ([]VenueOrder, error)
	Positions(ctx context.Context) ([]VenuePosition, error)
}
