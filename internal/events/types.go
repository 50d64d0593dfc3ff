package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the closed set of event kinds inside the trading core.
type Kind string

const (
	KindMarketTick     Kind = "market.tick"
	KindSignal         Kind = "strategy.signal"
	KindOrderIntent    Kind = "order.intent"
	KindRiskDecision   Kind = "risk.decision"
	KindOrderSubmitted Kind = "order.submitted"
	KindOrderRejected  Kind = "order.rejected"
	KindFill           Kind = "order.fill"
	KindPositionUpdate Kind = "position.update"
	KindKillSwitch     Kind = "risk.kill_switch"
	KindSystemHealth   Kind = "system.health"
	KindReconciliation Kind = "reconciliation.report"
)

// Side denotes order or position direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Envelope wraps a typed payload with identity, causality and time.
// Envelopes are immutable after construction.
type Envelope struct {
	ID        string
	ParentID  string // causal parent, empty for root events
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// New creates a root envelope for a payload.
func New(kind Kind, payload any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Follow creates an envelope causally linked to a parent event.
func Follow(parent Envelope, kind Kind, payload any) Envelope {
	ev := New(kind, payload)
	ev.ParentID = parent.ID
	return ev
}

// TargetSpec is one take-profit level: exit Fraction of the initial
// position quantity at Price. Fractions across a position sum to <= 1.
type TargetSpec struct {
	Price    float64 `json:"price" yaml:"price"`
	Fraction float64 `json:"fraction" yaml:"fraction"`
	Filled   bool    `json:"filled" yaml:"-"`
}

// MarketTick is a per-asset price snapshot from the market data feed.
type MarketTick struct {
	Asset  string
	Price  float64
	Volume float64
	Time   time.Time
}

// Signal is a trade proposal emitted by a strategy, before sizing.
type Signal struct {
	SignalID   string
	StrategyID string
	Asset      string
	Side       Side
	EntryPrice float64
	StopLoss   float64
	Targets    []TargetSpec
	Confidence float64
	Time       time.Time
}

// OrderIntent is a sized, deduplicated trade proposal awaiting risk approval.
// ID is a pure function of (SignalID, Asset, Side) so re-computation of the
// same signal yields the same identity regardless of quantity or price.
type OrderIntent struct {
	ID         string
	SignalID   string
	StrategyID string
	Asset      string
	Side       Side
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	Targets    []TargetSpec
}

// RiskDecision is the risk engine's verdict on an intent. Ephemeral; kept
// only in the audit log, never in the ledger.
type RiskDecision struct {
	IntentID   string
	Intent     OrderIntent
	Approved   bool
	Reason     string
	KillSwitch bool
}

// OrderSubmission reports an order leaving the executor toward the venue.
type OrderSubmission struct {
	ClientOrderID string
	VenueOrderID  string
	Asset         string
	Side          Side
	Quantity      float64
	Price         float64
	Status        string
	Reason        string
}

// Fill is a (possibly partial) execution report from the venue.
type Fill struct {
	FillID        string
	ClientOrderID string
	VenueOrderID  string
	Asset         string
	Side          Side
	Quantity      float64
	Price         float64
	Fee           float64
	Partial       bool
	Time          time.Time
}

// PositionUpdate reports a ledger position opening, reducing or closing.
type PositionUpdate struct {
	Asset       string
	Side        Side
	Quantity    float64
	EntryPrice  float64
	Status      string // open, reduced, closed
	RealizedPnL float64
	Reason      string
}

// KillSwitch reports the trading latch tripping.
type KillSwitch struct {
	Reason string
	At     time.Time
}

// SystemHealth is a heartbeat/degradation report from a component.
type SystemHealth struct {
	Component string
	Status    string
	Detail    string
}

// OrderDiff is one order-level divergence found during reconciliation.
type OrderDiff struct {
	ClientOrderID string
	LocalStatus   string
	VenueStatus   string
	Corrected     bool
}

// PositionDiff is one position-level divergence found during reconciliation.
type PositionDiff struct {
	Asset     string
	LocalQty  float64
	VenueQty  float64
	Corrected bool
	Note      string
}

// ReconciliationReport summarizes one reconciliation pass. Venue truth is
// authoritative; Corrected marks diffs that were applied to the ledger.
type ReconciliationReport struct {
	At            time.Time
	Diffs         []OrderDiff
	PositionDiffs []PositionDiff
	HasDiffs      bool
	Corrected     int
}
