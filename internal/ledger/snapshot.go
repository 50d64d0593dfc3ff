package ledger

import (
	"fmt"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/events"
)

// Snapshot is a consistent point-in-time copy of ledger state, taken under
// the lock. Used for risk evaluation, allocation and persistence.
type Snapshot struct {
	Cash             float64             `json:"cash"`
	Equity           float64             `json:"equity"`
	PeakEquity       float64             `json:"peak_equity"`
	Drawdown         float64             `json:"drawdown"`
	TradingEnabled   bool                `json:"trading_enabled"`
	DailyPnL         float64             `json:"daily_pnl"`
	TradesToday      int                 `json:"trades_today"`
	DailyStartEquity float64             `json:"daily_start_equity"`
	Positions        map[string]Position `json:"positions"`
	Orders           map[string]Order    `json:"orders"`
	Exposure         map[string]float64  `json:"exposure"`
	TakenAt          time.Time           `json:"taken_at"`
}

// DrawdownPct is the decline from peak equity as a fraction of the peak.
func (s Snapshot) DrawdownPct() float64 {
	if s.PeakEquity <= 0 || s.Equity >= s.PeakEquity {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity
}

// Snapshot returns a deep copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Cash:             l.cash,
		Equity:           l.equity,
		PeakEquity:       l.peakEquity,
		Drawdown:         l.peakEquity - l.equity,
		TradingEnabled:   l.tradingEnabled,
		DailyPnL:         l.dailyPnL,
		TradesToday:      l.tradesToday,
		DailyStartEquity: l.dailyStartEquity,
		Positions:        make(map[string]Position, len(l.positions)),
		Orders:           make(map[string]Order, len(l.orders)),
		Exposure:         make(map[string]float64, len(l.exposure)),
		TakenAt:          time.Now().UTC(),
	}
	for asset, p := range l.positions {
		cp := *p
		cp.Targets = append([]events.TargetSpec(nil), p.Targets...)
		snap.Positions[asset] = cp
	}
	for id, o := range l.orders {
		snap.Orders[id] = *o
	}
	for asset, exp := range l.exposure {
		snap.Exposure[asset] = exp
	}
	return snap
}

// Restore rehydrates the ledger from a snapshot at startup. The snapshot
// must itself satisfy the equity invariant.
func (l *Ledger) Restore(snap Snapshot) error {
	total := snap.Cash
	for _, p := range snap.Positions {
		total += p.Margin + p.UnrealizedPnL
	}
	for _, o := range snap.Orders {
		if o.ReservedMargin > 0 && !o.MarginReleased {
			total += o.ReservedMargin
		}
	}
	if diff := snap.Equity - total; diff > 1e-6 || diff < -1e-6 {
		return fmt.Errorf("%w: snapshot equity %.6f != account total %.6f",
			ErrValidation, snap.Equity, total)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cash = snap.Cash
	l.peakEquity = snap.PeakEquity
	l.tradingEnabled = snap.TradingEnabled
	l.dailyPnL = snap.DailyPnL
	l.tradesToday = snap.TradesToday
	l.dailyStartEquity = snap.DailyStartEquity

	l.positions = make(map[string]*Position, len(snap.Positions))
	for asset, p := range snap.Positions {
		cp := p
		cp.Targets = append([]events.TargetSpec(nil), p.Targets...)
		l.positions[asset] = &cp
	}
	l.orders = make(map[string]*Order, len(snap.Orders))
	for id, o := range snap.Orders {
		cp := o
		l.orders[id] = &cp
	}
	l.exposure = make(map[string]float64, len(snap.Exposure))
	for asset, exp := range snap.Exposure {
		l.exposure[asset] = exp
	}
	l.recompute()
	return nil
}
