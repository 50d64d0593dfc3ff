package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
	"github.com/gh0stOo/Tradingbot/internal/risk"
)

// Config controls the position monitor.
type Config struct {
	Interval      time.Duration `yaml:"interval"`
	ExitFeeRate   float64       `yaml:"exit_fee_rate"`
	TrailingStop  float64       `yaml:"trailing_stop"` // fraction from high-water mark, 0 disables
	ResetTimezone string        `yaml:"reset_timezone"`
}

// DefaultConfig returns monitor defaults, with daily resets at UTC
// midnight.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Second,
		ResetTimezone: "UTC",
	}
}

// Monitor watches open positions against live prices, closing them on stop
// loss or take profit, re-evaluating the kill-switch conditions, and firing
// the daily counter reset at the day boundary.
//
// Stop loss is always checked before take profit: when one price update
// crosses both levels, the conservative exit wins.
type Monitor struct {
	cfg    Config
	ledger *ledger.Ledger
	engine *risk.Engine
	bus    *events.Bus
	alloc  interface{ ResetDailyCounters() }

	mu     sync.Mutex
	prices map[string]float64
	hwm    map[string]float64 // high-water marks for trailing stops
}

// New creates a monitor. alloc may be nil if there is no allocator to
// reset.
func New(cfg Config, lg *ledger.Ledger, engine *risk.Engine, bus *events.Bus, alloc interface{ ResetDailyCounters() }) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Monitor{
		cfg:    cfg,
		ledger: lg,
		engine: engine,
		bus:    bus,
		alloc:  alloc,
		prices: make(map[string]float64),
		hwm:    make(map[string]float64),
	}
}

// UpdatePrice records the latest price for an asset and marks the ledger.
func (m *Monitor) UpdatePrice(asset string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	m.prices[asset] = price
	m.mu.Unlock()
	m.ledger.MarkPrice(asset, price)
}

// Run evaluates positions on a timer until the context is cancelled. Market
// ticks are consumed from the bus to keep prices current.
func (m *Monitor) Run(ctx context.Context) {
	var ticks <-chan events.Envelope
	if m.bus != nil {
		ch, unsub := m.bus.Observe(events.KindMarketTick, 256)
		defer unsub()
		ticks = ch
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	resetTimer := time.NewTimer(m.untilNextReset(time.Now()))
	defer resetTimer.Stop()

	log.Printf("monitor: running every %s", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ticks:
			if tick, ok := ev.Payload.(events.MarketTick); ok {
				m.UpdatePrice(tick.Asset, tick.Price)
			}
		case <-ticker.C:
			m.Sweep()
		case <-resetTimer.C:
			m.resetDaily()
			resetTimer.Reset(m.untilNextReset(time.Now()))
		}
	}
}

// Sweep runs one pass: exit checks per position, then the continuous
// kill-switch evaluation over marked-to-market state.
func (m *Monitor) Sweep() {
	snap := m.ledger.Snapshot()
	for asset, pos := range snap.Positions {
		m.mu.Lock()
		price, ok := m.prices[asset]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.checkPosition(pos, price)
	}

	if m.engine == nil {
		return
	}
	if breached, reason := m.engine.CheckOpenRisk(m.ledger.Snapshot()); breached && m.ledger.TradingEnabled() {
		m.ledger.TripKillSwitch(reason)
		m.publish(events.KindKillSwitch, events.KillSwitch{Reason: reason, At: time.Now().UTC()})
	}
}

func (m *Monitor) checkPosition(pos ledger.Position, price float64) {
	stop := m.effectiveStop(pos, price)

	if stopHit(pos.Side, price, stop) {
		m.closePosition(pos.Asset, price, "stop loss")
		return
	}

	for i, target := range pos.Targets {
		if target.Filled || !targetHit(pos.Side, price, target.Price) {
			continue
		}
		exitQty := pos.InitialQuantity * target.Fraction
		if exitQty >= pos.Quantity-1e-12 {
			m.closePosition(pos.Asset, price, "final take profit")
			return
		}
		fees := exitQty * price * m.cfg.ExitFeeRate
		reduced, err := m.ledger.ReducePosition(pos.Asset, exitQty, price, fees, i)
		if err != nil {
			log.Printf("monitor: reducing %s at target %d: %v", pos.Asset, i+1, err)
			return
		}
		log.Printf("monitor: %s hit target %d, took %.6f @ %.4f", pos.Asset, i+1, exitQty, price)
		m.publish(events.KindPositionUpdate, events.PositionUpdate{
			Asset:      reduced.Asset,
			Side:       reduced.Side,
			Quantity:   reduced.Quantity,
			EntryPrice: reduced.EntryPrice,
			Status:     "reduced",
			Reason:     "take profit",
		})
		return
	}
}

// effectiveStop returns the stop level, tightened by the trailing rule if
// enabled. The trailing stop only ever moves in the position's favor.
func (m *Monitor) effectiveStop(pos ledger.Position, price float64) float64 {
	if m.cfg.TrailingStop <= 0 {
		return pos.StopLoss
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hwm, ok := m.hwm[pos.Asset]
	if !ok {
		hwm = pos.EntryPrice
	}
	if pos.Side == events.SideBuy {
		if price > hwm {
			hwm = price
		}
		m.hwm[pos.Asset] = hwm
		if trail := hwm * (1 - m.cfg.TrailingStop); trail > pos.StopLoss {
			return trail
		}
	} else {
		if price < hwm {
			hwm = price
		}
		m.hwm[pos.Asset] = hwm
		if trail := hwm * (1 + m.cfg.TrailingStop); trail < pos.StopLoss {
			return trail
		}
	}
	return pos.StopLoss
}

func (m *Monitor) closePosition(asset string, price float64, reason string) {
	pos, ok := m.ledger.Position(asset)
	if !ok {
		return
	}
	fees := pos.Quantity * price * m.cfg.ExitFeeRate
	closed, err := m.ledger.RemovePosition(asset, price, fees)
	if err != nil {
		log.Printf("monitor: closing %s: %v", asset, err)
		return
	}
	m.mu.Lock()
	delete(m.hwm, asset)
	m.mu.Unlock()
	realized := (price - closed.EntryPrice) * closed.Quantity
	if closed.Side == events.SideSell {
		realized = -realized
	}
	realized -= fees
	log.Printf("monitor: closed %s at %.4f (%s)", asset, price, reason)
	m.publish(events.KindPositionUpdate, events.PositionUpdate{
		Asset:       closed.Asset,
		Side:        closed.Side,
		Quantity:    0,
		EntryPrice:  closed.EntryPrice,
		Status:      "closed",
		RealizedPnL: realized,
		Reason:      reason,
	})
}

func (m *Monitor) resetDaily() {
	m.ledger.ResetDailyCounters()
	if m.alloc != nil {
		m.alloc.ResetDailyCounters()
	}
	log.Printf("monitor: daily reset fired")
}

// untilNextReset computes the wait until the next day boundary in the
// configured timezone.
func (m *Monitor) untilNextReset(now time.Time) time.Duration {
	loc := time.UTC
	if m.cfg.ResetTimezone != "" {
		if l, err := time.LoadLocation(m.cfg.ResetTimezone); err == nil {
			loc = l
		} else {
			log.Printf("monitor: bad reset timezone %q, using UTC: %v", m.cfg.ResetTimezone, err)
		}
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next.Sub(local)
}

func (m *Monitor) publish(kind events.Kind, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(kind, payload))
}

func stopHit(side events.Side, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == events.SideBuy {
		return price <= stop
	}
	return price >= stop
}

func targetHit(side events.Side, price, target float64) bool {
	if target <= 0 {
		return false
	}
	if side == events.SideBuy {
		return price >= target
	}
	return price <= target
}
