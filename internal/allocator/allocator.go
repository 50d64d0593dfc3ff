package allocator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

// Sizer converts a signal into a position quantity. Implementations must be
// deterministic for identical inputs.
type Sizer interface {
	Size(equity, entry, stop, riskFraction float64) float64
}

// FixedRiskSizer risks a fixed fraction of equity per trade:
// qty = (equity * riskFraction) / |entry - stop|.
type FixedRiskSizer struct{}

func (FixedRiskSizer) Size(equity, entry, stop, riskFraction float64) float64 {
	dist := math.Abs(entry - stop)
	if dist <= 0 || equity <= 0 || riskFraction <= 0 {
		return 0
	}
	return (equity * riskFraction) / dist
}

// Config controls allocation behavior.
type Config struct {
	RiskPerTrade       float64 `yaml:"risk_per_trade"`
	MinIncrement       float64 `yaml:"min_increment"`        // quantity step, floor to this
	MaxSignalsPerCycle int     `yaml:"max_signals_per_cycle"`
	TradesPerStrategy  int     `yaml:"trades_per_strategy"` // daily, 0 disables
}

// DefaultConfig returns sane allocator defaults.
func DefaultConfig() Config {
	return Config{
		RiskPerTrade:       0.01,
		MinIncrement:       0.0001,
		MaxSignalsPerCycle: 10,
		TradesPerStrategy:  10,
	}
}

// Allocator turns strategy signals into sized order intents. It owns the
// per-strategy daily counters; global limits are the risk engine's job.
type Allocator struct {
	cfg   Config
	sizer Sizer

	mu            sync.Mutex
	strategyCount map[string]int
	seen          map[string]struct{} // intent IDs emitted today
}

// New creates an allocator. A nil sizer defaults to FixedRiskSizer.
func New(cfg Config, sizer Sizer) *Allocator {
	if sizer == nil {
		sizer = FixedRiskSizer{}
	}
	return &Allocator{
		cfg:           cfg,
		sizer:         sizer,
		strategyCount: make(map[string]int),
		seen:          make(map[string]struct{}),
	}
}

// IntentID derives a deterministic intent identifier from the signal
// identity and direction. Quantity and price are deliberately excluded so
// re-sizing the same signal cannot produce a second order.
func IntentID(signalID, asset string, side events.Side) string {
	sum := sha256.Sum256([]byte(signalID + "|" + asset + "|" + string(side)))
	return hex.EncodeToString(sum[:])[:16]
}

// Allocate sizes the given signals against the snapshot and returns order
// intents, at most one per asset per cycle. Signals for assets with open
// positions, duplicate signals, and signals that size below the minimum
// increment are skipped.
func (a *Allocator) Allocate(signals []events.Signal, snap ledger.Snapshot) []events.OrderIntent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var intents []events.OrderIntent
	assetsThisCycle := make(map[string]struct{})

	for _, sig := range signals {
		if a.cfg.MaxSignalsPerCycle > 0 && len(intents) >= a.cfg.MaxSignalsPerCycle {
			log.Printf("allocator: signal cap reached, dropping remaining %d signals", len(signals)-len(intents))
			break
		}
		if err := validateSignal(sig); err != nil {
			log.Printf("allocator: invalid signal %s: %v", sig.SignalID, err)
			continue
		}
		if _, open := snap.Positions[sig.Asset]; open {
			continue
		}
		if _, dup := assetsThisCycle[sig.Asset]; dup {
			continue
		}
		id := IntentID(sig.SignalID, sig.Asset, sig.Side)
		if _, dup := a.seen[id]; dup {
			log.Printf("allocator: duplicate signal %s for %s, skipping", sig.SignalID, sig.Asset)
			continue
		}
		if a.cfg.TradesPerStrategy > 0 && a.strategyCount[sig.StrategyID] >= a.cfg.TradesPerStrategy {
			log.Printf("allocator: strategy %s hit daily cap of %d", sig.StrategyID, a.cfg.TradesPerStrategy)
			continue
		}

		qty := a.sizer.Size(snap.Equity, sig.EntryPrice, sig.StopLoss, a.cfg.RiskPerTrade)
		qty = floorTo(qty, a.cfg.MinIncrement)
		if qty < a.cfg.MinIncrement || qty <= 0 {
			log.Printf("allocator: %s sized below minimum increment, skipping", sig.Asset)
			continue
		}

		intents = append(intents, events.OrderIntent{
			ID:         id,
			SignalID:   sig.SignalID,
			StrategyID: sig.StrategyID,
			Asset:      sig.Asset,
			Side:       sig.Side,
			Quantity:   qty,
			EntryPrice: sig.EntryPrice,
			StopLoss:   sig.StopLoss,
			Targets:    append([]events.TargetSpec(nil), sig.Targets...),
		})
		assetsThisCycle[sig.Asset] = struct{}{}
		a.seen[id] = struct{}{}
		a.strategyCount[sig.StrategyID]++
	}
	return intents
}

// ResetDailyCounters clears the per-strategy counters and the dedup set.
// Called once per daily boundary.
func (a *Allocator) ResetDailyCounters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategyCount = make(map[string]int)
	a.seen = make(map[string]struct{})
	log.Printf("allocator: daily counters reset")
}

func validateSignal(sig events.Signal) error {
	if sig.SignalID == "" || sig.Asset == "" {
		return fmt.Errorf("missing signal id or asset")
	}
	if sig.Side != events.SideBuy && sig.Side != events.SideSell {
		return fmt.Errorf("unknown side %q", sig.Side)
	}
	if sig.EntryPrice <= 0 || sig.StopLoss <= 0 {
		return fmt.Errorf("non-positive entry or stop")
	}
	if sig.EntryPrice == sig.StopLoss {
		return fmt.Errorf("entry equals stop")
	}
	return nil
}

func floorTo(qty, increment float64) float64 {
	if increment <= 0 {
		return qty
	}
	return math.Floor(qty/increment+1e-9) * increment
}
