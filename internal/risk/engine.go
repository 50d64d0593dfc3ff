package risk

import (
	"fmt"
	"log"
	"math"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

// Config defines the risk thresholds. All fractions are of equity unless
// stated otherwise.
type Config struct {
	RiskPerTrade        float64 `yaml:"risk_per_trade"`         // max risk per trade
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`         // kill switch threshold
	MaxTradesPerDay     int     `yaml:"max_trades_per_day"`     // global cap
	MaxExposurePerAsset float64 `yaml:"max_exposure_per_asset"` // margin-adjusted
	Leverage            float64 `yaml:"leverage"`
	MaxDrawdown         float64 `yaml:"max_drawdown"`      // from peak equity, kill switch
	MinStopDistance     float64 `yaml:"min_stop_distance"` // fraction of entry price
	MaxStopDistance     float64 `yaml:"max_stop_distance"` // fraction of entry price
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		RiskPerTrade:        0.01,
		MaxDailyLoss:        0.03,
		MaxTradesPerDay:     20,
		MaxExposurePerAsset: 0.20,
		Leverage:            1.0,
		MaxDrawdown:         0.10,
		MinStopDistance:     0.001,
		MaxStopDistance:     0.20,
	}
}

// Engine evaluates order intents against the risk configuration. It is
// stateless: every call works from the provided ledger snapshot, so it can
// serve live trading and backtests identically.
type Engine struct {
	cfg Config
}

// NewEngine creates a risk engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate runs every check against the intent and snapshot. All checks
// must pass for approval. A daily-loss or drawdown breach sets KillSwitch
// on the decision; the caller trips the ledger latch.
func (e *Engine) Evaluate(intent events.OrderIntent, snap ledger.Snapshot) events.RiskDecision {
	dec := events.RiskDecision{IntentID: intent.ID, Intent: intent}

	// 1. Kill-switch latch.
	if !snap.TradingEnabled {
		dec.Reason = "trading disabled"
		return dec
	}
	if snap.Equity <= 0 {
		dec.Reason = "equity is zero or negative"
		return dec
	}

	// 2. Daily loss limit. Breach trips the kill switch regardless of the
	// intent under evaluation.
	if breached, reason := e.dailyLossBreached(snap); breached {
		dec.Reason = reason
		dec.KillSwitch = true
		return dec
	}

	// 3. Drawdown from peak equity, also a kill-switch condition.
	if breached, reason := e.drawdownBreached(snap); breached {
		dec.Reason = reason
		dec.KillSwitch = true
		return dec
	}

	// 4. Global trades-per-day cap. Per-strategy caps are enforced by the
	// allocator, which owns the per-strategy counters.
	if e.cfg.MaxTradesPerDay > 0 && snap.TradesToday >= e.cfg.MaxTradesPerDay {
		dec.Reason = fmt.Sprintf("max trades per day reached: %d >= %d", snap.TradesToday, e.cfg.MaxTradesPerDay)
		return dec
	}

	// 5. Stop-loss sanity: strictly on the loss side, within distance bounds.
	if reason := e.checkStop(intent); reason != "" {
		dec.Reason = reason
		return dec
	}

	// 6. Per-trade risk as a fraction of equity.
	riskPerUnit := stopDistance(intent.Side, intent.EntryPrice, intent.StopLoss)
	totalRisk := riskPerUnit * intent.Quantity
	if riskPct := totalRisk / snap.Equity; riskPct > e.cfg.RiskPerTrade+1e-12 {
		dec.Reason = fmt.Sprintf("risk per trade too high: %.4f%% > %.4f%%", riskPct*100, e.cfg.RiskPerTrade*100)
		return dec
	}

	// 7. Margin-adjusted exposure per asset: notional divided by leverage,
	// existing plus new.
	newExposure := (intent.Quantity * intent.EntryPrice) / e.cfg.Leverage
	existing := snap.Exposure[intent.Asset] / e.cfg.Leverage
	maxExposure := snap.Equity * e.cfg.MaxExposurePerAsset
	if e.cfg.MaxExposurePerAsset > 0 && existing+newExposure > maxExposure+1e-9 {
		dec.Reason = fmt.Sprintf("exposure per asset exceeded: %.2f > %.2f", existing+newExposure, maxExposure)
		return dec
	}

	// 8. One position per asset.
	if _, exists := snap.Positions[intent.Asset]; exists {
		dec.Reason = fmt.Sprintf("position conflict: already holding %s", intent.Asset)
		return dec
	}

	dec.Approved = true
	dec.Reason = "all risk checks passed"
	return dec
}

// CheckOpenRisk re-evaluates the continuously-live kill-switch conditions
// (daily loss, drawdown) against marked-to-market state, independent of any
// intent. The position monitor calls this on its timer.
func (e *Engine) CheckOpenRisk(snap ledger.Snapshot) (breached bool, reason string) {
	if b, r := e.dailyLossBreached(snap); b {
		return true, r
	}
	if b, r := e.drawdownBreached(snap); b {
		return true, r
	}
	return false, ""
}

func (e *Engine) dailyLossBreached(snap ledger.Snapshot) (bool, string) {
	if e.cfg.MaxDailyLoss <= 0 || snap.DailyPnL >= 0 {
		return false, ""
	}
	base := snap.DailyStartEquity
	if base <= 0 {
		base = snap.Equity
	}
	lossPct := math.Abs(snap.DailyPnL) / base
	if lossPct >= e.cfg.MaxDailyLoss {
		return true, fmt.Sprintf("daily loss limit breached: %.2f%% >= %.2f%%", lossPct*100, e.cfg.MaxDailyLoss*100)
	}
	return false, ""
}

func (e *Engine) drawdownBreached(snap ledger.Snapshot) (bool, string) {
	if e.cfg.MaxDrawdown <= 0 {
		return false, ""
	}
	if dd := snap.DrawdownPct(); dd >= e.cfg.MaxDrawdown {
		return true, fmt.Sprintf("drawdown limit breached: %.2f%% >= %.2f%%", dd*100, e.cfg.MaxDrawdown*100)
	}
	return false, ""
}

func (e *Engine) checkStop(intent events.OrderIntent) string {
	if intent.StopLoss <= 0 {
		return "stop loss must be positive"
	}
	switch intent.Side {
	case events.SideBuy:
		if intent.StopLoss >= intent.EntryPrice {
			return "stop loss must be below entry for long position"
		}
	case events.SideSell:
		if intent.StopLoss <= intent.EntryPrice {
			return "stop loss must be above entry for short position"
		}
	default:
		return fmt.Sprintf("unknown side %q", intent.Side)
	}
	dist := stopDistance(intent.Side, intent.EntryPrice, intent.StopLoss) / intent.EntryPrice
	if e.cfg.MinStopDistance > 0 && dist < e.cfg.MinStopDistance {
		return fmt.Sprintf("stop too tight: %.4f%% of entry (min %.4f%%)", dist*100, e.cfg.MinStopDistance*100)
	}
	if e.cfg.MaxStopDistance > 0 && dist > e.cfg.MaxStopDistance {
		return fmt.Sprintf("stop too wide: %.2f%% of entry (max %.2f%%)", dist*100, e.cfg.MaxStopDistance*100)
	}
	return ""
}

func stopDistance(side events.Side, entry, stop float64) float64 {
	if side == events.SideBuy {
		return entry - stop
	}
	return stop - entry
}

// LogDecision writes the audit line for a decision, in one place so live
// and backtest paths log identically.
func LogDecision(dec events.RiskDecision) {
	if dec.Approved {
		log.Printf("risk: approved %s %s qty=%.6f @ %.4f", dec.Intent.Asset, dec.Intent.Side, dec.Intent.Quantity, dec.Intent.EntryPrice)
		return
	}
	log.Printf("risk: rejected %s %s: %s", dec.Intent.Asset, dec.Intent.Side, dec.Reason)
}
