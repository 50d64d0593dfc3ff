package backtest

import (
	"math"
	"sort"
	"time"
)

// Trade is one completed round trip: entry plus all exits, realized.
type Trade struct {
	Asset      string    `json:"asset"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	Fees       float64   `json:"fees"`
	ExitReason string    `json:"exit_reason"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Report aggregates the performance of one backtest run.
type Report struct {
	StartEquity   float64       `json:"start_equity"`
	EndEquity     float64       `json:"end_equity"`
	TotalReturn   float64       `json:"total_return"` // fraction
	Trades        []Trade       `json:"trades"`
	EquityCurve   []EquityPoint `json:"equity_curve"`
	TradeCount    int           `json:"trade_count"`
	WinCount      int           `json:"win_count"`
	LossCount     int           `json:"loss_count"`
	WinRate       float64       `json:"win_rate"`
	Expectancy    float64       `json:"expectancy"`     // mean PnL per trade
	ProfitFactor  float64       `json:"profit_factor"`  // gross profit / gross loss
	MaxDrawdown   float64       `json:"max_drawdown"`   // fraction of peak
	DrawdownBars  int           `json:"drawdown_bars"`  // longest underwater stretch
	UlcerIndex    float64       `json:"ulcer_index"`    // percent units
	TailLoss95    float64       `json:"tail_loss_95"`   // 95th percentile loss
	TailLoss99    float64       `json:"tail_loss_99"`   // 99th percentile loss
	TradesPerDay  float64       `json:"trades_per_day"`
	TotalFees     float64       `json:"total_fees"`
}

// BuildReport computes all metrics from the trades and equity curve of one
// run. Deterministic: identical inputs always produce identical output.
func BuildReport(startEquity float64, trades []Trade, curve []EquityPoint) Report {
	r := Report{
		StartEquity: startEquity,
		EndEquity:   startEquity,
		Trades:      trades,
		EquityCurve: curve,
		TradeCount:  len(trades),
	}
	if len(curve) > 0 {
		r.EndEquity = curve[len(curve)-1].Equity
	}
	if startEquity > 0 {
		r.TotalReturn = (r.EndEquity - startEquity) / startEquity
	}

	var grossProfit, grossLoss, totalPnL float64
	var losses []float64
	for _, tr := range trades {
		totalPnL += tr.PnL
		r.TotalFees += tr.Fees
		if tr.PnL > 0 {
			r.WinCount++
			grossProfit += tr.PnL
		} else {
			r.LossCount++
			grossLoss += -tr.PnL
			losses = append(losses, -tr.PnL)
		}
	}
	if r.TradeCount > 0 {
		r.WinRate = float64(r.WinCount) / float64(r.TradeCount)
		r.Expectancy = totalPnL / float64(r.TradeCount)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		r.ProfitFactor = math.Inf(1)
	}

	r.MaxDrawdown, r.DrawdownBars = drawdownStats(curve)
	r.UlcerIndex = ulcerIndex(curve)
	r.TailLoss95 = percentile(losses, 0.95)
	r.TailLoss99 = percentile(losses, 0.99)

	if len(curve) > 1 {
		days := curve[len(curve)-1].Time.Sub(curve[0].Time).Hours() / 24
		if days > 0 {
			r.TradesPerDay = float64(r.TradeCount) / days
		}
	}
	return r
}

// drawdownStats returns the deepest peak-to-trough decline as a fraction of
// the peak, and the longest run of bars spent below a prior peak.
func drawdownStats(curve []EquityPoint) (maxDD float64, maxBars int) {
	peak := math.Inf(-1)
	underwater := 0
	for _, p := range curve {
		if p.Equity >= peak {
			peak = p.Equity
			underwater = 0
			continue
		}
		underwater++
		if underwater > maxBars {
			maxBars = underwater
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, maxBars
}

// ulcerIndex is the root mean square of percentage drawdowns across the
// curve. Deeper and longer drawdowns hurt more than brief dips.
func ulcerIndex(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := math.Inf(-1)
	var sumSq float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			ddPct := (peak - p.Equity) / peak * 100
			sumSq += ddPct * ddPct
		}
	}
	return math.Sqrt(sumSq / float64(len(curve)))
}

// percentile returns the q-th percentile of the loss magnitudes using
// linear interpolation between order statistics.
func percentile(losses []float64, q float64) float64 {
	if len(losses) == 0 {
		return 0
	}
	sorted := append([]float64(nil), losses...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
