package backtest

import (
	"fmt"

	"github.com/gh0stOo/Tradingbot/internal/events"
)

// SMACross is a moving-average crossover strategy: long when the fast
// average crosses above the slow one, with the stop under the recent low
// and a single target at a fixed reward multiple of the risk.
type SMACross struct {
	Asset        string
	Fast, Slow   int
	StopLookback int
	RewardRatio  float64
}

// NewSMACross creates the strategy with the usual 10/30 windows.
func NewSMACross(asset string) *SMACross {
	return &SMACross{Asset: asset, Fast: 10, Slow: 30, StopLookback: 10, RewardRatio: 2}
}

func (s *SMACross) Name() string {
	return fmt.Sprintf("sma-cross-%d-%d", s.Fast, s.Slow)
}

func (s *SMACross) OnCandle(history []Candle) []events.Signal {
	if len(history) < s.Slow+1 {
		return nil
	}
	fastNow := sma(history, s.Fast, 0)
	slowNow := sma(history, s.Slow, 0)
	fastPrev := sma(history, s.Fast, 1)
	slowPrev := sma(history, s.Slow, 1)

	if !(fastPrev <= slowPrev && fastNow > slowNow) {
		return nil
	}

	last := history[len(history)-1]
	stop := lowestLow(history, s.StopLookback)
	if stop >= last.Close {
		return nil
	}
	risk := last.Close - stop
	return []events.Signal{{
		SignalID:   fmt.Sprintf("%s-%d", s.Name(), last.Time.UnixMilli()),
		StrategyID: s.Name(),
		Asset:      s.Asset,
		Side:       events.SideBuy,
		EntryPrice: last.Close,
		StopLoss:   stop,
		Targets: []events.TargetSpec{
			{Price: last.Close + risk*s.RewardRatio, Fraction: 1},
		},
		Time: last.Time,
	}}
}

// sma averages the last n closes, offset bars back from the end.
func sma(history []Candle, n, offset int) float64 {
	end := len(history) - offset
	var sum float64
	for _, c := range history[end-n : end] {
		sum += c.Close
	}
	return sum / float64(n)
}

func lowestLow(history []Candle, n int) float64 {
	if n > len(history) {
		n = len(history)
	}
	low := history[len(history)-1].Low
	for _, c := range history[len(history)-n:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}
