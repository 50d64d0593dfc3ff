package backtest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/allocator"
	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/executor"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
	"github.com/gh0stOo/Tradingbot/internal/risk"
)

// Strategy produces signals from closed bars only. The history passed to
// OnCandle never contains the bar being simulated, so a strategy cannot
// peek at the price it will be filled at.
type Strategy interface {
	Name() string
	OnCandle(history []Candle) []events.Signal
}

// Config for one simulation run.
type Config struct {
	Asset       string           `yaml:"asset"`
	StartEquity float64          `yaml:"start_equity"`
	Warmup      int              `yaml:"warmup"` // bars before the strategy is consulted
	SlippageBps float64          `yaml:"slippage_bps"`
	FeeRate     float64          `yaml:"fee_rate"`
	Risk        risk.Config      `yaml:"risk"`
	Allocation  allocator.Config `yaml:"allocation"`
}

// DefaultConfig returns simulation defaults.
func DefaultConfig(asset string) Config {
	return Config{
		Asset:       asset,
		StartEquity: 10000,
		Warmup:      20,
		SlippageBps: 5,
		FeeRate:     0.0004,
		Risk:        risk.DefaultConfig(),
		Allocation:  allocator.DefaultConfig(),
	}
}

// Simulator replays candles through the same allocator, risk engine and
// executor used live, called directly rather than through the bus so a run
// is single-threaded and deterministic.
type Simulator struct {
	cfg    Config
	ledger *ledger.Ledger
	alloc  *allocator.Allocator
	engine *risk.Engine
	venue  *executor.PaperVenue
	exec   *executor.Executor

	strategy Strategy
	open     map[string]*openTrade
	trades   []Trade
	curve    []EquityPoint
}

type openTrade struct {
	side       events.Side
	entryPrice float64
	entryTime  time.Time
	quantity   float64 // initial
	exitedQty  float64
	exitValue  float64 // sum of qty*price over exits
	fees       float64
	lastReason string
}

// NewSimulator builds a fresh pipeline for one run.
func NewSimulator(cfg Config) *Simulator {
	lg := ledger.New(cfg.StartEquity)
	lg.EnableTrading()
	venue := executor.NewPaperVenue(cfg.SlippageBps, cfg.FeeRate)
	execCfg := executor.DefaultConfig()
	execCfg.Leverage = cfg.Risk.Leverage
	execCfg.OrdersPerSecond = 1e6 // no throttling in simulation
	return &Simulator{
		cfg:    cfg,
		ledger: lg,
		alloc:  allocator.New(cfg.Allocation, nil),
		engine: risk.NewEngine(cfg.Risk),
		venue:  venue,
		exec:   executor.New(execCfg, venue, lg, nil),
		open:   make(map[string]*openTrade),
	}
}

// Run replays the candles through the strategy and returns the report.
func (s *Simulator) Run(ctx context.Context, strategy Strategy, candles []Candle) (Report, error) {
	if len(candles) <= s.cfg.Warmup {
		return Report{}, fmt.Errorf("need more than %d candles, got %d", s.cfg.Warmup, len(candles))
	}
	s.strategy = strategy
	log.Printf("backtest: running %s over %d candles", strategy.Name(), len(candles))

	for t := s.cfg.Warmup; t < len(candles); t++ {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		bar := candles[t]

		// Exits first: a position opened on a previous bar reacts to this
		// bar before any new entry is considered.
		s.applyExits(bar)

		if s.ledger.TradingEnabled() {
			s.applyEntries(ctx, candles[:t], bar)
		}

		s.ledger.MarkPrice(s.cfg.Asset, bar.Close)
		s.checkKillSwitch(bar)
		s.curve = append(s.curve, EquityPoint{Time: bar.Time, Equity: s.ledger.Equity()})
	}

	// Close anything still open at the final bar's close.
	last := candles[len(candles)-1]
	if pos, ok := s.ledger.Position(s.cfg.Asset); ok {
		s.exitFull(pos, last.Close, last.Time, "end of data")
	}

	return BuildReport(s.cfg.StartEquity, s.trades, s.curve), nil
}

// applyEntries asks the strategy for signals over closed history and runs
// them through allocation, risk and execution. Fills happen at this bar's
// open, the first price available after the signal bar closed.
func (s *Simulator) applyEntries(ctx context.Context, history []Candle, bar Candle) {
	signals := s.strategy.OnCandle(history)
	if len(signals) == 0 {
		return
	}

	for i := range signals {
		signals[i].EntryPrice = bar.Open
		if signals[i].Time.IsZero() {
			signals[i].Time = bar.Time
		}
	}

	intents := s.alloc.Allocate(signals, s.ledger.Snapshot())
	for _, intent := range intents {
		dec := s.engine.Evaluate(intent, s.ledger.Snapshot())
		if dec.KillSwitch {
			s.ledger.TripKillSwitch(dec.Reason)
		}
		if !dec.Approved {
			continue
		}
		if err := s.exec.Submit(ctx, dec); err != nil {
			log.Printf("backtest: submit %s: %v", intent.ID, err)
			continue
		}
		fill := <-s.venue.Fills()
		if err := s.exec.ApplyFill(fill); err != nil {
			log.Printf("backtest: fill %s: %v", fill.FillID, err)
			continue
		}
		s.open[intent.Asset] = &openTrade{
			side:       intent.Side,
			entryPrice: fill.Price,
			entryTime:  bar.Time,
			quantity:   fill.Quantity,
			fees:       fill.Fee,
		}
	}
}

// applyExits checks the open position against this bar's range, stop loss
// before take profit. Exits fill at the level itself adjusted by slippage;
// a gap through the stop fills at the open instead.
func (s *Simulator) applyExits(bar Candle) {
	pos, ok := s.ledger.Position(s.cfg.Asset)
	if !ok {
		return
	}

	if hit, price := stopTouched(pos, bar); hit {
		s.exitFull(pos, s.slipExit(pos.Side, price), bar.Time, "stop loss")
		return
	}

	for i, target := range pos.Targets {
		if target.Filled || !targetTouched(pos.Side, bar, target.Price) {
			continue
		}
		price := s.slipExit(pos.Side, target.Price)
		exitQty := pos.InitialQuantity * target.Fraction
		if exitQty >= pos.Quantity-1e-12 {
			s.exitFull(pos, price, bar.Time, "take profit")
			return
		}
		fees := exitQty * price * s.cfg.FeeRate
		reduced, err := s.ledger.ReducePosition(pos.Asset, exitQty, price, fees, i)
		if err != nil {
			log.Printf("backtest: reduce %s: %v", pos.Asset, err)
			return
		}
		if tr := s.open[pos.Asset]; tr != nil {
			tr.exitedQty += exitQty
			tr.exitValue += exitQty * price
			tr.fees += fees
			tr.lastReason = "take profit"
		}
		pos = reduced
	}
}

func (s *Simulator) exitFull(pos ledger.Position, price float64, at time.Time, reason string) {
	fees := pos.Quantity * price * s.cfg.FeeRate
	if _, err := s.ledger.RemovePosition(pos.Asset, price, fees); err != nil {
		log.Printf("backtest: close %s: %v", pos.Asset, err)
		return
	}
	tr := s.open[pos.Asset]
	delete(s.open, pos.Asset)
	if tr == nil {
		return
	}
	tr.exitedQty += pos.Quantity
	tr.exitValue += pos.Quantity * price
	tr.fees += fees
	tr.lastReason = reason

	avgExit := tr.exitValue / tr.exitedQty
	pnl := (avgExit - tr.entryPrice) * tr.exitedQty
	if tr.side == events.SideSell {
		pnl = -pnl
	}
	pnl -= tr.fees
	s.trades = append(s.trades, Trade{
		Asset:      pos.Asset,
		Side:       string(tr.side),
		Quantity:   tr.quantity,
		EntryPrice: tr.entryPrice,
		ExitPrice:  avgExit,
		EntryTime:  tr.entryTime,
		ExitTime:   at,
		PnL:        pnl,
		Fees:       tr.fees,
		ExitReason: reason,
	})
}

func (s *Simulator) checkKillSwitch(bar Candle) {
	if !s.ledger.TradingEnabled() {
		return
	}
	if breached, reason := s.engine.CheckOpenRisk(s.ledger.Snapshot()); breached {
		s.ledger.TripKillSwitch(reason)
		log.Printf("backtest: kill switch at %s: %s", bar.Time.Format(time.RFC3339), reason)
	}
}

func (s *Simulator) slipExit(side events.Side, price float64) float64 {
	adj := price * s.cfg.SlippageBps / 10000
	if side == events.SideBuy {
		return price - adj // selling to exit a long
	}
	return price + adj
}

// stopTouched reports whether the bar crossed the stop, and the fill
// price. A gap beyond the stop at the open fills at the open.
func stopTouched(pos ledger.Position, bar Candle) (bool, float64) {
	if pos.StopLoss <= 0 {
		return false, 0
	}
	if pos.Side == events.SideBuy {
		if bar.Open <= pos.StopLoss {
			return true, bar.Open
		}
		if bar.Low <= pos.StopLoss {
			return true, pos.StopLoss
		}
		return false, 0
	}
	if bar.Open >= pos.StopLoss {
		return true, bar.Open
	}
	if bar.High >= pos.StopLoss {
		return true, pos.StopLoss
	}
	return false, 0
}

func targetTouched(side events.Side, bar Candle, target float64) bool {
	if target <= 0 {
		return false
	}
	if side == events.SideBuy {
		return bar.High >= target
	}
	return bar.Low <= target
}
