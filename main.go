package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/allocator"
	"github.com/gh0stOo/Tradingbot/internal/api"
	"github.com/gh0stOo/Tradingbot/internal/backtest"
	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/executor"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
	"github.com/gh0stOo/Tradingbot/internal/monitor"
	"github.com/gh0stOo/Tradingbot/internal/risk"
	"github.com/gh0stOo/Tradingbot/pkg/config"
	"github.com/gh0stOo/Tradingbot/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	backtestFile := flag.String("backtest", "", "run a backtest over the given candle CSV and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	riskCfg, err := config.LoadRiskFile(cfg.RiskConfigPath)
	if err != nil {
		log.Fatalf("loading risk config: %v", err)
	}

	if *backtestFile != "" {
		if err := runBacktest(cfg, riskCfg, *backtestFile); err != nil {
			log.Fatalf("backtest: %v", err)
		}
		return
	}

	if err := run(cfg, riskCfg); err != nil {
		log.Fatalf("trading core: %v", err)
	}
}

func run(cfg *config.Config, riskCfg config.RiskFile) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()
	store := database.Store()

	lg := ledger.New(cfg.InitialBalance)
	if snap, err := store.LatestSnapshot(ctx); err == nil {
		if err := lg.Restore(snap); err != nil {
			return fmt.Errorf("restoring state: %w", err)
		}
		log.Printf("restored state from snapshot taken %s (equity=%.2f)", snap.TakenAt.Format(time.RFC3339), snap.Equity)
	} else if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	lg.EnableTrading()

	policy := events.Block
	if cfg.DropOldest {
		policy = events.DropOldest
	}
	bus := events.NewBus(cfg.QueueSize, policy)

	engine := risk.NewEngine(riskCfg.Risk)
	alloc := allocator.New(riskCfg.Allocation, nil)

	venue := executor.NewPaperVenue(cfg.SlippageBps, cfg.FeeRate)
	execCfg := executor.DefaultConfig()
	execCfg.Leverage = riskCfg.Risk.Leverage
	execCfg.ReconcileInterval = cfg.ReconcileInterval
	exec := executor.New(execCfg, venue, lg, bus)

	monCfg := monitor.DefaultConfig()
	monCfg.Interval = cfg.MonitorInterval
	monCfg.ExitFeeRate = cfg.FeeRate
	monCfg.ResetTimezone = cfg.DailyResetTZ
	mon := monitor.New(monCfg, lg, engine, bus, alloc)

	registerHandlers(bus, lg, engine, alloc, exec, store)

	// The bus outlives the signal context so Shutdown can drain the queue.
	go bus.Run(context.Background())
	go mon.Run(ctx)
	go exec.StartReconciler(ctx)
	go exec.ConsumeFills(ctx, venue.Fills())
	go snapshotLoop(ctx, lg, store, cfg.SnapshotInterval)

	if cfg.FillStreamURL != "" {
		stream := executor.NewFillStream(cfg.FillStreamURL)
		go stream.Run(ctx)
		go exec.ConsumeFills(ctx, stream.Fills)
	}

	srv := api.NewServer(lg, exec, bus, api.SystemMeta{
		Venue:   cfg.Venue,
		Asset:   cfg.Asset,
		DryRun:  cfg.DryRun,
		Version: "1.0.0",
	})
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router}
	go func() {
		log.Printf("http: listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	bus.Shutdown()
	if err := store.SaveSnapshot(shutdownCtx, lg.Snapshot()); err != nil {
		log.Printf("final snapshot: %v", err)
	}
	return nil
}

// registerHandlers wires the causal pipeline: signal -> intent -> decision
// -> submission -> fill, each stage publishing the next stage's event.
func registerHandlers(bus *events.Bus, lg *ledger.Ledger, engine *risk.Engine, alloc *allocator.Allocator, exec *executor.Executor, store *db.Store) {
	bus.Register(events.KindSignal, func(ctx context.Context, ev events.Envelope) error {
		sig, ok := ev.Payload.(events.Signal)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		for _, intent := range alloc.Allocate([]events.Signal{sig}, lg.Snapshot()) {
			bus.Publish(events.Follow(ev, events.KindOrderIntent, intent))
		}
		return nil
	})

	bus.Register(events.KindOrderIntent, func(ctx context.Context, ev events.Envelope) error {
		intent, ok := ev.Payload.(events.OrderIntent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		dec := engine.Evaluate(intent, lg.Snapshot())
		risk.LogDecision(dec)
		if dec.KillSwitch {
			lg.TripKillSwitch(dec.Reason)
			bus.Publish(events.Follow(ev, events.KindKillSwitch, events.KillSwitch{Reason: dec.Reason, At: time.Now().UTC()}))
		}
		bus.Publish(events.Follow(ev, events.KindRiskDecision, dec))
		return nil
	})

	bus.Register(events.KindRiskDecision, func(ctx context.Context, ev events.Envelope) error {
		dec, ok := ev.Payload.(events.RiskDecision)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		if !dec.Approved {
			return nil
		}
		if err := exec.Submit(ctx, dec); err != nil {
			log.Printf("submit %s: %v", dec.IntentID, err)
		}
		if o, err := lg.GetOrder(dec.IntentID); err == nil {
			if err := store.RecordOrder(ctx, o); err != nil {
				log.Printf("persisting order %s: %v", dec.IntentID, err)
			}
		}
		return nil
	})

	bus.Register(events.KindFill, func(ctx context.Context, ev events.Envelope) error {
		fill, ok := ev.Payload.(events.Fill)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		if err := store.RecordFill(ctx, fill); err != nil {
			log.Printf("persisting fill %s: %v", fill.FillID, err)
		}
		return nil
	})

	bus.Register(events.KindKillSwitch, func(ctx context.Context, ev events.Envelope) error {
		ks, ok := ev.Payload.(events.KillSwitch)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		if err := store.RecordKillSwitch(ctx, ks); err != nil {
			log.Printf("persisting kill switch: %v", err)
		}
		return nil
	})

	bus.Register(events.KindReconciliation, func(ctx context.Context, ev events.Envelope) error {
		report, ok := ev.Payload.(events.ReconciliationReport)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		if !report.HasDiffs {
			return nil
		}
		if err := store.RecordReconciliation(ctx, report); err != nil {
			log.Printf("persisting reconciliation: %v", err)
		}
		return nil
	})
}

func snapshotLoop(ctx context.Context, lg *ledger.Ledger, store *db.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := store.SaveSnapshot(saveCtx, lg.Snapshot()); err != nil {
				log.Printf("snapshot: %v", err)
			}
			cancel()
			if err := store.PruneSnapshots(ctx, 7*24*time.Hour); err != nil {
				log.Printf("pruning snapshots: %v", err)
			}
		}
	}
}

func runBacktest(cfg *config.Config, riskCfg config.RiskFile, path string) error {
	candles, err := backtest.LoadCandlesCSV(path)
	if err != nil {
		return err
	}

	btCfg := backtest.DefaultConfig(cfg.Asset)
	btCfg.StartEquity = cfg.InitialBalance
	btCfg.SlippageBps = cfg.SlippageBps
	btCfg.FeeRate = cfg.FeeRate
	btCfg.Risk = riskCfg.Risk
	btCfg.Allocation = riskCfg.Allocation

	sim := backtest.NewSimulator(btCfg)
	report, err := sim.Run(context.Background(), backtest.NewSMACross(cfg.Asset), candles)
	if err != nil {
		return err
	}

	log.Printf("backtest complete: %d trades over %d bars", report.TradeCount, len(report.EquityCurve))
	log.Printf("  return:        %.2f%% (%.2f -> %.2f)", report.TotalReturn*100, report.StartEquity, report.EndEquity)
	log.Printf("  win rate:      %.1f%% (%d/%d)", report.WinRate*100, report.WinCount, report.TradeCount)
	log.Printf("  expectancy:    %.2f per trade", report.Expectancy)
	log.Printf("  profit factor: %.2f", report.ProfitFactor)
	log.Printf("  max drawdown:  %.2f%% over %d bars", report.MaxDrawdown*100, report.DrawdownBars)
	log.Printf("  ulcer index:   %.3f", report.UlcerIndex)
	log.Printf("  tail loss:     p95=%.2f p99=%.2f", report.TailLoss95, report.TailLoss99)
	log.Printf("  trades/day:    %.2f, fees %.2f", report.TradesPerDay, report.TotalFees)
	return nil
}
