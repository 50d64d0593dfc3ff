package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/executor"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

// Server exposes read-only operational endpoints over HTTP.
type Server struct {
	Router *gin.Engine
	Ledger *ledger.Ledger
	Exec   *executor.Executor
	Bus    *events.Bus
	Meta   SystemMeta

	started time.Time
}

// SystemMeta describes runtime status exposed by /health.
type SystemMeta struct {
	Venue   string
	Asset   string
	DryRun  bool
	Version string
}

// NewServer wires the router. The executor may be nil when running without
// a venue (pure backtest deployments).
func NewServer(lg *ledger.Ledger, exec *executor.Executor, bus *events.Bus, meta SystemMeta) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:  r,
		Ledger:  lg,
		Exec:    exec,
		Bus:     bus,
		Meta:    meta,
		started: time.Now().UTC(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/state", s.state)
}

func (s *Server) health(c *gin.Context) {
	snap := s.Ledger.Snapshot()
	resp := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"venue":          s.Meta.Venue,
		"asset":          s.Meta.Asset,
		"dry_run":        s.Meta.DryRun,
		"version":        s.Meta.Version,
		"equity":         snap.Equity,
		"cash":           snap.Cash,
		"open_positions": len(snap.Positions),
		"kill_switch":    !snap.TradingEnabled,
		"daily_pnl":      snap.DailyPnL,
		"trades_today":   snap.TradesToday,
	}
	if s.Bus != nil {
		published, dropped := s.Bus.Stats()
		resp["events_published"] = published
		resp["events_dropped"] = dropped
	}
	if s.Exec != nil {
		recon := s.Exec.LastReconciliation()
		resp["last_reconciliation"] = recon.At
		resp["reconciliation_diffs"] = len(recon.Diffs)
	}
	if !snap.TradingEnabled {
		resp["status"] = "halted"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.Ledger.Snapshot())
}
