package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, *ledger.Ledger) {
	t.Helper()
	lg := ledger.New(10000)
	lg.EnableTrading()
	return NewServer(lg, nil, nil, SystemMeta{Venue: "paper", Asset: "BTCUSDT", Version: "test"}), lg
}

func TestHealthEndpoint(t *testing.T) {
	srv, lg := newTestServer(t)
	if _, err := lg.AddPosition("BTCUSDT", events.SideBuy, 1, 100, 98, nil, 100, 0); err != nil {
		t.Fatalf("seeding position: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
	if got := body["open_positions"].(float64); got != 1 {
		t.Fatalf("expected 1 open position, got %v", got)
	}
	if body["kill_switch"].(bool) {
		t.Fatalf("kill switch should be off")
	}
}

func TestHealthReportsHalt(t *testing.T) {
	srv, lg := newTestServer(t)
	lg.DisableTrading("test halt")

	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "halted" || !body["kill_switch"].(bool) {
		t.Fatalf("expected halted status with kill switch, got %v", body)
	}
}

func TestStateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap ledger.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Equity != 10000 || !snap.TradingEnabled {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
