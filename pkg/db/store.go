package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gh0stOo/Tradingbot/internal/events"
	"github.com/gh0stOo/Tradingbot/internal/ledger"
)

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists trading-core state for restarts and audit.
type Store struct {
	db *sql.DB
}

// SaveSnapshot serializes the ledger snapshot as a JSON blob.
func (s *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (taken_at, equity, body) VALUES (?, ?, ?)`,
		snap.TakenAt, snap.Equity, body)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved snapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return ledger.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	var snap ledger.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// PruneSnapshots deletes snapshots older than keep, retaining at least the
// newest row.
func (s *Store) PruneSnapshots(ctx context.Context, keep time.Duration) error {
	cutoff := time.Now().UTC().Add(-keep)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE taken_at < ? AND id != (SELECT MAX(id) FROM snapshots)`, cutoff)
	if err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}
	return nil
}

// RecordOrder upserts the audit row for an order.
func (s *Store) RecordOrder(ctx context.Context, o ledger.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, venue_order_id, asset, side, price, qty, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		o.ClientOrderID, o.VenueOrderID, o.Asset, string(o.Side), o.Price, o.Quantity, string(o.Status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder returns the audit row for a client order id.
func (s *Store) GetOrder(ctx context.Context, clientOrderID string) (ledger.Order, error) {
	var o ledger.Order
	var side, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, COALESCE(venue_order_id, ''), asset, side, price, qty, status, created_at
		FROM orders WHERE client_order_id = ?`, clientOrderID).
		Scan(&o.ClientOrderID, &o.VenueOrderID, &o.Asset, &side, &o.Price, &o.Quantity, &status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("loading order %s: %w", clientOrderID, err)
	}
	o.Side = events.Side(side)
	o.Status = ledger.OrderStatus(status)
	return o, nil
}

// RecordFill inserts the audit row for a fill. Duplicate fill ids are
// ignored, mirroring the executor's exactly-once application.
func (s *Store) RecordFill(ctx context.Context, f events.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (fill_id, client_order_id, asset, side, price, qty, fee, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_id) DO NOTHING`,
		f.FillID, f.ClientOrderID, f.Asset, string(f.Side), f.Price, f.Quantity, f.Fee, f.Time)
	if err != nil {
		return fmt.Errorf("recording fill %s: %w", f.FillID, err)
	}
	return nil
}

// FillsByAsset returns up to limit fills for an asset, newest first.
func (s *Store) FillsByAsset(ctx context.Context, asset string, limit int) ([]events.Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, client_order_id, asset, side, price, qty, fee, executed_at
		FROM trades WHERE asset = ? ORDER BY executed_at DESC LIMIT ?`, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var fills []events.Fill
	for rows.Next() {
		var f events.Fill
		var side string
		if err := rows.Scan(&f.FillID, &f.ClientOrderID, &f.Asset, &side, &f.Price, &f.Quantity, &f.Fee, &f.Time); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = events.Side(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// RecordReconciliation stores one reconciliation pass for audit, order and
// position diffs both.
func (s *Store) RecordReconciliation(ctx context.Context, report events.ReconciliationReport) error {
	detail, err := json.Marshal(struct {
		Orders    []events.OrderDiff    `json:"orders"`
		Positions []events.PositionDiff `json:"positions"`
	}{report.Diffs, report.PositionDiffs})
	if err != nil {
		return fmt.Errorf("encoding reconciliation detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliations (run_at, diff_count, corrected, detail)
		VALUES (?, ?, ?, ?)`,
		report.At, len(report.Diffs)+len(report.PositionDiffs), report.Corrected, string(detail))
	if err != nil {
		return fmt.Errorf("recording reconciliation: %w", err)
	}
	return nil
}

// RecordKillSwitch logs a trading halt.
func (s *Store) RecordKillSwitch(ctx context.Context, ks events.KillSwitch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_switch_log (tripped_at, reason) VALUES (?, ?)`, ks.At, ks.Reason)
	if err != nil {
		return fmt.Errorf("recording kill switch: %w", err)
	}
	return nil
}
