package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound signals a missing row to callers that distinguish first-run
// from load failure.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Account state
// ----------------------------------------

// UpsertAccountState stores the single account snapshot row.
func (d *Database) UpsertAccountState(ctx context.Context, payload string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO account_state (id, payload, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, payload)
	return err
}

// GetAccountState returns the account snapshot payload.
func (d *Database) GetAccountState(ctx context.Context) (string, error) {
	var payload string
	err := d.DB.QueryRowContext(ctx,
		`SELECT payload FROM account_state WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query account state: %w", err)
	}
	return payload, nil
}

// ----------------------------------------
// Queued entries
// ----------------------------------------

// UpsertEntry stores a queued entry. Terminal entries keep their row for
// audit; only active states are restored at startup.
func (d *Database) UpsertEntry(ctx context.Context, id, symbol, state, payload string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO queued_entries (id, symbol, state, payload, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			state = excluded.state,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, id, symbol, state, payload)
	return err
}

// EntriesInStates returns the payloads of entries in any of the given states.
func (d *Database) EntriesInStates(ctx context.Context, states ...string) ([]PayloadRow, error) {
	if len(states) == 0 {
		return nil, nil
	}
	marks := strings.Repeat("?,", len(states))
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, payload FROM queued_entries
		WHERE state IN (`+marks[:len(marks)-1]+`)
		ORDER BY updated_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanPayloads(rows)
}

// ----------------------------------------
// Positions
// ----------------------------------------

// UpsertPosition stores an open position snapshot.
func (d *Database) UpsertPosition(ctx context.Context, id, symbol, payload string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, payload, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, id, symbol, payload)
	return err
}

// DeletePosition drops a closed position's open-side row.
func (d *Database) DeletePosition(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	return err
}

// OpenPositions returns all persisted open positions.
func (d *Database) OpenPositions(ctx context.Context) ([]PayloadRow, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, symbol, payload FROM positions ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	return scanPayloads(rows)
}

func scanPayloads(rows *sql.Rows) ([]PayloadRow, error) {
	var out []PayloadRow
	for rows.Next() {
		var r PayloadRow
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan payload row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Closed trades
// ----------------------------------------

// InsertClosedTrade appends an archived trade.
func (d *Database) InsertClosedTrade(ctx context.Context, t TradeRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO closed_trades (
			id, position_id, symbol, direction, entry_price, exit_price,
			original_size, realized_pnl, opened_at, closed_at, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PositionID, t.Symbol, t.Direction, t.EntryPrice, t.ExitPrice,
		t.OriginalSize, t.RealizedPnL, t.OpenedAt, t.ClosedAt, t.Reason)
	return err
}

// RecentTrades returns the latest closed trades, newest first.
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]TradeRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, position_id, symbol, direction, entry_price, exit_price,
		       original_size, realized_pnl, opened_at, closed_at, reason
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Direction,
			&t.EntryPrice, &t.ExitPrice, &t.OriginalSize, &t.RealizedPnL,
			&t.OpenedAt, &t.ClosedAt, &t.Reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Event log
// ----------------------------------------

// InsertEvent appends one transition record.
func (d *Database) InsertEvent(ctx context.Context, e EventRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO events (ts, symbol, transition, before, after, note)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Time, e.Symbol, e.Transition, e.Before, e.After, e.Note)
	return err
}

// RecentEvents returns the latest transition records, newest first.
func (d *Database) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, ts, symbol, transition,
		       COALESCE(before, ''), COALESCE(after, ''), COALESCE(note, '')
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.Time, &e.Symbol, &e.Transition, &e.Before, &e.After, &e.Note); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
