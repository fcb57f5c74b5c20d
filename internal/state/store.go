// Package state bridges the engine's in-memory managers and the SQLite
// snapshot: write-through persistence, startup recovery with per-record
// quarantine, and reconciliation against the venue's live positions.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/NinaFal/20k5ers/internal/account"
	"github.com/NinaFal/20k5ers/internal/entry"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/internal/position"
	"github.com/NinaFal/20k5ers/pkg/db"
)

// Store persists engine state through the db layer. It satisfies both
// entry.Store and position.Store.
type Store struct {
	db *db.Database
}

// New wraps the database handle.
func New(database *db.Database) *Store {
	return &Store{db: database}
}

// SaveEntry writes a queued entry through, active or terminal.
func (s *Store) SaveEntry(ctx context.Context, e entry.QueuedEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}
	return s.db.UpsertEntry(ctx, e.ID, e.Signal.Symbol, string(e.State), string(payload))
}

// SavePosition writes an open position through.
func (s *Store) SavePosition(ctx context.Context, p position.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}
	return s.db.UpsertPosition(ctx, p.ID, p.Symbol, string(payload))
}

// DeletePosition drops the open-side row of a closed position.
func (s *Store) DeletePosition(ctx context.Context, id string) error {
	return s.db.DeletePosition(ctx, id)
}

// SaveClosedTrade appends to the archival trade table.
func (s *Store) SaveClosedTrade(ctx context.Context, t position.ClosedTrade) error {
	return s.db.InsertClosedTrade(ctx, db.TradeRow{
		ID:           t.ID,
		PositionID:   t.PositionID,
		Symbol:       t.Symbol,
		Direction:    t.Direction.String(),
		EntryPrice:   t.EntryPrice,
		ExitPrice:    t.ExitPrice,
		OriginalSize: t.OriginalSize,
		RealizedPnL:  t.RealizedPnL,
		OpenedAt:     t.OpenedAt,
		ClosedAt:     t.ClosedAt,
		Reason:       t.Reason,
	})
}

// SaveAccount writes the account snapshot through.
func (s *Store) SaveAccount(ctx context.Context, st account.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal account state: %w", err)
	}
	return s.db.UpsertAccountState(ctx, string(payload))
}

// LoadAccount reads the account snapshot. found is false on first run.
func (s *Store) LoadAccount(ctx context.Context) (st account.State, found bool, err error) {
	payload, err := s.db.GetAccountState(ctx)
	if err == db.ErrNotFound {
		return account.State{}, false, nil
	}
	if err != nil {
		return account.State{}, false, err
	}
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		// A corrupt singleton cannot be quarantined row-by-row; surface it
		// so the operator decides instead of silently resetting balances.
		return account.State{}, false, fmt.Errorf("corrupt account state: %w", err)
	}
	return st, true, nil
}

// activeEntryStates are the states restored at startup.
var activeEntryStates = []string{
	string(entry.StateAwaitingProximity),
	string(entry.StateAwaitingSpread),
	string(entry.StatePending),
}

// LoadEntries restores active queued entries. A record that fails to decode
// is quarantined (re-tagged so it is never reloaded) and skipped; the rest
// of the snapshot still loads.
func (s *Store) LoadEntries(ctx context.Context) ([]entry.QueuedEntry, error) {
	rows, err := s.db.EntriesInStates(ctx, activeEntryStates...)
	if err != nil {
		return nil, err
	}
	var out []entry.QueuedEntry
	for _, r := range rows {
		var e entry.QueuedEntry
		if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
			s.quarantineEntry(ctx, r, err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) quarantineEntry(ctx context.Context, r db.PayloadRow, cause error) {
	log.Printf("state: quarantining corrupt entry %s (%s): %v", r.ID, r.Symbol, cause)
	if err := s.db.UpsertEntry(ctx, r.ID, r.Symbol, "corrupt", r.Payload); err != nil {
		log.Printf("state: quarantine entry %s: %v", r.ID, err)
	}
}

// LoadPositions restores open positions with the same per-record quarantine.
func (s *Store) LoadPositions(ctx context.Context) ([]position.Position, error) {
	rows, err := s.db.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	var out []position.Position
	for _, r := range rows {
		var p position.Position
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			log.Printf("state: quarantining corrupt position %s (%s): %v", r.ID, r.Symbol, err)
			if derr := s.db.DeletePosition(ctx, r.ID); derr != nil {
				log.Printf("state: drop corrupt position %s: %v", r.ID, derr)
			}
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RecentTrades exposes the trade archive to the API.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]db.TradeRow, error) {
	return s.db.RecentTrades(ctx, limit)
}

// RecentEvents exposes the transition log to the API.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]db.EventRow, error) {
	return s.db.RecentEvents(ctx, limit)
}

// RunEventLog drains the bus into the events table until ctx is cancelled.
// Runs on its own goroutine; a write failure is logged, never fatal.
func (s *Store) RunEventLog(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.SubscribeAll(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			row := db.EventRow{
				Time:       rec.Time,
				Symbol:     rec.Symbol,
				Transition: string(rec.Transition),
				Before:     string(rec.Before),
				After:      string(rec.After),
				Note:       rec.Note,
			}
			if err := s.db.InsertEvent(ctx, row); err != nil {
				log.Printf("state: event log write: %v", err)
			}
		}
	}
}
