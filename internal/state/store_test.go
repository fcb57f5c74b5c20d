package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NinaFal/20k5ers/internal/account"
	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/entry"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/internal/position"
	"github.com/NinaFal/20k5ers/pkg/db"
)

func newTestStore(t *testing.T) (*Store, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	return New(database), database
}

func TestAccountRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// First run: nothing persisted yet.
	_, found, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("fresh database should report no account state")
	}

	want := account.State{
		InitialBalance:   20000,
		Balance:          20236,
		Equity:           20150,
		PeakEquity:       20400,
		DayStartBaseline: 20236,
		LastRollover:     "2025-03-10",
		TradesToday:      3,
		WinStreak:        2,
	}
	if err := s.SaveAccount(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("saved account state not found")
	}
	if got != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	// Upsert: a second save overwrites the singleton.
	want.Balance = 19800
	if err := s.SaveAccount(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.LoadAccount(ctx)
	if got.Balance != 19800 {
		t.Errorf("Balance = %v, want overwritten 19800", got.Balance)
	}
}

func TestEntryRoundTripAndTerminalFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	queuedAt := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

	active := entry.QueuedEntry{
		ID: "e-active",
		Signal: entry.Signal{
			Symbol: "EUR_USD", Direction: broker.Long,
			EntryPrice: 1.1000, StopPrice: 1.0950, Confidence: 0.6,
		},
		QueuedAt: queuedAt,
		State:    entry.StateAwaitingProximity,
	}
	pending := active
	pending.ID = "e-pending"
	pending.State = entry.StatePending
	pending.Order = &broker.OrderHandle{ID: "ord-1", Symbol: "EUR_USD"}
	pending.PendingSize = 0.40
	pending.PendingRisk = 200
	expired := active
	expired.ID = "e-expired"
	expired.State = entry.StateExpired

	for _, e := range []entry.QueuedEntry{active, pending, expired} {
		if err := s.SaveEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 active entries (terminal filtered), got %d", len(got))
	}
	byID := make(map[string]entry.QueuedEntry)
	for _, e := range got {
		byID[e.ID] = e
	}
	if _, ok := byID["e-expired"]; ok {
		t.Error("terminal entry must not be restored")
	}
	p, ok := byID["e-pending"]
	if !ok {
		t.Fatal("pending entry missing")
	}
	if p.Order == nil || p.Order.ID != "ord-1" || p.PendingSize != 0.40 || p.PendingRisk != 200 {
		t.Errorf("pending entry lost order details: %+v", p)
	}
	if !p.QueuedAt.Equal(queuedAt) {
		t.Errorf("QueuedAt = %v, want %v", p.QueuedAt, queuedAt)
	}
}

func TestCorruptEntryIsQuarantined(t *testing.T) {
	s, database := newTestStore(t)
	ctx := context.Background()

	good := entry.QueuedEntry{
		ID: "e-good",
		Signal: entry.Signal{
			Symbol: "EUR_USD", Direction: broker.Long,
			EntryPrice: 1.1000, StopPrice: 1.0950,
		},
		State: entry.StateAwaitingProximity,
	}
	if err := s.SaveEntry(ctx, good); err != nil {
		t.Fatal(err)
	}
	// A row whose payload was torn mid-write.
	if err := database.UpsertEntry(ctx, "e-bad", "GBP_USD", "awaiting_proximity", `{"id":"e-bad","sig`); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("one corrupt row must not fail the load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e-good" {
		t.Fatalf("want only the good entry, got %+v", got)
	}

	// The corrupt row was re-tagged and stays out of future loads.
	got, err = s.LoadEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("quarantined row leaked back in: %+v", got)
	}
	rows, err := database.EntriesInStates(ctx, "corrupt")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "e-bad" {
		t.Errorf("quarantined row should keep its payload for audit, got %+v", rows)
	}
}

func TestPositionRoundTripAndCorruptDrop(t *testing.T) {
	s, database := newTestStore(t)
	ctx := context.Background()

	pos := position.Position{
		ID: "p-1", BrokerID: "v-1", Symbol: "EUR_USD",
		Direction: broker.Long, EntryPrice: 1.1000,
		OriginalSize: 0.40, RemainingSize: 0.32,
		InitialStop: 1.0950, CurrentStop: 1.1000,
		RiskAmountAtFill: 200,
		TPLevels: []position.TPLevel{
			{RMultiple: 0.9, CloseFraction: 0.20, Hit: true},
			{RMultiple: 2.0, CloseFraction: 0.80},
		},
		OpenedAt:    time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		RealizedPnL: 36,
	}
	if err := s.SavePosition(ctx, pos); err != nil {
		t.Fatal(err)
	}
	if err := database.UpsertPosition(ctx, "p-bad", "NAS100", `not json`); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("want the one good position, got %d", len(got))
	}
	g := got[0]
	if g.RemainingSize != 0.32 || g.CurrentStop != 1.1000 || !g.TPLevels[0].Hit {
		t.Errorf("position lost state across the round trip: %+v", g)
	}

	// The corrupt row is dropped, not re-read forever.
	rows, err := database.OpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("corrupt position row should be deleted, rows %+v", rows)
	}

	// DeletePosition retires the open row after a close.
	if err := s.DeletePosition(ctx, "p-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadPositions(ctx)
	if len(got) != 0 {
		t.Errorf("deleted position still loads: %+v", got)
	}
}

func TestClosedTradesAndEvents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	opened := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	for i, reason := range []string{"stop", "final_tp", "close_all"} {
		tr := position.ClosedTrade{
			ID:         "t-" + reason,
			PositionID: "p-1", Symbol: "EUR_USD", Direction: broker.Long,
			EntryPrice: 1.1000, ExitPrice: 1.1050,
			OriginalSize: 0.40, RealizedPnL: 200,
			OpenedAt: opened,
			ClosedAt: opened.Add(time.Duration(i+1) * time.Hour),
			Reason:   reason,
		}
		if err := s.SaveClosedTrade(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	trades, err := s.RecentTrades(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 {
		t.Fatalf("limit ignored, got %d trades", len(trades))
	}
	// Newest first.
	if trades[0].Reason != "close_all" {
		t.Errorf("newest trade first, got %q", trades[0].Reason)
	}
}

func TestReconcile(t *testing.T) {
	s, database := newTestStore(t)
	ctx := context.Background()
	bus := events.NewBus()
	sim := broker.NewSim(nil)

	// Matched position whose venue size moved (partial close landed after
	// the last snapshot write).
	matchedID := sim.SeedPosition("EUR_USD", broker.Long, 0.32, 1.1000, 1.0950)
	matched := position.Position{
		ID: "p-matched", BrokerID: matchedID, Symbol: "EUR_USD",
		Direction: broker.Long, EntryPrice: 1.1000,
		OriginalSize: 0.40, RemainingSize: 0.40,
		InitialStop: 1.0950, CurrentStop: 1.0950,
	}
	// Stale snapshot position: the venue no longer holds it.
	stale := position.Position{
		ID: "p-stale", BrokerID: "gone", Symbol: "GBP_USD",
		Direction: broker.Short, EntryPrice: 1.2500,
		OriginalSize: 0.20, RemainingSize: 0.20,
	}
	for _, p := range []position.Position{matched, stale} {
		if err := s.SavePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	// Venue-only position: opened manually or by a lost fill.
	orphanID := sim.SeedPosition("XAU_USD", broker.Short, 0.05, 2900, 2950)

	kept, err := s.Reconcile(ctx, sim, []position.Position{matched, stale}, bus)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 2 {
		t.Fatalf("want matched + adopted, got %d", len(kept))
	}

	var gotMatched, gotAdopted *position.Position
	for i := range kept {
		switch kept[i].BrokerID {
		case matchedID:
			gotMatched = &kept[i]
		case orphanID:
			gotAdopted = &kept[i]
		}
	}
	if gotMatched == nil {
		t.Fatal("matched position missing")
	}
	if gotMatched.RemainingSize != 0.32 {
		t.Errorf("venue size should win, got %v", gotMatched.RemainingSize)
	}
	if gotAdopted == nil {
		t.Fatal("venue-only position not adopted")
	}
	if !gotAdopted.Degraded {
		t.Error("adopted position must be degraded")
	}
	if gotAdopted.CurrentStop != 2950 {
		t.Errorf("adopted stop = %v, want the venue stop 2950", gotAdopted.CurrentStop)
	}
	if gotAdopted.ID == "" || gotAdopted.ID == orphanID {
		t.Error("adopted position needs its own internal id")
	}

	// The stale row is gone; matched and adopted rows persist.
	rows, err := database.OpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids := make(map[string]bool)
	for _, r := range rows {
		ids[r.ID] = true
	}
	if ids["p-stale"] {
		t.Error("stale row should be deleted")
	}
	if !ids["p-matched"] {
		t.Error("matched row should persist with the venue size")
	}
	if len(rows) != 2 {
		t.Errorf("want matched + adopted rows, got %d", len(rows))
	}
}

func TestRunEventLogWritesBusRecords(t *testing.T) {
	s, _ := newTestStore(t)
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunEventLog(ctx, bus)
		close(done)
	}()

	bus.Publish(events.NewRecord(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		"EUR_USD", events.EventSignalQueued, nil, nil, "test"))

	// The log goroutine drains asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs, err := s.RecentEvents(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) == 1 {
			if evs[0].Symbol != "EUR_USD" || evs[0].Transition != string(events.EventSignalQueued) {
				t.Errorf("logged event = %+v", evs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never reached the log")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
