// Package engine runs the tick loop that drives everything: guard first,
// then the entry queue, then open positions, then persistence. One
// goroutine owns all trading state transitions, which is what makes the
// single-entry-per-symbol guarantee cheap to keep.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/NinaFal/20k5ers/internal/account"
	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/clock"
	"github.com/NinaFal/20k5ers/internal/entry"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/internal/guard"
	"github.com/NinaFal/20k5ers/internal/position"
	"github.com/NinaFal/20k5ers/internal/state"
	"github.com/NinaFal/20k5ers/pkg/params"
)

// Engine wires the components and owns the tick goroutine.
type Engine struct {
	exec      broker.ExecutionClient
	acct      *account.Manager
	guard     *guard.Guard
	queue     *entry.Queue
	positions *position.Manager
	store     *state.Store
	bus       *events.Bus
	clock     clock.Clock

	tickInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles an engine from pre-built components.
func New(exec broker.ExecutionClient, acct *account.Manager, g *guard.Guard, q *entry.Queue, pm *position.Manager, st *state.Store, bus *events.Bus, clk clock.Clock, tickInterval time.Duration) *Engine {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Engine{
		exec:         exec,
		acct:         acct,
		guard:        g,
		queue:        q,
		positions:    pm,
		store:        st,
		bus:          bus,
		clock:        clk,
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
	}
}

// Build constructs the full component graph over an execution client and a
// database-backed store, returning the engine and its parts.
func Build(exec broker.ExecutionClient, st *state.Store, bus *events.Bus, clk clock.Clock, p params.Params, initialBalance float64, tickInterval time.Duration) *Engine {
	acct := account.NewManager(initialBalance)
	g := guard.New(acct, bus, clk, p.Drawdown, p.Weekend)
	pm := position.NewManager(exec, acct, st, bus, clk, p.Trailing)
	fills := entry.NewFillEngine(exec, acct, pm, g, clk, p.Risk, p.TPDefault)
	q := entry.NewQueue(fills, exec, st, bus, clk, p.Entry, pm.HasOpen)
	return New(exec, acct, g, q, pm, st, bus, clk, tickInterval)
}

// Recover rehydrates the engine from the snapshot and reconciles against the
// venue. Must run before Start.
func (e *Engine) Recover(ctx context.Context) error {
	st, found, err := e.store.LoadAccount(ctx)
	if err != nil {
		return err
	}
	if found {
		e.acct.Restore(st)
		log.Printf("engine: account restored: balance %.2f equity %.2f baseline %.2f", st.Balance, st.Equity, st.DayStartBaseline)
	} else {
		if err := e.store.SaveAccount(ctx, e.acct.Snapshot()); err != nil {
			return err
		}
		log.Printf("engine: fresh account initialized")
	}

	snapshot, err := e.store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	live, err := e.store.Reconcile(ctx, e.exec, snapshot, e.bus)
	if err != nil {
		return err
	}
	for _, p := range live {
		e.positions.Restore(p)
	}

	entries, err := e.store.LoadEntries(ctx)
	if err != nil {
		return err
	}
	for _, qe := range entries {
		e.queue.Restore(qe)
	}
	log.Printf("engine: recovered %d positions, %d queued entries", len(live), len(entries))
	return nil
}

// Start launches the event-log writer and the tick loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.store.RunEventLog(ctx, e.bus)
	}()
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	log.Printf("engine: started, tick every %v", e.tickInterval)
}

// Stop halts the tick loop and waits for in-flight work.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one full evaluation pass. Exported so tests and backtests can
// drive the engine off a mock clock instead of the wall ticker.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now()
	quotes := e.collectQuotes(ctx)

	e.acct.MarkToMarket(e.positions.FloatingPnL(quotes))
	e.guard.Evaluate(now)

	if reason, ok := e.guard.ConsumeCloseAll(); ok {
		e.queue.CancelAll(ctx, reason)
		e.positions.CloseAll(ctx, closeReason(reason))
		e.bus.Publish(events.NewRecord(now, "", events.EventCloseAll, nil, nil, reason))
	}

	if !e.guard.Halted() {
		e.queue.Tick(ctx, quotes)
	}
	e.positions.Tick(ctx, quotes)

	e.acct.MarkToMarket(e.positions.FloatingPnL(quotes))
	if err := e.store.SaveAccount(ctx, e.acct.Snapshot()); err != nil {
		log.Printf("engine: persist account: %v", err)
	}
}

// closeReason folds guard reasons into the closed-trade vocabulary.
func closeReason(guardReason string) string {
	if strings.Contains(guardReason, "weekend") {
		return "weekend"
	}
	return "close_all"
}

// collectQuotes fetches one quote per symbol the engine currently cares
// about. A symbol whose quote fails is skipped this tick; the error never
// widens beyond it.
func (e *Engine) collectQuotes(ctx context.Context) map[string]broker.Quote {
	quotes := make(map[string]broker.Quote)
	for _, sym := range e.symbols() {
		q, err := e.exec.CurrentPrice(ctx, sym)
		if err != nil {
			log.Printf("engine: quote %s: %v", sym, err)
			continue
		}
		quotes[sym] = q
	}
	return quotes
}

func (e *Engine) symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range e.positions.Symbols() {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range e.queue.Symbols() {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Submit queues an externally produced signal. While the guard blocks fills
// the signal is refused outright: the queue is skipped during a halt, so an
// accepted signal could only go stale there, and after a stop-out it would
// linger forever.
func (e *Engine) Submit(ctx context.Context, sig entry.Signal) (string, error) {
	if e.guard.Halted() {
		daily, total := e.guard.Tiers()
		return "", fmt.Errorf("engine: fills halted (daily %s, total %s), signal refused", daily, total)
	}
	return e.queue.Submit(ctx, sig)
}

// Status is the operator-facing snapshot of the engine.
type Status struct {
	Account     account.State    `json:"account"`
	Drawdown    account.Drawdown `json:"drawdown"`
	DailyTier   string           `json:"daily_tier"`
	TotalTier   string           `json:"total_tier"`
	Halted      bool             `json:"halted"`
	OpenCount   int              `json:"open_positions"`
	QueuedCount int              `json:"queued_entries"`
}

// Status reports the current engine state for the API.
func (e *Engine) Status() Status {
	daily, total := e.guard.Tiers()
	return Status{
		Account:     e.acct.Snapshot(),
		Drawdown:    e.acct.Drawdown(),
		DailyTier:   daily.String(),
		TotalTier:   total.String(),
		Halted:      e.guard.Halted(),
		OpenCount:   e.positions.Count(),
		QueuedCount: len(e.queue.Active()),
	}
}

// Positions exposes open positions for the API.
func (e *Engine) Positions() []position.Position { return e.positions.Open() }

// Queue exposes active entries for the API.
func (e *Engine) Queue() []entry.QueuedEntry { return e.queue.Active() }
