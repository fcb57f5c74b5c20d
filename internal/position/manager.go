package position

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/NinaFal/20k5ers/internal/account"
	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/clock"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/pkg/instrument"
	"github.com/NinaFal/20k5ers/pkg/params"
)

// Store is the slice of persistence the manager needs. Every mutation of a
// position is written through before the tick moves on.
type Store interface {
	SavePosition(ctx context.Context, p Position) error
	DeletePosition(ctx context.Context, id string) error
	SaveClosedTrade(ctx context.Context, t ClosedTrade) error
}

// Manager owns all open positions and runs the exit logic every tick:
// stop-cross close, the take-profit ladder, and the trailing-stop ratchet.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*Position

	exec    broker.ExecutionClient
	acct    *account.Manager
	store   Store
	bus     *events.Bus
	clock   clock.Clock
	trail   params.Trailing
	dustEps float64
}

// NewManager creates an empty position manager.
func NewManager(exec broker.ExecutionClient, acct *account.Manager, store Store, bus *events.Bus, clk clock.Clock, trail params.Trailing) *Manager {
	return &Manager{
		positions: make(map[string]*Position),
		exec:      exec,
		acct:      acct,
		store:     store,
		bus:       bus,
		clock:     clk,
		trail:     trail,
		dustEps:   1e-9,
	}
}

// Adopt takes over a position (from a fill or from startup recovery) and
// persists it. TP levels must already be sorted ascending by R multiple.
func (m *Manager) Adopt(ctx context.Context, p Position) error {
	sort.SliceStable(p.TPLevels, func(i, j int) bool {
		return p.TPLevels[i].RMultiple < p.TPLevels[j].RMultiple
	})
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.positions[p.ID] = &p
	m.mu.Unlock()
	return m.store.SavePosition(ctx, p)
}

// Restore loads a recovered position without re-persisting it.
func (m *Manager) Restore(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = &p
}

// Open returns copies of all open positions, for the API and the engine.
func (m *Manager) Open() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// HasOpen reports whether a position is open on the symbol.
func (m *Manager) HasOpen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// OpenRiskTotal sums the at-fill risk of every open position, for the
// cumulative-risk cap.
func (m *Manager) OpenRiskTotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.positions {
		total += p.RiskAmountAtFill
	}
	return total
}

// Symbols returns the distinct symbols with open positions.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// FloatingPnL values all open positions against the exit side of the given
// quotes. Symbols with no quote contribute zero.
func (m *Manager) FloatingPnL(quotes map[string]broker.Quote) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			continue
		}
		spec, err := instrument.Lookup(p.Symbol)
		if err != nil {
			continue
		}
		exit := q.Bid
		if p.Direction == broker.Short {
			exit = q.Ask
		}
		total += p.Direction.Sign() * (exit - p.EntryPrice) * p.RemainingSize * spec.ValuePerUnit()
	}
	return total
}

// Tick evaluates every open position against fresh quotes: stop cross first,
// then the TP ladder, then the progressive trail. Positions without a quote
// this tick are skipped.
func (m *Manager) Tick(ctx context.Context, quotes map[string]broker.Quote) {
	for _, snap := range m.Open() {
		q, ok := quotes[snap.Symbol]
		if !ok {
			continue
		}
		m.mu.Lock()
		var err error
		if p, ok := m.positions[snap.ID]; ok {
			err = m.evaluate(ctx, p, q)
		}
		m.mu.Unlock()
		if err != nil {
			log.Printf("position: %s %s evaluate: %v", snap.Symbol, snap.ID, err)
		}
	}
}

// evaluate runs one position's exit pass. The caller holds m.mu, so the
// snapshot readers (Open, FloatingPnL, the API) never see a half-applied
// mutation.
func (m *Manager) evaluate(ctx context.Context, p *Position, q broker.Quote) error {

	// Stop first: a crossed stop closes the remainder regardless of how far
	// the TP ladder has progressed.
	if p.StopCrossed(q.High, q.Low) {
		return m.closeFull(ctx, p, "stop")
	}

	if p.Degraded {
		// Adopted without ladder history; stop management only.
		return nil
	}

	spec, err := instrument.Lookup(p.Symbol)
	if err != nil {
		return err
	}

	// The ladder walks unmet levels ascending. A gap through several targets
	// in one tick realizes each of them at its own target price.
	for {
		idx := p.NextLevel()
		if idx < 0 {
			break
		}
		lv := p.TPLevels[idx]
		target := p.TargetPrice(lv.RMultiple)
		crossed := q.Low <= target && target <= q.High
		if !crossed {
			// Gaps clean past the target count too.
			if p.Direction == broker.Long {
				crossed = q.Low > target
			} else {
				crossed = q.High < target
			}
		}
		if !crossed {
			break
		}
		done, err := m.takeLevel(ctx, p, idx, spec)
		if err != nil {
			// Level stays unmet; the next tick retries.
			return err
		}
		if done {
			return nil
		}
	}

	m.progressiveTrail(ctx, p, q)
	return nil
}

// takeLevel realizes one TP level. Returns true when the position closed
// fully (final level or dust remainder).
func (m *Manager) takeLevel(ctx context.Context, p *Position, idx int, spec instrument.Spec) (bool, error) {
	lv := &p.TPLevels[idx]
	target := p.TargetPrice(lv.RMultiple)
	final := idx == len(p.TPLevels)-1

	closeSize := spec.RoundLot(lv.CloseFraction * p.OriginalSize)
	if closeSize > p.RemainingSize {
		closeSize = p.RemainingSize
	}
	remainder := p.RemainingSize - closeSize
	if final || closeSize <= 0 || remainder < spec.MinLot {
		// Not enough left for another partial; take the whole position here.
		return true, m.closeAtLevel(ctx, p, idx)
	}

	fill, err := m.exec.PartialClose(ctx, p.BrokerID, closeSize)
	if err != nil {
		log.Printf("position: %s partial close at tp%d failed: %v", p.Symbol, idx+1, err)
		return false, err
	}

	// Realize at the ladder target, not the venue print: the exit decision
	// was made at the target and the record must reproduce it.
	pnl := p.Direction.Sign() * (target - p.EntryPrice) * fill.Size * spec.ValuePerUnit()
	p.RemainingSize -= fill.Size
	p.RealizedPnL += pnl
	lv.Hit = true
	m.acct.ApplyRealized(pnl)

	m.bus.Publish(events.NewRecord(m.clock.Now(), p.Symbol, events.EventPartialClose, nil, p,
		fmt.Sprintf("tp%d %.2fR size %v pnl %.2f", idx+1, lv.RMultiple, fill.Size, pnl)))

	m.ratchetStop(ctx, p, idx)

	if err := m.store.SavePosition(ctx, *p); err != nil {
		log.Printf("position: persist %s after tp%d: %v", p.ID, idx+1, err)
	}
	if p.RemainingSize < m.dustEps {
		return true, m.finalize(ctx, p, p.TargetPrice(lv.RMultiple), "final_tp")
	}
	return false, nil
}

// ratchetStop moves the stop after a TP level fills: level one sends it to
// breakeven, later levels send it to the previous level's target plus a
// buffer. The stop never loosens.
func (m *Manager) ratchetStop(ctx context.Context, p *Position, idx int) {
	var candidate float64
	if idx == 0 {
		candidate = p.EntryPrice
	} else {
		prev := p.TargetPrice(p.TPLevels[idx-1].RMultiple)
		candidate = prev + p.Direction.Sign()*m.trail.BufferR*p.R()
	}
	m.moveStop(ctx, p, candidate, fmt.Sprintf("after tp%d", idx+1))
}

// progressiveTrail moves the stop to the first TP target once price has run
// far enough past it, before the second level fills. One-shot per position.
func (m *Manager) progressiveTrail(ctx context.Context, p *Position, q broker.Quote) {
	if p.ProgressiveTrailApplied || m.trail.ProgressiveTriggerR <= 0 {
		return
	}
	if len(p.TPLevels) < 2 || !p.TPLevels[0].Hit || p.TPLevels[1].Hit {
		return
	}
	favorable := q.High
	if p.Direction == broker.Short {
		favorable = q.Low
	}
	if p.FavorableR(favorable) < m.trail.ProgressiveTriggerR {
		return
	}
	p.ProgressiveTrailApplied = true
	m.moveStop(ctx, p, p.TargetPrice(p.TPLevels[0].RMultiple), "progressive trail")
	if err := m.store.SavePosition(ctx, *p); err != nil {
		log.Printf("position: persist %s after trail: %v", p.ID, err)
	}
}

// moveStop applies the monotonic clamp, updates the venue, and records the
// move. A venue failure keeps the internal stop: the engine still enforces
// it on the next tick even if the venue-side order lags.
func (m *Manager) moveStop(ctx context.Context, p *Position, candidate float64, why string) {
	before := p.CurrentStop
	if !p.TightenStop(candidate) {
		return
	}
	if err := m.exec.ModifyStop(ctx, p.BrokerID, p.CurrentStop); err != nil {
		log.Printf("position: %s venue stop move to %v failed: %v", p.Symbol, p.CurrentStop, err)
	}
	m.bus.Publish(events.NewRecord(m.clock.Now(), p.Symbol, events.EventStopMoved, before, p.CurrentStop, why))
}

// closeFull closes the remainder at market and finalizes the trade.
func (m *Manager) closeFull(ctx context.Context, p *Position, reason string) error {
	fill, err := m.exec.Close(ctx, p.BrokerID)
	if err != nil {
		if broker.IsRejected(err) {
			// The venue no longer knows the position (stopped out on its
			// side already). Finalize at our stop so the books agree.
			log.Printf("position: %s close rejected, finalizing at stop %v: %v", p.Symbol, p.CurrentStop, err)
			exit := p.CurrentStop
			if exit <= 0 {
				exit = p.EntryPrice
			}
			return m.finalizeAt(ctx, p, exit, reason)
		}
		return err
	}
	return m.finalizeAt(ctx, p, fill.Price, reason)
}

// closeAtLevel closes the remainder when the final TP level (or a dust
// remainder) is reached, realizing at the level's target price.
func (m *Manager) closeAtLevel(ctx context.Context, p *Position, idx int) error {
	lv := &p.TPLevels[idx]
	target := p.TargetPrice(lv.RMultiple)
	if _, err := m.exec.Close(ctx, p.BrokerID); err != nil && !broker.IsRejected(err) {
		log.Printf("position: %s full close at tp%d failed: %v", p.Symbol, idx+1, err)
		return err
	}
	lv.Hit = true
	return m.finalizeAt(ctx, p, target, "final_tp")
}

func (m *Manager) finalizeAt(ctx context.Context, p *Position, exitPrice float64, reason string) error {
	spec, err := instrument.Lookup(p.Symbol)
	if err != nil {
		return err
	}
	pnl := p.Direction.Sign() * (exitPrice - p.EntryPrice) * p.RemainingSize * spec.ValuePerUnit()
	p.RealizedPnL += pnl
	p.RemainingSize = 0
	m.acct.ApplyRealized(pnl)
	return m.finalize(ctx, p, exitPrice, reason)
}

// finalize retires a position whose remaining size has reached zero: write
// the closed trade, drop the open row, update streaks, publish the event.
// Caller holds m.mu.
func (m *Manager) finalize(ctx context.Context, p *Position, exitPrice float64, reason string) error {
	now := m.clock.Now()
	trade := ClosedTrade{
		ID:           uuid.NewString(),
		PositionID:   p.ID,
		Symbol:       p.Symbol,
		Direction:    p.Direction,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    exitPrice,
		OriginalSize: p.OriginalSize,
		RealizedPnL:  p.RealizedPnL,
		OpenedAt:     p.OpenedAt,
		ClosedAt:     now,
		Reason:       reason,
	}
	m.acct.RecordTradeClosed(p.RealizedPnL)
	delete(m.positions, p.ID)

	if err := m.store.SaveClosedTrade(ctx, trade); err != nil {
		log.Printf("position: persist closed trade %s: %v", trade.ID, err)
	}
	if err := m.store.DeletePosition(ctx, p.ID); err != nil {
		log.Printf("position: drop open row %s: %v", p.ID, err)
	}
	m.bus.Publish(events.NewRecord(now, p.Symbol, events.EventPositionClosed, p, trade,
		fmt.Sprintf("%s pnl %.2f", reason, p.RealizedPnL)))
	log.Printf("position: %s %s closed (%s) pnl %.2f", p.Symbol, p.ID, reason, p.RealizedPnL)
	return nil
}

// CloseAll flattens every open position at market. Used by the drawdown
// guard and the weekend policy. Failures are logged and the position kept;
// the next tick retries.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	for _, snap := range m.Open() {
		m.mu.Lock()
		var err error
		if live, ok := m.positions[snap.ID]; ok {
			err = m.closeFull(ctx, live, reason)
		}
		m.mu.Unlock()
		if err != nil {
			log.Printf("position: close-all %s %s: %v", snap.Symbol, snap.ID, err)
		}
	}
}
