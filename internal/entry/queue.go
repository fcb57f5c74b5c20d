// Package entry owns every signal that has not yet become a position: the
// waiting queue, the proximity classifier, and the fill engine that sizes
// and places orders.
package entry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/clock"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/pkg/instrument"
	"github.com/NinaFal/20k5ers/pkg/params"
)

// Signal is an externally produced trade idea. The engine never inspects how
// it was generated; Confidence is an opaque quality score in [0, 1].
type Signal struct {
	Symbol      string           `json:"symbol"`
	Direction   broker.Direction `json:"direction"`
	EntryPrice  float64          `json:"entry_price"`
	StopPrice   float64          `json:"stop_price"`
	TPLevels    []params.TPLevel `json:"tp_levels,omitempty"`
	Confidence  float64          `json:"confidence"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// R is the entry-to-stop distance of the signal in price units.
func (s Signal) R() float64 {
	r := s.EntryPrice - s.StopPrice
	if r < 0 {
		r = -r
	}
	return r
}

// Validate rejects structurally broken signals before they enter the queue.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal: empty symbol")
	}
	if _, err := instrument.Lookup(s.Symbol); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if s.EntryPrice <= 0 || s.StopPrice <= 0 {
		return fmt.Errorf("signal: non-positive price (entry %v stop %v)", s.EntryPrice, s.StopPrice)
	}
	if s.R() == 0 {
		return fmt.Errorf("signal: entry equals stop (%v)", s.EntryPrice)
	}
	if s.Direction == broker.Long && s.StopPrice >= s.EntryPrice {
		return fmt.Errorf("signal: long stop %v not below entry %v", s.StopPrice, s.EntryPrice)
	}
	if s.Direction == broker.Short && s.StopPrice <= s.EntryPrice {
		return fmt.Errorf("signal: short stop %v not above entry %v", s.StopPrice, s.EntryPrice)
	}
	return nil
}

// EntryState is the lifecycle state of a queued entry.
type EntryState string

const (
	StateAwaitingProximity EntryState = "awaiting_proximity"
	// StateAwaitingSpread holds an entry whose price is at market but whose
	// spread is currently too wide to fill.
	StateAwaitingSpread EntryState = "awaiting_spread"
	// StatePending means a resting limit order sits at the venue.
	StatePending   EntryState = "pending"
	StateFilled    EntryState = "filled"
	StateExpired   EntryState = "expired"
	StateCancelled EntryState = "cancelled"
)

// Terminal reports whether the state ends the entry's lifecycle.
func (s EntryState) Terminal() bool {
	return s == StateFilled || s == StateExpired || s == StateCancelled
}

// QueuedEntry wraps a Signal while it waits to become a position.
type QueuedEntry struct {
	ID       string     `json:"id"`
	Signal   Signal     `json:"signal"`
	QueuedAt time.Time  `json:"queued_at"`
	State    EntryState `json:"state"`

	// Order is set once the entry is promoted to a resting limit order.
	Order *broker.OrderHandle `json:"order,omitempty"`
	// PendingSize and PendingRisk are fixed at promotion time; the venue
	// fills the resting order at exactly this size.
	PendingSize float64 `json:"pending_size,omitempty"`
	PendingRisk float64 `json:"pending_risk,omitempty"`

	// SpreadSince marks when the entry moved to StateAwaitingSpread.
	SpreadSince time.Time `json:"spread_since,omitempty"`
}

// Action is the classifier's verdict for one entry on one tick.
type Action int

const (
	Immediate Action = iota
	PromoteToLimit
	Keep
	Expire
	// CancelRunaway fires only when the runaway-cancel policy is enabled and
	// price has moved further than max_distance_r from the entry.
	CancelRunaway
)

func (a Action) String() string {
	switch a {
	case Immediate:
		return "immediate"
	case PromoteToLimit:
		return "promote_to_limit"
	case Keep:
		return "keep"
	case Expire:
		return "expire"
	case CancelRunaway:
		return "cancel_runaway"
	}
	return "unknown"
}

// Classify maps an entry's distance from market into an action. Distance is
// measured in R so thresholds mean the same thing on every instrument.
func Classify(e *QueuedEntry, price float64, now time.Time, p params.Entry) Action {
	r := e.Signal.R()
	dist := price - e.Signal.EntryPrice
	if dist < 0 {
		dist = -dist
	}
	distanceR := dist / r

	switch {
	case distanceR <= p.ImmediateThresholdR:
		return Immediate
	case distanceR <= p.ProximityThresholdR:
		return PromoteToLimit
	}
	if p.CancelBeyondMaxR && distanceR > p.MaxDistanceR {
		return CancelRunaway
	}
	if now.Sub(e.QueuedAt) >= time.Duration(p.MaxWaitHours)*time.Hour {
		return Expire
	}
	return Keep
}

// Store is the persistence slice the queue writes through. Terminal entries
// stay in the store for audit; only active ones are restored at startup.
type Store interface {
	SaveEntry(ctx context.Context, e QueuedEntry) error
}

// Queue owns all non-terminal entries and enforces the single-active-entry-
// per-symbol invariant: Submit refuses a second signal for a symbol that
// already has an entry in flight or a position open.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*QueuedEntry

	fills   *FillEngine
	exec    broker.ExecutionClient
	store   Store
	bus     *events.Bus
	clock   clock.Clock
	params  params.Entry
	hasOpen func(symbol string) bool
}

// NewQueue creates an empty entry queue. hasOpen reports whether a position
// is already open on a symbol.
func NewQueue(fills *FillEngine, exec broker.ExecutionClient, store Store, bus *events.Bus, clk clock.Clock, p params.Entry, hasOpen func(string) bool) *Queue {
	return &Queue{
		entries: make(map[string]*QueuedEntry),
		fills:   fills,
		exec:    exec,
		store:   store,
		bus:     bus,
		clock:   clk,
		params:  p,
		hasOpen: hasOpen,
	}
}

// Submit validates and queues a signal. Returns the entry ID.
func (q *Queue) Submit(ctx context.Context, sig Signal) (string, error) {
	if err := sig.Validate(); err != nil {
		return "", err
	}
	now := q.clock.Now()

	q.mu.Lock()
	for _, e := range q.entries {
		if e.Signal.Symbol == sig.Symbol {
			q.mu.Unlock()
			return "", fmt.Errorf("entry: %s already has an active entry (%s)", sig.Symbol, e.State)
		}
	}
	if q.hasOpen != nil && q.hasOpen(sig.Symbol) {
		q.mu.Unlock()
		return "", fmt.Errorf("entry: %s already has an open position", sig.Symbol)
	}
	e := &QueuedEntry{
		ID:       uuid.NewString(),
		Signal:   sig,
		QueuedAt: now,
		State:    StateAwaitingProximity,
	}
	q.entries[e.ID] = e
	snap := *e
	q.mu.Unlock()

	if err := q.store.SaveEntry(ctx, snap); err != nil {
		log.Printf("entry: persist %s: %v", snap.ID, err)
	}
	q.bus.Publish(events.NewRecord(now, sig.Symbol, events.EventSignalQueued, nil, snap, ""))
	log.Printf("entry: queued %s %s entry %v stop %v", sig.Symbol, sig.Direction, sig.EntryPrice, sig.StopPrice)
	return snap.ID, nil
}

// Restore loads a recovered entry without re-persisting it.
func (q *Queue) Restore(e QueuedEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.ID] = &e
}

// Active returns copies of all non-terminal entries, oldest first.
func (q *Queue) Active() []QueuedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Symbols returns the distinct symbols with active entries.
func (q *Queue) Symbols() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range q.entries {
		if !seen[e.Signal.Symbol] {
			seen[e.Signal.Symbol] = true
			out = append(out, e.Signal.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Tick re-evaluates every active entry against fresh quotes. Entries whose
// symbol has no quote this tick are left untouched.
func (q *Queue) Tick(ctx context.Context, quotes map[string]broker.Quote) {
	for _, snap := range q.Active() {
		quote, ok := quotes[snap.Signal.Symbol]
		if !ok {
			continue
		}
		q.mu.Lock()
		var err error
		if e, ok := q.entries[snap.ID]; ok {
			err = q.step(ctx, e, quote)
		}
		q.mu.Unlock()
		if err != nil {
			log.Printf("entry: %s %s: %v", snap.Signal.Symbol, snap.ID, err)
		}
	}
}

// step advances one entry's state machine. The caller holds q.mu: the API
// read paths copy entries under the same lock, so no mutation below is ever
// observed half-applied.
func (q *Queue) step(ctx context.Context, e *QueuedEntry, quote broker.Quote) error {
	now := q.clock.Now()
	switch e.State {
	case StatePending:
		return q.pollPending(ctx, e, now)
	case StateAwaitingSpread:
		return q.retrySpread(ctx, e, quote, now)
	case StateAwaitingProximity:
		return q.classifyAndAct(ctx, e, quote, now)
	}
	return nil
}

func (q *Queue) classifyAndAct(ctx context.Context, e *QueuedEntry, quote broker.Quote, now time.Time) error {
	switch Classify(e, quote.Mid(), now, q.params) {
	case Immediate:
		spec, err := instrument.Lookup(e.Signal.Symbol)
		if err != nil {
			return err
		}
		if !spec.SpreadAcceptable(quote.Bid, quote.Ask) {
			e.State = StateAwaitingSpread
			e.SpreadSince = now
			q.persist(ctx, e)
			q.bus.Publish(events.NewRecord(now, e.Signal.Symbol, events.EventEntrySpreadBad, nil, e,
				fmt.Sprintf("spread %.1f pips over %.1f cap", spec.SpreadPips(quote.Bid, quote.Ask), spec.MaxSpreadPips)))
			return nil
		}
		return q.marketFill(ctx, e, now)

	case PromoteToLimit:
		return q.promote(ctx, e, now)

	case Expire:
		return q.retire(ctx, e, StateExpired, events.EventEntryExpired, "max wait exceeded")

	case CancelRunaway:
		return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, "price ran away beyond max distance")
	}
	return nil
}

// marketFill hands the entry to the fill engine at market.
func (q *Queue) marketFill(ctx context.Context, e *QueuedEntry, now time.Time) error {
	pos, err := q.fills.MarketFill(ctx, e)
	if err != nil {
		if broker.IsTransient(err) {
			// Leave the entry where it is; the next tick retries.
			return err
		}
		// Halted, rejected, sanity violation, caps: the signal is dropped.
		return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, err.Error())
	}
	e.State = StateFilled
	q.remove(e.ID)
	q.persist(ctx, e)
	q.bus.Publish(events.NewRecord(now, e.Signal.Symbol, events.EventEntryFilled, e, pos, "market"))
	return nil
}

// promote sizes the entry now and parks a resting limit order at the venue.
func (q *Queue) promote(ctx context.Context, e *QueuedEntry, now time.Time) error {
	size, risk, err := q.fills.Size(e.Signal)
	if err != nil {
		if broker.IsTransient(err) {
			return err
		}
		return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, err.Error())
	}
	h, err := q.exec.PlaceLimitOrder(ctx, e.Signal.Symbol, e.Signal.Direction, size, e.Signal.EntryPrice)
	if err != nil {
		if broker.IsTransient(err) {
			return err
		}
		return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, err.Error())
	}
	e.State = StatePending
	e.Order = &h
	e.PendingSize = size
	e.PendingRisk = risk
	q.persist(ctx, e)
	q.bus.Publish(events.NewRecord(now, e.Signal.Symbol, events.EventEntryPromoted, nil, e,
		fmt.Sprintf("limit %v size %v", e.Signal.EntryPrice, size)))
	log.Printf("entry: %s promoted to limit at %v size %v", e.Signal.Symbol, e.Signal.EntryPrice, size)
	return nil
}

// pollPending checks whether the venue filled or dropped the resting order.
func (q *Queue) pollPending(ctx context.Context, e *QueuedEntry, now time.Time) error {
	if now.Sub(e.QueuedAt) >= time.Duration(q.params.MaxWaitHours)*time.Hour {
		if err := q.exec.CancelOrder(ctx, *e.Order); err != nil && broker.IsTransient(err) {
			return err
		}
		return q.retire(ctx, e, StateExpired, events.EventEntryExpired, "pending order max wait exceeded")
	}
	st, err := q.exec.OrderState(ctx, *e.Order)
	if err != nil {
		if broker.IsTransient(err) {
			return err
		}
		return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, err.Error())
	}
	switch st.Status {
	case broker.OrderFilled:
		pos, err := q.fills.AdoptPendingFill(ctx, e, st.Fill)
		if err != nil {
			return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, err.Error())
		}
		e.State = StateFilled
		q.remove(e.ID)
		q.persist(ctx, e)
		q.bus.Publish(events.NewRecord(now, e.Signal.Symbol, events.EventEntryFilled, e, pos, "limit"))
		return nil
	case broker.OrderCancelled:
		return q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, "venue cancelled the order")
	}
	return nil
}

// retrySpread re-checks the spread on an at-market entry that was blocked.
func (q *Queue) retrySpread(ctx context.Context, e *QueuedEntry, quote broker.Quote, now time.Time) error {
	if now.Sub(e.SpreadSince) >= time.Duration(q.params.SpreadWaitHours)*time.Hour {
		return q.retire(ctx, e, StateExpired, events.EventEntryExpired, "spread never normalized")
	}
	spec, err := instrument.Lookup(e.Signal.Symbol)
	if err != nil {
		return err
	}
	if !spec.SpreadAcceptable(quote.Bid, quote.Ask) {
		return nil
	}
	// Price may have drifted while waiting on spread; re-classify instead of
	// filling blindly. Persist the requeue first so a crash never restores a
	// stale spread wait.
	e.State = StateAwaitingProximity
	e.SpreadSince = time.Time{}
	q.persist(ctx, e)
	return q.classifyAndAct(ctx, e, quote, now)
}

// CancelAll cancels every active entry, pulling resting orders off the
// venue. Used on drawdown halt and weekend flatten.
func (q *Queue) CancelAll(ctx context.Context, reason string) {
	for _, snap := range q.Active() {
		q.mu.Lock()
		e, ok := q.entries[snap.ID]
		if !ok {
			q.mu.Unlock()
			continue
		}
		if e.Order != nil && e.State == StatePending {
			if err := q.exec.CancelOrder(ctx, *e.Order); err != nil {
				log.Printf("entry: cancel venue order %s: %v", e.Order.ID, err)
			}
		}
		err := q.retire(ctx, e, StateCancelled, events.EventEntryCancelled, reason)
		q.mu.Unlock()
		if err != nil {
			log.Printf("entry: cancel %s: %v", snap.ID, err)
		}
	}
}

func (q *Queue) retire(ctx context.Context, e *QueuedEntry, st EntryState, ev events.Event, note string) error {
	before := e.State
	e.State = st
	q.remove(e.ID)
	q.persist(ctx, e)
	q.bus.Publish(events.NewRecord(q.clock.Now(), e.Signal.Symbol, ev, before, st, note))
	log.Printf("entry: %s %s -> %s (%s)", e.Signal.Symbol, before, st, note)
	return nil
}

// remove drops an entry from the active set. Caller holds q.mu.
func (q *Queue) remove(id string) {
	delete(q.entries, id)
}

func (q *Queue) persist(ctx context.Context, e *QueuedEntry) {
	if err := q.store.SaveEntry(ctx, *e); err != nil {
		log.Printf("entry: persist %s: %v", e.ID, err)
	}
}
