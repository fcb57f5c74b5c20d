package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sim is an in-memory venue used for dry runs and tests. Quotes are pushed
// in via SetQuote; resting limit orders fill when the pushed range crosses
// their price. Stops are stored but never executed venue-side — stop
// handling belongs to the position manager.
type Sim struct {
	mu       sync.Mutex
	now      func() time.Time
	quotes   map[string]Quote
	orders   map[string]*simOrder
	pos      map[string]*simPosition
	failures map[string]*failPlan
}

type simOrder struct {
	handle OrderHandle
	dir    Direction
	size   float64
	price  float64
	state  OrderState
}

type simPosition struct {
	id       string
	symbol   string
	dir      Direction
	size     float64
	entry    float64
	stop     float64
	openedAt time.Time
}

type failPlan struct {
	kind  ErrKind
	times int
}

// NewSim creates an empty simulated venue. nowFn may be nil, in which case
// the wall clock is used.
func NewSim(nowFn func() time.Time) *Sim {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Sim{
		now:      nowFn,
		quotes:   make(map[string]Quote),
		orders:   make(map[string]*simOrder),
		pos:      make(map[string]*simPosition),
		failures: make(map[string]*failPlan),
	}
}

// FailNext makes the next n calls of op fail with the given kind.
// Op names match the ExecutionClient method in snake_case.
func (s *Sim) FailNext(op string, kind ErrKind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failPlan{kind: kind, times: n}
}

func (s *Sim) failCheck(op, symbol string) error {
	plan := s.failures[op]
	if plan == nil || plan.times <= 0 {
		return nil
	}
	plan.times--
	err := errors.New("injected failure")
	if plan.kind == KindRejected {
		return Rejected(op, symbol, err)
	}
	return Transient(op, symbol, err)
}

// SetQuote pushes a new quote and sweeps resting orders whose price the
// range [low, high] has reached.
func (s *Sim) SetQuote(symbol string, bid, ask, high, low float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := Quote{Bid: bid, Ask: ask, High: high, Low: low}
	s.quotes[symbol] = q

	for _, o := range s.orders {
		if o.state.Status != OrderPending || o.handle.Symbol != symbol {
			continue
		}
		touched := (o.dir == Long && low <= o.price) || (o.dir == Short && high >= o.price)
		if !touched {
			continue
		}
		p := s.openPosition(symbol, o.dir, o.size, o.price)
		o.state = OrderState{
			Status: OrderFilled,
			Fill:   Fill{PositionID: p.id, Price: o.price, Size: o.size, Time: s.now()},
		}
	}
}

func (s *Sim) openPosition(symbol string, dir Direction, size, price float64) *simPosition {
	p := &simPosition{
		id:       uuid.NewString(),
		symbol:   symbol,
		dir:      dir,
		size:     size,
		entry:    price,
		openedAt: s.now(),
	}
	s.pos[p.id] = p
	return p
}

// SeedPosition plants a venue position directly, bypassing order flow.
// Used to stage reconciliation scenarios.
func (s *Sim) SeedPosition(symbol string, dir Direction, size, entry, stop float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.openPosition(symbol, dir, size, entry)
	p.stop = stop
	return p.id
}

func (s *Sim) CurrentPrice(_ context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("current_price", symbol); err != nil {
		return Quote{}, err
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, Transient("current_price", symbol, errors.New("no quote yet"))
	}
	return q, nil
}

func (s *Sim) PlaceMarketOrder(_ context.Context, symbol string, dir Direction, size float64) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("place_market", symbol); err != nil {
		return Fill{}, err
	}
	if size <= 0 {
		return Fill{}, Rejected("place_market", symbol, fmt.Errorf("invalid size %v", size))
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return Fill{}, Transient("place_market", symbol, errors.New("no quote yet"))
	}
	price := q.Ask
	if dir == Short {
		price = q.Bid
	}
	p := s.openPosition(symbol, dir, size, price)
	return Fill{PositionID: p.id, Price: price, Size: size, Time: s.now()}, nil
}

func (s *Sim) PlaceLimitOrder(_ context.Context, symbol string, dir Direction, size, price float64) (OrderHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("place_limit", symbol); err != nil {
		return OrderHandle{}, err
	}
	if size <= 0 || price <= 0 {
		return OrderHandle{}, Rejected("place_limit", symbol, fmt.Errorf("invalid size %v price %v", size, price))
	}
	h := OrderHandle{ID: uuid.NewString(), Symbol: symbol}
	s.orders[h.ID] = &simOrder{handle: h, dir: dir, size: size, price: price}
	return h, nil
}

func (s *Sim) OrderState(_ context.Context, h OrderHandle) (OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("order_state", h.Symbol); err != nil {
		return OrderState{}, err
	}
	o, ok := s.orders[h.ID]
	if !ok {
		return OrderState{}, Rejected("order_state", h.Symbol, fmt.Errorf("unknown order %s", h.ID))
	}
	return o.state, nil
}

func (s *Sim) CancelOrder(_ context.Context, h OrderHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("cancel_order", h.Symbol); err != nil {
		return err
	}
	o, ok := s.orders[h.ID]
	if !ok {
		return Rejected("cancel_order", h.Symbol, fmt.Errorf("unknown order %s", h.ID))
	}
	if o.state.Status == OrderFilled {
		return Rejected("cancel_order", h.Symbol, errors.New("order already filled"))
	}
	o.state.Status = OrderCancelled
	return nil
}

func (s *Sim) PartialClose(_ context.Context, positionID string, size float64) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("partial_close", positionID); err != nil {
		return Fill{}, err
	}
	p, ok := s.pos[positionID]
	if !ok {
		return Fill{}, Rejected("partial_close", positionID, errors.New("unknown position"))
	}
	if size <= 0 || size > p.size+1e-9 {
		return Fill{}, Rejected("partial_close", p.symbol, fmt.Errorf("invalid close size %v of %v", size, p.size))
	}
	price := s.exitPrice(p)
	p.size -= size
	if p.size < 1e-9 {
		delete(s.pos, positionID)
	}
	return Fill{PositionID: positionID, Price: price, Size: size, Time: s.now()}, nil
}

func (s *Sim) Close(_ context.Context, positionID string) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("close", positionID); err != nil {
		return Fill{}, err
	}
	p, ok := s.pos[positionID]
	if !ok {
		return Fill{}, Rejected("close", positionID, errors.New("unknown position"))
	}
	price := s.exitPrice(p)
	size := p.size
	delete(s.pos, positionID)
	return Fill{PositionID: positionID, Price: price, Size: size, Time: s.now()}, nil
}

// exitPrice is the marketable side for closing the position.
func (s *Sim) exitPrice(p *simPosition) float64 {
	q := s.quotes[p.symbol]
	if p.dir == Long {
		return q.Bid
	}
	return q.Ask
}

func (s *Sim) ModifyStop(_ context.Context, positionID string, newStop float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("modify_stop", positionID); err != nil {
		return err
	}
	p, ok := s.pos[positionID]
	if !ok {
		return Rejected("modify_stop", positionID, errors.New("unknown position"))
	}
	p.stop = newStop
	return nil
}

func (s *Sim) ListOpenPositions(_ context.Context) ([]BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCheck("list_positions", ""); err != nil {
		return nil, err
	}
	out := make([]BrokerPosition, 0, len(s.pos))
	for _, p := range s.pos {
		out = append(out, BrokerPosition{
			ID:         p.id,
			Symbol:     p.symbol,
			Direction:  p.dir,
			Size:       p.size,
			EntryPrice: p.entry,
			StopPrice:  p.stop,
			OpenedAt:   p.openedAt,
		})
	}
	return out, nil
}
