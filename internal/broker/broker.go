// Package broker defines the execution capability the engine trades
// through. Production terminal bridges and the built-in simulator are both
// implementations of ExecutionClient; the engine never branches on which
// one it is talking to.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction is the side of a trade.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Sign returns +1 for long, -1 for short; handy for price math.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// ParseDirection reads "long"/"short" (as persisted and as the API accepts).
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	}
	return Long, fmt.Errorf("unknown direction %q", s)
}

// Quote is the venue's current view of a symbol.
type Quote struct {
	Bid  float64
	Ask  float64
	High float64 // intra-tick high since the previous tick
	Low  float64 // intra-tick low since the previous tick
}

func (q Quote) Mid() float64    { return (q.Bid + q.Ask) / 2 }
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// Fill is a venue-reported execution. PositionID is the venue's ticket for
// the resulting (or affected) position.
type Fill struct {
	PositionID string
	Price      float64
	Size       float64
	Time       time.Time
}

// OrderHandle identifies a resting order at the venue.
type OrderHandle struct {
	ID     string
	Symbol string
}

// OrderStatus is the venue-side state of a resting order.
type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderFilled
	OrderCancelled
)

// OrderState is returned when the engine polls a resting order.
type OrderState struct {
	Status OrderStatus
	Fill   Fill // valid when Status == OrderFilled
}

// BrokerPosition is the venue's view of an open position, used for startup
// reconciliation only.
type BrokerPosition struct {
	ID         string
	Symbol     string
	Direction  Direction
	Size       float64
	EntryPrice float64
	StopPrice  float64
	OpenedAt   time.Time
}

// ExecutionClient is the abstract execution and market-data capability.
// Every call carries a context; implementations must respect cancellation
// and return typed ExecErrors.
type ExecutionClient interface {
	CurrentPrice(ctx context.Context, symbol string) (Quote, error)
	PlaceMarketOrder(ctx context.Context, symbol string, dir Direction, size float64) (Fill, error)
	PlaceLimitOrder(ctx context.Context, symbol string, dir Direction, size, price float64) (OrderHandle, error)
	OrderState(ctx context.Context, h OrderHandle) (OrderState, error)
	CancelOrder(ctx context.Context, h OrderHandle) error
	PartialClose(ctx context.Context, positionID string, size float64) (Fill, error)
	Close(ctx context.Context, positionID string) (Fill, error)
	ModifyStop(ctx context.Context, positionID string, newStop float64) error
	ListOpenPositions(ctx context.Context) ([]BrokerPosition, error)
}

// ErrKind classifies execution failures. Only transient failures are
// retried; rejections are final for the triggering entity.
type ErrKind int

const (
	// KindTransient covers network errors and timeouts.
	KindTransient ErrKind = iota
	// KindRejected covers venue rejections: invalid price, insufficient
	// margin, unknown symbol.
	KindRejected
)

func (k ErrKind) String() string {
	if k == KindRejected {
		return "rejected"
	}
	return "transient"
}

// ExecError is a failure attributable to exactly one symbol and operation.
type ExecError struct {
	Kind   ErrKind
	Op     string
	Symbol string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Symbol, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable execution failure.
func Transient(op, symbol string, err error) *ExecError {
	return &ExecError{Kind: KindTransient, Op: op, Symbol: symbol, Err: err}
}

// Rejected wraps err as a final venue rejection.
func Rejected(op, symbol string, err error) *ExecError {
	return &ExecError{Kind: KindRejected, Op: op, Symbol: symbol, Err: err}
}

// IsTransient reports whether err is a retryable execution failure.
// Context deadline/cancellation counts as transient: the next tick
// re-queries the venue rather than assuming the call failed.
func IsTransient(err error) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind == KindTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether err is a final venue rejection.
func IsRejected(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == KindRejected
}
