package broker

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Reliable decorates an ExecutionClient with a per-call rate limit, a hard
// timeout, and bounded retry-with-backoff for transient failures. Rejections
// pass through untouched. A call that exhausts its retries surfaces the last
// transient error; the caller reconciles against the venue on the next tick
// instead of assuming the order never happened.
type Reliable struct {
	inner       ExecutionClient
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	sleep       func(time.Duration) // swapped out in tests
}

// ReliableOptions configures the wrapper.
type ReliableOptions struct {
	Timeout     time.Duration
	MaxAttempts int
	RatePerSec  float64
	Burst       int
}

// NewReliable wraps inner with the retry/timeout/rate policy.
func NewReliable(inner ExecutionClient, opts ReliableOptions) *Reliable {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return &Reliable{
		inner:       inner,
		limiter:     lim,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		sleep:       time.Sleep,
	}
}

// do runs fn under the rate limit and timeout, retrying transient failures
// with linear backoff (0.5s, 1.0s, 1.5s, ...).
func (r *Reliable) do(ctx context.Context, op, symbol string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return Transient(op, symbol, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt < r.maxAttempts-1 {
			backoff := time.Duration(attempt+1) * 500 * time.Millisecond
			log.Printf("broker: %s %s attempt %d failed (%v), retrying in %v", op, symbol, attempt+1, err, backoff)
			r.sleep(backoff)
		}
	}
	return lastErr
}

func (r *Reliable) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	err := r.do(ctx, "current_price", symbol, func(c context.Context) error {
		var e error
		q, e = r.inner.CurrentPrice(c, symbol)
		return e
	})
	return q, err
}

func (r *Reliable) PlaceMarketOrder(ctx context.Context, symbol string, dir Direction, size float64) (Fill, error) {
	var f Fill
	err := r.do(ctx, "place_market", symbol, func(c context.Context) error {
		var e error
		f, e = r.inner.PlaceMarketOrder(c, symbol, dir, size)
		return e
	})
	return f, err
}

func (r *Reliable) PlaceLimitOrder(ctx context.Context, symbol string, dir Direction, size, price float64) (OrderHandle, error) {
	var h OrderHandle
	err := r.do(ctx, "place_limit", symbol, func(c context.Context) error {
		var e error
		h, e = r.inner.PlaceLimitOrder(c, symbol, dir, size, price)
		return e
	})
	return h, err
}

func (r *Reliable) OrderState(ctx context.Context, h OrderHandle) (OrderState, error) {
	var st OrderState
	err := r.do(ctx, "order_state", h.Symbol, func(c context.Context) error {
		var e error
		st, e = r.inner.OrderState(c, h)
		return e
	})
	return st, err
}

func (r *Reliable) CancelOrder(ctx context.Context, h OrderHandle) error {
	return r.do(ctx, "cancel_order", h.Symbol, func(c context.Context) error {
		return r.inner.CancelOrder(c, h)
	})
}

func (r *Reliable) PartialClose(ctx context.Context, positionID string, size float64) (Fill, error) {
	var f Fill
	err := r.do(ctx, "partial_close", positionID, func(c context.Context) error {
		var e error
		f, e = r.inner.PartialClose(c, positionID, size)
		return e
	})
	return f, err
}

func (r *Reliable) Close(ctx context.Context, positionID string) (Fill, error) {
	var f Fill
	err := r.do(ctx, "close", positionID, func(c context.Context) error {
		var e error
		f, e = r.inner.Close(c, positionID)
		return e
	})
	return f, err
}

func (r *Reliable) ModifyStop(ctx context.Context, positionID string, newStop float64) error {
	return r.do(ctx, "modify_stop", positionID, func(c context.Context) error {
		return r.inner.ModifyStop(c, positionID, newStop)
	})
}

func (r *Reliable) ListOpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	var out []BrokerPosition
	err := r.do(ctx, "list_positions", "", func(c context.Context) error {
		var e error
		out, e = r.inner.ListOpenPositions(c)
		return e
	})
	return out, err
}
