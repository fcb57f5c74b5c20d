package entry

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/NinaFal/20k5ers/internal/account"
	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/clock"
	"github.com/NinaFal/20k5ers/internal/position"
	"github.com/NinaFal/20k5ers/pkg/instrument"
	"github.com/NinaFal/20k5ers/pkg/params"
)

// ErrHalted blocks fills while the drawdown guard has trading halted. It is
// a state, not a venue failure; nothing is retried.
var ErrHalted = errors.New("fills halted by drawdown guard")

// SanityError means minimum-lot rounding pushed the actual risk past the
// sanity multiple of the base risk. The fill is refused with no order placed.
type SanityError struct {
	Symbol     string
	ActualRisk float64
	Limit      float64
}

func (e *SanityError) Error() string {
	return fmt.Sprintf("risk sanity violation on %s: actual %.2f exceeds limit %.2f", e.Symbol, e.ActualRisk, e.Limit)
}

// CapError means a position or trade-count ceiling blocks the fill.
type CapError struct {
	Symbol string
	Reason string
}

func (e *CapError) Error() string {
	return fmt.Sprintf("cap on %s: %s", e.Symbol, e.Reason)
}

// RiskScaler is the guard-side input to sizing: the current drawdown tier's
// risk multiplier and the halted state.
type RiskScaler interface {
	TierMultiplier() float64
	Halted() bool
}

// FillEngine turns queued entries into positions. Every number it uses is
// read at fill time from the live account state, never from the moment the
// signal was generated.
type FillEngine struct {
	exec      broker.ExecutionClient
	acct      *account.Manager
	positions *position.Manager
	scaler    RiskScaler
	clock     clock.Clock
	risk      params.Risk
	tpDefault []params.TPLevel
}

// NewFillEngine wires the fill engine.
func NewFillEngine(exec broker.ExecutionClient, acct *account.Manager, positions *position.Manager, scaler RiskScaler, clk clock.Clock, risk params.Risk, tpDefault []params.TPLevel) *FillEngine {
	return &FillEngine{
		exec:      exec,
		acct:      acct,
		positions: positions,
		scaler:    scaler,
		clock:     clk,
		risk:      risk,
		tpDefault: tpDefault,
	}
}

// effectiveRiskFraction composes the base risk with the confluence, streak,
// and drawdown-tier multipliers, each clamped to its configured range.
func (f *FillEngine) effectiveRiskFraction(sig Signal, st account.State) float64 {
	conf := f.risk.ConfluenceMin + sig.Confidence*(f.risk.ConfluenceMax-f.risk.ConfluenceMin)
	conf = clamp(conf, f.risk.ConfluenceMin, f.risk.ConfluenceMax)

	streak := 1.0
	switch {
	case st.WinStreak > 0:
		streak = 1.0 + float64(st.WinStreak)*f.risk.StreakStep
	case st.LossStreak > 0:
		streak = 1.0 - float64(st.LossStreak)*f.risk.StreakStep
	}
	streak = clamp(streak, f.risk.StreakMin, f.risk.StreakMax)

	return f.risk.BaseFraction * conf * streak * f.scaler.TierMultiplier()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Size computes the order size and risk amount for a signal against the
// current account state, applying every gate that does not require a venue
// round trip: halt, caps, lot rounding, and the risk sanity check.
func (f *FillEngine) Size(sig Signal) (size, riskAmount float64, err error) {
	if f.scaler.Halted() {
		return 0, 0, ErrHalted
	}
	if err := f.checkCaps(sig); err != nil {
		return 0, 0, err
	}
	spec, err := instrument.Lookup(sig.Symbol)
	if err != nil {
		return 0, 0, err
	}

	st := f.acct.Snapshot()
	fraction := f.effectiveRiskFraction(sig, st)
	riskAmount = st.Balance * fraction

	stopDistance := sig.R()
	size = spec.RoundLot(riskAmount / (stopDistance * spec.ValuePerUnit()))
	if size <= 0 {
		return 0, 0, &CapError{Symbol: sig.Symbol, Reason: fmt.Sprintf("computed size below minimum lot %v", spec.MinLot)}
	}

	actualRisk := size * stopDistance * spec.ValuePerUnit()
	limit := f.risk.BaseFraction * st.Balance * f.risk.SanityMultiple
	if actualRisk > limit {
		return 0, 0, &SanityError{Symbol: sig.Symbol, ActualRisk: actualRisk, Limit: limit}
	}

	if f.risk.CumulativeEnabled {
		open := f.positions.OpenRiskTotal()
		ceiling := st.Balance * f.risk.CumulativeMaxPct / 100
		if open+actualRisk > ceiling {
			return 0, 0, &CapError{Symbol: sig.Symbol,
				Reason: fmt.Sprintf("cumulative risk %.2f + %.2f exceeds %.2f", open, actualRisk, ceiling)}
		}
	}
	return size, actualRisk, nil
}

func (f *FillEngine) checkCaps(sig Signal) error {
	if f.positions.Count() >= f.risk.MaxOpenPositions {
		return &CapError{Symbol: sig.Symbol, Reason: fmt.Sprintf("max open positions (%d) reached", f.risk.MaxOpenPositions)}
	}
	if f.acct.Snapshot().TradesToday >= f.risk.MaxTradesPerDay {
		return &CapError{Symbol: sig.Symbol, Reason: fmt.Sprintf("daily trade limit (%d) reached", f.risk.MaxTradesPerDay)}
	}
	return nil
}

// MarketFill sizes and fills an at-market entry, returning the new position.
func (f *FillEngine) MarketFill(ctx context.Context, e *QueuedEntry) (position.Position, error) {
	size, risk, err := f.Size(e.Signal)
	if err != nil {
		return position.Position{}, err
	}
	fill, err := f.exec.PlaceMarketOrder(ctx, e.Signal.Symbol, e.Signal.Direction, size)
	if err != nil {
		return position.Position{}, err
	}
	return f.open(ctx, e.Signal, fill, risk)
}

// AdoptPendingFill builds a position from a limit order the venue filled.
// Size and risk were fixed when the order was placed; the halted state is
// re-checked because the venue may have filled during a halt.
func (f *FillEngine) AdoptPendingFill(ctx context.Context, e *QueuedEntry, fill broker.Fill) (position.Position, error) {
	if f.scaler.Halted() {
		// The close-all sweep will flatten it; still adopt so the books
		// track what the venue holds.
		log.Printf("fill: %s limit filled while halted, adopting for flatten", e.Signal.Symbol)
	}
	return f.open(ctx, e.Signal, fill, e.PendingRisk)
}

func (f *FillEngine) open(ctx context.Context, sig Signal, fill broker.Fill, riskAmount float64) (position.Position, error) {
	levels := sig.TPLevels
	if len(levels) == 0 {
		levels = f.tpDefault
	}
	tps := make([]position.TPLevel, len(levels))
	for i, lv := range levels {
		tps[i] = position.TPLevel{RMultiple: lv.RMultiple, CloseFraction: lv.CloseFraction}
	}

	pos := position.Position{
		ID:               uuid.NewString(),
		BrokerID:         fill.PositionID,
		Symbol:           sig.Symbol,
		Direction:        sig.Direction,
		EntryPrice:       fill.Price,
		OriginalSize:     fill.Size,
		RemainingSize:    fill.Size,
		InitialStop:      sig.StopPrice,
		CurrentStop:      sig.StopPrice,
		RiskAmountAtFill: riskAmount,
		TPLevels:         tps,
		OpenedAt:         f.clock.Now(),
	}
	if err := f.exec.ModifyStop(ctx, fill.PositionID, sig.StopPrice); err != nil {
		// The engine enforces the stop itself every tick; venue-side stop is
		// a backstop, so a failure here does not unwind the fill.
		log.Printf("fill: %s venue stop set failed: %v", sig.Symbol, err)
	}
	if err := f.positions.Adopt(ctx, pos); err != nil {
		return pos, err
	}
	f.acct.RecordTradeOpened()
	log.Printf("fill: %s %s size %v at %v risk %.2f", sig.Symbol, sig.Direction, fill.Size, fill.Price, riskAmount)
	return pos, nil
}
