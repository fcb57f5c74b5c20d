// Package position owns open positions: the take-profit ladder, the
// ratcheting trailing stop, and trade finalization.
package position

import (
	"time"

	"github.com/NinaFal/20k5ers/internal/broker"
)

// TPLevel is one rung of a position's take-profit ladder.
type TPLevel struct {
	RMultiple     float64 `json:"r_multiple"`
	CloseFraction float64 `json:"close_fraction"`
	Hit           bool    `json:"hit"`
}

// Position is an open trade under management.
type Position struct {
	ID       string `json:"id"`
	BrokerID string `json:"broker_id"`
	Symbol   string `json:"symbol"`

	Direction  broker.Direction `json:"direction"`
	EntryPrice float64          `json:"entry_price"`

	OriginalSize  float64 `json:"original_size"`
	RemainingSize float64 `json:"remaining_size"`

	InitialStop float64 `json:"initial_stop"`
	// CurrentStop only ever ratchets in the position's favor.
	CurrentStop float64 `json:"current_stop"`

	RiskAmountAtFill float64   `json:"risk_amount_at_fill"`
	TPLevels         []TPLevel `json:"tp_levels"`

	OpenedAt    time.Time `json:"opened_at"`
	RealizedPnL float64   `json:"realized_pnl"`

	ProgressiveTrailApplied bool `json:"progressive_trail_applied"`

	// Degraded marks a position adopted from the venue at startup with no
	// TP/trailing history; it is stop-managed only and surfaced to the
	// operator for manual handling.
	Degraded bool `json:"degraded"`
}

// R is the entry-to-initial-stop distance in price units.
func (p *Position) R() float64 {
	r := p.EntryPrice - p.InitialStop
	if r < 0 {
		r = -r
	}
	return r
}

// TargetPrice converts an R-multiple into an absolute price for this
// position's direction.
func (p *Position) TargetPrice(rMultiple float64) float64 {
	return p.EntryPrice + p.Direction.Sign()*rMultiple*p.R()
}

// FavorableR expresses how far price has moved in the position's favor, in R.
func (p *Position) FavorableR(price float64) float64 {
	if p.R() <= 0 {
		return 0
	}
	return p.Direction.Sign() * (price - p.EntryPrice) / p.R()
}

// StopCrossed reports whether the [low, high] range reached the current stop.
func (p *Position) StopCrossed(high, low float64) bool {
	if p.CurrentStop <= 0 {
		return false
	}
	if p.Direction == broker.Long {
		return low <= p.CurrentStop
	}
	return high >= p.CurrentStop
}

// TightenStop moves the stop to candidate only if that does not loosen it.
// Returns true when the stop actually moved.
func (p *Position) TightenStop(candidate float64) bool {
	if p.CurrentStop > 0 {
		if p.Direction == broker.Long && candidate <= p.CurrentStop {
			return false
		}
		if p.Direction == broker.Short && candidate >= p.CurrentStop {
			return false
		}
	}
	p.CurrentStop = candidate
	return true
}

// NextLevel returns the index of the first unmet TP level, or -1.
func (p *Position) NextLevel() int {
	for i := range p.TPLevels {
		if !p.TPLevels[i].Hit {
			return i
		}
	}
	return -1
}

// HitFractionSum is the total close fraction realized so far.
func (p *Position) HitFractionSum() float64 {
	var sum float64
	for _, lv := range p.TPLevels {
		if lv.Hit {
			sum += lv.CloseFraction
		}
	}
	return sum
}

// ClosedTrade is the append-only archival record of a finished trade.
type ClosedTrade struct {
	ID         string           `json:"id"`
	PositionID string           `json:"position_id"`
	Symbol     string           `json:"symbol"`
	Direction  broker.Direction `json:"direction"`

	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`

	OriginalSize float64 `json:"original_size"`
	RealizedPnL  float64 `json:"realized_pnl"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`

	// Reason is one of "stop", "final_tp", "close_all", "weekend".
	Reason string `json:"reason"`
}
