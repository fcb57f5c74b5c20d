// Package guard watches the account's drawdown against the funded-account
// rules and decides, every tick, whether trading continues, shrinks, or
// stops. It runs before the entry queue and position manager each tick.
package guard

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/NinaFal/20k5ers/internal/account"
	"github.com/NinaFal/20k5ers/internal/clock"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/pkg/params"
)

// Tier orders the escalation levels shared by both drawdown ladders.
type Tier int

const (
	TierNone Tier = iota
	TierWarning
	// TierReduce (daily) shrinks the effective risk fraction.
	TierReduce
	// TierEmergency (total) forces a close-all and blocks new fills while
	// the drawdown stays at this level.
	TierEmergency
	// TierHalt (daily) closes everything and blocks fills until rollover.
	TierHalt
	// TierStopOut (total) is terminal.
	TierStopOut
)

func (t Tier) String() string {
	switch t {
	case TierWarning:
		return "warning"
	case TierReduce:
		return "reduce"
	case TierEmergency:
		return "emergency"
	case TierHalt:
		return "halt"
	case TierStopOut:
		return "stop_out"
	}
	return "none"
}

// Guard is the drawdown state machine. All mutation happens on the tick
// goroutine; the mutex only protects reads from the API.
type Guard struct {
	acct    *account.Manager
	bus     *events.Bus
	clock   clock.Clock
	p       params.Drawdown
	weekend params.Weekend

	mu         sync.Mutex
	dailyTier  Tier
	totalTier  Tier
	closeAll   string // pending close-all reason, consumed once
	weekendKey string // ISO week already flattened
}

// New creates a guard over the account.
func New(acct *account.Manager, bus *events.Bus, clk clock.Clock, p params.Drawdown, weekend params.Weekend) *Guard {
	return &Guard{acct: acct, bus: bus, clock: clk, p: p, weekend: weekend}
}

// Evaluate runs the per-tick assessment: rollover first, then the total and
// daily ladders, then the weekend policy. Any escalation that requires
// flattening arms the close-all command for the engine to consume.
func (g *Guard) Evaluate(now time.Time) {
	if g.acct.Rollover(now, g.p.RolloverHourUTC) {
		g.mu.Lock()
		if g.dailyTier != TierNone && g.dailyTier != TierStopOut {
			g.dailyTier = TierNone
		}
		g.mu.Unlock()
		g.bus.Publish(events.NewRecord(now, "", events.EventRollover, nil, g.acct.Snapshot(), ""))
		log.Printf("guard: daily rollover applied")
	}

	dd := g.acct.Drawdown()
	g.evaluateTotal(now, dd)
	g.evaluateDaily(now, dd)
	g.evaluateWeekend(now, dd)
}

func (g *Guard) evaluateTotal(now time.Time, dd account.Drawdown) {
	var next Tier
	switch {
	case dd.TotalPct >= g.p.TotalStopOutPct:
		next = TierStopOut
	case dd.TotalPct >= g.p.TotalEmergencyPct:
		next = TierEmergency
	case dd.TotalPct >= g.p.TotalWarningPct:
		next = TierWarning
	}

	g.mu.Lock()
	prev := g.totalTier
	if prev == TierStopOut {
		// Terminal; never de-escalates.
		g.mu.Unlock()
		return
	}
	g.totalTier = next
	g.mu.Unlock()
	if next == prev {
		return
	}

	g.bus.Publish(events.NewRecord(now, "", events.EventDrawdownTier, prev.String(), next.String(),
		fmt.Sprintf("total dd %.2f%%", dd.TotalPct)))
	switch next {
	case TierStopOut:
		g.acct.MarkStopOut()
		g.armCloseAll("total drawdown stop-out")
		log.Printf("guard: TOTAL DRAWDOWN %.2f%% - STOP OUT, account terminal", dd.TotalPct)
	case TierEmergency:
		if next > prev {
			g.armCloseAll("total drawdown emergency")
			log.Printf("guard: total drawdown %.2f%% - emergency close-all", dd.TotalPct)
		}
	case TierWarning:
		if next > prev {
			log.Printf("guard: total drawdown %.2f%% - warning", dd.TotalPct)
		}
	}
}

func (g *Guard) evaluateDaily(now time.Time, dd account.Drawdown) {
	var next Tier
	switch {
	case dd.DailyPct >= g.p.DailyHaltPct:
		next = TierHalt
	case dd.DailyPct >= g.p.DailyReducePct:
		next = TierReduce
	case dd.DailyPct >= g.p.DailyWarningPct:
		next = TierWarning
	}

	g.mu.Lock()
	prev := g.dailyTier
	if prev == TierHalt && g.acct.Halted() {
		// Sticky until rollover even if equity recovers intraday.
		g.mu.Unlock()
		return
	}
	g.dailyTier = next
	g.mu.Unlock()
	if next == prev {
		return
	}

	g.bus.Publish(events.NewRecord(now, "", events.EventDrawdownTier, prev.String(), next.String(),
		fmt.Sprintf("daily dd %.2f%%", dd.DailyPct)))
	switch next {
	case TierHalt:
		g.acct.Halt()
		g.armCloseAll("daily drawdown halt")
		log.Printf("guard: daily drawdown %.2f%% - halt until rollover", dd.DailyPct)
	case TierReduce:
		if next > prev {
			log.Printf("guard: daily drawdown %.2f%% - risk reduced", dd.DailyPct)
		}
	case TierWarning:
		if next > prev {
			log.Printf("guard: daily drawdown %.2f%% - warning", dd.DailyPct)
		}
	}
}

// evaluateWeekend flattens before the weekend close when the day is already
// deep enough in drawdown that a gap could breach a tier. Once per week.
func (g *Guard) evaluateWeekend(now time.Time, dd account.Drawdown) {
	if !g.weekend.Enabled {
		return
	}
	t := now.UTC()
	if t.Weekday() != time.Friday || t.Hour() < g.weekend.FridayCloseHour {
		return
	}
	if dd.DailyPct < g.weekend.CloseAboveDDDPct {
		return
	}
	year, week := t.ISOWeek()
	key := fmt.Sprintf("%d-%02d", year, week)

	g.mu.Lock()
	done := g.weekendKey == key
	if !done {
		g.weekendKey = key
	}
	g.mu.Unlock()
	if done {
		return
	}
	g.armCloseAll("weekend gap protection")
	g.bus.Publish(events.NewRecord(now, "", events.EventCloseAll, nil, nil,
		fmt.Sprintf("weekend flatten, daily dd %.2f%%", dd.DailyPct)))
	log.Printf("guard: weekend flatten, daily dd %.2f%%", dd.DailyPct)
}

func (g *Guard) armCloseAll(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeAll == "" {
		g.closeAll = reason
	}
}

// ConsumeCloseAll returns the pending close-all reason, at most once per
// arming. The engine consumes it before the queue and positions run.
func (g *Guard) ConsumeCloseAll() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reason := g.closeAll
	g.closeAll = ""
	return reason, reason != ""
}

// TierMultiplier is the drawdown contribution to the effective risk
// fraction: shrunk in the daily Reduce tier, zero when trading is blocked.
func (g *Guard) TierMultiplier() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.totalTier >= TierEmergency || g.dailyTier >= TierHalt {
		return 0
	}
	if g.dailyTier == TierReduce {
		return g.p.ReduceRiskFactor
	}
	return 1.0
}

// Halted reports whether new fills are blocked: daily halt, terminal
// stop-out, or an active total-drawdown emergency.
func (g *Guard) Halted() bool {
	if g.acct.Halted() {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalTier >= TierEmergency
}

// Tiers returns the current tier pair for the API.
func (g *Guard) Tiers() (daily, total Tier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyTier, g.totalTier
}
