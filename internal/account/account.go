// Package account owns the funded-account state: balance, equity, peak
// equity, and the drawdown baselines. All mutation goes through Manager,
// which is the single serialization point — nothing else in the engine
// writes these numbers.
package account

import (
	"log"
	"sync"
	"time"
)

// State is the serializable account snapshot.
type State struct {
	// InitialBalance is set once at account creation and never mutated.
	// Total drawdown is always measured against it, never a trailing peak.
	InitialBalance float64 `json:"initial_balance"`
	Balance        float64 `json:"balance"`
	Equity         float64 `json:"equity"`
	PeakEquity     float64 `json:"peak_equity"`

	// DayStartBaseline resets exactly once per day boundary to
	// max(balance, equity) at that instant.
	DayStartBaseline float64 `json:"day_start_baseline"`
	// LastRollover marks the day boundary already applied ("2006-01-02").
	LastRollover string `json:"last_rollover"`

	// HaltedUntilRollover blocks new fills until the next rollover.
	HaltedUntilRollover bool `json:"halted_until_rollover"`
	// StopOut is terminal: the account breached its total loss ceiling.
	StopOut bool `json:"stop_out"`

	TradesToday int `json:"trades_today"`
	WinStreak   int `json:"win_streak"`
	LossStreak  int `json:"loss_streak"`
}

// Drawdown is derived from State, never stored.
type Drawdown struct {
	TotalPct float64
	DailyPct float64
}

// Manager guards the account state with a mutex.
type Manager struct {
	mu sync.Mutex
	s  State
}

// NewManager creates a fresh account at the given initial balance.
func NewManager(initialBalance float64) *Manager {
	return &Manager{s: State{
		InitialBalance:   initialBalance,
		Balance:          initialBalance,
		Equity:           initialBalance,
		PeakEquity:       initialBalance,
		DayStartBaseline: initialBalance,
	}}
}

// Restore replaces the state wholesale, used on startup from the snapshot.
// InitialBalance from the snapshot wins over the constructor value.
func (m *Manager) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// ApplyRealized books realized P&L into the balance. Partial profits are
// booked the moment they are taken, not deferred to the full close.
func (m *Manager) ApplyRealized(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Balance += pnl
}

// RecordTradeOpened counts a fill against today's trade budget.
func (m *Manager) RecordTradeOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.TradesToday++
}

// RecordTradeClosed updates win/loss streaks from a fully closed trade.
func (m *Manager) RecordTradeClosed(totalPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case totalPnL > 0:
		m.s.WinStreak++
		m.s.LossStreak = 0
	case totalPnL < 0:
		m.s.LossStreak++
		m.s.WinStreak = 0
	}
}

// MarkToMarket refreshes equity from the floating P&L of open positions
// and ratchets the peak. Called once per tick before the guard runs.
func (m *Manager) MarkToMarket(floatingPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Equity = m.s.Balance + floatingPnL
	if m.s.Equity > m.s.PeakEquity {
		m.s.PeakEquity = m.s.Equity
	}
}

// Drawdown derives the current drawdown percentages. Total drawdown is
// referenced to the immutable initial balance; daily to the day baseline.
func (m *Manager) Drawdown() Drawdown {
	m.mu.Lock()
	defer m.mu.Unlock()
	return drawdownOf(m.s)
}

func drawdownOf(s State) Drawdown {
	var d Drawdown
	if s.InitialBalance > 0 {
		d.TotalPct = (s.InitialBalance - s.Equity) / s.InitialBalance * 100
		if d.TotalPct < 0 {
			d.TotalPct = 0
		}
	}
	if s.DayStartBaseline > 0 {
		d.DailyPct = (s.DayStartBaseline - s.Equity) / s.DayStartBaseline * 100
		if d.DailyPct < 0 {
			d.DailyPct = 0
		}
	}
	return d
}

// Rollover applies the daily boundary at the configured server hour: reset
// the daily baseline to max(balance, equity), clear the daily halt and the
// trade counter. Idempotent per boundary via the LastRollover marker;
// returns true only when a rollover actually happened.
func (m *Manager) Rollover(now time.Time, boundaryHourUTC int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	period := rolloverPeriod(now, boundaryHourUTC)
	if m.s.LastRollover == period {
		return false
	}
	baseline := m.s.Balance
	if m.s.Equity > baseline {
		baseline = m.s.Equity
	}
	m.s.DayStartBaseline = baseline
	m.s.LastRollover = period
	m.s.TradesToday = 0
	if m.s.HaltedUntilRollover {
		log.Printf("account: daily halt cleared at rollover %s", period)
		m.s.HaltedUntilRollover = false
	}
	return true
}

// rolloverPeriod keys the trading day a timestamp belongs to: the boundary
// at boundaryHourUTC opens a new period.
func rolloverPeriod(now time.Time, boundaryHourUTC int) string {
	t := now.UTC()
	if t.Hour() < boundaryHourUTC {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}

// Halt blocks new fills until the next rollover.
func (m *Manager) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.HaltedUntilRollover = true
}

// Halted reports whether fills are blocked (daily halt or terminal stop-out).
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.HaltedUntilRollover || m.s.StopOut
}

// MarkStopOut flags the terminal total-loss breach. Never cleared.
func (m *Manager) MarkStopOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.StopOut = true
}
