// Package clock abstracts time so the engine can be driven deterministically
// in tests and replays without real sleeps.
package clock

import "time"

// Clock supplies a monotonically non-decreasing now.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Mock is a manually advanced clock for tests. Advance and Set must not be
// called concurrently with Now; the engine's tick loop is single-threaded so
// tests drive it sequentially.
type Mock struct {
	now time.Time
}

// NewMock starts a mock clock at t.
func NewMock(t time.Time) *Mock { return &Mock{now: t} }

func (m *Mock) Now() time.Time { return m.now }

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.now = m.now.Add(d) }

// Set jumps the clock to t. Going backwards is a programming error and
// panics rather than silently breaking monotonicity.
func (m *Mock) Set(t time.Time) {
	if t.Before(m.now) {
		panic("clock: mock time moved backwards")
	}
	m.now = t
}
