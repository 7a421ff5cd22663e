package ratelimit

import "time"

// Clock abstracts time so rate limiting and exchange timeouts are
// deterministic under test.
type Clock interface {
	Now() time.Time

	// NewTimer returns a timer that fires once after d. Callers must Stop it
	// when the timer loses a race, so no timer outlives its exchange.
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock is the production Clock backed by the runtime timer wheel.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) C() <-chan time.Time { return rt.t.C }
func (rt realTimer) Stop() bool          { return rt.t.Stop() }
