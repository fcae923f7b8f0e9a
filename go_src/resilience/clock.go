// Package resilience holds the leaf capabilities shared by every other
// resilience component: the injected Clock, the wall-clock TimeTrigger,
// the callback abstraction, and the error taxonomy.
package resilience

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the capability every resilience component schedules against.
// Production code uses NewSystemClock (backed by clockwork.NewRealClock);
// tests substitute NewFakeClock (a clockwork fake clock) so boundary math and backoff
// timers are deterministic.
type Clock = clockwork.Clock

// NewSystemClock returns the production Clock, backed by the OS clock.
func NewSystemClock() Clock {
	return clockwork.NewRealClock()
}

// NewFakeClock returns a controllable Clock for tests, starting at t.
func NewFakeClock(t time.Time) clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t)
}
