// Package breaker implements the resilience core's circuit breaker:
// a mutex-serialized gate around a fragile call that opens after
// repeated failures and self-heals through a half-open probe window.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wataresilience/go_src/resilience"
)

// CircuitState is the breaker's finite state.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Stats mirrors spec.md §8's "rejected_calls + successful_calls +
// failed_calls = total_calls" invariant.
type Stats struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	RejectedCalls   int64
	// StateChanges counts transitions into Closed or Open; the timed
	// Open -> HalfOpen step is not counted.
	StateChanges    int64
}

// Config bounds the breaker the way configuration.ValidateConfig bounds
// the rest of the app's settings: one check per field, descriptive errors.
type Config struct {
	// MaxFailures is how many consecutive non-excluded failures in
	// Closed state trip the breaker open. Range 1..100, default 5.
	MaxFailures int
	// ResetTimeout is how long Open is held before a probe is allowed
	// through. Range 1s..1h, default 60s.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls is how many concurrent probes HalfOpen permits.
	// Range 1..10, default 1.
	HalfOpenMaxCalls int
	// IsExcluded, if set, reports whether an error should NOT count as
	// a failure (spec.md §9 replaces reflection-based exception
	// exclusion with this explicit predicate).
	IsExcluded func(error) bool
}

func (c *Config) applyDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.IsExcluded == nil {
		c.IsExcluded = func(error) bool { return false }
	}
}

func (c Config) validate() error {
	if c.MaxFailures < 1 || c.MaxFailures > 100 {
		return resilience.NewConfigurationError("max_failures", "must be in range 1..100")
	}
	if c.ResetTimeout < time.Second || c.ResetTimeout > time.Hour {
		return resilience.NewConfigurationError("reset_timeout", "must be in range 1s..1h")
	}
	if c.HalfOpenMaxCalls < 1 || c.HalfOpenMaxCalls > 10 {
		return resilience.NewConfigurationError("half_open_max_calls", "must be in range 1..10")
	}
	return nil
}

// CircuitBreaker guards calls to a fragile dependency. The state
// transition itself is serialized by a single mutex (spec.md §4.B
// "Concurrency"); probes in HalfOpen are bounded by HalfOpenMaxCalls.
type CircuitBreaker struct {
	name   string
	cfg    Config
	clock  resilience.Clock

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	openUntil       time.Time
	probesSucceeded int
	activeProbes    int
	stats           Stats
}

// New constructs a CircuitBreaker. name is used only for logging.
func New(name string, cfg Config, clock resilience.Clock) (*CircuitBreaker, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = resilience.NewSystemClock()
	}
	return &CircuitBreaker{name: name, cfg: cfg, clock: clock, state: Closed}, nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the call counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Reset forces the breaker back to Closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.failureCount = 0
	cb.probesSucceeded = 0
	cb.activeProbes = 0
	cb.openUntil = time.Time{}
	cb.stats = Stats{}
}

// admit decides, under lock, whether a call may proceed. It returns the
// CircuitOpenError if the call must fail fast, and a release function to
// call when the guarded call returns (nil if no probe slot was taken).
func (cb *CircuitBreaker) admit() (release func(), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	if cb.state == Open {
		if now.Before(cb.openUntil) {
			cb.stats.TotalCalls++
			cb.stats.RejectedCalls++
			return nil, &resilience.CircuitOpenError{RemainingUntilProbe: cb.openUntil.Sub(now)}
		}
		// The timed Open -> HalfOpen step only admits a probe; it is not
		// counted in StateChanges, which counts moves into Closed and Open.
		logrus.Infof("CircuitBreaker[%s]: %s -> %s", cb.name, cb.state, HalfOpen)
		cb.state = HalfOpen
	}

	if cb.state == HalfOpen {
		if cb.activeProbes >= cb.cfg.HalfOpenMaxCalls {
			cb.stats.TotalCalls++
			cb.stats.RejectedCalls++
			return nil, &resilience.CircuitOpenError{RemainingUntilProbe: 0}
		}
		cb.activeProbes++
		return func() {
			cb.mu.Lock()
			cb.activeProbes--
			cb.mu.Unlock()
		}, nil
	}

	return func() {}, nil
}

// recordResult applies the success/failure transition table from
// spec.md §4.B.
func (cb *CircuitBreaker) recordResult(callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalCalls++

	excluded := callErr != nil && cb.cfg.IsExcluded(callErr)
	if callErr == nil || excluded {
		cb.stats.SuccessfulCalls++
		switch cb.state {
		case Closed:
			cb.failureCount = 0
		case HalfOpen:
			cb.probesSucceeded++
			if cb.probesSucceeded >= cb.cfg.HalfOpenMaxCalls {
				cb.transitionLocked(Closed)
				cb.failureCount = 0
				cb.probesSucceeded = 0
			}
		}
		return
	}

	cb.stats.FailedCalls++
	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.MaxFailures {
			cb.openUntil = cb.clock.Now().Add(cb.cfg.ResetTimeout)
			cb.transitionLocked(Open)
		}
	case HalfOpen:
		cb.openUntil = cb.clock.Now().Add(cb.cfg.ResetTimeout)
		cb.probesSucceeded = 0
		cb.transitionLocked(Open)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	if to == cb.state {
		return
	}
	logrus.Infof("CircuitBreaker[%s]: %s -> %s", cb.name, cb.state, to)
	cb.state = to
	cb.stats.StateChanges++
}

// Call invokes fn if the breaker admits the call, recording the result.
// It returns CircuitOpenError without invoking fn when the circuit is open
// or the half-open probe budget is exhausted.
func Call[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	release, err := cb.admit()
	if err != nil {
		return zero, err
	}
	defer release()

	result, callErr := fn()
	cb.recordResult(callErr)
	return result, callErr
}

// Guard adapts a no-result func() error call the same way Call adapts a
// func() (T, error) call; useful for decorating a plain side-effecting
// function (spec.md §4.B "invocable both as a guarded call and as a
// decorator").
func Guard(cb *CircuitBreaker, fn func() error) func() error {
	return func() error {
		_, err := Call(cb, func() (struct{}, error) {
			return struct{}{}, fn()
		})
		return err
	}
}
