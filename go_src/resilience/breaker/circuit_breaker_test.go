package breaker

import (
	"errors"
	"testing"
	"time"

	"wataresilience/go_src/resilience"
)

func newTestClock(t *testing.T) (resilience.Clock, func(d time.Duration)) {
	t.Helper()
	fake := resilience.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return fake, func(d time.Duration) { fake.Advance(d) }
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb, err := New("test", Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cb.State() != Closed {
		t.Errorf("new breaker should start Closed, got %s", cb.State())
	}
}

func TestCircuitBreakerRejectsOutOfRangeConfig(t *testing.T) {
	if _, err := New("test", Config{MaxFailures: 0, HalfOpenMaxCalls: 1, ResetTimeout: time.Second}, nil); err != nil {
		t.Errorf("MaxFailures applies default of 5 when zero, should not error, got %v", err)
	}
	if _, err := New("test", Config{MaxFailures: 101}, nil); err == nil {
		t.Error("expected error for MaxFailures > 100")
	}
	if _, err := New("test", Config{ResetTimeout: time.Hour * 2}, nil); err == nil {
		t.Error("expected error for ResetTimeout > 1h")
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	clock, advance := newTestClock(t)
	cb, err := New("svc", Config{MaxFailures: 3, ResetTimeout: 5 * time.Second}, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	failing := func() (int, error) { return 0, errors.New("boom") }

	for i := 0; i < 3; i++ {
		if _, err := Call(cb, failing); err == nil {
			t.Fatalf("call %d: expected underlying error", i)
		} else if _, ok := err.(*resilience.CircuitOpenError); ok {
			t.Fatalf("call %d: expected underlying error, got CircuitOpenError", i)
		}
	}

	// Fourth call should be fast-failed by the now-open circuit.
	_, err = Call(cb, failing)
	var openErr *resilience.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError on 4th call, got %v", err)
	}
	if cb.State() != Open {
		t.Errorf("expected Open state, got %s", cb.State())
	}

	// Advance past reset_timeout: one probe should be permitted.
	advance(5*time.Second + time.Millisecond)
	succeeding := func() (int, error) { return 1, nil }
	if _, err := Call(cb, succeeding); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != Closed {
		t.Errorf("expected Closed after successful probe, got %s", cb.State())
	}

	stats := cb.Stats()
	if stats.StateChanges != 2 {
		t.Errorf("expected 2 state changes (Closed->Open->Closed), got %d", stats.StateChanges)
	}
}

func TestCircuitBreakerStatsInvariant(t *testing.T) {
	cb, err := New("svc", Config{MaxFailures: 2, ResetTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _ = Call(cb, func() (int, error) { return 0, nil })
	_, _ = Call(cb, func() (int, error) { return 0, errors.New("x") })
	_, _ = Call(cb, func() (int, error) { return 0, errors.New("x") })
	_, _ = Call(cb, func() (int, error) { return 0, errors.New("x") }) // rejected, circuit now open

	stats := cb.Stats()
	if stats.RejectedCalls+stats.SuccessfulCalls+stats.FailedCalls != stats.TotalCalls {
		t.Errorf("invariant broken: rejected(%d)+successful(%d)+failed(%d) != total(%d)",
			stats.RejectedCalls, stats.SuccessfulCalls, stats.FailedCalls, stats.TotalCalls)
	}
}

func TestCircuitBreakerExcludedErrorsDoNotCount(t *testing.T) {
	isExcluded := func(err error) bool { return err.Error() == "ignore-me" }
	cb, err := New("svc", Config{MaxFailures: 2, IsExcluded: isExcluded}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, _ = Call(cb, func() (int, error) { return 0, errors.New("ignore-me") })
	}
	if cb.State() != Closed {
		t.Errorf("excluded errors should never trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, err := New("svc", Config{MaxFailures: 1}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _ = Call(cb, func() (int, error) { return 0, errors.New("boom") })
	if cb.State() != Open {
		t.Fatalf("expected Open after single failure with MaxFailures=1, got %s", cb.State())
	}
	cb.Reset()
	if cb.State() != Closed {
		t.Errorf("expected Closed after Reset, got %s", cb.State())
	}
	stats := cb.Stats()
	if stats.TotalCalls != 0 {
		t.Errorf("expected counters cleared after Reset, got TotalCalls=%d", stats.TotalCalls)
	}
}

func TestGuardDecoratorPreservesSideEffect(t *testing.T) {
	cb, err := New("svc", Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	guarded := Guard(cb, func() error {
		calls++
		return nil
	})
	if err := guarded(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected wrapped function to be invoked once, got %d", calls)
	}
}
