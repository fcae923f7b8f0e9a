package resilience

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// HardMinModuloSeconds is the lower bound accepted by ParseModulo.
	HardMinModuloSeconds = 60
	// HardMaxModuloSeconds is the upper bound accepted by ParseModulo (7 days).
	HardMaxModuloSeconds = 7 * 24 * 3600
)

var moduloPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseModulo parses a modulo string ("30m", "4h", "24h", "7d", "90s"),
// case-insensitive and whitespace-trimmed, into seconds. Returns
// InvalidModuloError if the format is unrecognized or the value falls
// outside [HardMinModuloSeconds, HardMaxModuloSeconds].
func ParseModulo(raw string) (int64, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	matches := moduloPattern.FindStringSubmatch(trimmed)
	if matches == nil {
		return 0, &InvalidModuloError{Raw: raw, Reason: "invalid modulo format, expected <number><s|m|h|d>"}
	}

	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, &InvalidModuloError{Raw: raw, Reason: "invalid modulo format: " + err.Error()}
	}

	var seconds int64
	switch matches[2] {
	case "s":
		seconds = n
	case "m":
		seconds = n * 60
	case "h":
		seconds = n * 3600
	case "d":
		seconds = n * 86400
	}

	if seconds < HardMinModuloSeconds {
		return 0, &InvalidModuloError{Raw: raw, Reason: "modulo too small, minimum is 60s"}
	}
	if seconds > HardMaxModuloSeconds {
		return 0, &InvalidModuloError{Raw: raw, Reason: "modulo too large, maximum is 7d"}
	}
	return seconds, nil
}

// TimeTriggerStats tracks how often a TimeTrigger has actually fired.
type TimeTriggerStats struct {
	TriggersFired     int64
	CallbacksInvoked  int64
	LastTriggerAt     time.Time
	LastTriggerIsZero bool
}

// TimeTrigger answers "how far until the next wall-clock boundary" for a
// modulo, and can suspend the caller until that boundary is reached.
// WebSocketManager uses it to decide should_disconnect() every
// disconnect_check_interval (spec.md §4.F "Proactive disconnect").
type TimeTrigger struct {
	moduloSeconds int64
	clock         Clock

	mu    sync.Mutex
	stats TimeTriggerStats
}

// NewTimeTrigger builds a TimeTrigger from a modulo string and a Clock.
func NewTimeTrigger(modulo string, clock Clock) (*TimeTrigger, error) {
	seconds, err := ParseModulo(modulo)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TimeTrigger{moduloSeconds: seconds, clock: clock}, nil
}

// ModuloSeconds returns the configured boundary period, in seconds.
func (t *TimeTrigger) ModuloSeconds() int64 {
	return t.moduloSeconds
}

// SecondsUntilNextBoundary returns the non-negative number of seconds
// between clock.Now() and the next instant whose epoch-seconds is a
// multiple of ModuloSeconds().
func (t *TimeTrigger) SecondsUntilNextBoundary() float64 {
	now := t.clock.Now()
	epoch := now.Unix()
	nanoFrac := float64(now.Nanosecond()) / 1e9
	rem := epoch % t.moduloSeconds
	if rem == 0 && nanoFrac == 0 {
		return 0
	}
	untilNextWhole := float64(t.moduloSeconds-rem) - nanoFrac
	if untilNextWhole < 0 {
		untilNextWhole += float64(t.moduloSeconds)
	}
	return untilNextWhole
}

// IsAtBoundary reports whether the distance to the nearest boundary
// (looking forward) is within margin.
func (t *TimeTrigger) IsAtBoundary(margin time.Duration) bool {
	return t.SecondsUntilNextBoundary() <= margin.Seconds()
}

// WaitForNextBoundary suspends until the boundary is reached, minus
// margin, or until ctx is cancelled. It returns ctx.Err() on cancellation.
func (t *TimeTrigger) WaitForNextBoundary(ctx context.Context, margin time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := time.Duration(t.SecondsUntilNextBoundary()*float64(time.Second)) - margin
	if wait < 0 {
		wait = 0
	}

	timer := t.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		t.recordTrigger()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TimeTrigger) recordTrigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.TriggersFired++
	t.stats.LastTriggerAt = t.clock.Now()
	t.stats.LastTriggerIsZero = false
	logrus.Debugf("TimeTrigger: boundary reached (modulo=%ds, fired=%d)", t.moduloSeconds, t.stats.TriggersFired)
}

// RecordCallbackInvoked increments the callbacks_invoked stat; called by
// consumers (e.g. WebSocketManager's proactive-disconnect controller)
// after acting on a boundary.
func (t *TimeTrigger) RecordCallbackInvoked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.CallbacksInvoked++
}

// Stats returns a snapshot of the trigger's counters.
func (t *TimeTrigger) Stats() TimeTriggerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
