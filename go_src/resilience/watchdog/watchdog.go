// Package watchdog implements the resilience core's liveness timer: a
// checker loop that fires once whenever too long has passed since the
// last recorded activity, then rearms on the next ping (or, in state-file
// mode, the next fresh state file).
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"wataresilience/go_src/resilience"
	"wataresilience/go_src/resilience/heartbeat"
)

// Stats tracks the watchdog's lifetime counters.
type Stats struct {
	PingsTotal       int64
	TimeoutsTriggered int64
	LastPingTime     time.Time
	StartTime        time.Time
}

// Config configures a Watchdog.
type Config struct {
	// Timeout is the maximum allowed gap since the last activity before
	// OnTimeout fires. Range 1s..1h, default 30s.
	Timeout time.Duration
	// CheckInterval overrides the default min(Timeout/3, 1s) polling period.
	CheckInterval time.Duration
	// RaiseOnTimeout, when true, latches the WatchdogTimeoutError of a
	// fired timeout so LastError returns it until the watchdog rearms.
	RaiseOnTimeout bool
	OnTimeout      func(err *resilience.WatchdogTimeoutError)
	// StateFile, if set, makes the watchdog track external liveness
	// (heartbeat.State.Timestamp) instead of in-process Ping() calls —
	// the "state-file based" variant from spec.md §4.D.
	StateFile string
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = c.Timeout / 3
		if c.CheckInterval > time.Second {
			c.CheckInterval = time.Second
		}
	}
}

func (c Config) validate() error {
	if c.Timeout < time.Second || c.Timeout > time.Hour {
		return resilience.NewConfigurationError("timeout", "must be in range 1s..1h")
	}
	return nil
}

// Watchdog detects prolonged inactivity. Ping is lock-free (a single
// atomic store) so it can be called from hot paths — a WebSocket read
// loop, a scheduler tick — without contending with the checker goroutine.
type Watchdog struct {
	name string
	cfg  Config
	clock resilience.Clock

	lastActivityNano atomic.Int64
	startTime        time.Time

	mu         sync.Mutex
	running    bool
	shutdownFl bool
	fired      bool // fire-once-then-rearm latch, cleared by the next Ping or fresh state file
	lastErr    *resilience.WatchdogTimeoutError
	stats      Stats
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Watchdog named name, armed against in-process Ping
// calls (or, if cfg.StateFile is set, against that file's liveness
// timestamp).
func New(name string, cfg Config, clock resilience.Clock) (*Watchdog, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = resilience.NewSystemClock()
	}
	w := &Watchdog{name: name, cfg: cfg, clock: clock}
	w.startTime = clock.Now()
	w.lastActivityNano.Store(w.startTime.UnixNano())
	return w, nil
}

// Ping records activity now, clearing any latched timeout so the
// watchdog rearms for the next Timeout window.
func (w *Watchdog) Ping() {
	w.lastActivityNano.Store(w.clock.Now().UnixNano())

	w.mu.Lock()
	w.fired = false
	w.lastErr = nil
	w.stats.PingsTotal++
	w.stats.LastPingTime = w.clock.Now()
	w.mu.Unlock()
}

// Start spawns the checker goroutine.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdownFl {
		return &resilience.ShutdownRefusedError{Name: w.name}
	}
	if w.running {
		return resilience.NewConfigurationError("watchdog", "already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.stats.StartTime = w.startTime

	w.wg.Add(1)
	go w.run(workerCtx)
	return nil
}

// Stop halts the checker without latching shutdown.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// Shutdown halts the checker and prevents future Start calls.
func (w *Watchdog) Shutdown() {
	w.mu.Lock()
	w.shutdownFl = true
	w.mu.Unlock()
	w.Stop()
}

// Stats returns a snapshot of the counters; Uptime reports the time since
// construction separately.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Uptime returns the duration since the watchdog was constructed.
func (w *Watchdog) Uptime() time.Duration {
	return w.clock.Now().Sub(w.startTime)
}

// LastError returns the WatchdogTimeoutError latched by the most recent
// timeout when RaiseOnTimeout is set. It returns nil when RaiseOnTimeout
// is off or no timeout is outstanding (the latch clears when the
// watchdog rearms).
func (w *Watchdog) LastError() *resilience.WatchdogTimeoutError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := w.clock.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	elapsed := w.elapsedSinceActivity()
	if elapsed < w.cfg.Timeout {
		if w.cfg.StateFile != "" {
			// A fresh state file is activity: rearm the way Ping does.
			w.mu.Lock()
			w.fired = false
			w.lastErr = nil
			w.mu.Unlock()
		}
		return
	}

	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.stats.TimeoutsTriggered++
	err := &resilience.WatchdogTimeoutError{Name: w.name, Elapsed: elapsed}
	if w.cfg.RaiseOnTimeout {
		w.lastErr = err
	}
	w.mu.Unlock()

	logrus.Warnf("Watchdog[%s]: timeout after %v of inactivity", w.name, elapsed)
	if w.cfg.OnTimeout != nil {
		w.cfg.OnTimeout(err)
	}
}

func (w *Watchdog) elapsedSinceActivity() time.Duration {
	if w.cfg.StateFile != "" {
		state := heartbeat.ReadState(w.cfg.StateFile)
		if state == nil {
			return w.clock.Now().Sub(w.startTime)
		}
		return w.clock.Now().Sub(state.Timestamp)
	}
	last := time.Unix(0, w.lastActivityNano.Load())
	return w.clock.Now().Sub(last)
}
