// Package heartbeat implements the resilience core's liveness beat: a
// fixed-interval ticker that optionally persists a state file and
// optionally monitors a user-supplied target for death.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wataresilience/go_src/resilience"
)

// Target exposes death to the heartbeat without the heartbeat holding a
// direct pointer back to its owner (spec.md §9 "weak references from
// manager to external monitors" — kept as an injected capability, DAG).
type Target interface {
	IsDead() bool
}

// AlertFunc matches the abstract AlertSink(channel, message, context)
// collaborator from spec.md §1.
type AlertFunc func(channel, message string, context map[string]any)

// State is the JSON record persisted to StateFile, byte-for-byte
// matching spec.md §4.C: timestamp (RFC3339 UTC), pid, hostname, metadata.
type State struct {
	Timestamp time.Time         `json:"timestamp"`
	PID       int               `json:"pid"`
	Hostname  string            `json:"hostname"`
	Metadata  map[string]string `json:"metadata"`
}

// Config configures a Heartbeat.
type Config struct {
	// Interval between beats. Range 1s..300s, default 10s.
	Interval time.Duration
	// StateFile, if non-empty, receives an atomically-written liveness
	// record on every beat.
	StateFile string
	// Target, if set, is polled each beat; OnTargetDead fires once per
	// death (edge-triggered) and clears when Target reports alive again.
	Target Target
	// Metadata is merged into every written State record.
	Metadata map[string]string

	OnBeat       func()
	OnTargetDead func()
	OnMissedBeat func(error)
	OnAlert      AlertFunc
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
}

func (c Config) validate() error {
	if c.Interval < time.Second || c.Interval > 300*time.Second {
		return resilience.NewConfigurationError("interval", "must be in range 1s..300s")
	}
	return nil
}

// Heartbeat owns exactly one worker task and, if configured, exclusively
// owns the liveness file it writes.
type Heartbeat struct {
	cfg   Config
	clock resilience.Clock

	mu         sync.Mutex
	running    bool
	shutdownFl bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	targetWasDead bool // edge-trigger latch for on_target_dead / on_alert
}

// New validates cfg and constructs a Heartbeat. It does not start the
// worker; call Start for that.
func New(cfg Config, clock resilience.Clock) (*Heartbeat, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = resilience.NewSystemClock()
	}
	return &Heartbeat{cfg: cfg, clock: clock}, nil
}

// Start spawns the single worker goroutine. It is an error to Start an
// already-running or shut-down Heartbeat.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdownFl {
		return fmt.Errorf("heartbeat: cannot start, already shut down")
	}
	if h.running {
		return fmt.Errorf("heartbeat: already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true

	h.wg.Add(1)
	go h.run(workerCtx)
	return nil
}

// Stop halts the worker without latching is_shutdown; the heartbeat may
// be Start-ed again afterwards.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.running = false
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Shutdown halts the worker and latches IsShutdown() true, so downstream
// components (the watchdog's restart path) know not to restart this
// process (spec.md §4.C "shutdown() is distinct from stop()").
func (h *Heartbeat) Shutdown() {
	h.mu.Lock()
	h.shutdownFl = true
	h.mu.Unlock()
	h.Stop()
}

// IsShutdown reports whether Shutdown has been called.
func (h *Heartbeat) IsShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdownFl
}

func (h *Heartbeat) run(ctx context.Context) {
	defer h.wg.Done()
	ticker := h.clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	if h.cfg.StateFile != "" {
		if err := h.writeState(); err != nil {
			if h.cfg.OnMissedBeat != nil {
				h.cfg.OnMissedBeat(err)
			} else {
				logrus.Warnf("Heartbeat: missed beat, failed to write state file: %v", err)
			}
		}
	}

	if h.cfg.OnBeat != nil {
		h.cfg.OnBeat()
	}

	if h.cfg.Target != nil {
		dead := h.cfg.Target.IsDead()
		if dead && !h.targetWasDead {
			h.targetWasDead = true
			logrus.Warnf("Heartbeat: target reported dead")
			if h.cfg.OnTargetDead != nil {
				h.cfg.OnTargetDead()
			}
			if h.cfg.OnAlert != nil {
				h.cfg.OnAlert("heartbeat", "monitored target is dead", map[string]any{"event": "target_dead"})
			}
		} else if !dead && h.targetWasDead {
			h.targetWasDead = false
		}
	}
}

func (h *Heartbeat) writeState() error {
	hostname, _ := os.Hostname()
	state := State{
		Timestamp: h.clock.Now().UTC(),
		PID:       os.Getpid(),
		Hostname:  hostname,
		Metadata:  h.cfg.Metadata,
	}
	if err := WriteState(h.cfg.StateFile, state); err != nil {
		return &resilience.HeartbeatWriteFailedError{Path: h.cfg.StateFile, Cause: err}
	}
	return nil
}

// WriteState atomically persists state to path: serialize to a temporary
// sibling file, then rename over the destination (spec.md §4.C "Writes
// are atomic"). Parent directories are created as needed.
func WriteState(path string, state State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("heartbeat: create state dir %s: %w", dir, err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("heartbeat: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("heartbeat: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("heartbeat: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("heartbeat: rename temp state file: %w", err)
	}
	return nil
}

// ReadState parses path, returning nil (no error) when the file is
// absent, corrupt, or schema-violating — callers must tolerate that.
func ReadState(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	if state.Timestamp.IsZero() {
		return nil
	}
	return &state
}

// IsAlive reports whether the record at path has a timestamp within
// maxAge of now.
func IsAlive(path string, maxAge time.Duration, now time.Time) bool {
	state := ReadState(path)
	if state == nil {
		return false
	}
	return now.Sub(state.Timestamp) <= maxAge
}
