// Package shutdown implements the resilience core's graceful shutdown
// orchestrator: a named, priority-ordered registry of bounded cleanup
// callbacks triggered once by an OS signal or an explicit call.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"wataresilience/go_src/resilience"
)

// CallbackFunc is a single cleanup step. It receives a context bounded by
// the callback's own Timeout (spec.md §4.E "bounded per-callback
// execution"); errors are logged and swallowed, never aborting the run.
type CallbackFunc func(ctx context.Context) error

type registeredCallback struct {
	name     string
	priority int
	cb       resilience.Callback
	timeout  time.Duration
}

// Config bounds the orchestrator.
type Config struct {
	// GlobalTimeout bounds the entire trigger run. Range 5s..5m, default 30s.
	GlobalTimeout time.Duration
	// ForceExitCode is the process exit code used if GlobalTimeout elapses
	// before all callbacks finish. Default 1.
	ForceExitCode int
	// DefaultCallbackTimeout bounds a callback that registers without an
	// explicit timeout. Default 5s.
	DefaultCallbackTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.GlobalTimeout == 0 {
		c.GlobalTimeout = 30 * time.Second
	}
	if c.ForceExitCode == 0 {
		c.ForceExitCode = 1
	}
	if c.DefaultCallbackTimeout == 0 {
		c.DefaultCallbackTimeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	if c.GlobalTimeout < 5*time.Second || c.GlobalTimeout > 5*time.Minute {
		return resilience.NewConfigurationError("global_timeout", "must be in range 5s..5m")
	}
	return nil
}

// Shutdown is a process-wide, priority-ordered cleanup registry. One
// Shutdown instance is expected per process; it is safe for concurrent
// Register/Unregister/Trigger calls.
type Shutdown struct {
	cfg Config

	mu        sync.Mutex
	callbacks []registeredCallback
	triggered bool
	done      chan struct{}

	sigCh       chan os.Signal
	installRefs int
}

// New constructs a Shutdown orchestrator.
func New(cfg Config) (*Shutdown, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Shutdown{cfg: cfg, done: make(chan struct{})}, nil
}

// Register adds a named, context-aware cleanup callback (resilience.Async).
// Lower priority values run first. Registering after Trigger has already
// fired returns ShutdownRefusedError.
func (s *Shutdown) Register(name string, priority int, fn CallbackFunc, timeout time.Duration) error {
	return s.register(name, priority, resilience.Async(fn), timeout)
}

// RegisterSync adds a named cleanup callback that ignores the shutdown
// context (resilience.Sync) — for cleanup steps that are plain blocking
// calls rather than context-aware I/O.
func (s *Shutdown) RegisterSync(name string, priority int, fn func() error, timeout time.Duration) error {
	return s.register(name, priority, resilience.Sync(fn), timeout)
}

func (s *Shutdown) register(name string, priority int, cb resilience.Callback, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.triggered {
		return &resilience.ShutdownRefusedError{Name: name}
	}
	for _, existing := range s.callbacks {
		if existing.name == name {
			return resilience.NewConfigurationError("name", fmt.Sprintf("callback %q already registered", name))
		}
	}
	if timeout == 0 {
		timeout = s.cfg.DefaultCallbackTimeout
	}
	s.callbacks = append(s.callbacks, registeredCallback{name: name, priority: priority, cb: cb, timeout: timeout})
	return nil
}

// Unregister removes a previously registered callback by name. It is a
// no-op if the name is unknown.
func (s *Shutdown) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.callbacks {
		if cb.name == name {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			return
		}
	}
}

// Install starts listening for SIGINT/SIGTERM and triggers shutdown on
// receipt. Install is reference-counted: calling it N times requires N
// calls to Uninstall before the signal channel is actually torn down,
// mirroring spec.md §4.E's duplicate-install refusal without losing a
// legitimate nested caller's registration.
func (s *Shutdown) Install() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.installRefs++
	if s.installRefs > 1 {
		logrus.Debugf("Shutdown: signal handler already installed, refcount=%d", s.installRefs)
		return
	}

	s.sigCh = make(chan os.Signal, 1)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.sigCh
		if !ok {
			return
		}
		logrus.Infof("Shutdown: received signal %v, triggering shutdown", sig)
		s.Trigger(context.Background())
	}()
}

// Uninstall decrements the install refcount, restoring the pre-Install
// signal disposition once it reaches zero.
func (s *Shutdown) Uninstall() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installRefs == 0 {
		return
	}
	s.installRefs--
	if s.installRefs > 0 {
		return
	}
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
		close(s.sigCh)
		s.sigCh = nil
	}
}

// Trigger runs every registered callback once, in ascending priority
// order, each bounded by its own timeout, swallowing and logging any
// error so one bad callback never blocks the rest. It is idempotent:
// calling Trigger again after the first call is a no-op. The whole run
// is additionally bounded by GlobalTimeout; if that elapses first, the
// process exits with ForceExitCode.
func (s *Shutdown) Trigger(ctx context.Context) {
	s.mu.Lock()
	if s.triggered {
		s.mu.Unlock()
		return
	}
	s.triggered = true
	ordered := make([]registeredCallback, len(s.callbacks))
	copy(ordered, s.callbacks)
	s.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority < ordered[j].priority })

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		for _, cb := range ordered {
			s.runOne(ctx, cb)
		}
	}()

	select {
	case <-runDone:
		logrus.Info("Shutdown: all cleanup callbacks completed")
	case <-time.After(s.cfg.GlobalTimeout):
		logrus.Errorf("Shutdown: global timeout %v elapsed before cleanup finished, forcing exit(%d)", s.cfg.GlobalTimeout, s.cfg.ForceExitCode)
		close(s.done)
		os.Exit(s.cfg.ForceExitCode)
	}
	close(s.done)
}

// TriggerAsync starts Trigger in the background and returns immediately;
// callers use Wait to block for completion.
func (s *Shutdown) TriggerAsync(ctx context.Context) {
	go s.Trigger(ctx)
}

func (s *Shutdown) runOne(ctx context.Context, cb registeredCallback) {
	cbCtx, cancel := context.WithTimeout(ctx, cb.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
				return
			}
		}()
		errCh <- cb.cb.Invoke(cbCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logrus.Warnf("Shutdown: callback %q returned error, continuing: %v", cb.name, err)
		} else {
			logrus.Debugf("Shutdown: callback %q completed", cb.name)
		}
	case <-cbCtx.Done():
		logrus.Warnf("Shutdown: callback %q exceeded its %v timeout, continuing", cb.name, cb.timeout)
	}
}

// Wait blocks until Trigger has completed (or the global timeout fired).
func (s *Shutdown) Wait() {
	<-s.done
}

// AwaitShutdown blocks until either ctx is cancelled or Trigger has
// completed, whichever comes first — the sync/async context-manager
// entrypoint referenced by spec.md §4.E.
func (s *Shutdown) AwaitShutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTriggered reports whether Trigger has already run (or started).
func (s *Shutdown) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}
