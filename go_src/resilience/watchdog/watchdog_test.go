package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wataresilience/go_src/resilience"
	"wataresilience/go_src/resilience/heartbeat"
)

func TestWatchdogDefaultsCheckIntervalFromTimeout(t *testing.T) {
	w, err := New("test", Config{Timeout: 3 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.cfg.CheckInterval != time.Second {
		t.Errorf("expected check interval min(timeout/3, 1s) = 1s, got %v", w.cfg.CheckInterval)
	}
}

func TestWatchdogFiresOnceThenRearms(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := resilience.NewFakeClock(base)

	fires := 0
	w, err := New("test", Config{Timeout: 2 * time.Second, CheckInterval: time.Second, OnTimeout: func(*resilience.WatchdogTimeoutError) { fires++ }}, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	waitForCondition(t, func() bool { return fires >= 1 })
	if fires != 1 {
		t.Errorf("expected exactly 1 fire while remaining idle, got %d", fires)
	}

	w.Ping()
	clock.Advance(0)

	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	waitForCondition(t, func() bool { return fires >= 2 })
	if fires != 2 {
		t.Errorf("expected watchdog to rearm and fire again after Ping, got %d fires", fires)
	}
}

func TestWatchdogRaiseOnTimeoutLatchesAndClearsOnPing(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := resilience.NewFakeClock(base)

	w, err := New("test", Config{Timeout: time.Second, CheckInterval: time.Second, RaiseOnTimeout: true}, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	waitForCondition(t, func() bool { return w.LastError() != nil })

	if w.LastError() == nil {
		t.Fatal("expected LastError to be latched after timeout")
	}
	w.Ping()
	if w.LastError() != nil {
		t.Error("expected LastError to clear after Ping")
	}
}

func TestWatchdogStateFileVariant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liveness.json")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := resilience.NewFakeClock(base)

	if err := heartbeat.WriteState(path, heartbeat.State{Timestamp: base}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	fires := 0
	w, err := New("external", Config{Timeout: 2 * time.Second, CheckInterval: time.Second, StateFile: path, OnTimeout: func(*resilience.WatchdogTimeoutError) { fires++ }}, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 4; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	waitForCondition(t, func() bool { return fires >= 1 })
	if fires < 1 {
		t.Error("expected timeout when state file goes stale")
	}
}

func TestWatchdogShutdownRefusesRestart(t *testing.T) {
	w, err := New("test", Config{}, resilience.NewFakeClock(time.Now()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Shutdown()
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected Start to refuse restart after Shutdown")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}
