package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShutdownRunsCallbacksInPriorityOrder(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var order []string
	record := func(name string) CallbackFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	if err := s.Register("close-db", 20, record("close-db"), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("flush-logs", 10, record("flush-logs"), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("stop-ws", 5, record("stop-ws"), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Trigger(context.Background())
	s.Wait()

	want := []string{"stop-ws", "flush-logs", "close-db"}
	if len(order) != len(want) {
		t.Fatalf("expected %d callbacks to run, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callback order[%d] = %q, want %q (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestShutdownSwallowsCallbackErrors(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ranSecond := false
	if err := s.Register("fails", 1, func(ctx context.Context) error { return errors.New("boom") }, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("also-runs", 2, func(ctx context.Context) error { ranSecond = true; return nil }, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Trigger(context.Background())
	s.Wait()

	if !ranSecond {
		t.Error("expected later callback to run despite an earlier callback's error")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	calls := 0
	if err := s.Register("once", 1, func(ctx context.Context) error { calls++; return nil }, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Trigger(context.Background())
	s.Wait()
	s.Trigger(context.Background())

	if calls != 1 {
		t.Errorf("expected callback to run exactly once across repeated Trigger calls, got %d", calls)
	}
}

func TestShutdownRegisterAfterTriggerRefused(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Trigger(context.Background())
	s.Wait()

	if err := s.Register("late", 1, func(ctx context.Context) error { return nil }, 0); err == nil {
		t.Error("expected Register after Trigger to be refused")
	}
}

func TestShutdownCallbackTimeoutDoesNotBlockOthers(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ranAfterSlow := false
	if err := s.Register("slow", 1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("fast", 2, func(ctx context.Context) error { ranAfterSlow = true; return nil }, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Now()
	s.Trigger(context.Background())
	s.Wait()
	if time.Since(start) > time.Second {
		t.Fatal("Trigger took far longer than the slow callback's own timeout")
	}
	if !ranAfterSlow {
		t.Error("expected fast callback to still run after the slow one timed out")
	}
}

func TestShutdownRegisterSyncRunsAlongsideAsyncCallbacks(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var order []string
	if err := s.RegisterSync("sync-step", 1, func() error {
		mu.Lock()
		order = append(order, "sync-step")
		mu.Unlock()
		return nil
	}, 0); err != nil {
		t.Fatalf("RegisterSync: %v", err)
	}
	if err := s.Register("async-step", 2, func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "async-step")
		mu.Unlock()
		return nil
	}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Trigger(context.Background())
	s.Wait()

	want := []string{"sync-step", "async-step"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdownRejectsOutOfRangeGlobalTimeout(t *testing.T) {
	if _, err := New(Config{GlobalTimeout: time.Second}); err == nil {
		t.Error("expected error for global timeout below 5s")
	}
	if _, err := New(Config{GlobalTimeout: 10 * time.Minute}); err == nil {
		t.Error("expected error for global timeout above 5m")
	}
}

func TestShutdownInstallUninstallRefcounted(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Install()
	s.Install()
	if s.installRefs != 2 {
		t.Errorf("expected refcount 2 after two Install calls, got %d", s.installRefs)
	}
	s.Uninstall()
	if s.sigCh == nil {
		t.Error("signal channel should remain installed while refcount > 0")
	}
	s.Uninstall()
	if s.sigCh != nil {
		t.Error("expected signal channel torn down once refcount reaches 0")
	}
}
