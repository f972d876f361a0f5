package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testPoll returns a fast poll config for tests.
func testPoll() PollConfig {
	return PollConfig{
		PollInterval: 5 * time.Millisecond,
		CheckTimeout: 100 * time.Millisecond,
	}
}

func TestDefaultPollConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultPollConfig()

	if cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.PollInterval)
	}
	if cfg.CheckTimeout != time.Second {
		t.Errorf("CheckTimeout = %v, want 1s", cfg.CheckTimeout)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-immediate",
		Check:   func(ctx context.Context) error { return nil },
		Poll:    testPoll(),
		OnReady: func() { readyCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)

	if s := w.Status(); !s.Ready || s.LastError != "" {
		t.Errorf("Status() = %+v, want ready with no error", s)
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
}

func TestWatcher_OnStatusEveryPoll(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var statuses []ServiceStatus

	m := NewManager(slog.Default())
	m.Watch(ctx, WatcherConfig{
		Name:  "mqtt",
		Check: func(ctx context.Context) error { return errors.New("down") },
		Poll:  testPoll(),
		OnStatus: func(s ServiceStatus) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		},
	})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// The state never changes, yet every poll is reported.
	if len(statuses) < 3 {
		t.Fatalf("OnStatus called %d times, want at least 3", len(statuses))
	}
	for _, s := range statuses {
		if s.Name != "mqtt" || s.Ready || s.LastError != "down" {
			t.Errorf("status = %+v", s)
		}
	}
}

func TestWatcher_ServiceGoesDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("went down")
	var shouldFail atomic.Bool

	check := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDown
		}
		return nil
	}

	var downCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:   "test-goes-down",
		Check:  check,
		Poll:   testPoll(),
		OnDown: func(err error) { downCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)

	if !w.Status().Ready {
		t.Fatal("expected ready initially")
	}

	shouldFail.Store(true)
	time.Sleep(30 * time.Millisecond)

	if w.Status().Ready {
		t.Error("expected not ready after service went down")
	}
	if downCalled.Load() != 1 {
		t.Errorf("OnDown called %d times, want 1", downCalled.Load())
	}
}

func TestWatcher_ServiceRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shouldFail atomic.Bool
	shouldFail.Store(true)

	check := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errors.New("down")
		}
		return nil
	}

	var readyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-recovers",
		Check:   check,
		Poll:    testPoll(),
		OnReady: func() { readyCalled.Add(1) },
	})

	time.Sleep(20 * time.Millisecond)
	if w.Status().Ready {
		t.Fatal("expected not ready while check fails")
	}

	shouldFail.Store(false)
	time.Sleep(30 * time.Millisecond)

	if !w.Status().Ready {
		t.Error("expected ready after service recovered")
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:  "test-cancel",
		Check: func(ctx context.Context) error { return errors.New("down") },
		Poll:  testPoll(),
	})

	cancel()

	done := make(chan struct{})
	go func() {
		<-w.done
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcher_CheckTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poll := testPoll()
	poll.CheckTimeout = 5 * time.Millisecond

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name: "test-check-timeout",
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Poll: poll,
	})

	time.Sleep(50 * time.Millisecond)

	s := w.Status()
	if s.Ready {
		t.Error("expected not ready when check always times out")
	}
	if s.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q, want deadline exceeded", s.LastError)
	}
}

func TestManager_StatusAndStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager(nil)
	m.Watch(ctx, WatcherConfig{
		Name:  "mqtt",
		Check: func(ctx context.Context) error { return nil },
		Poll:  testPoll(),
	})
	m.Watch(ctx, WatcherConfig{
		Name:  "process_table",
		Check: func(ctx context.Context) error { return errors.New("stale") },
		Poll:  testPoll(),
	})

	time.Sleep(20 * time.Millisecond)

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["mqtt"].Ready {
		t.Error("mqtt should be ready")
	}
	if s := status["process_table"]; s.Ready || s.LastError != "stale" {
		t.Errorf("process_table status = %+v", s)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Manager.Stop did not return")
	}
}

func TestWatch_PanicsOnMissingFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{name: "no name", cfg: WatcherConfig{Check: func(context.Context) error { return nil }}},
		{name: "no check", cfg: WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() did not panic")
				}
			}()
			NewManager(nil).Watch(context.Background(), tt.cfg)
		})
	}
}
