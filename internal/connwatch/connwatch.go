// Package connwatch reports the health of proctrigger's dependencies at
// a fixed cadence: the MQTT broker connection and the process table
// sampler.
//
// Each Watcher checks one dependency every PollInterval, reports every
// result through OnStatus (the presentation layer renders it as a
// connectivity indicator), and fires OnReady / OnDown on transitions.
// Checks are expected to be cheap and local; the broker check reads
// the client's connected flag rather than making a round-trip.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports whether a dependency is healthy by returning nil.
type CheckFunc func(ctx context.Context) error

// PollConfig controls check timing.
type PollConfig struct {
	// PollInterval is the pause between checks (default: 1s).
	PollInterval time.Duration

	// CheckTimeout limits how long each individual check call may take (default: 1s).
	CheckTimeout time.Duration
}

// DefaultPollConfig returns a one-second cadence with a one-second
// check timeout.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		PollInterval: time.Second,
		CheckTimeout: time.Second,
	}
}

// WatcherConfig configures a single dependency watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "mqtt").
	Name string

	// Check reports health. Must be safe for concurrent use.
	Check CheckFunc

	// Poll controls check timing. Zero fields take defaults.
	Poll PollConfig

	// OnStatus is called after every check, on the watcher goroutine.
	// It must not block. Optional.
	OnStatus func(ServiceStatus)

	// OnReady is called when the dependency transitions from not-ready
	// to ready. Called in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the dependency transitions from ready to
	// not-ready. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched dependency, suitable
// for JSON serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single dependency.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run checks immediately, then once per PollInterval until ctx is done.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		w.check(ctx)
		if !sleepCtx(ctx, w.config.Poll.PollInterval) {
			return
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	logger := w.config.Logger

	err := w.runCheck(ctx)
	if ctx.Err() != nil {
		return
	}
	w.recordResult(err)
	wasReady := w.ready.Load()

	switch {
	case wasReady && err != nil:
		w.ready.Store(false)
		logger.Info("dependency became unavailable",
			"service", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case !wasReady && err == nil:
		w.ready.Store(true)
		logger.Info("dependency available",
			"service", w.config.Name,
		)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case !wasReady && err != nil:
		logger.Log(ctx, slog.Level(-8), "dependency still unavailable", // config.LevelTrace
			"service", w.config.Name,
			"error", err,
		)
	}

	if w.config.OnStatus != nil {
		w.config.OnStatus(w.Status())
	}
}

// runCheck calls the configured CheckFunc with a timeout.
func (w *Watcher) runCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, w.config.Poll.CheckTimeout)
	defer cancel()

	return w.config.Check(checkCtx)
}

// recordResult stores the check outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple dependency watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a new watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Check is nil; these are programming errors.
// Zero-value PollConfig fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Check == nil {
		panic("connwatch: WatcherConfig.Check must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultPollConfig()
	if cfg.Poll.PollInterval <= 0 {
		cfg.Poll.PollInterval = defaults.PollInterval
	}
	if cfg.Poll.CheckTimeout <= 0 {
		cfg.Poll.CheckTimeout = defaults.CheckTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health status of all watched dependencies.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
