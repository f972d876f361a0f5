// Package reconcile runs proctrigger's core loop. Once per tick the
// [Engine] compares every trigger against the latest process snapshot,
// flips the running flag of triggers whose process appeared or
// disappeared, and publishes the matching on/off payload. Publishing is
// strictly edge-triggered: a state that holds across ticks publishes
// nothing.
//
// The Engine is also the command surface for the presentation layer.
// It owns the trigger registry and the broker client; nothing else
// mutates either.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/nugget/proctrigger/internal/config"
	"github.com/nugget/proctrigger/internal/connwatch"
	"github.com/nugget/proctrigger/internal/events"
	"github.com/nugget/proctrigger/internal/metrics"
	"github.com/nugget/proctrigger/internal/mqtt"
	"github.com/nugget/proctrigger/internal/process"
	"github.com/nugget/proctrigger/internal/trigger"
)

// ErrNoSnapshot is returned by [Engine.Tick] before the sampler has
// produced its first snapshot.
var ErrNoSnapshot = errors.New("no process snapshot yet")

// BrokerClient is the subset of [mqtt.Client] the engine drives.
type BrokerClient interface {
	Configure(ctx context.Context, s mqtt.Settings) error
	Publish(ctx context.Context, topic, payload string) error
	IsConnected() bool
}

// SettingsStore persists the broker connection settings.
type SettingsStore interface {
	LoadConnectionSettings() (mqtt.Settings, error)
	SaveConnectionSettings(s mqtt.Settings) error
}

// Sampler provides process snapshots.
type Sampler interface {
	Snapshot() *process.Snapshot
	Sample(ctx context.Context) (*process.Snapshot, error)
	Run(ctx context.Context)
}

// ExtraAction is an additional publish fired after a trigger's own
// publish on one of its edges.
type ExtraAction struct {
	Topic   string
	Payload string
	// OnActivate selects the not-running to running edge; otherwise the
	// action fires on running to not-running.
	OnActivate bool
	// Triggers limits the action to triggers watching these process
	// names. Empty matches every trigger.
	Triggers []string
}

func (a ExtraAction) matches(t trigger.Trigger, activate bool) bool {
	if a.OnActivate != activate {
		return false
	}
	return len(a.Triggers) == 0 || slices.Contains(a.Triggers, t.Name)
}

// ExtraActionsFromConfig converts the configured extra actions.
func ExtraActionsFromConfig(cfg []config.ExtraActionConfig) []ExtraAction {
	out := make([]ExtraAction, 0, len(cfg))
	for _, c := range cfg {
		out = append(out, ExtraAction{
			Topic:      c.Topic,
			Payload:    c.Payload,
			OnActivate: c.On != "deactivate",
			Triggers:   slices.Clone(c.Triggers),
		})
	}
	return out
}

// Config holds the Engine's collaborators and cadences.
type Config struct {
	Registry *trigger.Registry
	Client   BrokerClient
	Sampler  Sampler
	Settings SettingsStore
	Bus      *events.Bus // optional

	TickInterval   time.Duration
	ReportInterval time.Duration
	ExtraActions   []ExtraAction

	// StaleAfter is the snapshot age at which the process table is
	// reported unhealthy (default: 30s).
	StaleAfter time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Engine reconciles triggers against the process table and serves the
// trigger and connection commands.
type Engine struct {
	registry *trigger.Registry
	client   BrokerClient
	sampler  Sampler
	store    SettingsStore
	bus      *events.Bus
	extras   []ExtraAction
	logger   *slog.Logger

	tickInterval   time.Duration
	reportInterval time.Duration
	staleAfter     time.Duration

	settingsMu sync.Mutex
	settings   mqtt.Settings

	watch *connwatch.Manager
}

// New creates an Engine. Call [Engine.Start] to hydrate the connection
// settings and connect, then [Engine.Run] to start the loops.
func New(cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry:       cfg.Registry,
		client:         cfg.Client,
		sampler:        cfg.Sampler,
		store:          cfg.Settings,
		bus:            cfg.Bus,
		extras:         cfg.ExtraActions,
		logger:         cfg.Logger,
		tickInterval:   cfg.TickInterval,
		reportInterval: cfg.ReportInterval,
		staleAfter:     cfg.StaleAfter,
		settings:       mqtt.DefaultSettings(),
		watch:          connwatch.NewManager(cfg.Logger),
	}
}

// Start loads the saved connection settings and starts connecting.
// Load and connect failures are logged; the engine runs degraded on
// the defaults.
func (e *Engine) Start(ctx context.Context) {
	s := mqtt.DefaultSettings()
	if e.store != nil {
		loaded, err := e.store.LoadConnectionSettings()
		if err != nil {
			e.logger.Error("failed to load connection settings, using defaults", "error", err)
		}
		s = loaded
	}

	e.settingsMu.Lock()
	e.settings = s
	e.settingsMu.Unlock()

	if err := e.client.Configure(ctx, s); err != nil {
		e.logger.Error("mqtt configure failed", "broker", s.String(), "error", err)
	}
}

// Run starts the sampler, the reconcile loop, and the connectivity
// reporter, and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		e.sampler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runTicks(ctx)
	}()

	e.watchConnectivity(ctx)

	wg.Wait()
	e.watch.Stop()
}

// Health returns the status of the engine's watched dependencies.
func (e *Engine) Health() map[string]connwatch.ServiceStatus {
	return e.watch.Status()
}

func (e *Engine) runTicks(ctx context.Context) {
	e.logger.Info("reconcile loop started", "interval", e.tickInterval)
	for {
		e.safeTick(ctx)

		timer := time.NewTimer(e.tickInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("reconcile loop stopped")
			return
		case <-timer.C:
		}
	}
}

// safeTick runs one tick and keeps a panic from ending the loop.
func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncTick(metrics.TickPanic)
			e.logger.Error("panic in reconcile tick",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch err := e.Tick(ctx); {
	case err == nil:
	case errors.Is(err, ErrNoSnapshot):
		e.logger.Debug("reconcile tick skipped, no snapshot yet")
	case errors.Is(err, trigger.ErrLockUnavailable):
		if ctx.Err() == nil {
			e.logger.Warn("reconcile tick skipped, trigger registry busy", "error", err)
		}
	default:
		e.logger.Error("reconcile tick failed", "error", err)
	}
}

type edge struct {
	trigger  trigger.Trigger
	activate bool
}

// Tick performs one reconciliation pass. Flags are flipped and the
// edge list is built inside a single registry critical section; the
// publishes follow after the lock is released, in registry order. If
// there is no snapshot or the registry lock is unavailable, nothing is
// changed and nothing is published.
func (e *Engine) Tick(ctx context.Context) error {
	snap := e.sampler.Snapshot()
	if snap == nil {
		metrics.IncTick(metrics.TickNoSnapshot)
		return ErrNoSnapshot
	}

	var (
		edges   []edge
		states  []bool
		ids     []string
		running int
	)
	err := e.registry.Each(ctx, func(t *trigger.Trigger) {
		present := snap.Contains(t.Name)
		if present != t.Running {
			t.Running = present
			edges = append(edges, edge{trigger: *t, activate: present})
		}
		states = append(states, t.Running)
		ids = append(ids, t.ID)
		if t.Running {
			running++
		}
	})
	if err != nil {
		metrics.IncTick(metrics.TickLockTimeout)
		return err
	}

	for _, ed := range edges {
		e.fire(ctx, ed)
	}

	metrics.IncTick(metrics.TickOK)
	metrics.SetTriggers(len(states), running)
	metrics.SetSnapshotProcesses(snap.Len())

	e.bus.Publish(events.Event{
		Source: events.SourceReconcile,
		Kind:   events.KindRunningStates,
		Data: map[string]any{
			"states": states,
			"ids":    ids,
		},
	})
	return nil
}

// fire publishes a trigger's payload for one edge, then the matching
// extra actions in configured order. Failures are logged and counted;
// the flag flip stands.
func (e *Engine) fire(ctx context.Context, ed edge) {
	t := ed.trigger
	metrics.IncTransition(ed.activate)

	payload := t.OffValue
	if ed.activate {
		payload = t.OnValue
	}

	e.logger.Info("trigger transition",
		"trigger_id", t.ID,
		"process", t.Name,
		"running", ed.activate,
		"topic", t.Topic,
	)
	e.bus.Publish(events.Event{
		Source: events.SourceReconcile,
		Kind:   events.KindTransition,
		Data: map[string]any{
			"id":      t.ID,
			"name":    t.Name,
			"running": ed.activate,
			"topic":   t.Topic,
		},
	})

	e.publish(ctx, t.Topic, payload, "trigger_id", t.ID)
	for i, a := range e.extras {
		if a.matches(t, ed.activate) {
			e.publish(ctx, a.Topic, a.Payload, "extra_action", i)
		}
	}
}

func (e *Engine) publish(ctx context.Context, topic, payload string, attrs ...any) {
	err := e.client.Publish(ctx, topic, payload)
	switch {
	case err == nil:
		metrics.IncPublish(metrics.PublishOK)
	case errors.Is(err, mqtt.ErrNotConnected):
		metrics.IncPublish(metrics.PublishNotConnected)
		e.logger.Warn("publish dropped, broker not connected",
			append([]any{"topic", topic}, attrs...)...)
	default:
		metrics.IncPublish(metrics.PublishError)
		e.logger.Error("publish failed",
			append([]any{"topic", topic, "error", err}, attrs...)...)
	}
}

// watchConnectivity starts the broker and sampler watchers. The broker
// watcher reports the client's connected flag on every interval.
func (e *Engine) watchConnectivity(ctx context.Context) {
	poll := connwatch.PollConfig{PollInterval: e.reportInterval}

	e.watch.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Check: func(context.Context) error {
			if e.client.IsConnected() {
				return nil
			}
			return mqtt.ErrNotConnected
		},
		Poll:    poll,
		OnReady: func() { e.dependencyChanged("mqtt", nil) },
		OnDown:  func(err error) { e.dependencyChanged("mqtt", err) },
		OnStatus: func(s connwatch.ServiceStatus) {
			metrics.SetBrokerConnected(s.Ready)
			e.bus.Publish(events.Event{
				Source: events.SourceConnectivity,
				Kind:   events.KindConnectionState,
				Data:   map[string]any{"connected": s.Ready},
			})
		},
	})

	e.watch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "process_table",
		Check:   e.snapshotFresh,
		Poll:    poll,
		OnReady: func() { e.dependencyChanged("process_table", nil) },
		OnDown:  func(err error) { e.dependencyChanged("process_table", err) },
	})
}

// dependencyChanged records a watcher transition. A nil err means the
// dependency came up.
func (e *Engine) dependencyChanged(service string, err error) {
	metrics.IncDependencyTransition(service, err == nil)
	data := map[string]any{"service": service, "ready": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	e.bus.Publish(events.Event{
		Source: events.SourceConnectivity,
		Kind:   events.KindDependencyChanged,
		Data:   data,
	})
}

// snapshotFresh fails when no snapshot exists or the newest one is
// older than staleAfter.
func (e *Engine) snapshotFresh(context.Context) error {
	snap := e.sampler.Snapshot()
	if snap == nil {
		return ErrNoSnapshot
	}
	if age := time.Since(snap.Taken()); age > e.staleAfter {
		return fmt.Errorf("process snapshot is %s old", age.Truncate(time.Millisecond))
	}
	return nil
}
