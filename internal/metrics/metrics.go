// Package metrics exposes the reconciliation engine's counters and
// gauges to Prometheus. Collectors are package-level and registered via
// [Register]; the recording helpers are no-ops until then, so tests and
// the processes subcommand never need a registry.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick results.
const (
	TickOK          = "ok"
	TickNoSnapshot  = "no_snapshot"
	TickLockTimeout = "lock_timeout"
	TickPanic       = "panic"
)

// Publish results.
const (
	PublishOK           = "ok"
	PublishNotConnected = "not_connected"
	PublishError        = "error"
)

var (
	regOK atomic.Bool

	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrigger",
			Subsystem: "reconcile",
			Name:      "ticks_total",
			Help:      "Reconciliation ticks by result.",
		}, []string{"result"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrigger",
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Trigger edges observed, by direction (activate or deactivate).",
		}, []string{"direction"},
	)
	publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrigger",
			Subsystem: "mqtt",
			Name:      "publishes_total",
			Help:      "Publish attempts by result.",
		}, []string{"result"},
	)
	sampleFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proctrigger",
			Subsystem: "sampler",
			Name:      "failures_total",
			Help:      "Process table queries that failed.",
		},
	)
	brokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrigger",
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 when the broker connection is up.",
		},
	)
	dependencyTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proctrigger",
			Subsystem: "connectivity",
			Name:      "transitions_total",
			Help:      "Watched dependency transitions, by service and new state (up or down).",
		}, []string{"service", "state"},
	)
	triggers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrigger",
			Subsystem: "reconcile",
			Name:      "triggers",
			Help:      "Configured triggers.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrigger",
			Subsystem: "reconcile",
			Name:      "running_triggers",
			Help:      "Triggers whose process was running at the last tick.",
		},
	)
	snapshotProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proctrigger",
			Subsystem: "sampler",
			Name:      "snapshot_processes",
			Help:      "Distinct process names in the latest snapshot.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		ticks, transitions, publishes, sampleFailures,
		brokerConnected, dependencyTransitions, triggers, running, snapshotProcesses,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op if Register hasn't been called.

func IncTick(result string) {
	if regOK.Load() {
		ticks.WithLabelValues(result).Inc()
	}
}

func IncTransition(activate bool) {
	if regOK.Load() {
		dir := "deactivate"
		if activate {
			dir = "activate"
		}
		transitions.WithLabelValues(dir).Inc()
	}
}

func IncPublish(result string) {
	if regOK.Load() {
		publishes.WithLabelValues(result).Inc()
	}
}

func IncSampleFailure() {
	if regOK.Load() {
		sampleFailures.Inc()
	}
}

func SetBrokerConnected(up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		brokerConnected.Set(v)
	}
}

func IncDependencyTransition(service string, up bool) {
	if regOK.Load() {
		state := "down"
		if up {
			state = "up"
		}
		dependencyTransitions.WithLabelValues(service, state).Inc()
	}
}

func SetTriggers(total, runningNow int) {
	if regOK.Load() {
		triggers.Set(float64(total))
		running.Set(float64(runningNow))
	}
}

func SetSnapshotProcesses(n int) {
	if regOK.Load() {
		snapshotProcesses.Set(float64(n))
	}
}
