package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"name"},
	)
	serverKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "kills_total",
			Help:      "Number of stops escalated to SIGKILL after the stop timeout.",
		}, []string{"name"},
	)
	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "unexpected_exits_total",
			Help:      "Number of exits the supervisor did not request.",
		}, []string{"name"},
	)
	serverStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the server counted as started.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between server states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blockvisor",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blockvisor",
			Subsystem: "usage",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage; name is \"system\" for the supervisor itself.",
		}, []string{"name"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blockvisor",
			Subsystem: "usage",
			Name:      "memory_bytes",
			Help:      "Last sampled resident memory; name is \"system\" for the supervisor itself.",
		}, []string{"name"},
	)
	subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blockvisor",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current subscribers per channel.",
		}, []string{"channel"},
	)
	droppedSubscribers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockvisor",
			Subsystem: "broadcast",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers disconnected because they fell behind.",
		}, []string{"channel"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverKills, serverExits, serverStartDuration,
		stateTransitions, currentStates, cpuPercent, memoryBytes, subscribers, droppedSubscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered is fine (double Register against the default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name).Inc()
	}
}
func IncKill(name string) {
	if regOK.Load() {
		serverKills.WithLabelValues(name).Inc()
	}
}
func IncUnexpectedExit(name string) {
	if regOK.Load() {
		serverExits.WithLabelValues(name).Inc()
	}
}
func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		serverStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

// SetUsage publishes the latest resource sample for name.
func SetUsage(name string, cpu float64, memory uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(cpu)
		memoryBytes.WithLabelValues(name).Set(float64(memory))
	}
}

func SetSubscribers(channel string, n int) {
	if regOK.Load() {
		subscribers.WithLabelValues(channel).Set(float64(n))
	}
}
func IncDroppedSubscriber(channel string) {
	if regOK.Load() {
		droppedSubscribers.WithLabelValues(channel).Inc()
	}
}
