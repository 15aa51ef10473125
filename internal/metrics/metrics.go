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

	attempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "start_attempts_total",
			Help:      "Number of backend spawn attempts.",
		},
	)
	readyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "ready_total",
			Help:      "Number of times the backend reported readiness.",
		},
	)
	attemptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "attempt_failures_total",
			Help:      "Failed attempts by reason (exit, timeout, spawn).",
		}, []string{"reason"},
	)
	portKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "port",
			Name:      "listener_kills_total",
			Help:      "Stale listeners killed during port reclamation.",
		},
	)
	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "startup_duration_seconds",
			Help:      "Time from the first attempt until readiness.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{attempts, readyTotal, attemptFailures, portKills, startupDuration, currentState, cpuPercent, memoryRSS, numThreads}
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAttempt() {
	if regOK.Load() {
		attempts.Inc()
	}
}

func IncReady() {
	if regOK.Load() {
		readyTotal.Inc()
	}
}

func IncAttemptFailure(reason string) {
	if regOK.Load() {
		attemptFailures.WithLabelValues(reason).Inc()
	}
}

func IncPortKill() {
	if regOK.Load() {
		portKills.Inc()
	}
}

func ObserveStartup(seconds float64) {
	if regOK.Load() {
		startupDuration.Observe(seconds)
	}
}

// SetState marks state as the only active supervisor state.
func SetState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}
