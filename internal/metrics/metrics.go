package metrics

import (
	"errors"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botrunner",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall time between RUNNING and the terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"status"},
	)
	firingsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "scheduler",
			Name:      "firings_dropped_total",
			Help:      "Firings discarded before execution.",
		}, []string{"reason"},
	)
	firingsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "scheduler",
			Name:      "firings_missed_total",
			Help:      "Firings outside the misfire grace window after a restart.",
		},
	)
	scheduledJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botrunner",
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Jobs currently known to the scheduler.",
		},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "bot",
			Name:      "kills_total",
			Help:      "Kill requests by outcome.",
		}, []string{"result"},
	)
	runningBots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botrunner",
			Subsystem: "bot",
			Name:      "running",
			Help:      "Bots with a live child process.",
		},
	)
	childCPU = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botrunner",
			Subsystem: "bot",
			Name:      "cpu_seconds",
			Help:      "User plus system CPU time consumed by a finished child.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"invocation"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{executions, executionDuration, firingsDropped, firingsMissed, scheduledJobs, kills, runningBots, childCPU}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncExecution(status string) {
	if regOK.Load() {
		executions.WithLabelValues(status).Inc()
	}
}

func ObserveExecutionDuration(status string, seconds float64) {
	if regOK.Load() {
		executionDuration.WithLabelValues(status).Observe(seconds)
	}
}

func IncDropped(reason string) {
	if regOK.Load() {
		firingsDropped.WithLabelValues(reason).Inc()
	}
}

func IncMissed() {
	if regOK.Load() {
		firingsMissed.Inc()
	}
}

func SetScheduledJobs(n int) {
	if regOK.Load() {
		scheduledJobs.Set(float64(n))
	}
}

func IncKill(result string) {
	if regOK.Load() {
		kills.WithLabelValues(result).Inc()
	}
}

func SetRunningBots(n int) {
	if regOK.Load() {
		runningBots.Set(float64(n))
	}
}

// ObserveRun records the CPU time of a reaped child.
func ObserveRun(invocation string, ps *os.ProcessState) {
	if !regOK.Load() || ps == nil {
		return
	}
	childCPU.WithLabelValues(invocation).Observe((ps.UserTime() + ps.SystemTime()).Seconds())
}
