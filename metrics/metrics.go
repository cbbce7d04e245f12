// Package metrics exposes the runtime's Prometheus collectors. Exposition is
// the host application's concern; the counters are registered on the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished flow runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpaflow_runs_total",
		Help: "Finished flow runs by status.",
	}, []string{"status"})

	// StepsTotal counts executed steps by result.
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpaflow_steps_total",
		Help: "Executed steps by result.",
	}, []string{"result"})

	// SelectorAttempts counts selector strategy attempts by strategy and outcome.
	SelectorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpaflow_selector_attempts_total",
		Help: "Selector strategy attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	// ScheduledJobs counts scheduler job executions by outcome
	// (run, error, skipped_busy, skipped_condition).
	ScheduledJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpaflow_scheduled_jobs_total",
		Help: "Scheduler job executions by outcome.",
	}, []string{"outcome"})
)
