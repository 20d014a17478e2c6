// Package metrics exposes Prometheus instrumentation for the process engine.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songzhibin97/process-engine/types"
)

const namespace = "process_engine"

// Recorder holds the engine collectors. A nil *Recorder is valid and records
// nothing, so components can take one unconditionally.
type Recorder struct {
	transitionsTotal   *prometheus.CounterVec
	forcedTotal        *prometheus.CounterVec
	cascadeLimitTotal  *prometheus.CounterVec
	prerequisitesTotal *prometheus.CounterVec
	processesCreated   *prometheus.CounterVec
	batchFailuresTotal prometheus.Counter
	sweepDuration      prometheus.Histogram
}

// New creates a Recorder and registers its collectors with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of executed state transitions",
			},
			[]string{"workflow", "trigger"}, // trigger: form_save, auto, timeout, manual, forced
		),
		forcedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_transitions_total",
				Help:      "Total number of transitions forced past unmet prerequisites",
			},
			[]string{"workflow"},
		),
		cascadeLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cascade_limit_reached_total",
				Help:      "Total number of cascades stopped by the depth bound",
			},
			[]string{"workflow"},
		),
		prerequisitesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prerequisite_evaluations_total",
				Help:      "Total number of prerequisite evaluations",
			},
			[]string{"type", "result"}, // result: satisfied, unsatisfied
		),
		processesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_created_total",
				Help:      "Total number of processes created from form records",
			},
			[]string{"workflow"},
		),
		batchFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_item_failures_total",
				Help:      "Total number of processes that failed during a sweep",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of auto-transition sweeps in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
	reg.MustRegister(
		r.transitionsTotal,
		r.forcedTotal,
		r.cascadeLimitTotal,
		r.prerequisitesTotal,
		r.processesCreated,
		r.batchFailuresTotal,
		r.sweepDuration,
	)
	return r
}

// TriggerLabel maps a history trigger onto a bounded label value.
func TriggerLabel(trigger string) string {
	if strings.HasPrefix(trigger, types.TriggerForced) {
		return "forced"
	}
	return trigger
}

// Transition counts one executed transition.
func (r *Recorder) Transition(workflow, trigger string) {
	if r == nil {
		return
	}
	r.transitionsTotal.WithLabelValues(workflow, TriggerLabel(trigger)).Inc()
	if TriggerLabel(trigger) == "forced" {
		r.forcedTotal.WithLabelValues(workflow).Inc()
	}
}

// CascadeLimitReached counts a cascade stopped by the depth bound.
func (r *Recorder) CascadeLimitReached(workflow string) {
	if r == nil {
		return
	}
	r.cascadeLimitTotal.WithLabelValues(workflow).Inc()
}

// Prerequisite counts one prerequisite evaluation.
func (r *Recorder) Prerequisite(kind types.PrerequisiteType, satisfied bool) {
	if r == nil {
		return
	}
	result := "unsatisfied"
	if satisfied {
		result = "satisfied"
	}
	r.prerequisitesTotal.WithLabelValues(string(kind), result).Inc()
}

// ProcessCreated counts a process created for workflow.
func (r *Recorder) ProcessCreated(workflow string) {
	if r == nil {
		return
	}
	r.processesCreated.WithLabelValues(workflow).Inc()
}

// BatchFailures adds n failed sweep items.
func (r *Recorder) BatchFailures(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.batchFailuresTotal.Add(float64(n))
}

// ObserveSweep records the duration of a sweep that started at start.
func (r *Recorder) ObserveSweep(start time.Time) {
	if r == nil {
		return
	}
	r.sweepDuration.Observe(time.Since(start).Seconds())
}
