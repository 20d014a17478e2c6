package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/process-engine/types"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Transition("orders", types.TriggerAuto)
	r.Transition("orders", types.TriggerAuto)
	r.Transition("orders", types.TriggerForced+": customer called")
	r.CascadeLimitReached("orders")
	r.Prerequisite(types.PrerequisiteFieldCheck, false)
	r.Prerequisite(types.PrerequisiteFieldCheck, true)
	r.ProcessCreated("orders")
	r.BatchFailures(2)
	r.BatchFailures(0)
	r.ObserveSweep(time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitionsTotal.WithLabelValues("orders", "auto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitionsTotal.WithLabelValues("orders", "forced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.forcedTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cascadeLimitTotal.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prerequisitesTotal.WithLabelValues("field_check", "unsatisfied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.processesCreated.WithLabelValues("orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.batchFailuresTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(r.sweepDuration))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Transition("orders", types.TriggerManual)
		r.CascadeLimitReached("orders")
		r.Prerequisite(types.PrerequisiteTimeElapsed, true)
		r.ProcessCreated("orders")
		r.BatchFailures(1)
		r.ObserveSweep(time.Now())
	})
}

func TestTriggerLabel(t *testing.T) {
	assert.Equal(t, "forced", TriggerLabel("FORCED: late payment"))
	assert.Equal(t, "timeout", TriggerLabel(types.TriggerTimeout))
}
