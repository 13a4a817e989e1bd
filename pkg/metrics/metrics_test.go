package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterOnExplicitRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveWrite("success", 20*time.Millisecond, false)
	m.ObserveWrite("recovered", 30*time.Millisecond, true)
	m.ObserveWrite("failed", 0, false)
	m.SetRecoveryMode(true)
	m.SetBuffer(4, 4096)
	m.SetInterval(7)
	m.SetLoadFactor(0.5)
	m.ObserveRecovery("retry", "transient_fs")
	m.ObserveMirror(false)
	m.ObserveDeferred("write_in_flight")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWrites.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWrites.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbackWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryMode))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BufferBytes))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.AdaptiveInterval))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorUploads.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TriggersDeferred.WithLabelValues("write_in_flight")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CheckpointWrites.WithLabelValues("skipped")), "deferred triggers are not writes")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"autosave_checkpoint_writes_total",
		"autosave_checkpoint_write_duration_seconds",
		"autosave_adaptive_interval_steps",
		"autosave_recovery_mode",
		"autosave_buffer_bytes",
		"autosave_fallback_writes_total",
		"autosave_load_factor",
		"autosave_checkpoint_triggers_deferred_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	m.SetRecoveryMode(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RecoveryMode))
}

func TestTwoSessionsDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
		New(nil)
	})
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveWrite("success", time.Second, true)
		m.SetRecoveryMode(true)
		m.SetBuffer(1, 1)
		m.SetInterval(1)
		m.SetLoadFactor(1)
		m.ObserveRecovery("skip", "unknown")
		m.ObserveMirror(true)
	})
}
