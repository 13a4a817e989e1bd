package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autosave"

// Metrics holds the collectors of one checkpoint session
type Metrics struct {
	CheckpointWrites *prometheus.CounterVec
	WriteDuration    prometheus.Histogram
	AdaptiveInterval prometheus.Gauge
	RecoveryMode     prometheus.Gauge
	BufferBytes      prometheus.Gauge
	BufferSegments   prometheus.Gauge
	FallbackWrites   prometheus.Counter
	LoadFactor       prometheus.Gauge
	RecoveryAttempts *prometheus.CounterVec
	MirrorUploads    *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	// TriggersDeferred counts due checkpoints held back because a write
	// was still in flight; they are not writes
	TriggersDeferred *prometheus.CounterVec
}

// New creates the collectors on reg. A nil reg yields working collectors
// that are not exported anywhere.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CheckpointWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint writes by outcome",
		}, []string{"outcome"}),

		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_duration_seconds",
			Help:      "Checkpoint write latency including validation",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}),

		AdaptiveInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adaptive_interval_steps",
			Help:      "Steps between checkpoints currently in force",
		}),

		RecoveryMode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_mode",
			Help:      "1 while the session is in recovery mode",
		}),

		BufferBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_bytes",
			Help:      "Approximate bytes held by the segment buffer",
		}),

		BufferSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_segments",
			Help:      "Segments held by the segment buffer",
		}),

		FallbackWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_writes_total",
			Help:      "Checkpoints written to a fallback location",
		}),

		LoadFactor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_factor",
			Help:      "Smoothed host load in [0,1]",
		}),

		RecoveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery actions by strategy and error kind",
		}, []string{"strategy", "kind"}),

		MirrorUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_uploads_total",
			Help:      "Remote mirror uploads by result",
		}, []string{"result"}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Event deliveries lost to full subscribers",
		}),

		TriggersDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_triggers_deferred_total",
			Help:      "Due checkpoints left to a later step, by reason",
		}, []string{"reason"}),
	}
}

// ObserveDeferred records a due checkpoint left to a later step
func (m *Metrics) ObserveDeferred(reason string) {
	if m == nil {
		return
	}
	m.TriggersDeferred.WithLabelValues(reason).Inc()
}

// ObserveWrite records one finished checkpoint write
func (m *Metrics) ObserveWrite(outcome string, took time.Duration, fallback bool) {
	if m == nil {
		return
	}
	m.CheckpointWrites.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.WriteDuration.Observe(took.Seconds())
	}
	if fallback {
		m.FallbackWrites.Inc()
	}
}

// SetRecoveryMode flips the recovery mode gauge
func (m *Metrics) SetRecoveryMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.RecoveryMode.Set(1)
		return
	}
	m.RecoveryMode.Set(0)
}

// SetBuffer records the buffer's size
func (m *Metrics) SetBuffer(segments int, bytes int64) {
	if m == nil {
		return
	}
	m.BufferSegments.Set(float64(segments))
	m.BufferBytes.Set(float64(bytes))
}

// SetInterval records the adaptive interval
func (m *Metrics) SetInterval(steps int) {
	if m == nil {
		return
	}
	m.AdaptiveInterval.Set(float64(steps))
}

// SetLoadFactor records the smoothed load
func (m *Metrics) SetLoadFactor(f float64) {
	if m == nil {
		return
	}
	m.LoadFactor.Set(f)
}

// ObserveRecovery counts one recovery action
func (m *Metrics) ObserveRecovery(strategy, kind string) {
	if m == nil {
		return
	}
	m.RecoveryAttempts.WithLabelValues(strategy, kind).Inc()
}

// ObserveMirror counts one mirror upload result
func (m *Metrics) ObserveMirror(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MirrorUploads.WithLabelValues("success").Inc()
		return
	}
	m.MirrorUploads.WithLabelValues("failure").Inc()
}
