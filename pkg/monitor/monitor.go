package monitor

import (
	"context"
	"sync"
	"time"

	"autosave/pkg/config"
	"autosave/pkg/logger"
)

// Sample is one reading of host utilization. Percentages are 0-100.
type Sample struct {
	At             time.Time
	CPU            float64
	Memory         float64
	Accelerator    float64
	HasAccelerator bool
	Err            error
}

// Failed reports whether the sample stands in for a failed reading
func (s Sample) Failed() bool {
	return s.Err != nil
}

// Peak returns the highest of the sampled percentages
func (s Sample) Peak() float64 {
	peak := s.CPU
	if s.Memory > peak {
		peak = s.Memory
	}
	if s.HasAccelerator && s.Accelerator > peak {
		peak = s.Accelerator
	}
	return peak
}

// Stats summarizes the retained history
type Stats struct {
	Samples         int
	Failures        int
	PeakCPU         float64
	PeakMemory      float64
	PeakAccelerator float64
}

// Monitor samples host load on a fixed interval into a bounded history
type Monitor struct {
	cfg     config.MonitorConfig
	sampler Sampler
	logger  logger.Logger

	mu      sync.RWMutex
	history []Sample
	stats   Stats

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. A nil sampler means the host sampler.
func New(cfg config.MonitorConfig, sampler Sampler, log logger.Logger) *Monitor {
	if sampler == nil {
		sampler = NewHostSampler()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.SmoothingWindow <= 0 {
		cfg.SmoothingWindow = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		logger:  log.WithField("component", "monitor"),
	}
}

// Start launches the sampling loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	logger.LogComponentStart(m.logger, "monitor", map[string]interface{}{
		"interval":     m.cfg.Interval.String(),
		"history_size": m.cfg.HistorySize,
	})
	go m.loop(ctx, m.done)
}

// Stop ends the sampling loop and waits for it to exit
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	logger.LogComponentStop(m.logger, "monitor", "stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.SampleNow(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleNow(ctx)
		}
	}
}

// SampleNow takes one reading and records it. A failed reading is recorded
// as a zero sample carrying the error.
func (m *Monitor) SampleNow(ctx context.Context) Sample {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		s = Sample{At: time.Now(), Err: err}
		m.logger.WithError(err).Debug("Load sample failed")
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	m.record(s)
	return s
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]Sample(nil), m.history[over:]...)
	}

	m.stats.Samples++
	if s.Failed() {
		m.stats.Failures++
		return
	}
	m.stats.PeakCPU = max(m.stats.PeakCPU, s.CPU)
	m.stats.PeakMemory = max(m.stats.PeakMemory, s.Memory)
	if s.HasAccelerator {
		m.stats.PeakAccelerator = max(m.stats.PeakAccelerator, s.Accelerator)
	}
}

// Latest returns the most recent sample
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the retained samples, oldest first
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.history...)
}

// Stats returns counters and peaks over the monitor's lifetime
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// IsUnderLoad reports whether the latest sample exceeds any threshold.
// A failed or missing sample is never load.
func (m *Monitor) IsUnderLoad() bool {
	s, ok := m.Latest()
	if !ok || s.Failed() {
		return false
	}
	if s.CPU > m.cfg.CPUThreshold || s.Memory > m.cfg.MemoryThreshold {
		return true
	}
	return s.HasAccelerator && s.Accelerator > m.cfg.AcceleratorThreshold
}

// LoadFactor is the peak utilization of each recent sample scaled to [0,1]
// and averaged over the smoothing window
func (m *Monitor) LoadFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := min(m.cfg.SmoothingWindow, len(m.history))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.history[len(m.history)-n:] {
		sum += clamp01(s.Peak() / 100)
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
