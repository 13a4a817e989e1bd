package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autosave/pkg/config"
	"autosave/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns queued samples in order, then repeats the last one
type scripted struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
	calls   int
}

func (s *scripted) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.samples)-1)
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.samples[i], err
}

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:             10 * time.Millisecond,
		HistorySize:          4,
		CPUThreshold:         80,
		MemoryThreshold:      85,
		AcceleratorThreshold: 90,
		SmoothingWindow:      3,
	}
}

func TestIsUnderLoad(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   bool
	}{
		{"idle", Sample{CPU: 10, Memory: 20}, false},
		{"cpu", Sample{CPU: 81, Memory: 20}, true},
		{"memory", Sample{CPU: 10, Memory: 90}, true},
		{"accelerator", Sample{HasAccelerator: true, Accelerator: 95}, true},
		{"accelerator absent", Sample{Accelerator: 95}, false},
		{"at threshold", Sample{CPU: 80, Memory: 85}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(testConfig(), &scripted{samples: []Sample{tt.sample}}, logger.NewNopLogger())
			m.SampleNow(context.Background())
			assert.Equal(t, tt.want, m.IsUnderLoad())
		})
	}
}

func TestLoadFactorAveragesLastSamples(t *testing.T) {
	s := &scripted{samples: []Sample{
		{CPU: 100},
		{CPU: 20, Memory: 40},
		{CPU: 60},
		{CPU: 10, HasAccelerator: true, Accelerator: 80},
	}}
	m := New(testConfig(), s, logger.NewNopLogger())
	assert.Zero(t, m.LoadFactor(), "no samples yet")

	for i := 0; i < 4; i++ {
		m.SampleNow(context.Background())
	}
	assert.InDelta(t, (0.4+0.6+0.8)/3, m.LoadFactor(), 1e-9)
}

func TestFailedSampleIsRecordedAsZero(t *testing.T) {
	s := &scripted{
		samples: []Sample{{CPU: 99, Memory: 99}},
		errs:    []error{errors.New("proc unavailable")},
	}
	m := New(testConfig(), s, logger.NewNopLogger())

	got := m.SampleNow(context.Background())
	assert.True(t, got.Failed())
	assert.Zero(t, got.CPU)
	assert.False(t, m.IsUnderLoad())
	assert.Zero(t, m.LoadFactor())
	assert.Equal(t, 1, m.Stats().Failures)
}

func TestHistoryIsBounded(t *testing.T) {
	m := New(testConfig(), &scripted{samples: []Sample{{CPU: 1}}}, logger.NewNopLogger())
	for i := 0; i < 10; i++ {
		m.SampleNow(context.Background())
	}
	assert.Len(t, m.History(), 4)
	assert.Equal(t, 10, m.Stats().Samples)
}

func TestStartStop(t *testing.T) {
	s := &scripted{samples: []Sample{{CPU: 5}}}
	m := New(testConfig(), s, logger.NewNopLogger())

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return len(m.History()) >= 2 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	n := len(m.History())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(m.History()), "no samples after Stop")
}

func TestHostSamplerWithoutAccelerator(t *testing.T) {
	h := &HostSampler{Accelerator: func(ctx context.Context) (uint64, uint64, error) {
		return 0, 0, ErrNoAccelerator
	}}
	s, err := h.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, s.HasAccelerator)
	assert.GreaterOrEqual(t, s.Memory, 0.0)
}

func TestParseNvidiaSMI(t *testing.T) {
	used, total, err := parseNvidiaSMI([]byte("1024, 8192\n512, 8192\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1536)<<20, used)
	assert.Equal(t, uint64(16384)<<20, total)

	_, _, err = parseNvidiaSMI([]byte("\n"))
	assert.ErrorIs(t, err, ErrNoAccelerator)

	_, _, err = parseNvidiaSMI([]byte("N/A, 8192\n"))
	assert.Error(t, err)
}
