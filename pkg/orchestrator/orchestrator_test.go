package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autosave/pkg/checkpoint"
	"autosave/pkg/config"
	errs "autosave/pkg/errors"
	"autosave/pkg/events"
	"autosave/pkg/logger"
	"autosave/pkg/monitor"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate       = 8000
	framesPerStep  = 800
	segmentSeconds = 0.1
)

// guardWriter wraps the real writer, counts concurrent writes and can
// inject failures
type guardWriter struct {
	ArtifactWriter

	delay time.Duration
	mu    sync.Mutex
	fail  func(job checkpoint.Job) error
	steps []int

	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
}

func (g *guardWriter) setFail(fn func(job checkpoint.Job) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = fn
}

func (g *guardWriter) Write(ctx context.Context, job checkpoint.Job) (checkpoint.Result, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.calls.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	fail := g.fail
	g.mu.Unlock()
	if fail != nil {
		if err := fail(job); err != nil {
			return checkpoint.Result{
				JobID:   job.ID,
				Step:    job.Step,
				Outcome: checkpoint.OutcomeFailed,
				Kind:    errs.Classify(err),
				Err:     err,
			}, err
		}
	}

	res, err := g.ArtifactWriter.Write(ctx, job)
	if err == nil {
		g.mu.Lock()
		g.steps = append(g.steps, job.Step)
		g.mu.Unlock()
	}
	return res, err
}

func (g *guardWriter) writtenSteps() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.steps...)
}

func (g *guardWriter) factory(cfg checkpoint.Config, log logger.Logger) (ArtifactWriter, error) {
	w, err := checkpoint.NewWriter(cfg, log)
	if err != nil {
		return nil, err
	}
	g.ArtifactWriter = w
	return g, nil
}

// sleepRecorder stands in for backoff sleeps
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AutoSave.TempDir = t.TempDir()
	cfg.AutoSave.FallbackLocations = []string{filepath.Join(t.TempDir(), "fb1"), filepath.Join(t.TempDir(), "fb2")}
	cfg.AutoSave.Adaptive = false
	cfg.Audio.SampleRate = testRate
	return cfg
}

func idleSampler() monitor.Sampler {
	return monitor.SamplerFunc(func(ctx context.Context) (monitor.Sample, error) {
		return monitor.Sample{At: time.Now(), CPU: 10, Memory: 20}, nil
	})
}

type session struct {
	o      *Orchestrator
	writer *guardWriter
	sleeps *sleepRecorder
	dest   string
	events <-chan events.Event
}

func start(t *testing.T, cfg *config.Config, g *guardWriter) *session {
	t.Helper()
	return startLogged(t, cfg, g, logger.NewNopLogger())
}

func startLogged(t *testing.T, cfg *config.Config, g *guardWriter, log logger.Logger) *session {
	t.Helper()
	if g == nil {
		g = &guardWriter{}
	}
	s := &session{writer: g, sleeps: &sleepRecorder{}, dest: filepath.Join(t.TempDir(), "out")}
	s.o = New(cfg, Options{
		Logger:    log,
		Sampler:   idleSampler(),
		NewWriter: g.factory,
		Sleep:     s.sleeps.sleep,
	})
	require.NoError(t, s.o.Initialize(context.Background(), s.dest, checkpoint.Naming{Voice: "bella", Source: "story.txt"}))
	s.events, _ = s.o.Subscribe(1024)
	return s
}

func samples(value float32) []float32 {
	out := make([]float32, framesPerStep)
	for i := range out {
		out[i] = value
	}
	return out
}

// step adds one segment and waits for any checkpoint it triggered
func (s *session) step(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, s.o.AddSegment(samples(0.25), n, SegmentMeta{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.o.WaitIdle(ctx))
}

// drain collects events until the bus closes
func drain(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
			return out
		}
	}
}

// pending returns the events queued so far without waiting for the close
func pending(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func count(evs []events.Event, typ events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func TestCheckpointsFireAtIntervalSteps(t *testing.T) {
	s := start(t, testConfig(t), nil)

	for n := 1; n <= 12; n++ {
		s.step(t, n)
	}

	assert.Equal(t, []int{5, 10}, s.writer.writtenSteps())

	st := s.o.Status()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.Equal(t, 12, st.CurrentStep)
	assert.Equal(t, 10, st.LastCheckpointStep)
	assert.Equal(t, 15, st.NextCheckpointStep)
	assert.Equal(t, 3, st.StepsUntilNext)
	assert.Equal(t, 2, st.Buffer.Segments, "durable segments are evicted")
	require.NotNil(t, st.LastResult)
	assert.Equal(t, checkpoint.OutcomeSuccess, st.LastResult.Outcome)
	assert.InDelta(t, 10*segmentSeconds, st.Saved.Seconds(), 0.001)
	assert.False(t, st.WritePending)

	res, err := s.o.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.dest, filepath.Dir(res.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "story_"))

	v := checkpoint.Validate(res.Path)
	require.True(t, v.Valid, "final artifact invalid: %v", v.Err)
	assert.Equal(t, 12*framesPerStep, v.Frames, "no audio lost or duplicated")

	evs := drain(t, s.events)
	assert.Equal(t, 3, count(evs, events.TypeCheckpointSucceeded))
	assert.Equal(t, 1, count(evs, events.TypeSessionFinalized))
	assert.Equal(t, PhaseFinalized, s.o.Phase())
}

func TestTransientFailuresRetryThenBackOffInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoSave.Adaptive = true
	g := &guardWriter{}
	g.setFail(func(job checkpoint.Job) error {
		return errs.E(errs.KindTransientFS, "write", errors.New("resource temporarily unavailable"))
	})
	s := start(t, cfg, g)

	for n := 1; n <= 7; n++ {
		s.step(t, n)
	}

	delays := s.sleeps.all()
	require.GreaterOrEqual(t, len(delays), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays[:3])
	assert.Len(t, delays, 9, "three attempts per failed checkpoint")
	assert.Equal(t, int32(12), g.calls.Load(), "one write plus three retries per checkpoint")

	st := s.o.Status()
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, 6, st.Interval, "interval widens once the failure streak hits the limit")
	assert.True(t, st.RecoveryMode)
	assert.NotEmpty(t, st.Warning)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, checkpoint.OutcomeFailed, st.LastResult.Outcome)
	assert.Equal(t, 7, st.Buffer.Segments, "nothing durable, nothing evicted")

	evs := pending(s.events)
	assert.Equal(t, 3, count(evs, events.TypeCheckpointFailed))
	assert.Equal(t, 1, count(evs, events.TypeRecoveryModeEntered))

	// the next successful checkpoint carries everything buffered so far
	g.setFail(nil)
	s.step(t, 8)

	st = s.o.Status()
	assert.False(t, st.RecoveryMode)
	assert.Empty(t, st.Warning)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 8, st.LastCheckpointStep)
	assert.Equal(t, []int{8}, g.writtenSteps())

	evs = pending(s.events)
	assert.Equal(t, 1, count(evs, events.TypeRecoveryModeExited))
	var persistent int
	for _, ev := range evs {
		if w, ok := ev.(events.Warning); ok && w.Code == "recovery_mode" {
			assert.True(t, w.Persistent)
			persistent++
		}
	}
	assert.Equal(t, 1, persistent, "warning repeats on the attempt made in recovery mode")

	res, err := s.o.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8*framesPerStep, checkpoint.Validate(res.Path).Frames)
}

func TestRecoveryModeWarningRepeatsOnEveryAttempt(t *testing.T) {
	g := &guardWriter{}
	g.setFail(func(job checkpoint.Job) error {
		return errs.E(errs.KindResourceExhaustion, "write", errors.New("out of memory"))
	})
	cfg := testConfig(t)
	cfg.AutoSave.Interval = 1
	s := start(t, cfg, g)

	for n := 1; n <= 6; n++ {
		s.step(t, n)
	}

	var warnings int
	for _, ev := range pending(s.events) {
		if w, ok := ev.(events.Warning); ok && w.Code == "recovery_mode" {
			warnings++
		}
	}
	// entered at the third failure, then announced again before attempts 4, 5, 6
	assert.Equal(t, 4, warnings)
	assert.Equal(t, int32(6), g.calls.Load(), "resource exhaustion is skipped, never retried")
	assert.Empty(t, s.sleeps.all())
}

func TestPrimaryUnusableFallsBackAndStays(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.AutoSave.TempDir = blocker
	fb1 := cfg.AutoSave.FallbackLocations[0]

	log := logger.NewTestLogger()
	s := startLogged(t, cfg, nil, log)
	for n := 1; n <= 10; n++ {
		s.step(t, n)
	}

	st := s.o.Status()
	assert.True(t, st.FallbackUsed)
	assert.Equal(t, fb1, filepath.Dir(st.LastArtifact))
	assert.Equal(t, []int{5, 10}, s.writer.writtenSteps())

	var moved int
	for _, ev := range pending(s.events) {
		switch e := ev.(type) {
		case events.CheckpointSucceeded:
			assert.True(t, e.FallbackUsed)
			assert.Equal(t, fb1, filepath.Dir(e.Path))
		case events.Warning:
			if e.Code == "fallback_location" {
				moved++
			}
		}
	}
	assert.Equal(t, 1, moved, "relocation is announced once")

	relocated, ok := log.Find("Primary location unusable, using fallback")
	require.True(t, ok)
	assert.Equal(t, "WARN", relocated.Level)
	assert.Equal(t, fb1, relocated.Fields["to"])
	assert.Equal(t, "relocated", relocated.Fields["action"])
	assert.Error(t, relocated.Error)

	res, err := s.o.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*framesPerStep, checkpoint.Validate(res.Path).Frames)
}

func TestAtMostOneWriteInFlight(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoSave.Interval = 1
	cfg.AutoSave.Workers = 2
	g := &guardWriter{delay: 3 * time.Millisecond}
	s := start(t, cfg, g)

	var next atomic.Int32
	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := 0; i < 25; i++ {
				if err := s.o.AddSegment(samples(0.1), int(next.Add(1)), SegmentMeta{}); err != nil {
					t.Errorf("AddSegment failed: %v", err)
				}
			}
		}()
	}
	producers.Wait()

	res, err := s.o.Finalize(context.Background())
	require.NoError(t, err)

	if g.peak.Load() != 1 {
		t.Errorf("expected exactly one write in flight at a time, saw %d", g.peak.Load())
	}
	assert.Equal(t, 100*framesPerStep, checkpoint.Validate(res.Path).Frames, "every segment written exactly once")

	evs := drain(t, s.events)
	assert.Positive(t, count(evs, events.TypeCheckpointSucceeded))
	assert.Zero(t, count(evs, events.TypeCheckpointSkipped), "held-back triggers are not skips")
}

func TestFinalizeFlushFailureSavesEmergencyCopy(t *testing.T) {
	g := &guardWriter{}
	s := start(t, testConfig(t), g)
	for n := 1; n <= 7; n++ {
		s.step(t, n)
	}
	g.setFail(func(job checkpoint.Job) error {
		return errs.E(errs.KindResourceExhaustion, "write", errors.New("too many open files"))
	})

	res, err := s.o.Finalize(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)
	require.NotEmpty(t, res.EmergencyPath)
	assert.True(t, strings.HasPrefix(filepath.Base(res.EmergencyPath), "emergency_save_"))
	assert.Equal(t, 7*framesPerStep, checkpoint.Validate(res.EmergencyPath).Frames)

	evs := drain(t, s.events)
	assert.Equal(t, 1, count(evs, events.TypeRecoveryAvailable))
}

func TestCancelPreservesPartial(t *testing.T) {
	s := start(t, testConfig(t), nil)
	for n := 1; n <= 7; n++ {
		s.step(t, n)
	}

	res, err := s.o.Cancel(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.Preserved)
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "cancelled_"))
	assert.Equal(t, 7*framesPerStep, checkpoint.Validate(res.Path).Frames)
	assert.InDelta(t, 7*segmentSeconds, res.Duration.Seconds(), 0.001)
	assert.Equal(t, PhaseCancelled, s.o.Phase())

	evs := drain(t, s.events)
	for _, ev := range evs {
		if c, ok := ev.(events.SessionCancelled); ok {
			assert.True(t, c.Preserved)
			assert.Equal(t, res.Path, c.Path)
		}
	}
	assert.Equal(t, 1, count(evs, events.TypeSessionCancelled))
	assert.Equal(t, 1, count(evs, events.TypeRecoveryAvailable))
}

func TestCancelWithoutCheckpointUsesEmergencySave(t *testing.T) {
	g := &guardWriter{}
	g.setFail(func(job checkpoint.Job) error {
		return errs.E(errs.KindPayload, "write", errors.New("bad payload"))
	})
	s := start(t, testConfig(t), g)
	for n := 1; n <= 3; n++ {
		s.step(t, n)
	}

	res, err := s.o.Cancel(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "emergency_save_"))
	assert.Equal(t, 3*framesPerStep, checkpoint.Validate(res.Path).Frames)
}

func TestCancelDiscardsSessionFiles(t *testing.T) {
	s := start(t, testConfig(t), nil)
	for n := 1; n <= 6; n++ {
		s.step(t, n)
	}
	artifact := s.o.Status().LastArtifact
	require.FileExists(t, artifact)

	res, err := s.o.Cancel(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, res.Preserved)
	assert.Positive(t, res.Cleanup.FilesRemoved)
	assert.NoFileExists(t, artifact)
}

func TestLifecycleErrors(t *testing.T) {
	o := New(testConfig(t), Options{Logger: logger.NewNopLogger()})
	assert.ErrorIs(t, o.AddSegment(samples(0.1), 1, SegmentMeta{}), ErrNotInitialized)
	_, err := o.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, o.WaitIdle(context.Background()), ErrNotInitialized)

	require.NoError(t, o.Initialize(context.Background(), t.TempDir(), checkpoint.Naming{Source: "a.txt"}))
	assert.ErrorIs(t, o.Initialize(context.Background(), t.TempDir(), checkpoint.Naming{}), ErrAlreadyInitialized)
	assert.NotEmpty(t, o.SessionID())

	require.NoError(t, o.AddSegment(samples(0.1), 1, SegmentMeta{}))
	_, err = o.Cancel(context.Background(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, o.AddSegment(samples(0.1), 2, SegmentMeta{}), ErrSessionClosed)
	_, err = o.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = o.Cancel(context.Background(), true)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRecoverFindsArtifact(t *testing.T) {
	s := start(t, testConfig(t), nil)
	for n := 1; n <= 5; n++ {
		s.step(t, n)
	}

	r := s.o.Recover(context.Background())
	require.True(t, r.Found)
	assert.Equal(t, 5*framesPerStep, r.Frames)

	var announced bool
	for _, ev := range pending(s.events) {
		if a, ok := ev.(events.RecoveryAvailable); ok {
			announced = true
			assert.Equal(t, r.Path, a.Path)
		}
	}
	assert.True(t, announced)
}

func TestAddSegmentCopiesSamples(t *testing.T) {
	s := start(t, testConfig(t), nil)

	buf := samples(0.25)
	require.NoError(t, s.o.AddSegment(buf, 1, SegmentMeta{}))
	for i := range buf {
		buf[i] = 0.9
	}

	snap := s.o.buffer.SnapshotAll()
	require.Len(t, snap.Samples, framesPerStep)
	assert.Equal(t, float32(0.25), snap.Samples[0], "caller reusing its slice must not change buffered audio")
	assert.Equal(t, float32(0.25), snap.Samples[framesPerStep-1])
}

func TestTriggerDuringWriteIsDeferredNotSkipped(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoSave.Interval = 1
	g := &guardWriter{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	g.setFail(func(job checkpoint.Job) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	s := start(t, cfg, g)

	require.NoError(t, s.o.AddSegment(samples(0.1), 1, SegmentMeta{}))
	<-entered
	require.NoError(t, s.o.AddSegment(samples(0.1), 2, SegmentMeta{}))
	require.NoError(t, s.o.AddSegment(samples(0.1), 3, SegmentMeta{}))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.o.WaitIdle(ctx))

	assert.Equal(t, 2.0, testutil.ToFloat64(s.o.metrics.TriggersDeferred.WithLabelValues("write_in_flight")))
	assert.Zero(t, testutil.ToFloat64(s.o.metrics.CheckpointWrites.WithLabelValues("skipped")))

	// the held-back audio rides along with the next checkpoint
	s.step(t, 4)
	assert.Equal(t, []int{1, 4}, g.writtenSteps())

	res, err := s.o.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4*framesPerStep, checkpoint.Validate(res.Path).Frames)

	evs := drain(t, s.events)
	assert.Zero(t, count(evs, events.TypeCheckpointSkipped))
	assert.Equal(t, 2, count(evs, events.TypeCheckpointSucceeded))
}

func TestFinalizeRacingProducersKeepsAcceptedSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoSave.Interval = 1
	s := start(t, cfg, &guardWriter{delay: time.Millisecond})

	var next, accepted atomic.Int32
	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := 0; i < 200; i++ {
				err := s.o.AddSegment(samples(0.1), int(next.Add(1)), SegmentMeta{})
				if errors.Is(err, ErrSessionClosed) {
					return
				}
				if err != nil {
					t.Errorf("AddSegment failed: %v", err)
					return
				}
				accepted.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return accepted.Load() >= 20 }, 5*time.Second, time.Millisecond)
	res, err := s.o.Finalize(context.Background())
	producers.Wait()
	require.NoError(t, err)

	assert.Equal(t, int(accepted.Load())*framesPerStep, checkpoint.Validate(res.Path).Frames,
		"every accepted segment reaches the final artifact")
}

func TestFinalizeFromFallbackCopyWhenArtifactCorrupt(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoSave.BackupEnabled = false
	fb1 := cfg.AutoSave.FallbackLocations[0]
	s := start(t, cfg, nil)
	for n := 1; n <= 10; n++ {
		s.step(t, n)
	}

	artifact := s.o.Status().LastArtifact
	name := s.writer.State().Name
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(fb1, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fb1, checkpoint.FallbackName(name, time.Now())), data, 0644))
	require.NoError(t, os.WriteFile(artifact, []byte("not a wav file"), 0644))

	res, err := s.o.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.dest, name), res.Path, "recovered audio lands under the session name")
	v := checkpoint.Validate(res.Path)
	require.True(t, v.Valid, "final artifact invalid: %v", v.Err)
	assert.Equal(t, 10*framesPerStep, v.Frames)
	assert.NoFileExists(t, artifact)

	evs := drain(t, s.events)
	var recovered bool
	for _, ev := range evs {
		if w, ok := ev.(events.Warning); ok && w.Code == "finalized_from_recovery" {
			recovered = true
		}
	}
	assert.True(t, recovered)
	assert.Equal(t, 1, count(evs, events.TypeSessionFinalized))
	assert.Zero(t, count(evs, events.TypeRecoveryAvailable))
}
