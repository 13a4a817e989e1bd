package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"autosave/internal/workerpool"
	"autosave/pkg/buffer"
	"autosave/pkg/checkpoint"
	"autosave/pkg/config"
	"autosave/pkg/events"
	"autosave/pkg/logger"
	"autosave/pkg/metrics"
	"autosave/pkg/mirror"
	"autosave/pkg/monitor"
	"autosave/pkg/recovery"
	"autosave/pkg/retry"
	"autosave/pkg/scheduler"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotInitialized is returned before Initialize has been called
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrSessionClosed is returned once the session was finalized or cancelled
	ErrSessionClosed = errors.New("session is closed")
)

// Phase is the lifecycle position of a session
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseFinalizing
	PhaseFinalized
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseFinalized:
		return "finalized"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ArtifactWriter is the durable side of a session
type ArtifactWriter interface {
	Write(ctx context.Context, job checkpoint.Job) (checkpoint.Result, error)
	Finalize(ctx context.Context, destDir string) (string, error)
	FinalizeFrom(ctx context.Context, src, destDir string) (string, error)
	EmergencySave(ctx context.Context, snap buffer.Snapshot) (string, error)
	PreserveCancelled() (string, error)
	Cleanup(preserve bool) checkpoint.CleanupSummary
	Locator() checkpoint.Locator
	State() checkpoint.State
	Close()
}

// WriterFactory creates the session's writer
type WriterFactory func(cfg checkpoint.Config, log logger.Logger) (ArtifactWriter, error)

// DefaultWriterFactory creates a checkpoint.Writer
func DefaultWriterFactory(cfg checkpoint.Config, log logger.Logger) (ArtifactWriter, error) {
	return checkpoint.NewWriter(cfg, log)
}

// Options carries the collaborators a session may override. The zero value
// uses the host sampler, an unexported metrics set, and real sleeps.
type Options struct {
	Logger     logger.Logger
	Sampler    monitor.Sampler
	Registerer prometheus.Registerer
	Uploader   mirror.Uploader
	NewWriter  WriterFactory
	// Sleep replaces the retry backoff sleep
	Sleep retry.SleepFunc
	// EventWindow debounces warning and progress events; zero means 5s
	EventWindow time.Duration
}

// SegmentMeta describes a generated segment
type SegmentMeta struct {
	Channels       int
	SampleRate     int
	Text           string
	GenerationTime time.Duration
}

// Orchestrator drives one checkpointed generation session. The producer
// calls AddSegment for every generated segment; checkpoints run on a
// background worker and never block the producer.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	logger logger.Logger

	buffer      *buffer.Buffer
	monitor     *monitor.Monitor
	scheduler   *scheduler.Scheduler
	coordinator *recovery.Coordinator
	bus         *events.Bus
	metrics     *metrics.Metrics
	mirror      *mirror.Mirror
	writer      ArtifactWriter
	pool        *workerpool.WorkerPool

	collectorDone chan struct{}
	monitorCtx    context.Context
	stopMonitor   context.CancelFunc

	// addMu serializes producers so segment indices stay contiguous
	addMu sync.Mutex
	// pending is set while a checkpoint job is queued or running
	pending atomic.Bool

	mu           sync.Mutex
	phase        Phase
	sessionID    string
	destDir      string
	naming       checkpoint.Naming
	durableIndex int
	currentStep  int
	lastResult   *checkpoint.Result
	lastArtifact string
	saved        time.Duration
	fallbackUsed bool
	dropped      int64
}

// New creates an idle session. Call Initialize before adding segments.
func New(cfg *config.Config, opts Options) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	if opts.NewWriter == nil {
		opts.NewWriter = DefaultWriterFactory
	}
	if opts.EventWindow <= 0 {
		opts.EventWindow = 5 * time.Second
	}
	o := &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger.WithField("component", "orchestrator"),
		buffer:  buffer.New(),
		metrics: metrics.New(opts.Registerer),
	}
	o.bus = events.NewBus("", opts.EventWindow, opts.Logger)
	return o
}

// Initialize starts a session whose final artifact will land in destDir
// under a name derived from naming at the first checkpoint
func (o *Orchestrator) Initialize(ctx context.Context, destDir string, naming checkpoint.Naming) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseIdle {
		return ErrAlreadyInitialized
	}

	o.sessionID = uuid.NewString()
	o.destDir = destDir
	o.naming = naming
	o.bus = events.NewBus(o.sessionID, o.opts.EventWindow, o.opts.Logger)
	o.logger = o.opts.Logger.WithFields(map[string]interface{}{
		"component":  "orchestrator",
		"session_id": o.sessionID,
	})

	writer, err := o.opts.NewWriter(checkpoint.ConfigFrom(o.cfg, naming, o.sessionID), o.opts.Logger)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint writer: %w", err)
	}
	o.writer = writer

	o.coordinator = recovery.New(o.cfg.Recovery, o.opts.Logger)
	if o.opts.Sleep != nil {
		o.coordinator.SetSleep(o.opts.Sleep)
	}

	var load scheduler.LoadSource
	o.monitorCtx, o.stopMonitor = context.WithCancel(ctx)
	if o.cfg.AutoSave.Enabled && o.cfg.AutoSave.Adaptive {
		o.monitor = monitor.New(o.cfg.Monitor, o.opts.Sampler, o.opts.Logger)
		o.monitor.Start(o.monitorCtx)
		load = o.monitor
	}

	o.scheduler = scheduler.New(o.cfg.AutoSave, load, o.opts.Logger)
	o.scheduler.OnIntervalChange(o.onIntervalChange)
	o.metrics.SetInterval(o.scheduler.Interval())

	if o.cfg.Mirror.Enabled {
		o.setupMirror(ctx)
	}

	o.pool = workerpool.NewWorkerPool(o.cfg.AutoSave.Workers, 1, workerpool.ProcessorFunc(o.process), o.opts.Logger)
	o.pool.Start()
	o.collectorDone = make(chan struct{})
	go o.collect(o.pool.Results(), o.collectorDone)

	o.phase = PhaseActive
	logger.LogComponentStart(o.logger, "orchestrator", map[string]interface{}{
		"dest":     destDir,
		"interval": o.scheduler.Interval(),
		"adaptive": o.cfg.AutoSave.Adaptive,
		"workers":  o.cfg.AutoSave.Workers,
	})
	return nil
}

func (o *Orchestrator) setupMirror(ctx context.Context) {
	uploader := o.opts.Uploader
	if uploader == nil {
		s3, err := mirror.NewS3Uploader(ctx, o.cfg.Mirror, o.opts.Logger, nil)
		if err != nil {
			o.logger.WithError(err).Warn("Mirror disabled")
			o.bus.Publish(events.Warning{Code: "mirror_unavailable", Message: err.Error()})
			return
		}
		uploader = s3
	}
	o.mirror = mirror.New(uploader, o.coordinator, o.cfg.Recovery.MaxAttempts, o.opts.Logger)
}

func (o *Orchestrator) onIntervalChange(c scheduler.Change) {
	o.metrics.SetInterval(c.To)
	o.bus.Publish(events.IntervalChanged{
		Header: events.Header{Step: o.step()},
		From:   c.From,
		To:     c.To,
		Reason: string(c.Reason),
	})
}

func (o *Orchestrator) step() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStep
}

// Subscribe returns a channel of session events and a cancel function.
// The channel closes when the session ends.
func (o *Orchestrator) Subscribe(buffer int) (<-chan events.Event, func()) {
	o.mu.Lock()
	bus := o.bus
	o.mu.Unlock()
	return bus.Subscribe(buffer)
}

// SessionID returns the id assigned by Initialize
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// AddSegment buffers one generated segment and, when a checkpoint is due
// and no write is in flight, hands the not yet durable audio to a worker.
// It never waits for disk I/O.
func (o *Orchestrator) AddSegment(samples []float32, step int, meta SegmentMeta) error {
	// held across the phase check so begin cannot close the session
	// between the check and the buffer append
	o.addMu.Lock()
	o.mu.Lock()
	switch o.phase {
	case PhaseIdle:
		o.mu.Unlock()
		o.addMu.Unlock()
		return ErrNotInitialized
	case PhaseActive:
	default:
		o.mu.Unlock()
		o.addMu.Unlock()
		return ErrSessionClosed
	}
	if step > o.currentStep {
		o.currentStep = step
	}
	o.mu.Unlock()

	if meta.Channels <= 0 {
		meta.Channels = o.cfg.Audio.Channels
	}
	if meta.SampleRate <= 0 {
		meta.SampleRate = o.cfg.Audio.SampleRate
	}

	index := o.buffer.NextIndex()
	err := o.buffer.Add(buffer.Segment{
		Index:          index,
		Step:           step,
		Samples:        slices.Clone(samples),
		Channels:       meta.Channels,
		SampleRate:     meta.SampleRate,
		Text:           meta.Text,
		GenerationTime: meta.GenerationTime,
	})
	o.addMu.Unlock()
	if err != nil {
		return err
	}

	stats := o.buffer.Stats()
	o.metrics.SetBuffer(stats.Segments, stats.Bytes)

	if !o.scheduler.ShouldCheckpoint(step) {
		o.bus.Publish(events.Progress{
			Header:             events.Header{Step: step},
			NextCheckpointStep: o.scheduler.NextCheckpointStep(),
			Saved:              o.savedDuration(),
			BufferedSegments:   stats.Segments,
		})
		return nil
	}
	o.trigger(step, index)
	return nil
}

// trigger submits a checkpoint covering every segment up to through
func (o *Orchestrator) trigger(step, through int) {
	if !o.pending.CompareAndSwap(false, true) {
		o.deferTrigger(step, "write_in_flight")
		return
	}

	o.mu.Lock()
	from := o.durableIndex
	o.mu.Unlock()

	snap := o.buffer.Snapshot(from, through)
	if snap.Empty() {
		o.pending.Store(false)
		o.logger.DebugWithFields("Nothing new to checkpoint", map[string]interface{}{
			"step": step,
		})
		return
	}

	if err := o.pool.Submit(workerpool.NewJob(step, snap, false)); err != nil {
		o.pending.Store(false)
		o.logger.WithError(err).Debug("Checkpoint not submitted")
		o.deferTrigger(step, "submit_rejected")
	}
}

func (o *Orchestrator) deferTrigger(step int, reason string) {
	o.logger.DebugWithFields("Checkpoint trigger deferred", map[string]interface{}{
		"step":   step,
		"reason": reason,
	})
	o.metrics.ObserveDeferred(reason)
	o.bus.Publish(events.Progress{
		Header:             events.Header{Step: step},
		NextCheckpointStep: o.scheduler.NextCheckpointStep(),
		Saved:              o.savedDuration(),
		BufferedSegments:   o.buffer.Stats().Segments,
	})
}

// WaitIdle blocks until no checkpoint is queued or running
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()
	if pool == nil {
		return ErrNotInitialized
	}
	return pool.WaitIdle(ctx)
}

// Recover searches the session's locations for the best playable audio and
// announces it
func (o *Orchestrator) Recover(ctx context.Context) recovery.Recovered {
	o.mu.Lock()
	writer, coord := o.writer, o.coordinator
	o.mu.Unlock()
	if writer == nil || coord == nil {
		return recovery.Recovered{Source: recovery.SourceNone}
	}

	r := coord.RecoverPartial(ctx, writer.Locator())
	o.bus.Publish(events.RecoveryAvailable{
		Header:      events.Header{Step: o.step()},
		Path:        r.Path,
		Duration:    r.Duration,
		Suggestions: r.Suggestions,
	})
	return r
}

func (o *Orchestrator) savedDuration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saved
}
