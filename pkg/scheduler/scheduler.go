package scheduler

import (
	"sync"
	"time"

	"autosave/pkg/config"
	"autosave/pkg/logger"
)

// minFastSamples is how many recorded writes must exist before fast writes
// may shorten the interval
const minFastSamples = 3

// LoadSource reports host load
type LoadSource interface {
	IsUnderLoad() bool
	LoadFactor() float64
}

// Reason explains an interval change
type Reason string

const (
	ReasonFailures  Reason = "consecutive_failures"
	ReasonLoad      Reason = "high_load"
	ReasonFastWrite Reason = "fast_writes"
	ReasonReset     Reason = "reset"
)

// Change describes one adjustment of the adaptive interval
type Change struct {
	From   int
	To     int
	Reason Reason
}

// State is a point-in-time view of the schedule
type State struct {
	Enabled             bool
	Adaptive            bool
	BaseInterval        int
	Interval            int
	MinInterval         int
	MaxInterval         int
	CurrentStep         int
	LastCheckpointStep  int
	NextCheckpointStep  int
	StepsUntilNext      int
	ConsecutiveFailures int
	AverageWriteTime    time.Duration
	WriteSamples        int
	LoadSuppressions    int
}

// Scheduler decides at which steps a checkpoint should fire. It owns the
// adaptive interval: failure streaks and high load widen it, sustained fast
// writes on an idle host narrow it back towards the base interval.
type Scheduler struct {
	cfg    config.AutoSaveConfig
	load   LoadSource
	logger logger.Logger
	now    func() time.Time

	mu                 sync.Mutex
	interval           int
	currentStep        int
	lastCheckpointStep int
	lastCheckedStep    int
	failures           int
	durations          []time.Duration
	lastLoadCheck      time.Time
	suppressions       int
	onChange           func(Change)
}

// New creates a scheduler. load may be nil, in which case load never
// suppresses a checkpoint.
func New(cfg config.AutoSaveConfig, load LoadSource, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = config.MinIntervalSteps
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = config.MaxIntervalSteps
	}
	if cfg.IntervalBackoffStep <= 0 {
		cfg.IntervalBackoffStep = 1
	}
	if cfg.WriteSampleWindow <= 0 {
		cfg.WriteSampleWindow = 10
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	cfg.Interval = clamp(cfg.Interval, cfg.MinInterval, cfg.MaxInterval)

	return &Scheduler{
		cfg:      cfg,
		load:     load,
		logger:   log.WithField("component", "scheduler"),
		now:      time.Now,
		interval: cfg.Interval,
	}
}

// OnIntervalChange registers fn to be called after every interval change.
// fn runs with the scheduler lock released.
func (s *Scheduler) OnIntervalChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// effectiveInterval returns the interval in force. The caller holds s.mu.
func (s *Scheduler) effectiveInterval() int {
	if s.cfg.Adaptive {
		return s.interval
	}
	return s.cfg.Interval
}

// setInterval moves the adaptive interval and returns the change to report.
// The caller holds s.mu.
func (s *Scheduler) setInterval(to int, reason Reason) *Change {
	to = clamp(to, s.cfg.Interval, s.cfg.MaxInterval)
	if to == s.interval {
		return nil
	}
	c := &Change{From: s.interval, To: to, Reason: reason}
	s.interval = to
	s.logger.InfoWithFields("Checkpoint interval adjusted", map[string]interface{}{
		"from":   c.From,
		"to":     c.To,
		"reason": string(reason),
	})
	return c
}

func (s *Scheduler) notify(c *Change, fn func(Change)) {
	if c != nil && fn != nil {
		fn(*c)
	}
}

// UpdateStep records the generation step without asking for a decision
func (s *Scheduler) UpdateStep(step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step > s.currentStep {
		s.currentStep = step
	}
}

// ShouldCheckpoint reports whether a checkpoint should fire at step. Each
// step is decided once; asking again about an old step returns false.
func (s *Scheduler) ShouldCheckpoint(step int) bool {
	s.mu.Lock()
	if !s.cfg.Enabled || step <= 0 || step <= s.lastCheckedStep {
		s.mu.Unlock()
		return false
	}
	s.lastCheckedStep = step
	if step > s.currentStep {
		s.currentStep = step
	}

	if step-s.lastCheckpointStep < s.effectiveInterval() {
		s.mu.Unlock()
		return false
	}
	if !s.cfg.Adaptive || s.load == nil {
		s.mu.Unlock()
		return true
	}

	// consult the monitor at most once per debounce window
	now := s.now()
	if !s.lastLoadCheck.IsZero() && now.Sub(s.lastLoadCheck) < s.cfg.LoadCheckDebounce {
		s.mu.Unlock()
		return true
	}
	s.lastLoadCheck = now
	if !s.load.IsUnderLoad() {
		s.mu.Unlock()
		return true
	}

	s.suppressions++
	var change *Change
	if factor := s.load.LoadFactor(); factor > s.cfg.LoadBackoffFactor {
		change = s.setInterval(s.interval+s.cfg.IntervalBackoffStep, ReasonLoad)
	}
	s.logger.DebugWithFields("Checkpoint held off under load", map[string]interface{}{
		"step":     step,
		"interval": s.interval,
	})
	fn := s.onChange
	s.mu.Unlock()

	s.notify(change, fn)
	return false
}

// OnSuccess records a durable checkpoint taken at step
func (s *Scheduler) OnSuccess(step int, took time.Duration) {
	s.mu.Lock()
	s.failures = 0
	if step > s.lastCheckpointStep {
		s.lastCheckpointStep = step
	}
	s.durations = append(s.durations, took)
	if over := len(s.durations) - s.cfg.WriteSampleWindow; over > 0 {
		s.durations = append([]time.Duration(nil), s.durations[over:]...)
	}

	var change *Change
	if s.cfg.Adaptive && len(s.durations) >= minFastSamples &&
		s.averageLocked() < s.cfg.FastWriteThreshold && !s.underLoad() {
		change = s.setInterval(s.interval-1, ReasonFastWrite)
	}
	fn := s.onChange
	s.mu.Unlock()

	s.notify(change, fn)
}

// OnFailure records a failed checkpoint. Once the failure streak reaches
// the configured maximum every further failure widens the interval.
func (s *Scheduler) OnFailure() {
	s.mu.Lock()
	s.failures++

	var change *Change
	if s.failures >= s.cfg.MaxConsecutiveFailures {
		change = s.setInterval(s.interval+s.cfg.IntervalBackoffStep, ReasonFailures)
		if change == nil {
			s.logger.WarnWithFields("Checkpoint failures continue at maximum interval", map[string]interface{}{
				"failures": s.failures,
				"interval": s.interval,
			})
		}
	}
	fn := s.onChange
	s.mu.Unlock()

	s.notify(change, fn)
}

func (s *Scheduler) underLoad() bool {
	return s.load != nil && s.load.IsUnderLoad()
}

func (s *Scheduler) averageLocked() time.Duration {
	if len(s.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	return sum / time.Duration(len(s.durations))
}

// NextCheckpointStep returns the step at which the next checkpoint is due
func (s *Scheduler) NextCheckpointStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckpointStep + s.effectiveInterval()
}

// Interval returns the interval currently in force
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveInterval()
}

// ConsecutiveFailures returns the current failure streak
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastCheckpointStep returns the step of the last durable checkpoint
func (s *Scheduler) LastCheckpointStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckpointStep
}

// State returns a snapshot of the schedule
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.lastCheckpointStep + s.effectiveInterval()
	return State{
		Enabled:             s.cfg.Enabled,
		Adaptive:            s.cfg.Adaptive,
		BaseInterval:        s.cfg.Interval,
		Interval:            s.effectiveInterval(),
		MinInterval:         s.cfg.MinInterval,
		MaxInterval:         s.cfg.MaxInterval,
		CurrentStep:         s.currentStep,
		LastCheckpointStep:  s.lastCheckpointStep,
		NextCheckpointStep:  next,
		StepsUntilNext:      max(0, next-s.currentStep),
		ConsecutiveFailures: s.failures,
		AverageWriteTime:    s.averageLocked(),
		WriteSamples:        len(s.durations),
		LoadSuppressions:    s.suppressions,
	}
}

// Reset returns the schedule to its initial state for a new session
func (s *Scheduler) Reset() {
	s.mu.Lock()
	change := s.setInterval(s.cfg.Interval, ReasonReset)
	s.currentStep = 0
	s.lastCheckpointStep = 0
	s.lastCheckedStep = 0
	s.failures = 0
	s.durations = nil
	s.lastLoadCheck = time.Time{}
	s.suppressions = 0
	fn := s.onChange
	s.mu.Unlock()

	s.notify(change, fn)
}
