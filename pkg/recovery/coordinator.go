package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"autosave/pkg/checkpoint"
	"autosave/pkg/config"
	errs "autosave/pkg/errors"
	"autosave/pkg/logger"
	"autosave/pkg/retry"
)

// payloadRetryLimit is the failure streak length up to which a payload
// error is still worth one more attempt
const payloadRetryLimit = 2

// Strategy is the action taken after a failed checkpoint
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyRelocate Strategy = "relocate"
	StrategySkip     Strategy = "skip"
)

// WriteFunc re-runs a checkpoint write. attempt is 1-based.
type WriteFunc func(ctx context.Context, attempt int) (checkpoint.Result, error)

// Record is one entry of the failure history
type Record struct {
	At        time.Time
	JobID     string
	Step      int
	Kind      errs.Kind
	Strategy  Strategy
	Attempts  int
	Recovered bool
	Err       error
}

// Outcome is what HandleFailure did about one failed checkpoint
type Outcome struct {
	Record Record
	// Result is the final write result; a successful retry carries OutcomeRecovered
	Result checkpoint.Result
	Trace  retry.Trace
	// ModeChanged is set when this failure entered recovery mode
	ModeChanged bool
}

// Stats summarizes the failure history
type Stats struct {
	TotalFailures       int
	Recovered           int
	ConsecutiveFailures int
	RecoveryMode        bool
	ByKind              map[errs.Kind]int
}

// SuccessRate is the share of failures that were recovered
func (s Stats) SuccessRate() float64 {
	if s.TotalFailures == 0 {
		return 0
	}
	return float64(s.Recovered) / float64(s.TotalFailures)
}

// Coordinator turns failed checkpoints into retries, relocations or skips
// and tracks the session's failure streak. After RecoveryModeThreshold
// consecutive failures it holds the session in recovery mode until the next
// successful checkpoint.
type Coordinator struct {
	cfg     config.RecoveryConfig
	backoff *retry.KindBackoff
	logger  logger.Logger
	sleep   retry.SleepFunc
	now     func() time.Time

	mu           sync.Mutex
	consecutive  int
	recoveryMode bool
	history      []Record
	total        int
	recovered    int
	byKind       map[errs.Kind]int
}

// New creates a coordinator
func New(cfg config.RecoveryConfig, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RecoveryModeThreshold <= 0 {
		cfg.RecoveryModeThreshold = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	base := &retry.ExponentialBackoff{
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
	}
	return &Coordinator{
		cfg:     cfg,
		backoff: retry.NewKindBackoff(base),
		logger:  log.WithField("component", "recovery"),
		sleep:   retry.Wait,
		now:     time.Now,
		byKind:  make(map[errs.Kind]int),
	}
}

// SetSleep replaces the backoff sleep, for tests and simulations
func (c *Coordinator) SetSleep(sleep retry.SleepFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleep = sleep
}

// Classify maps a failure to its probable cause
func (c *Coordinator) Classify(err error) errs.Kind {
	return errs.Classify(err)
}

// SelectStrategy picks the action for a failure of kind, given the failure
// streak including this failure
func SelectStrategy(kind errs.Kind, consecutive int) Strategy {
	switch kind {
	case errs.KindSpace, errs.KindPermission:
		return StrategyRelocate
	case errs.KindTransientFS, errs.KindTransientNet:
		return StrategyRetry
	case errs.KindPayload:
		if consecutive < payloadRetryLimit {
			return StrategyRetry
		}
		return StrategySkip
	default:
		return StrategySkip
	}
}

// Retry runs op up to maxAttempts times, sleeping the kind's backoff delay
// before each attempt. The trace lists every attempt with its delay.
func (c *Coordinator) Retry(ctx context.Context, kind errs.Kind, maxAttempts int, op retry.Operation) (retry.Trace, error) {
	c.mu.Lock()
	sleep := c.sleep
	c.mu.Unlock()

	return retry.Do(ctx, op, &retry.Config{
		MaxAttempts: maxAttempts,
		Backoff:     c.backoff.For(kind),
		DelayFirst:  true,
		RetryIf: func(err error) bool {
			return !errors.Is(err, context.Canceled) && errs.IsRetryable(errs.Classify(err))
		},
		Sleep:  sleep,
		Logger: c.logger,
	})
}

// HandleFailure records a failed checkpoint and carries out the selected
// strategy using write. It never returns an error; the outcome says whether
// the checkpoint was recovered.
func (c *Coordinator) HandleFailure(ctx context.Context, failed checkpoint.Result, cause error, write WriteFunc) Outcome {
	kind := failed.Kind
	if kind == "" || kind == errs.KindUnknown {
		kind = errs.Classify(cause)
	}

	c.mu.Lock()
	c.consecutive++
	streak := c.consecutive
	c.mu.Unlock()

	strategy := SelectStrategy(kind, streak)
	out := Outcome{
		Result: failed,
		Record: Record{
			At:       c.now(),
			JobID:    failed.JobID,
			Step:     failed.Step,
			Kind:     kind,
			Strategy: strategy,
			Err:      cause,
		},
	}

	var result checkpoint.Result
	var err error
	switch strategy {
	case StrategyRetry:
		attempts := c.cfg.MaxAttempts
		if kind == errs.KindPayload {
			attempts = 1
		}
		out.Trace, err = c.Retry(ctx, kind, attempts, func(ctx context.Context, attempt int) error {
			var werr error
			result, werr = write(ctx, attempt)
			return werr
		})
		out.Record.Attempts = len(out.Trace)
	case StrategyRelocate:
		// the writer walks the fallback roots itself; one more pass picks
		// up any location that became usable
		result, err = write(ctx, 1)
		out.Record.Attempts = 1
	case StrategySkip:
		err = cause
	}

	switch {
	case strategy == StrategySkip:
		out.Result.Outcome = checkpoint.OutcomeSkipped
	case err == nil:
		result.Outcome = checkpoint.OutcomeRecovered
		out.Result = result
		out.Record.Recovered = true
	default:
		if result.Err != nil {
			out.Result = result
		}
		out.Result.Outcome = checkpoint.OutcomeFailed
		out.Record.Err = err
	}

	c.mu.Lock()
	c.total++
	c.byKind[kind]++
	if out.Record.Recovered {
		c.recovered++
		c.consecutive = 0
	}
	c.history = append(c.history, out.Record)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]Record(nil), c.history[over:]...)
	}
	if !c.recoveryMode && c.consecutive >= c.cfg.RecoveryModeThreshold {
		c.recoveryMode = true
		out.ModeChanged = true
	}
	streak = c.consecutive
	c.mu.Unlock()

	logger.LogRecovery(c.logger, string(kind), string(strategy), streak, out.Record.Recovered)
	if out.ModeChanged {
		c.logger.WarnWithFields("Entering recovery mode", map[string]interface{}{
			"consecutive_failures": streak,
		})
	}
	return out
}

// RecordSuccess resets the failure streak. It reports whether this success
// ended recovery mode.
func (c *Coordinator) RecordSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	if !c.recoveryMode {
		return false
	}
	c.recoveryMode = false
	c.logger.Info("Exited recovery mode, checkpoints restored")
	return true
}

// InRecoveryMode reports whether the session is in recovery mode
func (c *Coordinator) InRecoveryMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryMode
}

// ConsecutiveFailures returns the current failure streak
func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}

// History returns the retained failure records, oldest first
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.history...)
}

// Stats summarizes failures since the last Reset
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKind := make(map[errs.Kind]int, len(c.byKind))
	for k, v := range c.byKind {
		byKind[k] = v
	}
	return Stats{
		TotalFailures:       c.total,
		Recovered:           c.recovered,
		ConsecutiveFailures: c.consecutive,
		RecoveryMode:        c.recoveryMode,
		ByKind:              byKind,
	}
}

// Reset clears all failure state for a new session
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	c.recoveryMode = false
	c.history = nil
	c.total = 0
	c.recovered = 0
	c.byKind = make(map[errs.Kind]int)
}
