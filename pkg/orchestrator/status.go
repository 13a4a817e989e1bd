package orchestrator

import (
	"fmt"
	"time"

	"autosave/pkg/buffer"
	"autosave/pkg/checkpoint"
	"autosave/pkg/monitor"
)

// Status is a point-in-time view of a session
type Status struct {
	SessionID           string
	Phase               Phase
	Enabled             bool
	CurrentStep         int
	LastCheckpointStep  int
	NextCheckpointStep  int
	StepsUntilNext      int
	Interval            int
	BaseInterval        int
	Adaptive            bool
	ConsecutiveFailures int
	AverageWriteTime    time.Duration
	// LastResult is nil until the first checkpoint completes
	LastResult   *checkpoint.Result
	LastArtifact string
	Saved        time.Duration
	FallbackUsed bool
	RecoveryMode bool
	// Warning is set while recovery mode lasts
	Warning      string
	Buffer       buffer.Stats
	Load         monitor.Sample
	HasLoad      bool
	WritePending bool
}

// Status returns the session's current state
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		SessionID:    o.sessionID,
		Phase:        o.phase,
		Enabled:      o.cfg.AutoSave.Enabled,
		CurrentStep:  o.currentStep,
		LastArtifact: o.lastArtifact,
		Saved:        o.saved,
		FallbackUsed: o.fallbackUsed,
	}
	if o.lastResult != nil {
		r := *o.lastResult
		st.LastResult = &r
	}
	sched, coord, mon := o.scheduler, o.coordinator, o.monitor
	o.mu.Unlock()

	st.Buffer = o.buffer.Stats()
	st.WritePending = o.pending.Load()

	if sched != nil {
		s := sched.State()
		st.LastCheckpointStep = s.LastCheckpointStep
		st.NextCheckpointStep = s.NextCheckpointStep
		st.StepsUntilNext = s.StepsUntilNext
		st.Interval = s.Interval
		st.BaseInterval = s.BaseInterval
		st.Adaptive = s.Adaptive
		st.AverageWriteTime = s.AverageWriteTime
		st.ConsecutiveFailures = s.ConsecutiveFailures
	}
	if coord != nil && coord.InRecoveryMode() {
		st.RecoveryMode = true
		st.Warning = fmt.Sprintf(recoveryWarning, st.LastCheckpointStep)
	}
	if mon != nil {
		st.Load, st.HasLoad = mon.Latest()
	}
	return st
}
