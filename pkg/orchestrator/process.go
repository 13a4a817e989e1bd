package orchestrator

import (
	"context"
	"fmt"

	"autosave/pkg/checkpoint"
	"autosave/pkg/events"
	"autosave/pkg/logger"
	"autosave/pkg/recovery"
)

// recoveryWarning is shown on every checkpoint attempt while recovery mode lasts
const recoveryWarning = "checkpoints keep failing; audio generated since step %d is not saved yet"

// process runs one checkpoint job on a worker: write, recover on failure,
// then record the outcome. Session state is updated before the pending
// flag clears so the next trigger never re-sends durable audio.
func (o *Orchestrator) process(ctx context.Context, job checkpoint.Job) checkpoint.Result {
	defer o.pending.Store(false)
	return o.checkpoint(ctx, job)
}

// checkpoint writes job and applies every consequence of the outcome
func (o *Orchestrator) checkpoint(ctx context.Context, job checkpoint.Job) checkpoint.Result {
	if o.coordinator.InRecoveryMode() {
		o.warnRecoveryMode(job.Step)
	}

	res, err := o.writer.Write(ctx, job)
	if err != nil {
		out := o.coordinator.HandleFailure(ctx, res, err, func(ctx context.Context, attempt int) (checkpoint.Result, error) {
			return o.writer.Write(ctx, job)
		})
		o.metrics.ObserveRecovery(string(out.Record.Strategy), string(out.Record.Kind))
		res = out.Result
		res.JobID, res.Step = job.ID, job.Step
		if res.Kind == "" {
			res.Kind = out.Record.Kind
		}
		if res.Err == nil && !res.Outcome.Durable() {
			res.Err = err
		}

		if !res.Outcome.Durable() {
			o.bus.Publish(o.failureEvent(job, res, out.Record.Strategy, out.Record.Attempts))
		}
		if out.ModeChanged {
			o.metrics.SetRecoveryMode(true)
			o.bus.Publish(events.RecoveryModeEntered{
				Header:              events.Header{Step: job.Step},
				ConsecutiveFailures: o.coordinator.ConsecutiveFailures(),
			})
			o.warnRecoveryMode(job.Step)
		}
	}

	if res.Outcome.Durable() {
		o.markDurable(job, res)
	} else {
		o.scheduler.OnFailure()
		o.recordLast(res)
	}
	if o.monitor != nil {
		o.metrics.SetLoadFactor(o.monitor.LoadFactor())
	}
	return res
}

func (o *Orchestrator) failureEvent(job checkpoint.Job, res checkpoint.Result, strategy recovery.Strategy, attempts int) events.Event {
	h := events.Header{Step: job.Step}
	if res.Outcome == checkpoint.OutcomeSkipped {
		return events.CheckpointSkipped{Header: h, Reason: fmt.Sprintf("%s: %v", res.Kind, res.Err)}
	}
	return events.CheckpointFailed{
		Header:              h,
		Kind:                res.Kind,
		Strategy:            string(strategy),
		Attempts:            attempts,
		ConsecutiveFailures: o.coordinator.ConsecutiveFailures(),
		Err:                 res.Err,
	}
}

// markDurable advances the durable index past the job's segments, evicts
// them from memory and credits the scheduler
func (o *Orchestrator) markDurable(job checkpoint.Job, res checkpoint.Result) {
	o.mu.Lock()
	if next := job.Snapshot.ToIndex + 1; next > o.durableIndex {
		o.durableIndex = next
	}
	o.lastArtifact = res.Path
	o.saved = res.Duration
	o.fallbackUsed = o.fallbackUsed || res.FallbackUsed
	o.lastResult = &res
	o.mu.Unlock()

	o.buffer.EvictThrough(job.Snapshot.ToIndex - o.cfg.AutoSave.KeepLastSegments)
	stats := o.buffer.Stats()
	o.metrics.SetBuffer(stats.Segments, stats.Bytes)

	o.scheduler.OnSuccess(job.Step, res.WriteTime)
	if o.coordinator.RecordSuccess() {
		o.metrics.SetRecoveryMode(false)
		o.bus.Publish(events.RecoveryModeExited{Header: events.Header{Step: job.Step}})
	}

	for _, w := range res.Warnings {
		o.bus.Publish(events.Warning{Header: events.Header{Step: job.Step}, Code: "checkpoint_audio", Message: w})
	}
	if res.Relocated {
		o.bus.Publish(events.Warning{
			Header:  events.Header{Step: job.Step},
			Code:    "fallback_location",
			Message: "checkpoints moved to fallback location " + res.Path,
		})
	}
	o.bus.Publish(events.CheckpointSucceeded{
		Header:       events.Header{Step: job.Step},
		Path:         res.Path,
		Saved:        res.Duration,
		WriteTime:    res.WriteTime,
		FallbackUsed: res.FallbackUsed,
		Recovered:    res.Outcome == checkpoint.OutcomeRecovered,
	})
}

func (o *Orchestrator) recordLast(res checkpoint.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastResult = &res
}

func (o *Orchestrator) warnRecoveryMode(step int) {
	o.bus.Publish(events.Warning{
		Header:     events.Header{Step: step},
		Code:       "recovery_mode",
		Message:    fmt.Sprintf(recoveryWarning, o.scheduler.LastCheckpointStep()),
		Persistent: true,
	})
}

// collect drains worker results into logs and metrics
func (o *Orchestrator) collect(results <-chan checkpoint.Result, done chan struct{}) {
	defer close(done)
	for r := range results {
		o.observe(r)
	}
}

func (o *Orchestrator) observe(r checkpoint.Result) {
	logger.LogCheckpoint(o.logger, r.JobID, r.Step, r.Path, r.Duration, r.Err)
	o.metrics.ObserveWrite(r.Outcome.String(), r.WriteTime, r.Outcome.Durable() && r.FallbackUsed)

	o.mu.Lock()
	dropped := o.bus.Dropped()
	delta := dropped - o.dropped
	o.dropped = dropped
	o.mu.Unlock()
	if delta > 0 {
		o.metrics.EventsDropped.Add(float64(delta))
	}
}
