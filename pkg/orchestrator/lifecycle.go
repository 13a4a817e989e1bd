package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autosave/internal/workerpool"
	"autosave/pkg/buffer"
	"autosave/pkg/checkpoint"
	"autosave/pkg/events"
	"autosave/pkg/logger"

	"github.com/dustin/go-humanize"
)

// ErrIncomplete is returned by Finalize when the tail of the session could
// not be appended; the audio was written to an emergency file instead
var ErrIncomplete = errors.New("final checkpoint failed, session saved as emergency copy")

// FinalizeResult describes a completed session
type FinalizeResult struct {
	Path          string
	Duration      time.Duration
	MirrorURI     string
	EmergencyPath string
	Cleanup       checkpoint.CleanupSummary
}

// CancelResult describes a cancelled session
type CancelResult struct {
	Preserved bool
	Path      string
	Duration  time.Duration
	Cleanup   checkpoint.CleanupSummary
}

// begin moves an active session into a closing phase and stops the workers
// once in-flight writes are done
func (o *Orchestrator) begin(next Phase, abort bool) error {
	o.mu.Lock()
	switch o.phase {
	case PhaseIdle:
		o.mu.Unlock()
		return ErrNotInitialized
	case PhaseActive:
	default:
		o.mu.Unlock()
		return ErrSessionClosed
	}
	o.phase = next
	pool := o.pool
	o.mu.Unlock()

	// producers racing with the phase change are waited out
	o.addMu.Lock()
	o.addMu.Unlock()

	if abort {
		pool.Abort()
	} else {
		pool.Stop()
	}
	<-o.collectorDone
	return nil
}

// remaining snapshots the audio that no checkpoint has made durable yet
func (o *Orchestrator) remaining() (int, buffer.Snapshot) {
	o.mu.Lock()
	from, step := o.durableIndex, o.currentStep
	o.mu.Unlock()
	return step, o.buffer.Snapshot(from, o.buffer.NextIndex()-1)
}

// Finalize flushes the remaining audio, moves the artifact to the
// destination and mirrors it when configured. When the flush fails even
// after recovery, the session is saved as an emergency copy and
// ErrIncomplete is returned.
func (o *Orchestrator) Finalize(ctx context.Context) (FinalizeResult, error) {
	if err := o.begin(PhaseFinalizing, false); err != nil {
		return FinalizeResult{}, err
	}
	defer o.shutdown()

	var result FinalizeResult
	step, rest := o.remaining()
	if !rest.Empty() {
		job := workerpool.NewJob(step, rest, true)
		res := o.checkpoint(ctx, job)
		o.observe(res)
		if !res.Outcome.Durable() {
			path, err := o.writer.EmergencySave(ctx, rest)
			if err != nil {
				o.closeAs(PhaseFinalized)
				return result, errors.Join(ErrIncomplete, res.Err, err)
			}
			result.EmergencyPath = path
			o.announceRecovery(step, path, 0, nil)
			o.closeAs(PhaseFinalized)
			return result, fmt.Errorf("%w: %s", ErrIncomplete, path)
		}
	}

	o.mu.Lock()
	dest := o.destDir
	o.mu.Unlock()

	path, err := o.writer.Finalize(ctx, dest)
	if err != nil {
		path, err = o.finalizeRecovered(ctx, step, dest, err)
		if err != nil {
			o.closeAs(PhaseFinalized)
			return result, err
		}
	}
	result.Path = path
	result.Duration = o.writer.State().Duration

	if o.mirror != nil {
		uri, trace, err := o.mirror.Push(ctx, path)
		o.metrics.ObserveMirror(err == nil)
		if err != nil {
			o.bus.Publish(events.Warning{
				Header:  events.Header{Step: step},
				Code:    "mirror_failed",
				Message: fmt.Sprintf("mirror upload failed after %d attempts: %v", len(trace), err),
			})
		}
		result.MirrorURI = uri
	}

	if o.cfg.AutoSave.CleanupOnSuccess {
		result.Cleanup = o.writer.Cleanup(false)
		o.logger.InfoWithFields("Session files cleaned up", map[string]interface{}{
			"files": result.Cleanup.FilesRemoved,
			"freed": humanize.IBytes(uint64(result.Cleanup.BytesFreed)),
		})
		if err := result.Cleanup.Err(); err != nil {
			o.logger.WithError(err).Warn("Cleanup left files behind")
		}
	}

	o.mu.Lock()
	o.saved = result.Duration
	o.lastArtifact = path
	o.mu.Unlock()

	o.bus.Publish(events.SessionFinalized{
		Header:    events.Header{Step: step},
		Path:      path,
		Duration:  result.Duration,
		MirrorURI: result.MirrorURI,
	})
	o.closeAs(PhaseFinalized)
	return result, nil
}

// finalizeRecovered finalizes from the best recoverable audio after the
// artifact itself could not be finalized. Only when nothing is recoverable,
// or no destination accepts the recovered file, does the session fail.
func (o *Orchestrator) finalizeRecovered(ctx context.Context, step int, dest string, cause error) (string, error) {
	r := o.coordinator.RecoverPartial(ctx, o.writer.Locator())
	if !r.Found {
		o.announceRecovery(step, "", 0, r.Suggestions)
		return "", fmt.Errorf("failed to finalize artifact: %w", errors.Join(cause, r.Err()))
	}

	path, err := o.writer.FinalizeFrom(ctx, r.Path, dest)
	if err != nil {
		o.announceRecovery(step, r.Path, r.Duration, r.Suggestions)
		return "", fmt.Errorf("failed to finalize recovered audio: %w", errors.Join(cause, err))
	}

	o.logger.WithError(cause).WarnWithFields("Finalized from recovered audio", map[string]interface{}{
		"source":    string(r.Source),
		"recovered": r.Path,
		"path":      path,
	})
	o.bus.Publish(events.Warning{
		Header:  events.Header{Step: step},
		Code:    "finalized_from_recovery",
		Message: fmt.Sprintf("artifact was unusable, finalized from %s copy (%s)", r.Source, r.Duration.Round(time.Millisecond)),
	})
	return path, nil
}

// Cancel stops the session. With preservePartial the audio generated so far
// is kept as a cancelled_ copy (or an emergency file when nothing reached
// the artifact); otherwise every session file is removed.
func (o *Orchestrator) Cancel(ctx context.Context, preservePartial bool) (CancelResult, error) {
	if err := o.begin(PhaseCancelled, true); err != nil {
		return CancelResult{}, err
	}
	defer o.shutdown()

	var result CancelResult
	step, rest := o.remaining()

	if !preservePartial {
		result.Cleanup = o.writer.Cleanup(false)
		o.bus.Publish(events.SessionCancelled{Header: events.Header{Step: step}})
		o.closeAs(PhaseCancelled)
		return result, nil
	}

	var failures []error
	if !rest.Empty() {
		if _, err := o.writer.Write(ctx, workerpool.NewJob(step, rest, true)); err != nil {
			failures = append(failures, err)
		} else {
			rest = buffer.Snapshot{}
		}
	}

	// the cancelled copy only holds what reached the artifact; anything
	// else goes into an emergency file together with it
	var path string
	var err error
	if rest.Empty() {
		path, err = o.writer.PreserveCancelled()
	}
	if !rest.Empty() || err != nil {
		path, err = o.writer.EmergencySave(ctx, rest)
	}
	if err != nil {
		failures = append(failures, err)
		o.closeAs(PhaseCancelled)
		o.bus.Publish(events.SessionCancelled{Header: events.Header{Step: step}})
		return result, errors.Join(failures...)
	}

	if v := checkpoint.Validate(path); v.Valid {
		result.Duration = v.Duration
	}
	result.Preserved = true
	result.Path = path
	result.Cleanup = o.writer.Cleanup(true)

	o.bus.Publish(events.SessionCancelled{Header: events.Header{Step: step}, Preserved: true, Path: path})
	o.announceRecovery(step, path, result.Duration, nil)
	o.closeAs(PhaseCancelled)
	return result, nil
}

func (o *Orchestrator) announceRecovery(step int, path string, d time.Duration, suggestions []string) {
	o.bus.Publish(events.RecoveryAvailable{
		Header:      events.Header{Step: step},
		Path:        path,
		Duration:    d,
		Suggestions: suggestions,
	})
}

func (o *Orchestrator) closeAs(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// shutdown releases the session's background resources and closes the
// event stream
func (o *Orchestrator) shutdown() {
	o.writer.Close()
	if o.monitor != nil {
		o.monitor.Stop()
	}
	o.stopMonitor()
	o.bus.Close()
	logger.LogComponentStop(o.logger, "orchestrator", o.Phase().String())
}

// Phase returns the session's lifecycle phase
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}
