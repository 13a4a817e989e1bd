package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"autosave/pkg/events"
	"autosave/pkg/orchestrator"

	"github.com/dustin/go-humanize"
)

const (
	ProgressBar   = "━"
	ProgressEmpty = "─"
	barWidth      = 20
)

// SessionDisplay renders a generation session from its event stream: a
// single progress line that is rewritten in place, with checkpoint
// failures, warnings and the final result printed on their own lines
type SessionDisplay struct {
	mu         sync.Mutex
	label      string
	totalSteps int
	debug      bool
	notifier   *Notifier
	startTime  time.Time

	step         int
	nextStep     int
	saved        time.Duration
	checkpoints  int
	failures     int
	skipped      int
	recoveryMode bool
	lastPath     string
}

// NewSessionDisplay creates a display for a session of totalSteps steps.
// In debug mode every event is printed on its own line.
func NewSessionDisplay(label string, totalSteps int, debug bool) *SessionDisplay {
	return &SessionDisplay{
		label:      label,
		totalSteps: totalSteps,
		debug:      debug,
		startTime:  time.Now(),
	}
}

// SetNotifier sends desktop notifications for session-level events
func (p *SessionDisplay) SetNotifier(n *Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// Run renders events until ch is closed or ctx is done
func (p *SessionDisplay) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			p.Handle(ev)
		}
	}
}

// Handle renders one event
func (p *SessionDisplay) Handle(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h := ev.Meta(); h.Step > p.step {
		p.step = h.Step
	}

	switch e := ev.(type) {
	case events.Progress:
		p.nextStep = e.NextCheckpointStep
		p.saved = e.Saved
	case events.CheckpointSucceeded:
		p.checkpoints++
		p.saved = e.Saved
		p.lastPath = e.Path
		if p.debug {
			p.line("%s step %d saved %s in %s", Green("✓"), e.Step, formatDuration(e.Saved), e.WriteTime.Round(time.Millisecond))
		}
		if e.FallbackUsed && p.debug {
			p.line("  %s %s", Dim("fallback"), e.Path)
		}
	case events.CheckpointFailed:
		p.failures++
		p.line("%s checkpoint at step %d failed (%s, %s after %d attempts): %v",
			Red("✗"), e.Step, e.Kind, e.Strategy, e.Attempts, e.Err)
	case events.CheckpointSkipped:
		p.skipped++
		if p.debug {
			p.line("%s step %d skipped: %s", Yellow("→"), e.Step, e.Reason)
		}
	case events.RecoveryModeEntered:
		p.recoveryMode = true
		p.line("%s recovery mode after %d consecutive failures", Red("⚠"), e.ConsecutiveFailures)
		p.notify("Checkpoints failing", fmt.Sprintf("%d consecutive failures", e.ConsecutiveFailures))
	case events.RecoveryModeExited:
		p.recoveryMode = false
		p.line("%s checkpoints restored", Green("✓"))
	case events.IntervalChanged:
		if p.debug {
			p.line("%s interval %d → %d (%s)", Magenta("→"), e.From, e.To, e.Reason)
		}
	case events.Warning:
		msg := e.Message
		if e.Suppressed > 0 {
			msg += fmt.Sprintf(" (%d similar)", e.Suppressed)
		}
		p.line("%s %s", Yellow("⚠"), msg)
	case events.RecoveryAvailable:
		p.line("%s partial audio available: %s (%s)", Yellow("⚠"), e.Path, formatDuration(e.Duration))
		for _, s := range e.Suggestions {
			p.line("  %s %s", Dim("•"), s)
		}
		p.notify("Partial audio recovered", e.Path)
	case events.SessionFinalized:
		p.lastPath = e.Path
		p.notify("Audio complete", fmt.Sprintf("%s (%s)", e.Path, formatDuration(e.Duration)))
	case events.SessionCancelled:
		if e.Preserved {
			p.lastPath = e.Path
		}
	}

	if !p.debug {
		p.printProgress()
	}
}

func (p *SessionDisplay) notify(title, message string) {
	if p.notifier != nil {
		p.notifier.Desktop(title, message)
	}
}

// line prints a message on its own line below the progress line
func (p *SessionDisplay) line(format string, args ...interface{}) {
	printf("\r%s\r"+format+"\n", append([]interface{}{strings.Repeat(" ", 100)}, args...)...)
}

// LastPath returns the newest artifact path seen in the event stream
func (p *SessionDisplay) LastPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPath
}

// Counts returns how many checkpoints succeeded, failed and were skipped
func (p *SessionDisplay) Counts() (saved, failed, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkpoints, p.failures, p.skipped
}

// Bar returns the step progress bar
func (p *SessionDisplay) Bar() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bar()
}

func (p *SessionDisplay) bar() string {
	if p.totalSteps <= 0 {
		return fmt.Sprintf("step %d", p.step)
	}
	progress := float64(p.step) / float64(p.totalSteps)
	filled := min(barWidth, int(progress*float64(barWidth)))
	return fmt.Sprintf("[%s%s] %d/%d",
		strings.Repeat(ProgressBar, filled),
		strings.Repeat(ProgressEmpty, barWidth-filled),
		p.step, p.totalSteps)
}

// printProgress prints the minimal progress line
func (p *SessionDisplay) printProgress() {
	line := fmt.Sprintf("\r%s %s • saved %s • next %d",
		Cyan(p.label),
		p.bar(),
		formatDuration(p.saved),
		p.nextStep,
	)
	if p.failures > 0 {
		line += fmt.Sprintf(" • %s", Red(fmt.Sprintf("%d failed", p.failures)))
	}
	if p.recoveryMode {
		line += fmt.Sprintf(" • %s", Red("RECOVERY"))
	}
	printf("\r%s\r%s", strings.Repeat(" ", 100), line)
}

// Complete prints the session summary
func (p *SessionDisplay) Complete(path string, audio time.Duration, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startTime)
	printf("\n\n%s %s of audio written to %s\n", Green("✓"), formatDuration(audio), path)
	printf("  %s %s in %s, %d checkpoints\n", Dim("•"), humanize.IBytes(uint64(max(size, 0))), formatDuration(elapsed), p.checkpoints)
	if p.failures > 0 || p.skipped > 0 {
		printf("  %s %d failed, %d skipped\n", Dim("•"), p.failures, p.skipped)
	}
}

// PrintStatus prints a session status block
func PrintStatus(st orchestrator.Status) {
	PrintHighlight(fmt.Sprintf("Session %s (%s)", st.SessionID, st.Phase))
	PrintInfo("Step", fmt.Sprintf("%d, last checkpoint %d, next %d", st.CurrentStep, st.LastCheckpointStep, st.NextCheckpointStep))
	mode := "fixed"
	if st.Adaptive {
		mode = "adaptive"
	}
	PrintInfo("Interval", fmt.Sprintf("%d steps (%s, base %d)", st.Interval, mode, st.BaseInterval))
	PrintInfo("Saved", formatDuration(st.Saved))
	PrintInfo("Buffer", st.Buffer.String())
	if st.AverageWriteTime > 0 {
		PrintInfo("Average write", st.AverageWriteTime.Round(time.Millisecond).String())
	}
	if st.LastArtifact != "" {
		PrintInfo("Artifact", st.LastArtifact)
	}
	if st.HasLoad && !st.Load.Failed() {
		PrintInfo("Load", fmt.Sprintf("cpu %.0f%% mem %.0f%%", st.Load.CPU, st.Load.Memory))
	}
	if st.RecoveryMode {
		PrintWarning(st.Warning)
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
