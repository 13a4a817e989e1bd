package events

import (
	"time"

	errs "autosave/pkg/errors"
)

// Type names an event
type Type string

const (
	TypeCheckpointSucceeded Type = "checkpoint_succeeded"
	TypeCheckpointFailed    Type = "checkpoint_failed"
	TypeCheckpointSkipped   Type = "checkpoint_skipped"
	TypeRecoveryModeEntered Type = "recovery_mode_entered"
	TypeRecoveryModeExited  Type = "recovery_mode_exited"
	TypeRecoveryAvailable   Type = "recovery_available"
	TypeSessionFinalized    Type = "session_finalized"
	TypeSessionCancelled    Type = "session_cancelled"
	TypeIntervalChanged     Type = "interval_changed"
	TypeWarning             Type = "warning"
	TypeProgress            Type = "progress"
)

// Header carries the fields every event has. The bus fills ID and At when
// they are empty.
type Header struct {
	ID        string
	At        time.Time
	SessionID string
	Step      int
}

// Meta returns the header
func (h Header) Meta() Header { return h }

// Event is one notification published on the bus. The concrete types below
// are the only implementations.
type Event interface {
	Type() Type
	Meta() Header
	withHeader(Header) Event
}

// CheckpointSucceeded reports a durable checkpoint
type CheckpointSucceeded struct {
	Header
	Path         string
	Saved        time.Duration
	WriteTime    time.Duration
	FallbackUsed bool
	Recovered    bool
}

// CheckpointFailed reports a checkpoint that could not be made durable
type CheckpointFailed struct {
	Header
	Kind                errs.Kind
	Strategy            string
	Attempts            int
	ConsecutiveFailures int
	Err                 error
}

// CheckpointSkipped reports a checkpoint dropped by the skip strategy. A
// due checkpoint held back while a write is in flight is not a skip.
type CheckpointSkipped struct {
	Header
	Reason string
}

// RecoveryModeEntered reports that the session is degraded
type RecoveryModeEntered struct {
	Header
	ConsecutiveFailures int
}

// RecoveryModeExited reports that checkpoints work again
type RecoveryModeExited struct {
	Header
}

// RecoveryAvailable points at audio that survived a failed or cancelled run
type RecoveryAvailable struct {
	Header
	Path        string
	Duration    time.Duration
	Suggestions []string
}

// SessionFinalized reports the final artifact
type SessionFinalized struct {
	Header
	Path      string
	Duration  time.Duration
	MirrorURI string
}

// SessionCancelled reports a cancelled session
type SessionCancelled struct {
	Header
	Preserved bool
	Path      string
}

// IntervalChanged reports an adaptive interval adjustment
type IntervalChanged struct {
	Header
	From   int
	To     int
	Reason string
}

// Warning is a user-facing warning. Persistent warnings bypass debouncing.
type Warning struct {
	Header
	Code       string
	Message    string
	Persistent bool
	// Suppressed is how many identical warnings were held back before this one
	Suppressed int
}

// Progress reports generation progress between checkpoints
type Progress struct {
	Header
	NextCheckpointStep int
	Saved              time.Duration
	BufferedSegments   int
}

func (CheckpointSucceeded) Type() Type { return TypeCheckpointSucceeded }
func (CheckpointFailed) Type() Type    { return TypeCheckpointFailed }
func (CheckpointSkipped) Type() Type   { return TypeCheckpointSkipped }
func (RecoveryModeEntered) Type() Type { return TypeRecoveryModeEntered }
func (RecoveryModeExited) Type() Type  { return TypeRecoveryModeExited }
func (RecoveryAvailable) Type() Type   { return TypeRecoveryAvailable }
func (SessionFinalized) Type() Type    { return TypeSessionFinalized }
func (SessionCancelled) Type() Type    { return TypeSessionCancelled }
func (IntervalChanged) Type() Type     { return TypeIntervalChanged }
func (Warning) Type() Type             { return TypeWarning }
func (Progress) Type() Type            { return TypeProgress }

func (e CheckpointSucceeded) withHeader(h Header) Event { e.Header = h; return e }
func (e CheckpointFailed) withHeader(h Header) Event    { e.Header = h; return e }
func (e CheckpointSkipped) withHeader(h Header) Event   { e.Header = h; return e }
func (e RecoveryModeEntered) withHeader(h Header) Event { e.Header = h; return e }
func (e RecoveryModeExited) withHeader(h Header) Event  { e.Header = h; return e }
func (e RecoveryAvailable) withHeader(h Header) Event   { e.Header = h; return e }
func (e SessionFinalized) withHeader(h Header) Event    { e.Header = h; return e }
func (e SessionCancelled) withHeader(h Header) Event    { e.Header = h; return e }
func (e IntervalChanged) withHeader(h Header) Event     { e.Header = h; return e }
func (e Warning) withHeader(h Header) Event             { e.Header = h; return e }
func (e Progress) withHeader(h Header) Event            { e.Header = h; return e }
