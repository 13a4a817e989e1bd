package checkpoint

import (
	"time"

	"autosave/pkg/buffer"
	errs "autosave/pkg/errors"
)

// Job is an immutable request to make a snapshot of buffered segments durable
type Job struct {
	ID        string
	Step      int
	Snapshot  buffer.Snapshot
	Final     bool
	CreatedAt time.Time
}

// Outcome is the tagged result of a checkpoint write
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeSkipped
	OutcomeRecovered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Durable reports whether the job's audio reached the artifact
func (o Outcome) Durable() bool {
	return o == OutcomeSuccess || o == OutcomeRecovered
}

// Result describes what one Write did
type Result struct {
	JobID        string
	Step         int
	Outcome      Outcome
	Path         string
	FallbackUsed bool
	Relocated    bool
	BackupPath   string
	Frames       int
	Duration     time.Duration
	WriteTime    time.Duration
	Warnings     []string
	Kind         errs.Kind
	Err          error
}

// Locator tells recovery where a session's audio may be found
type Locator struct {
	// Artifact is the growing artifact, tried first
	Artifact string
	// BackupDirs hold backup_* copies, newest valid one tried second
	BackupDirs []string
	// FallbackRoots are searched last for Patterns, newest first
	FallbackRoots []string
	Patterns      []string
}
