package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"autosave/pkg/checkpoint"
	errs "autosave/pkg/errors"
	"autosave/pkg/storage"
)

// Source says where recovered audio came from
type Source string

const (
	SourceNone     Source = "none"
	SourceArtifact Source = "artifact"
	SourceBackup   Source = "backup"
	SourceFallback Source = "fallback"
)

// Recovered is the result of a partial-recovery search
type Recovered struct {
	Found       bool
	Path        string
	Source      Source
	Frames      int
	Duration    time.Duration
	Checked     int
	Suggestions []string
	Errors      []error
}

// Err returns ErrNothingRecoverable when nothing was found
func (r Recovered) Err() error {
	if r.Found {
		return nil
	}
	return errs.ErrNothingRecoverable
}

// RecoverPartial looks for the best playable audio of a session: the
// current artifact, then its newest valid backup, then fallback copies
// matching the session's names, newest first. It never fails; an empty
// result carries suggestions instead.
func (c *Coordinator) RecoverPartial(ctx context.Context, loc checkpoint.Locator) Recovered {
	var r Recovered

	try := func(path string, src Source) bool {
		r.Checked++
		v := checkpoint.Validate(path)
		if !v.Valid {
			if v.Err != nil {
				r.Errors = append(r.Errors, v.Err)
			}
			return false
		}
		r.Found = true
		r.Path = path
		r.Source = src
		r.Frames = v.Frames
		r.Duration = v.Duration
		return true
	}

	if loc.Artifact != "" && try(loc.Artifact, SourceArtifact) {
		return c.found(r)
	}

	backupPatterns := checkpoint.BackupPatterns()
	if loc.Artifact != "" {
		backupPatterns = checkpoint.BackupPatternsFor(filepath.Base(loc.Artifact))
	}
	backups, err := storage.FindMatching(loc.BackupDirs, backupPatterns)
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
	for _, b := range backups {
		if ctx.Err() != nil {
			break
		}
		if try(b.Path, SourceBackup) {
			return c.found(r)
		}
	}

	patterns := loc.Patterns
	if len(patterns) == 0 {
		patterns = checkpoint.SessionPatterns("")
	}
	candidates, err := storage.FindMatching(loc.FallbackRoots, patterns)
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
	for _, f := range candidates {
		if ctx.Err() != nil {
			break
		}
		if try(f.Path, SourceFallback) {
			return c.found(r)
		}
	}

	r.Source = SourceNone
	r.Suggestions = suggestions(loc, r)
	c.logger.WarnWithFields("No recoverable audio found", map[string]interface{}{
		"checked": r.Checked,
		"errors":  len(r.Errors),
	})
	return r
}

func (c *Coordinator) found(r Recovered) Recovered {
	c.logger.InfoWithFields("Recovered partial audio", map[string]interface{}{
		"path":     r.Path,
		"source":   string(r.Source),
		"duration": r.Duration.String(),
	})
	return r
}

func suggestions(loc checkpoint.Locator, r Recovered) []string {
	var out []string
	if r.Checked > 0 {
		out = append(out, fmt.Sprintf("%d candidate files were found but none could be decoded", r.Checked))
	}
	if len(loc.FallbackRoots) == 0 {
		out = append(out, "configure fallback_locations so checkpoints survive an unwritable temp directory")
	} else {
		for _, root := range loc.FallbackRoots {
			out = append(out, "check "+root+" for emergency_save_ or cancelled_ files")
		}
	}
	for _, e := range r.Errors {
		switch errs.Classify(e) {
		case errs.KindSpace:
			return append(out, "free disk space before the next run")
		case errs.KindPermission:
			return append(out, "check write permissions on the temp and fallback directories")
		}
	}
	return out
}
