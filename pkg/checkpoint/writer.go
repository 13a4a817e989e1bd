package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autosave/pkg/config"
	errs "autosave/pkg/errors"
	"autosave/pkg/logger"
	"autosave/pkg/storage"

	"github.com/dustin/go-humanize"
)

// ErrClosed is returned by writes after Finalize or Close
var ErrClosed = errors.New("checkpoint writer is closed")

// ErrNoArtifact is returned when an operation needs an artifact and none was written
var ErrNoArtifact = errors.New("no checkpoint artifact has been written")

// wavHeaderSize is the canonical PCM WAV header length
const wavHeaderSize = 44

// Config controls where and how a Writer stores the session artifact
type Config struct {
	// TempDir is the parent of the session directory; empty means os.TempDir()
	TempDir           string
	FallbackLocations []string
	Format            Format
	BackupEnabled     bool
	MaxBackups        int
	Naming            Naming
	SessionID         string
}

// ConfigFrom builds a writer Config from the application settings
func ConfigFrom(cfg *config.Config, naming Naming, sessionID string) Config {
	return Config{
		TempDir:           cfg.AutoSave.TempDir,
		FallbackLocations: cfg.AutoSave.FallbackLocations,
		Format: Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
		},
		BackupEnabled: cfg.AutoSave.BackupEnabled,
		MaxBackups:    cfg.AutoSave.MaxBackups,
		Naming:        naming,
		SessionID:     sessionID,
	}
}

// State is a point-in-time view of the writer
type State struct {
	Name         string
	Artifact     string
	SessionDir   string
	FallbackUsed bool
	Frames       int
	Duration     time.Duration
	Backups      int
	Finalized    bool
}

// Writer appends checkpoint snapshots to one growing artifact per session.
// Calls are serialized; at most one write touches the artifact at a time.
type Writer struct {
	cfg    Config
	logger logger.Logger
	roots  *storage.Roots

	mu             sync.Mutex
	sessionDir     string
	ownsSessionDir bool
	name           string
	artifact       string
	fallbackUsed   bool
	fallbackStamp  time.Time
	backups        []string
	frames         int
	lastStep       int
	createdAt      time.Time
	finalized      bool
	closed         bool

	now       func() time.Time
	prepare   func(dir string) error
	freeSpace func(ctx context.Context, dir string) (uint64, error)
	validate  func(path string) Validation
}

// NewWriter prepares a session directory under cfg.TempDir. When that
// directory cannot be created the writer still starts; its first write
// relocates to a fallback location.
func NewWriter(cfg Config, log logger.Logger) (*Writer, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid artifact format %+v", cfg.Format)
	}
	if cfg.Format.BitDepth == 0 {
		cfg.Format.BitDepth = 16
	}
	if log == nil {
		log = logger.GetLogger()
	}

	w := &Writer{
		cfg:       cfg,
		logger:    log.WithField("component", "writer"),
		now:       time.Now,
		prepare:   storage.EnsureWritable,
		freeSpace: storage.FreeSpace,
		validate:  Validate,
	}

	parent := cfg.TempDir
	if parent == "" {
		parent = os.TempDir()
	}
	dir, err := os.MkdirTemp(parent, config.AppName+"_session_")
	if err != nil {
		dir = filepath.Join(parent, config.AppName+"_session_"+cfg.SessionID)
		w.logger.WithError(err).WarnWithFields("Session directory unavailable, writes will relocate", map[string]interface{}{
			"dir": dir,
		})
	} else {
		w.ownsSessionDir = true
	}
	w.sessionDir = dir
	w.roots = storage.NewRoots(dir, cfg.FallbackLocations)

	return w, nil
}

// SessionDir returns the session-scoped temporary directory
func (w *Writer) SessionDir() string {
	return w.sessionDir
}

// Roots exposes the storage roots in priority order
func (w *Writer) Roots() *storage.Roots {
	return w.roots
}

// State returns a snapshot of the writer state
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State{
		Name:         w.name,
		Artifact:     w.artifact,
		SessionDir:   w.sessionDir,
		FallbackUsed: w.fallbackUsed,
		Frames:       w.frames,
		Duration:     w.duration(w.frames),
		Backups:      len(w.backups),
		Finalized:    w.finalized,
	}
}

func (w *Writer) duration(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(w.cfg.Format.SampleRate)
}

// Name returns the artifact name, choosing it on first use
func (w *Writer) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureName()
}

func (w *Writer) ensureName() string {
	if w.name == "" {
		w.createdAt = w.now()
		w.name = w.cfg.Naming.FileName(w.createdAt)
	}
	return w.name
}

// artifactPathFor returns where the artifact lives inside root
func (w *Writer) artifactPathFor(root storage.Root) string {
	if !root.Fallback {
		return filepath.Join(root.Path, TempName(w.name))
	}
	if w.fallbackStamp.IsZero() {
		w.fallbackStamp = w.now()
	}
	return filepath.Join(root.Path, FallbackName(w.name, w.fallbackStamp))
}

// locationError marks failures to use a storage root at all
type locationError struct {
	err error
}

func (e *locationError) Error() string { return e.err.Error() }
func (e *locationError) Unwrap() error { return e.err }

// shouldRelocate reports whether a failure at one root justifies trying the next
func shouldRelocate(err error) bool {
	var le *locationError
	if errors.As(err, &le) {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	return errs.IsRelocatable(errs.Classify(err))
}

// Write appends the job's snapshot to the session artifact. On I/O failure
// at the active location it tries each other location in priority order
// and, on success there, keeps using it for the rest of the session.
func (w *Writer) Write(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	res := Result{JobID: job.ID, Step: job.Step}
	fail := func(err error) (Result, error) {
		res.Outcome = OutcomeFailed
		res.Kind = errs.Classify(err)
		res.Err = err
		res.WriteTime = time.Since(start)
		return res, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.finalized {
		return fail(errs.E(errs.KindUnknown, "write", ErrClosed))
	}

	n, err := normalize(job.Snapshot, w.cfg.Format)
	if err != nil {
		return fail(err)
	}
	res.Warnings = n.Warnings()
	w.ensureName()

	var failures []error
	var firstErr error
	for _, root := range w.roots.Candidates() {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		path, backup, v, err := w.writeAt(ctx, root, n)
		if err == nil {
			previous := w.artifact
			if root.Path != w.roots.Active().Path {
				logger.LogFallback(w.logger, w.roots.Active().Path, root.Path, firstErr)
				w.roots.Promote(root)
				res.Relocated = true
			}
			w.artifact = path
			w.fallbackUsed = w.fallbackUsed || root.Fallback
			w.frames = v.Frames
			w.lastStep = job.Step
			w.saveManifest()

			res.Outcome = OutcomeSuccess
			res.Path = path
			res.FallbackUsed = root.Fallback
			res.BackupPath = backup
			res.Frames = v.Frames
			res.Duration = v.Duration
			res.Warnings = append(res.Warnings, v.Warnings...)
			res.WriteTime = time.Since(start)

			if previous != "" && previous != path {
				w.logger.InfoWithFields("Artifact moved to new location", map[string]interface{}{
					"from": previous,
					"to":   path,
				})
			}
			return res, nil
		}

		if firstErr == nil {
			firstErr = err
		}
		failures = append(failures, fmt.Errorf("%s: %w", root.Path, err))
		if !shouldRelocate(err) {
			break
		}
		w.logger.WithError(err).WarnWithFields("Checkpoint location failed", map[string]interface{}{
			"root":     root.Path,
			"fallback": root.Fallback,
		})
	}

	kind := errs.Classify(firstErr)
	if firstErr == nil {
		kind = errs.Classify(errors.Join(failures...))
	}
	return fail(errs.E(kind, "write", errors.Join(failures...)))
}

// writeAt performs backup, append and validation against one root
func (w *Writer) writeAt(ctx context.Context, root storage.Root, n Normalized) (string, string, Validation, error) {
	if err := w.prepare(root.Path); err != nil {
		return "", "", Validation{}, &locationError{errs.EPath(errs.Classify(err), "prepare", root.Path, err)}
	}
	path := w.artifactPathFor(root)

	if w.artifact != "" && w.artifact != path {
		if prev := w.validate(w.artifact); prev.Valid {
			if err := copyVerified(w.artifact, path); err != nil {
				return "", "", Validation{}, &locationError{errs.EPath(errs.Classify(err), "relocate", path, err)}
			}
		} else {
			w.logger.WithError(prev.Err).Warn("Previous artifact unreadable, new location starts from this checkpoint")
		}
	}

	var existing int64
	if info, err := os.Stat(path); err == nil {
		existing = info.Size()
	}

	// read-modify-write needs the rewritten file plus a backup copy
	need := existing + encodedSize(n, w.cfg.Format) + wavHeaderSize
	if w.cfg.BackupEnabled {
		need += existing
	}
	if free, err := w.freeSpace(ctx, root.Path); err == nil && free < uint64(need) {
		return "", "", Validation{}, errs.EPath(errs.KindSpace, "preflight", root.Path,
			fmt.Errorf("no space left: need %s, have %s", humanize.IBytes(uint64(need)), humanize.IBytes(free)))
	}

	backup := ""
	if existing > 0 && w.cfg.BackupEnabled {
		b, err := w.createBackup(path)
		if err != nil {
			return "", "", Validation{}, err
		}
		backup = b
	}

	if _, err := appendFile(path, n, w.cfg.Format); err != nil {
		return "", "", Validation{}, err
	}

	v := w.validate(path)
	if !v.Valid {
		switch {
		case backup != "":
			if err := w.restoreBackup(backup, path); err != nil {
				w.logger.WithError(err).Error("Rollback failed")
			}
		case existing == 0:
			os.Remove(path)
		default:
			w.logger.Error("Artifact failed validation and no backup is available")
		}
		return "", "", v, errs.EPath(errs.KindValidation, "validate", path, v.Err)
	}
	return path, backup, v, nil
}

// saveManifest records the session in its session directory for crash
// recovery. The caller holds w.mu.
func (w *Writer) saveManifest() {
	m := &Manifest{
		SessionID:    w.cfg.SessionID,
		Name:         w.name,
		Voice:        w.cfg.Naming.Voice,
		Source:       w.cfg.Naming.Source,
		Artifact:     w.artifact,
		SessionDir:   w.sessionDir,
		Backups:      append([]string(nil), w.backups...),
		FallbackUsed: w.fallbackUsed,
		LastStep:     w.lastStep,
		Frames:       w.frames,
		SampleRate:   w.cfg.Format.SampleRate,
		CreatedAt:    w.createdAt,
	}
	if err := SaveManifest(w.sessionDir, m); err != nil {
		w.logger.WithError(err).Debug("Failed to save session manifest")
	}
}

// Locator describes where this session's audio can be recovered from
func (w *Writer) Locator() Locator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locatorLocked()
}

func (w *Writer) locatorLocked() Locator {
	var fallbacks []string
	for _, r := range w.roots.Fallbacks() {
		fallbacks = append(fallbacks, r.Path)
	}
	dirs := []string{w.sessionDir}
	if w.artifact != "" {
		dirs = append(dirs, filepath.Dir(w.artifact))
	}
	return Locator{
		Artifact:      w.artifact,
		BackupDirs:    uniqueDirs(dirs...),
		FallbackRoots: fallbacks,
		Patterns:      SessionPatterns(w.name),
	}
}
