package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"autosave/pkg/buffer"
	errs "autosave/pkg/errors"
	"autosave/pkg/storage"
)

// ErrNothingToSave is returned by EmergencySave when neither the artifact nor
// the pending snapshot holds any audio
var ErrNothingToSave = errors.New("no audio to save")

// CleanupSummary reports what Cleanup removed
type CleanupSummary struct {
	FilesRemoved int
	BytesFreed   int64
	Preserved    []string
	Errors       []error
}

// Err joins the errors hit during cleanup
func (s CleanupSummary) Err() error {
	return errors.Join(s.Errors...)
}

// Finalize validates the artifact and moves it to destDir under its final
// name. A corrupt artifact is first restored from the newest valid backup.
// When destDir cannot be used the fallback roots are tried in order; only
// when every destination fails does Finalize return ErrNoDestination.
func (w *Writer) Finalize(ctx context.Context, destDir string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return "", errs.E(errs.KindUnknown, "finalize", ErrClosed)
	}
	if w.artifact == "" {
		return "", errs.E(errs.KindValidation, "finalize", ErrNoArtifact)
	}

	if v := w.validate(w.artifact); !v.Valid {
		w.logger.WithError(v.Err).Warn("Artifact invalid at finalize, restoring from backup")
		if _, err := w.restoreLatestBackupLocked(); err != nil {
			return "", errs.EPath(errs.KindValidation, "finalize", w.artifact, errors.Join(v.Err, err))
		}
	}

	final, err := w.placeLocked(ctx, destDir, func(final string) error {
		return storage.MoveFile(w.artifact, final)
	})
	if err != nil {
		return "", err
	}

	w.artifact = final
	w.finalized = true
	w.saveManifest()
	w.logger.InfoWithFields("Artifact finalized", map[string]interface{}{
		"path":     final,
		"frames":   w.frames,
		"duration": w.duration(w.frames).String(),
	})
	return final, nil
}

// FinalizeFrom finalizes the session from recovered audio at src instead of
// the session artifact. src is copied to destDir (or a fallback root) under
// the session's final name and the old artifact is discarded.
func (w *Writer) FinalizeFrom(ctx context.Context, src, destDir string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return "", errs.E(errs.KindUnknown, "finalize", ErrClosed)
	}
	v := w.validate(src)
	if !v.Valid {
		return "", errs.EPath(errs.KindValidation, "finalize", src, v.Err)
	}
	if w.name == "" {
		w.name = FinalName(src)
	}

	final, err := w.placeLocked(ctx, destDir, func(final string) error {
		_, err := storage.CopyFile(src, final)
		return err
	})
	if err != nil {
		return "", err
	}

	if w.artifact != "" && w.artifact != src && w.artifact != final {
		if err := os.Remove(w.artifact); err != nil && !os.IsNotExist(err) {
			w.logger.WithError(err).Debug("Stale artifact left in place")
		}
	}
	w.artifact = final
	w.frames = v.Frames
	w.finalized = true
	w.saveManifest()
	w.logger.WarnWithFields("Artifact finalized from recovered audio", map[string]interface{}{
		"source":   src,
		"path":     final,
		"duration": v.Duration.String(),
	})
	return final, nil
}

// placeLocked tries destDir and then every fallback root, calling place
// with the final path in each until one succeeds. It fails with
// ErrNoDestination when none does.
func (w *Writer) placeLocked(ctx context.Context, destDir string, place func(final string) error) (string, error) {
	if destDir == "" {
		destDir = "."
	}
	dests := []string{destDir}
	for _, r := range w.roots.Fallbacks() {
		dests = append(dests, r.Path)
	}

	var failures []error
	for i, dir := range dests {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		final := filepath.Join(dir, w.name)
		if err := place(final); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", dir, err))
			continue
		}

		if i > 0 {
			w.logger.WarnWithFields("Destination unavailable, finalized into fallback location", map[string]interface{}{
				"requested": destDir,
				"used":      dir,
			})
		}
		return final, nil
	}

	return "", errs.E(errs.Classify(errors.Join(failures...)), "finalize",
		fmt.Errorf("%w: %w", errs.ErrNoDestination, errors.Join(failures...)))
}

// RestoreLatestBackup replaces the artifact with the newest backup that
// passes validation and returns that backup's path
func (w *Writer) RestoreLatestBackup() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restoreLatestBackupLocked()
}

func (w *Writer) restoreLatestBackupLocked() (string, error) {
	if w.artifact == "" {
		return "", ErrNoArtifact
	}
	for i := len(w.backups) - 1; i >= 0; i-- {
		backup := w.backups[i]
		v := w.validate(backup)
		if !v.Valid {
			continue
		}
		if err := w.restoreBackup(backup, w.artifact); err != nil {
			return "", err
		}
		w.frames = v.Frames
		return backup, nil
	}
	return "", errs.E(errs.KindValidation, "restore", errs.ErrNothingRecoverable)
}

// EmergencySave writes the durable artifact plus snap to a new file in the
// first writable fallback root, or the session directory when none is, and
// backs that file up beside it
func (w *Writer) EmergencySave(ctx context.Context, snap buffer.Snapshot) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := w.ensureName()

	var data []int
	if w.artifact != "" {
		if v := w.validate(w.artifact); v.Valid {
			buf, _, err := decodeFile(w.artifact)
			if err == nil {
				data = append(data, buf.Data...)
			}
		}
	}
	if !snap.Empty() {
		n, err := normalize(snap, w.cfg.Format)
		if err != nil {
			w.logger.WithError(err).Warn("Pending audio unusable for emergency save")
		} else {
			data = append(data, n.Data...)
		}
	}
	if len(data) == 0 {
		return "", ErrNothingToSave
	}

	roots := append(w.roots.Fallbacks(), storage.Root{Path: w.sessionDir})
	var failures []error
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		if err := w.prepare(root.Path); err != nil {
			failures = append(failures, err)
			continue
		}
		path := filepath.Join(root.Path, EmergencyName(name, w.now()))
		if err := encodeFile(path, data, w.cfg.Format); err != nil {
			failures = append(failures, err)
			continue
		}
		if v := w.validate(path); !v.Valid {
			os.Remove(path)
			failures = append(failures, v.Err)
			continue
		}

		if w.cfg.BackupEnabled {
			if _, err := w.createBackup(path); err != nil {
				w.logger.WithError(err).Warn("Emergency save written without backup")
			}
		}
		w.logger.WarnWithFields("Emergency save written", map[string]interface{}{
			"path":   path,
			"frames": len(data) / w.cfg.Format.Channels,
		})
		return path, nil
	}
	return "", errs.E(errs.Classify(errors.Join(failures...)), "emergency_save", errors.Join(failures...))
}

// PreserveCancelled copies the artifact beside itself under a cancelled_
// name so it survives cleanup
func (w *Writer) PreserveCancelled() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.artifact == "" {
		return "", ErrNoArtifact
	}
	if v := w.validate(w.artifact); !v.Valid {
		return "", v.Err
	}
	path := filepath.Join(filepath.Dir(w.artifact), CancelledName(filepath.Base(w.artifact), w.now()))
	if err := copyVerified(w.artifact, path); err != nil {
		return "", errs.EPath(errs.Classify(err), "preserve", path, err)
	}
	w.logger.InfoWithFields("Cancelled session preserved", map[string]interface{}{
		"path": path,
	})
	return path, nil
}

// Cleanup removes session scratch files. With preserve set nothing is
// removed and the summary lists the files kept for later recovery.
func (w *Writer) Cleanup(preserve bool) CleanupSummary {
	w.mu.Lock()
	defer w.mu.Unlock()

	var sum CleanupSummary
	remove := func(path string) {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				sum.Errors = append(sum.Errors, err)
			}
			return
		}
		if err := os.Remove(path); err != nil {
			sum.Errors = append(sum.Errors, err)
			return
		}
		sum.FilesRemoved++
		sum.BytesFreed += info.Size()
	}

	if preserve {
		if w.artifact != "" {
			sum.Preserved = append(sum.Preserved, w.artifact)
		}
		sum.Preserved = append(sum.Preserved, w.backups...)
		return sum
	}

	for _, b := range w.backups {
		remove(b)
	}
	w.backups = nil

	if !w.finalized && w.artifact != "" {
		remove(w.artifact)
	}
	remove(filepath.Join(w.sessionDir, manifestName))

	var fallbacks []string
	for _, r := range w.roots.Fallbacks() {
		fallbacks = append(fallbacks, r.Path)
	}
	if w.name != "" {
		n, freed, err := storage.RemoveMatching(fallbacks, tempPatterns(w.name))
		sum.FilesRemoved += n
		sum.BytesFreed += freed
		if err != nil {
			sum.Errors = append(sum.Errors, err)
		}
	}

	if w.ownsSessionDir {
		if err := os.Remove(w.sessionDir); err != nil && !os.IsNotExist(err) {
			w.logger.WithError(err).Debug("Session directory left in place")
		}
	}

	w.logger.DebugWithFields("Session cleaned up", map[string]interface{}{
		"files": sum.FilesRemoved,
		"bytes": sum.BytesFreed,
	})
	return sum
}

// tempPatterns matches the scratch copies of name a successful session no
// longer needs: fallback artifacts and their backups
func tempPatterns(name string) []string {
	fb := stem(name) + fallbackMarker + "*" + artifactExt
	return []string{fb, backupPrefix + "*_" + fb}
}

// Close marks the writer unusable for further writes
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}
