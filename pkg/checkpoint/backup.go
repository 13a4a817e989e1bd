package checkpoint

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"autosave/pkg/storage"

	"golang.org/x/crypto/blake2b"
)

// fileDigest hashes a file with BLAKE2b-256
func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// copyVerified copies src to dst and checks the copy is byte-identical
func copyVerified(src, dst string) error {
	want, err := fileDigest(src)
	if err != nil {
		return fmt.Errorf("failed to hash source: %w", err)
	}
	if _, err := storage.CopyFile(src, dst); err != nil {
		return err
	}
	got, err := fileDigest(dst)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to hash copy: %w", err)
	}
	if !bytes.Equal(want, got) {
		os.Remove(dst)
		return fmt.Errorf("copy of %s is not byte-identical", filepath.Base(src))
	}
	return nil
}

// createBackup copies the artifact next to itself under a backup name and
// trims old backups beyond the retention limit. The caller holds w.mu.
func (w *Writer) createBackup(artifact string) (string, error) {
	backup := filepath.Join(filepath.Dir(artifact), BackupName(filepath.Base(artifact), w.now()))
	if err := copyVerified(artifact, backup); err != nil {
		return "", fmt.Errorf("failed to back up artifact: %w", err)
	}
	w.backups = append(w.backups, backup)
	w.rotateBackups()

	w.logger.DebugWithFields("Artifact backed up", map[string]interface{}{
		"artifact": artifact,
		"backup":   backup,
	})
	return backup, nil
}

// rotateBackups removes the oldest backups beyond MaxBackups
func (w *Writer) rotateBackups() {
	limit := w.cfg.MaxBackups
	if limit <= 0 || len(w.backups) <= limit {
		return
	}
	drop := len(w.backups) - limit
	for _, old := range w.backups[:drop] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			w.logger.WithError(err).Warn("Failed to remove old backup")
		}
	}
	w.backups = append([]string(nil), w.backups[drop:]...)
}

// restoreBackup puts backup back in place of artifact. The caller holds w.mu.
func (w *Writer) restoreBackup(backup, artifact string) error {
	if _, err := storage.CopyFile(backup, artifact); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	w.logger.WarnWithFields("Artifact rolled back", map[string]interface{}{
		"artifact": artifact,
		"backup":   backup,
	})
	return nil
}
