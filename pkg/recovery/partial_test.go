package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autosave/pkg/checkpoint"
	"autosave/pkg/config"
	errs "autosave/pkg/errors"
	"autosave/pkg/logger"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionName = "story_20260101_120000.wav"

// writeWAV writes a mono 16-bit file of frames samples with the given mtime
func writeWAV(t *testing.T, path string, frames int, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 22050, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 22050},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = 1000
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func writeGarbage(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVEjunk"), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

type layout struct {
	sessionDir string
	fallback   string
	artifact   string
	loc        checkpoint.Locator
}

func newLayout(t *testing.T) layout {
	root := t.TempDir()
	l := layout{
		sessionDir: filepath.Join(root, "session"),
		fallback:   filepath.Join(root, "fallback"),
	}
	l.artifact = filepath.Join(l.sessionDir, checkpoint.TempName(sessionName))
	l.loc = checkpoint.Locator{
		Artifact:      l.artifact,
		BackupDirs:    []string{l.sessionDir},
		FallbackRoots: []string{l.fallback},
		Patterns:      checkpoint.SessionPatterns(sessionName),
	}
	return l
}

func TestRecoverPartialPriority(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	backupOf := func(l layout, at time.Time) string {
		return filepath.Join(l.sessionDir, checkpoint.BackupName(filepath.Base(l.artifact), at))
	}

	tests := []struct {
		name   string
		setup  func(t *testing.T, l layout)
		source Source
		frames int
	}{
		{
			name: "valid artifact wins",
			setup: func(t *testing.T, l layout) {
				writeWAV(t, l.artifact, 300, base)
				writeWAV(t, backupOf(l, base.Add(time.Minute)), 200, base.Add(time.Minute))
				writeWAV(t, filepath.Join(l.fallback, checkpoint.FallbackName(sessionName, base)), 100, base.Add(time.Hour))
			},
			source: SourceArtifact,
			frames: 300,
		},
		{
			name: "newest valid backup when artifact is corrupt",
			setup: func(t *testing.T, l layout) {
				writeGarbage(t, l.artifact, base)
				writeWAV(t, backupOf(l, base.Add(time.Minute)), 200, base.Add(time.Minute))
				writeWAV(t, backupOf(l, base.Add(2*time.Minute)), 250, base.Add(2*time.Minute))
				writeGarbage(t, backupOf(l, base.Add(3*time.Minute)), base.Add(3*time.Minute))
			},
			source: SourceBackup,
			frames: 250,
		},
		{
			name: "newest valid fallback file last",
			setup: func(t *testing.T, l layout) {
				writeWAV(t, filepath.Join(l.fallback, checkpoint.FallbackName(sessionName, base)), 100, base)
				writeWAV(t, filepath.Join(l.fallback, checkpoint.EmergencyName(sessionName, base)), 150, base.Add(time.Minute))
				writeGarbage(t, filepath.Join(l.fallback, checkpoint.CancelledName(sessionName, base)), base.Add(2*time.Minute))
				writeWAV(t, filepath.Join(l.fallback, "unrelated_fallback_20260101_120000.wav"), 999, base.Add(time.Hour))
			},
			source: SourceFallback,
			frames: 150,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLayout(t)
			tt.setup(t, l)

			c := New(config.DefaultConfig().Recovery, logger.NewNopLogger())
			r := c.RecoverPartial(context.Background(), l.loc)

			require.True(t, r.Found, "errors: %v", r.Errors)
			assert.NoError(t, r.Err())
			assert.Equal(t, tt.source, r.Source)
			assert.Equal(t, tt.frames, r.Frames)
			assert.Positive(t, r.Duration)
		})
	}
}

func TestRecoverPartialNothingFound(t *testing.T) {
	l := newLayout(t)
	writeGarbage(t, l.artifact, time.Now())

	c := New(config.DefaultConfig().Recovery, logger.NewNopLogger())
	r := c.RecoverPartial(context.Background(), l.loc)

	assert.False(t, r.Found)
	assert.Equal(t, SourceNone, r.Source)
	assert.ErrorIs(t, r.Err(), errs.ErrNothingRecoverable)
	assert.Equal(t, 1, r.Checked)
	assert.NotEmpty(t, r.Suggestions)
}

func TestRecoverPartialWithoutSessionName(t *testing.T) {
	l := newLayout(t)
	writeWAV(t, filepath.Join(l.fallback, checkpoint.EmergencyName("other.wav", time.Now())), 80, time.Now())

	c := New(config.DefaultConfig().Recovery, logger.NewNopLogger())
	r := c.RecoverPartial(context.Background(), checkpoint.Locator{FallbackRoots: []string{l.fallback}})

	require.True(t, r.Found)
	assert.Equal(t, SourceFallback, r.Source)
	assert.Equal(t, 80, r.Frames)
}
