package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"autosave/pkg/buffer"
	errs "autosave/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	mono := Format{SampleRate: testRate, Channels: 1, BitDepth: 16}
	stereo := Format{SampleRate: testRate, Channels: 2, BitDepth: 16}
	nan := float32(math.NaN())

	tests := []struct {
		name     string
		snap     buffer.Snapshot
		format   Format
		frames   int
		values   int
		kind     errs.Kind
		clipped  int
		nonFinit int
	}{
		{"mono passthrough", buffer.Snapshot{Samples: []float32{0, 0.5}, Channels: 1, SampleRate: testRate}, mono, 2, 2, "", 0, 0},
		{"mono to stereo", buffer.Snapshot{Samples: []float32{0, 0.5}, Channels: 1}, stereo, 2, 4, "", 0, 0},
		{"stereo to mono", buffer.Snapshot{Samples: []float32{0.5, 0.5}, Channels: 2}, mono, 1, 1, "", 0, 0},
		{"clamps", buffer.Snapshot{Samples: []float32{1.5, -7}, Channels: 1}, mono, 2, 2, "", 2, 0},
		{"nan is silence", buffer.Snapshot{Samples: []float32{nan, 0.1}, Channels: 1}, mono, 2, 2, "", 0, 1},
		{"empty", buffer.Snapshot{}, mono, 0, 0, errs.KindPayload, 0, 0},
		{"rate mismatch", buffer.Snapshot{Samples: []float32{0}, Channels: 1, SampleRate: 16000}, mono, 0, 0, errs.KindPayload, 0, 0},
		{"ragged frames", buffer.Snapshot{Samples: []float32{0, 0, 0}, Channels: 2}, mono, 0, 0, errs.KindPayload, 0, 0},
		{"unmappable", buffer.Snapshot{Samples: []float32{0, 0, 0}, Channels: 3}, stereo, 0, 0, errs.KindPayload, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := normalize(tt.snap, tt.format)
			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, errs.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.frames, n.Frames)
			assert.Len(t, n.Data, tt.values)
			assert.Equal(t, tt.clipped, n.Clipped)
			assert.Equal(t, tt.nonFinit, n.NonFin)
		})
	}
}

func TestAppendFileRejectsLayoutChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	mono := Format{SampleRate: testRate, Channels: 1, BitDepth: 16}
	n, err := normalize(buffer.Snapshot{Samples: []float32{0.1, 0.2}, Channels: 1}, mono)
	require.NoError(t, err)

	frames, err := appendFile(path, n, mono)
	require.NoError(t, err)
	assert.Equal(t, 2, frames)

	stereo := Format{SampleRate: testRate, Channels: 2, BitDepth: 16}
	_, err = appendFile(path, n, stereo)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.Classify(err))
}

func TestValidateRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.wav")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	garbage := filepath.Join(dir, "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("RIFFnope"), 0644))

	for _, path := range []string{empty, garbage, filepath.Join(dir, "missing.wav")} {
		v := Validate(path)
		assert.False(t, v.Valid, path)
		assert.Equal(t, errs.KindValidation, errs.Classify(v.Err), path)
	}
}
