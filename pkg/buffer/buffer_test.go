package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSegment(index, samples int) Segment {
	s := make([]float32, samples)
	for i := range s {
		s[i] = 0.25
	}
	return Segment{Index: index, Step: index + 1, Samples: s, Channels: 1, SampleRate: 1000}
}

func TestBufferTotalsMatchSegments(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
	}{
		{"empty", nil},
		{"single", []int{500}},
		{"many", []int{100, 250, 1000, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := New()
			var want time.Duration
			total := 0
			for i, n := range tt.sizes {
				seg := makeSegment(i, n)
				want += seg.Duration()
				total += n
				require.NoError(t, buf.Add(seg))
			}

			st := buf.Stats()
			assert.Equal(t, len(tt.sizes), st.Segments)
			assert.Equal(t, want, st.TotalDuration)
			assert.Equal(t, int64(total*bytesPerSample), st.Bytes)

			snap := buf.SnapshotAll()
			assert.Len(t, snap.Samples, total)
			assert.Equal(t, want, snap.Duration)
			assert.Equal(t, total == 0, snap.Empty())
		})
	}
}

func TestBufferRejectsNonContiguousIndex(t *testing.T) {
	buf := New()
	require.NoError(t, buf.Add(makeSegment(0, 10)))

	err := buf.Add(makeSegment(2, 10))
	assert.ErrorIs(t, err, ErrNonContiguous)
	assert.Equal(t, 1, buf.NextIndex())
}

func TestSnapshotSkipsEmptyPayloads(t *testing.T) {
	buf := New()
	require.NoError(t, buf.Add(makeSegment(0, 10)))
	require.NoError(t, buf.Add(Segment{Index: 1, Channels: 1, SampleRate: 1000}))
	require.NoError(t, buf.Add(makeSegment(2, 20)))

	snap := buf.Snapshot(0, 2)
	assert.Equal(t, 2, snap.Segments)
	assert.Equal(t, 1, snap.Skipped)
	assert.Len(t, snap.Samples, 30)
}

func TestSnapshotRangeDoesNotMutate(t *testing.T) {
	buf := New()
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Add(makeSegment(i, 10)))
	}

	snap := buf.Snapshot(1, 2)
	assert.Len(t, snap.Samples, 20)
	snap.Samples[0] = 9

	again := buf.Snapshot(1, 1)
	assert.Equal(t, float32(0.25), again.Samples[0])
	assert.Equal(t, 4, buf.Stats().Segments)
}

func TestEvict(t *testing.T) {
	buf := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Add(makeSegment(i, 100)))
	}

	assert.Equal(t, 3, buf.EvictOlderThan(2))
	st := buf.Stats()
	assert.Equal(t, 2, st.Segments)
	assert.Equal(t, 3, st.FirstIndex)
	assert.Equal(t, 200*time.Millisecond, st.TotalDuration)

	assert.Equal(t, 0, buf.EvictOlderThan(10))
	assert.Equal(t, 1, buf.EvictThrough(3))
	assert.Equal(t, 4, buf.Stats().FirstIndex)

	// indexing continues after eviction
	require.NoError(t, buf.Add(makeSegment(5, 1)))
}

func TestSegmentDurationStereo(t *testing.T) {
	seg := Segment{Samples: make([]float32, 2000), Channels: 2, SampleRate: 1000}
	assert.Equal(t, time.Second, seg.Duration())
}
