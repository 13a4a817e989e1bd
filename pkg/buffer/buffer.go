package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrNonContiguous is returned when a segment index does not follow the last one
var ErrNonContiguous = errors.New("segment index is not contiguous")

// bytesPerSample is the in-memory footprint of one float32 sample
const bytesPerSample = 4

// Segment is one unit of generated audio. It is immutable once added.
type Segment struct {
	Index          int
	Step           int
	Samples        []float32
	Channels       int
	SampleRate     int
	Text           string
	GenerationTime time.Duration
	CreatedAt      time.Time
}

// Duration returns the playback length of the segment
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	ch := s.Channels
	if ch <= 0 {
		ch = 1
	}
	frames := len(s.Samples) / ch
	return time.Duration(frames) * time.Second / time.Duration(s.SampleRate)
}

// Stats summarizes the buffer contents
type Stats struct {
	Segments      int
	TotalDuration time.Duration
	Bytes         int64
	FirstIndex    int
	LastIndex     int
}

// String renders the stats for logs and status lines
func (s Stats) String() string {
	return fmt.Sprintf("%d segments, %.1fs, %s", s.Segments, s.TotalDuration.Seconds(), humanize.IBytes(uint64(s.Bytes)))
}

// Snapshot is a concatenated read-only view over a range of segments
type Snapshot struct {
	FromIndex  int
	ToIndex    int
	Segments   int
	Skipped    int
	Samples    []float32
	Channels   int
	SampleRate int
	Duration   time.Duration
}

// Empty reports whether the snapshot carries no audio
func (s Snapshot) Empty() bool {
	return len(s.Samples) == 0
}

// Buffer is an ordered in-memory store of segments that are not yet durable
type Buffer struct {
	mu        sync.RWMutex
	segments  []Segment
	total     time.Duration
	bytes     int64
	nextIndex int
}

// New creates an empty buffer whose first expected index is zero
func New() *Buffer {
	return &Buffer{}
}

// NextIndex returns the index the next added segment must carry
func (b *Buffer) NextIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextIndex
}

// Add appends a segment. The caller hands over ownership of seg.Samples.
func (b *Buffer) Add(seg Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seg.Index != b.nextIndex {
		return fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, seg.Index, b.nextIndex)
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now()
	}

	b.segments = append(b.segments, seg)
	b.total += seg.Duration()
	b.bytes += int64(len(seg.Samples) * bytesPerSample)
	b.nextIndex++
	return nil
}

// Snapshot concatenates segments with from <= Index <= to. Segments with no
// samples or a layout that disagrees with the first usable segment are skipped.
func (b *Buffer) Snapshot(from, to int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{FromIndex: from, ToIndex: to}
	var selected []Segment
	size := 0
	for _, seg := range b.segments {
		if seg.Index < from || seg.Index > to {
			continue
		}
		if len(seg.Samples) == 0 {
			snap.Skipped++
			continue
		}
		if len(selected) > 0 && (seg.Channels != selected[0].Channels || seg.SampleRate != selected[0].SampleRate) {
			snap.Skipped++
			continue
		}
		selected = append(selected, seg)
		size += len(seg.Samples)
	}
	if len(selected) == 0 {
		return snap
	}

	snap.Samples = make([]float32, 0, size)
	for _, seg := range selected {
		snap.Samples = append(snap.Samples, seg.Samples...)
		snap.Duration += seg.Duration()
	}
	snap.Segments = len(selected)
	snap.Channels = selected[0].Channels
	snap.SampleRate = selected[0].SampleRate
	return snap
}

// SnapshotAll concatenates every buffered segment
func (b *Buffer) SnapshotAll() Snapshot {
	b.mu.RLock()
	if len(b.segments) == 0 {
		b.mu.RUnlock()
		return Snapshot{FromIndex: b.nextIndex, ToIndex: b.nextIndex - 1}
	}
	from, to := b.segments[0].Index, b.segments[len(b.segments)-1].Index
	b.mu.RUnlock()
	return b.Snapshot(from, to)
}

// EvictOlderThan drops all but the last keepLastN segments and returns how
// many were removed
func (b *Buffer) EvictOlderThan(keepLastN int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictLocked(len(b.segments) - max(keepLastN, 0))
}

// EvictThrough drops every segment whose index is <= index
func (b *Buffer) EvictThrough(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	drop := 0
	for drop < len(b.segments) && b.segments[drop].Index <= index {
		drop++
	}
	return b.evictLocked(drop)
}

// evictLocked removes the first drop segments. The caller holds b.mu.
func (b *Buffer) evictLocked(drop int) int {
	if drop <= 0 {
		return 0
	}
	for _, seg := range b.segments[:drop] {
		b.total -= seg.Duration()
		b.bytes -= int64(len(seg.Samples) * bytesPerSample)
	}
	kept := make([]Segment, len(b.segments)-drop)
	copy(kept, b.segments[drop:])
	b.segments = kept
	return drop
}

// Stats returns the current aggregate statistics
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Segments:      len(b.segments),
		TotalDuration: b.total,
		Bytes:         b.bytes,
		FirstIndex:    -1,
		LastIndex:     -1,
	}
	if len(b.segments) > 0 {
		st.FirstIndex = b.segments[0].Index
		st.LastIndex = b.segments[len(b.segments)-1].Index
	}
	return st
}

// Reset discards every segment and restarts indexing at zero
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = nil
	b.total = 0
	b.bytes = 0
	b.nextIndex = 0
}
