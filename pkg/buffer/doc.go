// Package buffer holds generated audio segments in memory until a checkpoint
// has made them durable.
//
// Segments are kept in insertion order, which is playback order. Indices are
// contiguous within a session, and the running total duration always equals
// the sum of the buffered segment durations.
//
//	buf := buffer.New()
//	_ = buf.Add(buffer.Segment{Index: 0, Samples: pcm, Channels: 1, SampleRate: 22050})
//	snap := buf.SnapshotAll()
//	// write snap.Samples somewhere durable, then
//	buf.EvictThrough(snap.ToIndex)
package buffer
