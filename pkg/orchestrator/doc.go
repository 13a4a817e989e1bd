// Package orchestrator ties the checkpoint pieces into one session.
//
// A session buffers segments as the generator produces them, asks the
// scheduler at every step whether a checkpoint is due, and hands the audio
// that is not yet durable to a background worker. At most one checkpoint
// is in flight; a trigger that arrives while one is running is skipped and
// the next step triggers again. Failed writes go through the recovery
// coordinator, and repeated failures put the session into recovery mode,
// which is announced on every checkpoint attempt until a write succeeds.
//
// Basic usage:
//
//	o := orchestrator.New(cfg, orchestrator.Options{})
//	if err := o.Initialize(ctx, "out", checkpoint.Naming{Voice: "alto", Source: "story.txt"}); err != nil {
//	    return err
//	}
//	for step, seg := range segments {
//	    o.AddSegment(seg, step+1, orchestrator.SegmentMeta{})
//	}
//	res, err := o.Finalize(ctx)
package orchestrator
