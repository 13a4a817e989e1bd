package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"syscall"

	"autosave/pkg/checkpoint"
	errs "autosave/pkg/errors"
	"autosave/pkg/logger"
	"autosave/pkg/orchestrator"
)

// toneGenerator produces a continuous sine tone that steps through a short
// melody, one note per segment
type toneGenerator struct {
	sampleRate int
	frames     int
	amplitude  float64
	phase      float64
}

var melody = []float64{261.63, 293.66, 329.63, 349.23, 392.00, 440.00, 493.88, 523.25}

func newToneGenerator(sampleRate int, segmentMillis int) *toneGenerator {
	return &toneGenerator{
		sampleRate: sampleRate,
		frames:     max(1, sampleRate*segmentMillis/1000),
		amplitude:  0.3,
	}
}

// Next returns the segment for step. Phase carries over so segments join
// without clicks.
func (g *toneGenerator) Next(step int) []float32 {
	freq := melody[(step-1)%len(melody)]
	delta := 2 * math.Pi * freq / float64(g.sampleRate)

	out := make([]float32, g.frames)
	for i := range out {
		out[i] = float32(g.amplitude * math.Sin(g.phase))
		g.phase += delta
	}
	g.phase = math.Mod(g.phase, 2*math.Pi)
	return out
}

// faultKinds maps --fail-kind values to the errors injected for them
var faultKinds = map[string]error{
	string(errs.KindTransientFS):        syscall.EBUSY,
	string(errs.KindSpace):              syscall.ENOSPC,
	string(errs.KindPermission):         syscall.EACCES,
	string(errs.KindResourceExhaustion): syscall.ENOMEM,
	string(errs.KindPayload):            fmt.Errorf("audio samples rejected by encoder"),
}

// faultyWriter fails a share of checkpoint writes with a chosen error,
// to rehearse recovery against a real writer
type faultyWriter struct {
	orchestrator.ArtifactWriter
	rate  float64
	fault error

	mu  sync.Mutex
	rng *rand.Rand
}

func (w *faultyWriter) roll() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64() < w.rate
}

func (w *faultyWriter) Write(ctx context.Context, job checkpoint.Job) (checkpoint.Result, error) {
	if w.rate > 0 && w.roll() {
		err := fmt.Errorf("injected fault at step %d: %w", job.Step, w.fault)
		return checkpoint.Result{
			JobID:   job.ID,
			Step:    job.Step,
			Outcome: checkpoint.OutcomeFailed,
			Kind:    errs.Classify(err),
			Err:     err,
		}, err
	}
	return w.ArtifactWriter.Write(ctx, job)
}

// faultyFactory wraps the default writer with fault injection. A zero rate
// returns the default factory.
func faultyFactory(rate float64, kind string, seed uint64) (orchestrator.WriterFactory, error) {
	if rate <= 0 {
		return orchestrator.DefaultWriterFactory, nil
	}
	if rate > 1 {
		return nil, fmt.Errorf("fail rate must be between 0 and 1, got %.2f", rate)
	}
	fault, ok := faultKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown fail kind %q", kind)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	return func(cfg checkpoint.Config, log logger.Logger) (orchestrator.ArtifactWriter, error) {
		w, err := orchestrator.DefaultWriterFactory(cfg, log)
		if err != nil {
			return nil, err
		}
		return &faultyWriter{ArtifactWriter: w, rate: rate, fault: fault, rng: rng}, nil
	}, nil
}
