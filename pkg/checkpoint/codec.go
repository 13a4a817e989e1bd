package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"autosave/pkg/buffer"
	errs "autosave/pkg/errors"
	"autosave/pkg/storage"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmFormat is the WAVE format tag for integer PCM
const pcmFormat = 1

// Format is the PCM layout of the session artifact
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// maxAmplitude is the largest sample value representable at the bit depth
func (f Format) maxAmplitude() int {
	return 1<<(f.BitDepth-1) - 1
}

func (f Format) audioFormat() *audio.Format {
	return &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate}
}

// Normalized is a payload converted to the artifact layout
type Normalized struct {
	Data    []int
	Frames  int
	Clipped int
	NonFin  int
}

// Duration is the playback length of the normalized payload
func (n Normalized) Duration(f Format) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n.Frames) * time.Second / time.Duration(f.SampleRate)
}

// Warnings describes the corrections applied while normalizing
func (n Normalized) Warnings() []string {
	var w []string
	if n.Clipped > 0 {
		w = append(w, fmt.Sprintf("clamped %d out-of-range samples", n.Clipped))
	}
	if n.NonFin > 0 {
		w = append(w, fmt.Sprintf("replaced %d NaN samples with silence", n.NonFin))
	}
	return w
}

// normalize clamps samples into [-1, 1], coerces the channel layout and
// quantizes to the artifact bit depth. It fails only for payloads that cannot
// be interpreted at all.
func normalize(snap buffer.Snapshot, f Format) (Normalized, error) {
	if snap.Empty() {
		return Normalized{}, errs.E(errs.KindPayload, "normalize", errors.New("empty audio payload"))
	}
	if snap.SampleRate != 0 && snap.SampleRate != f.SampleRate {
		return Normalized{}, errs.E(errs.KindPayload, "normalize",
			fmt.Errorf("sample rate %d does not match artifact sample rate %d", snap.SampleRate, f.SampleRate))
	}
	inCh := snap.Channels
	if inCh <= 0 {
		inCh = 1
	}
	if len(snap.Samples)%inCh != 0 {
		return Normalized{}, errs.E(errs.KindPayload, "normalize",
			fmt.Errorf("%d samples do not divide into %d channels", len(snap.Samples), inCh))
	}
	if inCh != f.Channels && inCh != 1 && f.Channels != 1 {
		return Normalized{}, errs.E(errs.KindPayload, "normalize",
			fmt.Errorf("cannot map %d channels onto %d", inCh, f.Channels))
	}

	frames := len(snap.Samples) / inCh
	out := Normalized{Data: make([]int, 0, frames*f.Channels), Frames: frames}
	scale := float64(f.maxAmplitude())

	clamp := func(s float32) int {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			out.NonFin++
			v = 0
		case v > 1:
			out.Clipped++
			v = 1
		case v < -1:
			out.Clipped++
			v = -1
		}
		return int(math.Round(v * scale))
	}

	for i := 0; i < frames; i++ {
		frame := snap.Samples[i*inCh : (i+1)*inCh]
		switch {
		case inCh == f.Channels:
			for _, s := range frame {
				out.Data = append(out.Data, clamp(s))
			}
		case inCh == 1:
			v := clamp(frame[0])
			for c := 0; c < f.Channels; c++ {
				out.Data = append(out.Data, v)
			}
		default:
			var sum float32
			for _, s := range frame {
				if !math.IsNaN(float64(s)) {
					sum += s
				}
			}
			out.Data = append(out.Data, clamp(sum/float32(inCh)))
		}
	}
	return out, nil
}

// decodeFile reads a whole PCM artifact
func decodeFile(path string) (*audio.IntBuffer, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, errs.EPath(errs.KindValidation, "decode", path, errors.New("not a valid PCM WAV file"))
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, errs.EPath(errs.KindValidation, "decode", path, err)
	}
	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	return buf, format, nil
}

// encodeFile writes data as a complete PCM artifact through an atomic rename
func encodeFile(path string, data []int, f Format) error {
	return storage.WriteFileAtomic(path, func(out *os.File) error {
		enc := wav.NewEncoder(out, f.SampleRate, f.BitDepth, f.Channels, pcmFormat)
		buf := &audio.IntBuffer{Format: f.audioFormat(), Data: data, SourceBitDepth: f.BitDepth}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to encode audio: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to finish audio file: %w", err)
		}
		return nil
	})
}

// appendFile appends normalized audio to the artifact at path. Formats
// without streaming append are rewritten in full: the existing file is
// decoded, extended and re-encoded into place.
func appendFile(path string, n Normalized, f Format) (int, error) {
	existing, format, err := decodeFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := encodeFile(path, n.Data, f); err != nil {
			return 0, err
		}
		return n.Frames, nil
	case err != nil:
		return 0, err
	}

	if format.SampleRate != f.SampleRate || format.Channels != f.Channels {
		return 0, errs.EPath(errs.KindValidation, "append", path,
			fmt.Errorf("artifact layout %dHz/%dch does not match session %dHz/%dch",
				format.SampleRate, format.Channels, f.SampleRate, f.Channels))
	}

	data := make([]int, 0, len(existing.Data)+len(n.Data))
	data = append(data, existing.Data...)
	data = append(data, n.Data...)
	if err := encodeFile(path, data, f); err != nil {
		return 0, err
	}
	return len(data) / f.Channels, nil
}

// encodedSize estimates the bytes n occupies on disk
func encodedSize(n Normalized, f Format) int64 {
	return int64(len(n.Data) * f.BitDepth / 8)
}
