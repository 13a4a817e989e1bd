package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"time"

	errs "autosave/pkg/errors"
)

// clipWarnRatio is the share of full-scale samples above which an artifact
// is reported as clipping
const clipWarnRatio = 0.01

// Validation is the result of checking an artifact on disk
type Validation struct {
	Path     string
	Valid    bool
	Size     int64
	Frames   int
	Duration time.Duration
	Format   Format
	Warnings []string
	Err      error
}

// Validate checks that the artifact exists, is non-empty and decodes to at
// least one frame of in-range PCM. Out-of-range and clipping samples produce
// warnings, not failures.
func Validate(path string) Validation {
	v := Validation{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		v.Err = errs.EPath(errs.KindValidation, "validate", path, err)
		return v
	}
	v.Size = info.Size()
	if v.Size == 0 {
		v.Err = errs.EPath(errs.KindValidation, "validate", path, errors.New("file is empty"))
		return v
	}

	buf, format, err := decodeFile(path)
	if err != nil {
		v.Err = errs.EPath(errs.KindValidation, "validate", path, err)
		return v
	}
	v.Format = format
	if format.Channels <= 0 || format.SampleRate <= 0 || format.BitDepth <= 0 {
		v.Err = errs.EPath(errs.KindValidation, "validate", path,
			fmt.Errorf("invalid header %dHz/%dch/%dbit", format.SampleRate, format.Channels, format.BitDepth))
		return v
	}
	if len(buf.Data) == 0 {
		v.Err = errs.EPath(errs.KindValidation, "validate", path, errors.New("no audio frames"))
		return v
	}

	v.Frames = len(buf.Data) / format.Channels
	v.Duration = time.Duration(v.Frames) * time.Second / time.Duration(format.SampleRate)

	limit := format.maxAmplitude()
	outOfRange, fullScale := 0, 0
	for _, s := range buf.Data {
		switch {
		case s > limit || s < -limit-1:
			outOfRange++
		case s == limit || s == -limit-1:
			fullScale++
		}
	}
	if outOfRange > 0 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("%d samples outside the %d-bit range", outOfRange, format.BitDepth))
	}
	if ratio := float64(fullScale) / float64(len(buf.Data)); ratio > clipWarnRatio {
		v.Warnings = append(v.Warnings, fmt.Sprintf("%.1f%% of samples at full scale, audio may be clipped", ratio*100))
	}

	v.Valid = true
	return v
}
