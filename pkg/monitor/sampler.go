package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrNoAccelerator is returned by an AcceleratorProbe on hosts without one
var ErrNoAccelerator = errors.New("no accelerator present")

// probeTimeout bounds one accelerator query
const probeTimeout = 2 * time.Second

// Sampler reads one utilization sample from the host
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// AcceleratorProbe reports accelerator memory in bytes
type AcceleratorProbe func(ctx context.Context) (used, total uint64, err error)

// HostSampler samples CPU and memory through gopsutil and accelerator
// memory through an optional probe
type HostSampler struct {
	Accelerator AcceleratorProbe
}

// NewHostSampler returns a sampler that queries nvidia-smi for accelerator
// memory when it is installed
func NewHostSampler() *HostSampler {
	return &HostSampler{Accelerator: NvidiaSMIProbe}
}

// Sample implements Sampler
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	s := Sample{At: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		s.CPU = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to read memory usage: %w", err)
	}
	s.Memory = vm.UsedPercent

	if h.Accelerator == nil {
		return s, nil
	}
	used, total, err := h.Accelerator(ctx)
	switch {
	case errors.Is(err, ErrNoAccelerator):
	case err != nil:
		return s, fmt.Errorf("failed to read accelerator memory: %w", err)
	case total > 0:
		s.HasAccelerator = true
		s.Accelerator = float64(used) / float64(total) * 100
	}
	return s, nil
}

// NvidiaSMIProbe sums memory across all NVIDIA devices reported by nvidia-smi
func NvidiaSMIProbe(ctx context.Context) (uint64, uint64, error) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return 0, 0, ErrNoAccelerator
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path,
		"--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI reads "used, total" MiB pairs, one device per line
func parseNvidiaSMI(out []byte) (uint64, uint64, error) {
	var used, total uint64
	devices := 0

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		u, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad memory.used %q: %w", fields[0], err)
		}
		t, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad memory.total %q: %w", fields[1], err)
		}
		used += u << 20
		total += t << 20
		devices++
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	if devices == 0 {
		return 0, 0, ErrNoAccelerator
	}
	return used, total, nil
}
