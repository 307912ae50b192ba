package health

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NvidiaSMIProbe reads GPU memory usage by shelling out to nvidia-smi.
type NvidiaSMIProbe struct {
	// Path of the nvidia-smi executable; bare names resolve via PATH.
	Path string
}

// Usage queries memory.used and memory.total for GPU 0.
func (p *NvidiaSMIProbe) Usage(ctx context.Context) (MemoryUsage, error) {
	cmd := exec.CommandContext(ctx, p.Path,
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits")

	output, err := cmd.Output()
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("nvidia-smi: %w", err)
	}

	return parseMemoryQuery(string(output))
}

// parseMemoryQuery parses the first line of csv,noheader,nounits output,
// e.g. "3172, 8192".
func parseMemoryQuery(output string) (MemoryUsage, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return MemoryUsage{}, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}

	used, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("parse memory.used: %w", err)
	}
	total, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("parse memory.total: %w", err)
	}
	if total <= 0 {
		return MemoryUsage{}, fmt.Errorf("nvidia-smi reported total memory %v", total)
	}

	return MemoryUsage{UsedMB: used, TotalMB: total}, nil
}
