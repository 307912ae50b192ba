// Package health tracks GPU provider health during a job and decides,
// per frame, which engine set the pipeline should use.
package health

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/engine"
	"github.com/dudu/refacer/internal/inference"
)

// State is the provider health state machine.
type State int

const (
	// StateGPUActive means frames run on the GPU primary.
	StateGPUActive State = iota
	// StateGPUWarning means GPU memory is within the warning margin of
	// the limit; frames still run on the GPU.
	StateGPUWarning
	// StateCPUTemporary means the current frame was routed to the CPU
	// fallback because memory crossed the limit. It does not persist:
	// the next check starts from the GPU again.
	StateCPUTemporary
	// StateCPUPermanent means the job switched to CPU for good after
	// repeated or memory-related inference errors. Terminal.
	StateCPUPermanent
)

func (s State) String() string {
	switch s {
	case StateGPUActive:
		return "gpu-active"
	case StateGPUWarning:
		return "gpu-warning"
	case StateCPUTemporary:
		return "cpu-temporary"
	case StateCPUPermanent:
		return "cpu-permanent"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MemoryUsage is a point-in-time GPU memory reading.
type MemoryUsage struct {
	UsedMB  float64
	TotalMB float64
}

// Percent returns used memory as a percentage of total.
func (u MemoryUsage) Percent() float64 {
	if u.TotalMB <= 0 {
		return 0
	}
	return u.UsedMB / u.TotalMB * 100
}

// MemoryProbe reads current GPU memory usage.
type MemoryProbe interface {
	Usage(ctx context.Context) (MemoryUsage, error)
}

// Controller decides per frame which engine set runs inference, and
// demotes the job to the CPU fallback when the GPU misbehaves.
// Not safe for concurrent use; one controller per job.
type Controller struct {
	cfg     config.GPU
	manager *engine.Manager
	probe   MemoryProbe
	logger  *slog.Logger

	state             State
	consecutiveErrors int
	degradedFrames    int
}

// New creates a controller for one job.
func New(cfg config.GPU, manager *engine.Manager, probe MemoryProbe, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		manager: manager,
		probe:   probe,
		logger:  logger,
	}
}

// CheckBeforeFrame returns the engine set the given frame should run
// on. GPU memory is probed every MemoryCheckInterval frames; a reading
// over the limit routes only this frame to the CPU fallback. A failed
// probe fails open onto the GPU.
func (c *Controller) CheckBeforeFrame(ctx context.Context, frameIndex int) *engine.Set {
	primary := c.manager.Primary()

	if c.state == StateCPUPermanent || !primary.Backend.IsGPU() {
		return primary
	}

	if frameIndex%c.cfg.MemoryCheckInterval != 0 {
		// The temporary fallback is scoped to its triggering frame.
		if c.state == StateCPUTemporary {
			c.state = StateGPUActive
		}
		return primary
	}

	usage, err := c.probe.Usage(ctx)
	if err != nil {
		c.logger.Warn("gpu memory probe failed, continuing on gpu", "error", err)
		return primary
	}

	pct := usage.Percent()
	switch {
	case pct > c.cfg.MemoryLimitPercent:
		fallback := c.manager.Fallback()
		if fallback == nil {
			c.logger.Warn("gpu memory over limit but no cpu fallback available",
				"used_percent", pct)
			return primary
		}
		c.state = StateCPUTemporary
		c.degradedFrames++
		c.logger.Warn("gpu memory over limit, running frame on cpu",
			"frame", frameIndex,
			"used_percent", pct,
			"limit_percent", c.cfg.MemoryLimitPercent)
		return fallback

	case pct > c.cfg.MemoryLimitPercent-c.cfg.WarningMarginPoints:
		c.state = StateGPUWarning
		c.logger.Warn("gpu memory approaching limit",
			"frame", frameIndex,
			"used_percent", pct,
			"limit_percent", c.cfg.MemoryLimitPercent)
		return primary
	}

	c.state = StateGPUActive
	return primary
}

// Primary returns the current primary engine set without any per-frame
// health accounting, for start-of-job setup work.
func (c *Controller) Primary() *engine.Set {
	return c.manager.Primary()
}

// RecordSuccess resets the consecutive error counter after a frame
// completed inference without error.
func (c *Controller) RecordSuccess() {
	c.consecutiveErrors = 0
}

// RecordError registers an inference error. Memory-related errors, or
// reaching the consecutive error limit, demote the job to CPU
// permanently. The returned error is non-nil only when processing
// cannot continue at all.
func (c *Controller) RecordError(ctx context.Context, err error) error {
	if c.state == StateCPUPermanent {
		c.consecutiveErrors++
		if c.consecutiveErrors >= c.cfg.MaxErrors {
			return fmt.Errorf("inference keeps failing on cpu: %w", err)
		}
		return nil
	}

	c.consecutiveErrors++

	memory := inference.IsMemory(err)
	if !memory && c.consecutiveErrors < c.cfg.MaxErrors {
		c.logger.Warn("inference error",
			"consecutive", c.consecutiveErrors,
			"max", c.cfg.MaxErrors,
			"error", err)
		return nil
	}

	if !c.cfg.AutoFallback {
		return fmt.Errorf("gpu inference failed and auto fallback is disabled: %w", err)
	}

	if !c.manager.Primary().Backend.IsGPU() {
		c.state = StateCPUPermanent
		return fmt.Errorf("inference keeps failing on cpu: %w", err)
	}

	reason := "consecutive error limit reached"
	if memory {
		reason = "memory-related inference error"
	}
	c.logger.Warn("switching to cpu permanently", "reason", reason, "error", err)

	if rerr := c.manager.Reinitialize([]inference.Backend{inference.BackendCpu}); rerr != nil {
		return fmt.Errorf("permanent cpu fallback failed: %w", rerr)
	}

	c.state = StateCPUPermanent
	c.consecutiveErrors = 0
	return nil
}

// State returns the current provider state.
func (c *Controller) State() State {
	return c.state
}

// DegradedFrames returns how many frames were routed to the temporary
// CPU fallback.
func (c *Controller) DegradedFrames() int {
	return c.degradedFrames
}
