package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/inference"
)

// Factory builds a full engine set for one backend.
type Factory func(backend inference.Backend) (*Set, error)

// Manager owns the fixed two-slot engine pool: the primary set on the
// best available backend, plus an eagerly built CPU fallback when the
// primary is a GPU backend. Sets are constructed once at
// initialization; per-frame backend selection only picks a slot.
type Manager struct {
	mu       sync.Mutex
	factory  Factory
	logger   *slog.Logger
	primary  *Set
	fallback *Set
}

// NewManager creates a manager building ONNX-backed engine sets from
// the configured model files.
func NewManager(models config.Models, logger *slog.Logger) *Manager {
	factory := func(backend inference.Backend) (*Set, error) {
		return newONNXSet(models, backend)
	}
	return NewManagerWithFactory(factory, logger)
}

// NewManagerWithFactory creates a manager with a custom set factory.
func NewManagerWithFactory(factory Factory, logger *slog.Logger) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger,
	}
}

func newONNXSet(models config.Models, backend inference.Backend) (*Set, error) {
	detector, err := newSCRFDDetector(
		models.DetectorPath,
		models.DetectionSize,
		float32(models.ConfidenceThreshold),
		float32(models.NMSThreshold),
		backend,
	)
	if err != nil {
		return nil, err
	}

	embedder, err := newArcFaceEmbedder(models.EmbedderPath, backend)
	if err != nil {
		detector.Close()
		return nil, err
	}

	swapper, err := newInswapperSwapper(models.SwapperPath, models.EmapPath, models.BlendBlurSize, backend)
	if err != nil {
		detector.Close()
		embedder.Close()
		return nil, err
	}

	return &Set{
		Backend:  backend,
		Detector: detector,
		Embedder: embedder,
		Swapper:  swapper,
	}, nil
}

// Initialize builds engine sets for the preference list. Backends are
// tried in order; the first that initializes becomes the primary. When
// the primary is a GPU backend, a CPU fallback set is built eagerly so
// degraded frames never pay set construction cost.
func (m *Manager) Initialize(backends []inference.Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(backends)
}

func (m *Manager) initializeLocked(backends []inference.Backend) error {
	var errs []error
	for _, backend := range backends {
		set, err := m.factory(backend)
		if err != nil {
			m.logger.Warn("backend initialization failed",
				"backend", backend.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			continue
		}

		m.primary = set
		m.logger.Info("inference backend initialized", "backend", backend.String())

		if backend.IsGPU() {
			fallback, err := m.factory(inference.BackendCpu)
			if err != nil {
				set.Close()
				m.primary = nil
				return fmt.Errorf("cpu fallback initialization: %w", err)
			}
			m.fallback = fallback
			m.logger.Info("cpu fallback ready")
		}
		return nil
	}

	return &inference.InitializationError{
		Backends: backends,
		Err:      fmt.Errorf("all backends failed: %v", errs),
	}
}

// Reinitialize tears down the current sets and rebuilds against a new
// preference list. Only the calling goroutine blocks.
func (m *Manager) Reinitialize(backends []inference.Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked()
	return m.initializeLocked(backends)
}

// Primary returns the active engine set.
func (m *Manager) Primary() *Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// Fallback returns the CPU fallback set, or nil when the primary is
// already on CPU.
func (m *Manager) Fallback() *Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// Close releases all engine sets.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	var errs []error
	if m.primary != nil {
		if err := m.primary.Close(); err != nil {
			errs = append(errs, err)
		}
		m.primary = nil
	}
	if m.fallback != nil {
		if err := m.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
		m.fallback = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine close errors: %v", errs)
	}
	return nil
}
