// Package inference wraps ONNX Runtime sessions bound to a specific
// execution backend.
package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initialized bool
	initMu      sync.Mutex
)

// Initialize sets up the ONNX Runtime environment (call once at startup).
// libraryPath may be empty when the runtime shared library is on the
// default search path.
func Initialize(libraryPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	initialized = true
	return nil
}

// Shutdown cleans up the ONNX Runtime environment.
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	initialized = false
	return nil
}

// Session wraps an ONNX Runtime inference session bound to one backend.
// A Session is not safe for concurrent invocation.
type Session struct {
	session     *ort.DynamicAdvancedSession
	modelPath   string
	backend     Backend
	inputNames  []string
	outputNames []string
}

// NewSession creates an inference session executing on the given backend.
// A backend whose execution provider cannot be appended is an error, so
// the caller can fall through its preference list explicitly.
func NewSession(modelPath string, inputNames, outputNames []string, backend Backend) (*Session, error) {
	if !initialized {
		return nil, fmt.Errorf("ONNX Runtime not initialized, call Initialize() first")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	switch backend {
	case BackendCuda:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	case BackendDirectML:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			return nil, fmt.Errorf("append directml provider: %w", err)
		}
	case BackendCpu:
		// Default provider.
	default:
		return nil, fmt.Errorf("unsupported backend %v", backend)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s on %s: %w", modelPath, backend, err)
	}

	return &Session{
		session:     session,
		modelPath:   modelPath,
		backend:     backend,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Backend returns the backend this session executes on.
func (s *Session) Backend() Backend {
	return s.backend
}

// Run executes inference with the given inputs.
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	return s.session.Run(inputs, outputs)
}

// Destroy releases session resources.
func (s *Session) Destroy() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

// CreateTensor creates a tensor with the given shape and data
func CreateTensor[T ort.TensorData](shape []int64, data []T) (*ort.Tensor[T], error) {
	return ort.NewTensor(ort.NewShape(shape...), data)
}

// CreateEmptyTensor creates an uninitialized tensor for output
func CreateEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	data := make([]T, size)
	return ort.NewTensor(ort.NewShape(shape...), data)
}
