package inference

import "fmt"

// Backend identifies an ONNX Runtime execution provider.
type Backend int

const (
	BackendCuda Backend = iota
	BackendDirectML
	BackendCpu
)

// String returns the canonical backend name.
func (b Backend) String() string {
	switch b {
	case BackendCuda:
		return "cuda"
	case BackendDirectML:
		return "directml"
	case BackendCpu:
		return "cpu"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// IsGPU reports whether the backend runs on a GPU device.
func (b Backend) IsGPU() bool {
	return b == BackendCuda || b == BackendDirectML
}

// ParseBackend maps a configured name to a Backend.
// Unknown names are an error, never a silent CPU fallback.
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "cuda":
		return BackendCuda, nil
	case "directml", "dml":
		return BackendDirectML, nil
	case "cpu":
		return BackendCpu, nil
	}
	return 0, fmt.Errorf("unknown inference backend %q (expected cuda, directml or cpu)", name)
}

// ParseBackends maps an ordered preference list, preserving order.
func ParseBackends(names []string) ([]Backend, error) {
	backends := make([]Backend, 0, len(names))
	for _, name := range names {
		backend, err := ParseBackend(name)
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	return backends, nil
}
