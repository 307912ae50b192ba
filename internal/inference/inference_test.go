package inference

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseBackend(t *testing.T) {
	cases := []struct {
		name string
		want Backend
	}{
		{"cuda", BackendCuda},
		{"directml", BackendDirectML},
		{"dml", BackendDirectML},
		{"cpu", BackendCpu},
	}
	for _, c := range cases {
		got, err := ParseBackend(c.name)
		if err != nil {
			t.Errorf("ParseBackend(%q) failed: %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseBackendRejectsUnknown(t *testing.T) {
	for _, name := range []string{"", "metal", "CUDA", "tensorrt"} {
		if _, err := ParseBackend(name); err == nil {
			t.Errorf("ParseBackend(%q) succeeded, want error", name)
		}
	}
}

func TestParseBackendsPreservesOrder(t *testing.T) {
	backends, err := ParseBackends([]string{"directml", "cuda", "cpu"})
	if err != nil {
		t.Fatalf("ParseBackends failed: %v", err)
	}
	want := []Backend{BackendDirectML, BackendCuda, BackendCpu}
	for i, b := range backends {
		if b != want[i] {
			t.Fatalf("backends = %v, want %v", backends, want)
		}
	}
}

func TestClassifyTagsMemoryErrorsOnGPU(t *testing.T) {
	cases := []struct {
		message string
		memory  bool
	}{
		{"CUDA out of memory", true},
		{"failed to allocate GPU buffer", true},
		{"DirectML device removed", true},
		{"invalid tensor shape", false},
	}
	for _, c := range cases {
		err := Classify("swap", BackendCuda, errors.New(c.message))
		if got := IsMemory(err); got != c.memory {
			t.Errorf("IsMemory(%q) = %v, want %v", c.message, got, c.memory)
		}
	}
}

func TestClassifyNeverTagsMemoryOnCPU(t *testing.T) {
	err := Classify("swap", BackendCpu, errors.New("out of memory"))
	if IsMemory(err) {
		t.Error("cpu errors must never trigger the memory fallback path")
	}
}

func TestClassifyPassesThroughExistingError(t *testing.T) {
	inner := Classify("detect", BackendCuda, errors.New("cuda driver fault"))
	wrapped := fmt.Errorf("frame 12: %w", inner)

	outer := Classify("swap", BackendCpu, wrapped)
	if outer != inner {
		t.Error("Classify must keep the original inference error")
	}
	if !IsMemory(outer) {
		t.Error("original memory tag lost")
	}
}

func TestErrorUnwrap(t *testing.T) {
	sentinel := errors.New("boom")
	err := Classify("embed", BackendCpu, sentinel)
	if !errors.Is(err, sentinel) {
		t.Error("classified error must unwrap to the cause")
	}
}
