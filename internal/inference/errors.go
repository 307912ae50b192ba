package inference

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an inference failure.
type Kind int

const (
	// KindTransient failures degrade the affected frame and feed the
	// provider health state machine.
	KindTransient Kind = iota
	// KindFatal failures abort the job.
	KindFatal
)

// Error is the normalized form of any failure coming out of an engine call.
type Error struct {
	Kind    Kind
	Op      string
	Backend Backend
	// Memory marks errors tagged as GPU memory or driver failures; these
	// trigger an immediate permanent CPU fallback.
	Memory bool
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// memoryMarkers are the substrings the original runtime emits for GPU
// memory exhaustion and driver faults.
var memoryMarkers = []string{"memory", "out of memory", "cuda", "directml", "dml", "gpu"}

// Classify wraps a raw engine error into a transient inference error,
// tagging GPU memory/driver failures.
func Classify(op string, backend Backend, err error) *Error {
	var infErr *Error
	if errors.As(err, &infErr) {
		return infErr
	}

	memory := false
	if backend.IsGPU() {
		lower := strings.ToLower(err.Error())
		for _, marker := range memoryMarkers {
			if strings.Contains(lower, marker) {
				memory = true
				break
			}
		}
	}

	return &Error{Kind: KindTransient, Op: op, Backend: backend, Memory: memory, Err: err}
}

// IsMemory reports whether err is an inference error tagged memory/driver.
func IsMemory(err error) bool {
	var infErr *Error
	return errors.As(err, &infErr) && infErr.Memory
}

// IsFatal reports whether err is a fatal inference error.
func IsFatal(err error) bool {
	var infErr *Error
	return errors.As(err, &infErr) && infErr.Kind == KindFatal
}

// InitializationError reports that the mandatory models could not be
// loaded on any of the listed backends.
type InitializationError struct {
	Backends []Backend
	Err      error
}

func (e *InitializationError) Error() string {
	names := make([]string, len(e.Backends))
	for i, b := range e.Backends {
		names[i] = b.String()
	}
	return fmt.Sprintf("no usable backend among [%s]: %v", strings.Join(names, " "), e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
