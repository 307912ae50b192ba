// Package engine owns the detection, embedding and swap engine handles
// bound to an inference backend, and the manager that switches between
// backends.
package engine

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/face"
	"github.com/dudu/refacer/internal/inference"
)

// Detector finds faces in a frame, ordered by descending bounding box
// area ("largest face" auto mode relies on this ordering).
type Detector interface {
	Detect(frame gocv.Mat, frameIndex int) ([]face.Observation, error)
	Close() error
}

// Embedder extracts the identity embedding for one observation.
type Embedder interface {
	Embed(frame gocv.Mat, observation face.Observation) (*face.Embedding, error)
	Close() error
}

// Swapper renders the source identity onto the target face and returns a
// new frame. Inputs are never mutated.
type Swapper interface {
	Swap(source *face.Embedding, targetFrame gocv.Mat, target face.Observation) (gocv.Mat, error)
	Close() error
}

// Set bundles the three engine handles bound to one backend. A Set is
// owned by a single pipeline worker and is not safe for concurrent
// invocation.
type Set struct {
	Backend  inference.Backend
	Detector Detector
	Embedder Embedder
	Swapper  Swapper
}

// Close releases all engine resources, collecting errors.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Detector != nil {
		if err := s.Detector.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Embedder != nil {
		if err := s.Embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Swapper != nil {
		if err := s.Swapper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine cleanup errors: %v", errs)
	}
	return nil
}
