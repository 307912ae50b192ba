package pipeline

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/engine"
	"github.com/dudu/refacer/internal/face"
)

// SelectionMode chooses how the faces to replace are identified.
type SelectionMode int

const (
	// SelectAuto replaces the largest detected face in every frame,
	// re-evaluated per frame with no temporal continuity.
	SelectAuto SelectionMode = iota
	// SelectImage matches candidates against faces from a reference
	// image of the person appearing in the video.
	SelectImage
	// SelectFrame matches candidates against specific faces picked
	// from one frame of the video itself.
	SelectFrame
)

// ReferenceSelection describes which faces in the target video are
// replaced.
type ReferenceSelection struct {
	Mode SelectionMode

	// ImagePath is the reference image for SelectImage.
	ImagePath string

	// FrameIndex and FaceIndices pick faces from one video frame for
	// SelectFrame. Indices follow detection order (largest first).
	FrameIndex  int
	FaceIndices []int
}

// resolveFromImage detects and embeds every face in a reference image.
func resolveFromImage(set *engine.Set, imagePath string, readImage func(string) (gocv.Mat, error)) ([]face.Observation, error) {
	img, err := readImage(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference image %s: %w", imagePath, err)
	}
	defer img.Close()

	observations, err := set.Detector.Detect(img, -1)
	if err != nil {
		return nil, fmt.Errorf("reference image detection: %w", err)
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("no faces found in reference image %s", imagePath)
	}

	return embedAll(set, img, observations)
}

// resolveFromFrame detects faces in one frame of the video and keeps
// the requested indices.
func resolveFromFrame(set *engine.Set, frame gocv.Mat, frameIndex int, faceIndices []int) ([]face.Observation, error) {
	observations, err := set.Detector.Detect(frame, frameIndex)
	if err != nil {
		return nil, fmt.Errorf("reference frame detection: %w", err)
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("no faces found in reference frame %d", frameIndex)
	}

	selected := make([]face.Observation, 0, len(faceIndices))
	for _, idx := range faceIndices {
		if idx < 0 || idx >= len(observations) {
			return nil, fmt.Errorf("face index %d out of range, frame %d has %d faces", idx, frameIndex, len(observations))
		}
		selected = append(selected, observations[idx])
	}
	if len(selected) == 0 {
		selected = observations[:1]
	}

	return embedAll(set, frame, selected)
}

func embedAll(set *engine.Set, img gocv.Mat, observations []face.Observation) ([]face.Observation, error) {
	for i := range observations {
		embedding, err := set.Embedder.Embed(img, observations[i])
		if err != nil {
			return nil, fmt.Errorf("reference embedding: %w", err)
		}
		observations[i].Embedding = embedding
	}
	return observations, nil
}
