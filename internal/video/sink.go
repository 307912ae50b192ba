package video

import (
	"fmt"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// Sink writes processed frames to an mp4 file.
type Sink struct {
	writer *gocv.VideoWriter
	path   string
	frames int
}

// OpenSink creates a video writer. The output path is forced to the
// .mp4 extension the remux step expects.
func OpenSink(path string, fps float64, width, height int) (*Sink, error) {
	path = EnsureMP4(path)

	writer, err := gocv.VideoWriterFile(path, "mp4v", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create video writer %s: %w", path, err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("failed to open video writer %s", path)
	}

	return &Sink{writer: writer, path: path}, nil
}

// Write appends one frame.
func (s *Sink) Write(frame gocv.Mat) error {
	if err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", s.frames, err)
	}
	s.frames++
	return nil
}

func (s *Sink) Path() string { return s.path }

// Frames returns the number of frames written so far.
func (s *Sink) Frames() int { return s.frames }

// Close finalizes the container.
func (s *Sink) Close() error {
	return s.writer.Close()
}

// EnsureMP4 rewrites a path so its extension is .mp4.
func EnsureMP4(path string) string {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, ".mp4") {
		return path
	}
	return strings.TrimSuffix(path, ext) + ".mp4"
}
