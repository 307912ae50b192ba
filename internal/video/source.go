// Package video wraps reading, writing and audio handling for the
// pipeline: OpenCV capture and writer plus the ffmpeg/ffprobe steps
// that restore the source audio track.
package video

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Source reads frames from a video file.
type Source struct {
	capture *gocv.VideoCapture
	path    string

	frameCount int
	fps        float64
	width      int
	height     int
}

// OpenSource opens a video file and reads its stream properties.
// Metadata dimensions are overridden by the actual first decoded frame
// if they disagree, so callers can trust Width/Height for the writer.
func OpenSource(path string) (*Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video %s: %w", path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("failed to open video %s", path)
	}

	s := &Source{
		capture:    capture,
		path:       path,
		frameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
		fps:        capture.Get(gocv.VideoCaptureFPS),
		width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
	}
	if s.fps <= 0 {
		s.fps = 30
	}

	// Some containers report wrong dimensions; trust the first frame.
	probe := gocv.NewMat()
	defer probe.Close()
	if capture.Read(&probe) && !probe.Empty() {
		s.width = probe.Cols()
		s.height = probe.Rows()
	}
	capture.Set(gocv.VideoCapturePosFrames, 0)

	return s, nil
}

// Read decodes the next frame into mat. Returns false at end of stream.
func (s *Source) Read(mat *gocv.Mat) bool {
	return s.capture.Read(mat) && !mat.Empty()
}

// Seek positions the stream at the given frame index.
func (s *Source) Seek(frameIndex int) {
	s.capture.Set(gocv.VideoCapturePosFrames, float64(frameIndex))
}

func (s *Source) Path() string    { return s.path }
func (s *Source) FrameCount() int { return s.frameCount }
func (s *Source) FPS() float64    { return s.fps }
func (s *Source) Width() int      { return s.width }
func (s *Source) Height() int     { return s.height }

// Close releases the capture.
func (s *Source) Close() error {
	return s.capture.Close()
}
