package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/engine"
	"github.com/dudu/refacer/internal/face"
	"github.com/dudu/refacer/internal/health"
	"github.com/dudu/refacer/internal/inference"
	"github.com/dudu/refacer/internal/match"
)

// fakeSource serves a fixed number of synthetic frames.
type fakeSource struct {
	frames int
	read   int
	closed bool
}

func (s *fakeSource) Read(mat *gocv.Mat) bool {
	if s.read >= s.frames {
		return false
	}
	s.read++
	return true
}

func (s *fakeSource) Seek(frameIndex int) { s.read = frameIndex }
func (s *fakeSource) FrameCount() int     { return s.frames }
func (s *fakeSource) FPS() float64        { return 30 }
func (s *fakeSource) Width() int          { return 640 }
func (s *fakeSource) Height() int         { return 480 }
func (s *fakeSource) Close() error        { s.closed = true; return nil }

// fakeSink records write order.
type fakeSink struct {
	written int
	closed  bool
}

func (s *fakeSink) Write(frame gocv.Mat) error { s.written++; return nil }
func (s *fakeSink) Path() string               { return "out.mp4" }
func (s *fakeSink) Close() error               { s.closed = true; return nil }

// fakeDetector returns the configured observations for video frames
// and a single face for still images (frameIndex -1).
type fakeDetector struct {
	perFrame []face.Observation
	err      error
}

func testFace(confidence float32) face.Observation {
	emb := &face.Embedding{}
	emb[0] = 1
	return face.Observation{
		Box:         face.Box{X1: 10, Y1: 10, X2: 60, Y2: 60},
		Confidence:  confidence,
		Embedding:   emb,
		FrameWidth:  640,
		FrameHeight: 480,
	}
}

func (d *fakeDetector) Detect(frame gocv.Mat, frameIndex int) ([]face.Observation, error) {
	if frameIndex < 0 {
		return []face.Observation{testFace(0.99)}, nil
	}
	if d.err != nil {
		return nil, d.err
	}
	out := make([]face.Observation, len(d.perFrame))
	copy(out, d.perFrame)
	for i := range out {
		out[i].FrameIndex = frameIndex
	}
	return out, nil
}

func (d *fakeDetector) Close() error { return nil }

// fakeEmbedder derives a deterministic identity from the face position:
// faces near the left edge share one embedding, everything else gets an
// orthogonal one.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(frame gocv.Mat, observation face.Observation) (*face.Embedding, error) {
	emb := &face.Embedding{}
	if observation.Box.X1 < 100 {
		emb[0] = 1
	} else {
		emb[1] = 1
	}
	return emb, nil
}

func (fakeEmbedder) Close() error { return nil }

type fakeSwapper struct {
	swaps int
	err   error
}

func (s *fakeSwapper) Swap(source *face.Embedding, targetFrame gocv.Mat, target face.Observation) (gocv.Mat, error) {
	if s.err != nil {
		return gocv.NewMat(), s.err
	}
	s.swaps++
	return gocv.NewMat(), nil
}

func (s *fakeSwapper) Close() error { return nil }

type steadyProbe struct {
	usage health.MemoryUsage
	calls int
}

func (p *steadyProbe) Usage(ctx context.Context) (health.MemoryUsage, error) {
	p.calls++
	return p.usage, nil
}

type fixture struct {
	pipeline *Pipeline
	source   *fakeSource
	sink     *fakeSink
	swapper  *fakeSwapper
	probe    *steadyProbe
	remuxed  *bool
}

func newFixture(t *testing.T, detector *fakeDetector, frames int, opts func(*Options)) *fixture {
	return newFixtureOn(t, detector, frames, inference.BackendCpu, nil, opts)
}

func newFixtureOn(t *testing.T, detector *fakeDetector, frames int, backend inference.Backend, mutate func(*config.Config), opts func(*Options)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	swapper := &fakeSwapper{}
	factory := func(b inference.Backend) (*engine.Set, error) {
		return &engine.Set{
			Backend:  b,
			Detector: detector,
			Embedder: fakeEmbedder{},
			Swapper:  swapper,
		}, nil
	}
	manager := engine.NewManagerWithFactory(factory, logger)
	if err := manager.Initialize([]inference.Backend{backend}); err != nil {
		t.Fatalf("manager init failed: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	probe := &steadyProbe{usage: health.MemoryUsage{UsedMB: 40, TotalMB: 100}}
	controller := health.New(cfg.GPU, manager, probe, logger)

	source := &fakeSource{frames: frames}
	sink := &fakeSink{}
	remuxed := false

	options := Options{
		Config: cfg,
		Health: controller,
		Logger: logger,
		OpenSource: func(path string) (FrameSource, error) {
			return source, nil
		},
		OpenSink: func(path string, fps float64, width, height int) (FrameSink, error) {
			return sink, nil
		},
		ReadImage: func(path string) (gocv.Mat, error) {
			return gocv.NewMat(), nil
		},
		HasAudio: func(ctx context.Context, path string) (bool, error) {
			return true, nil
		},
		Remuxer: remuxFunc(func(ctx context.Context, processedPath, sourcePath string) error {
			remuxed = true
			return nil
		}),
		Verify: func(path string) error { return nil },
	}
	if opts != nil {
		opts(&options)
	}

	p, err := New(options)
	if err != nil {
		t.Fatalf("New pipeline failed: %v", err)
	}
	return &fixture{pipeline: p, source: source, sink: sink, swapper: swapper, probe: probe, remuxed: &remuxed}
}

type remuxFunc func(ctx context.Context, processedPath, sourcePath string) error

func (f remuxFunc) Remux(ctx context.Context, processedPath, sourcePath string) error {
	return f(ctx, processedPath, sourcePath)
}

func autoJob() *Job {
	return NewJob("face.jpg", "in.mp4", "out.mp4", ReferenceSelection{Mode: SelectAuto})
}

func TestRunAllPassthroughPreservesFrameCount(t *testing.T) {
	detector := &fakeDetector{} // no faces in any frame
	f := newFixture(t, detector, 20, nil)

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.State != StateCompleted {
		t.Errorf("state = %v, want COMPLETED", job.State)
	}
	if f.sink.written != 20 {
		t.Errorf("wrote %d frames, want 20", f.sink.written)
	}
	if job.Counters.Passthrough != 20 || job.Counters.Swapped != 0 {
		t.Errorf("counters = %+v, want 20 passthrough, 0 swapped", job.Counters)
	}
}

func TestRunAutoModeSwapsEveryFrameWithAFace(t *testing.T) {
	detector := &fakeDetector{perFrame: []face.Observation{testFace(0.9)}}
	f := newFixture(t, detector, 10, nil)

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.Counters.Swapped != 10 {
		t.Errorf("swapped = %d, want 10", job.Counters.Swapped)
	}
	if f.swapper.swaps != 10 {
		t.Errorf("swap calls = %d, want 10", f.swapper.swaps)
	}
	if !*f.remuxed {
		t.Error("audio remux was not attempted")
	}
}

func TestRunCancellationTruncates(t *testing.T) {
	detector := &fakeDetector{}
	var f *fixture
	f = newFixture(t, detector, 100, func(o *Options) {
		o.ShouldStop = func() bool {
			return f != nil && f.sink.written >= 50
		}
	})

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.State != StateCancelled {
		t.Errorf("state = %v, want CANCELLED", job.State)
	}
	if f.sink.written != 50 {
		t.Errorf("wrote %d frames, want 50", f.sink.written)
	}
	if !*f.remuxed {
		t.Error("remux must still run on the partial output")
	}
}

func TestRunDetectionErrorsDegradeToPassthrough(t *testing.T) {
	detector := &fakeDetector{err: errors.New("model hiccup")}
	f := newFixture(t, detector, 3, nil)

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.State != StateCompleted {
		t.Errorf("state = %v, want COMPLETED despite detection errors", job.State)
	}
	if job.Counters.Passthrough != 3 {
		t.Errorf("passthrough = %d, want 3", job.Counters.Passthrough)
	}
}

func TestRunSwapErrorsKeepOriginalFrame(t *testing.T) {
	detector := &fakeDetector{perFrame: []face.Observation{testFace(0.9)}}
	f := newFixture(t, detector, 4, nil)
	f.swapper.err = errors.New("session blew up")

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.Counters.Swapped != 0 {
		t.Errorf("swapped = %d, want 0 when every swap fails", job.Counters.Swapped)
	}
	if f.sink.written != 4 {
		t.Errorf("wrote %d frames, want 4", f.sink.written)
	}
}

func TestRunUnreadableSourceFails(t *testing.T) {
	detector := &fakeDetector{}
	f := newFixture(t, detector, 10, func(o *Options) {
		o.OpenSource = func(path string) (FrameSource, error) {
			return nil, errors.New("no such file")
		}
	})

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err == nil {
		t.Fatal("expected error for unreadable source")
	}
	if job.State != StateFailed {
		t.Errorf("state = %v, want FAILED", job.State)
	}
}

func TestRunReferenceModeOnlySwapsMatches(t *testing.T) {
	// The reference comes from the left-edge face; the second candidate
	// sits elsewhere and embeds orthogonally, so it never matches.
	matching := testFace(0.9)
	other := testFace(0.8)
	other.Box = face.Box{X1: 400, Y1: 300, X2: 420, Y2: 320}

	detector := &fakeDetector{perFrame: []face.Observation{matching, other}}
	f := newFixture(t, detector, 5, nil)

	job := NewJob("face.jpg", "in.mp4", "out.mp4", ReferenceSelection{
		Mode:      SelectImage,
		ImagePath: "ref.jpg",
	})
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.State != StateCompleted {
		t.Errorf("state = %v, want COMPLETED", job.State)
	}
	// One swap per frame: only the matching candidate is claimed.
	if f.swapper.swaps != 5 {
		t.Errorf("swap calls = %d, want 5", f.swapper.swaps)
	}
}

func TestRunProgressReportedInOrder(t *testing.T) {
	detector := &fakeDetector{}
	var frames []int
	f := newFixture(t, detector, 8, func(o *Options) {
		o.Observer = func(p Progress) {
			frames = append(frames, p.FrameIndex)
		}
	})

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(frames) != 8 {
		t.Fatalf("got %d progress reports, want 8", len(frames))
	}
	for i, idx := range frames {
		if idx != i {
			t.Fatalf("progress out of order: report %d carries frame %d", i, idx)
		}
	}
}

func TestRunRemuxFailureDoesNotFailJob(t *testing.T) {
	detector := &fakeDetector{}
	f := newFixture(t, detector, 3, func(o *Options) {
		o.Remuxer = remuxFunc(func(ctx context.Context, processedPath, sourcePath string) error {
			return errors.New("ffmpeg missing")
		})
	})

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if job.State != StateCompleted {
		t.Errorf("state = %v, want COMPLETED despite remux failure", job.State)
	}
}

func TestRunUnrecoverableBackendFailsJob(t *testing.T) {
	// Memory-tagged GPU errors with auto fallback disabled are
	// unrecoverable; the job must abort instead of grinding through
	// the rest of the video as passthrough.
	detector := &fakeDetector{
		err: inference.Classify("detect", inference.BackendCuda, errors.New("CUDA out of memory")),
	}
	f := newFixtureOn(t, detector, 100, inference.BackendCuda,
		func(c *config.Config) { c.GPU.AutoFallback = false }, nil)

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err == nil {
		t.Fatal("expected error when the backend is unrecoverable")
	}
	if job.State != StateFailed {
		t.Errorf("state = %v, want FAILED", job.State)
	}
	if f.sink.written != 0 {
		t.Errorf("wrote %d frames after fatal error, want 0", f.sink.written)
	}
	if !f.sink.closed {
		t.Error("sink must be closed on abort")
	}
}

func TestRunStartOverLimitCountsSingleDegradedFrame(t *testing.T) {
	detector := &fakeDetector{}
	f := newFixtureOn(t, detector, 1, inference.BackendCuda, nil, nil)
	f.probe.usage = health.MemoryUsage{UsedMB: 95, TotalMB: 100}

	job := autoJob()
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Frame 0 is probed exactly once; setup work does not probe.
	if f.probe.calls != 1 {
		t.Errorf("probe called %d times, want 1", f.probe.calls)
	}
	if job.Counters.Degraded != 1 {
		t.Errorf("degraded = %d, want 1", job.Counters.Degraded)
	}
}

func TestRunEmitsMatchDiagnostics(t *testing.T) {
	detector := &fakeDetector{perFrame: []face.Observation{testFace(0.9)}}
	var diagnostics []match.Diagnostic
	f := newFixture(t, detector, 5, func(o *Options) {
		o.MatchObserver = func(d match.Diagnostic) {
			diagnostics = append(diagnostics, d)
		}
	})

	job := NewJob("face.jpg", "in.mp4", "out.mp4", ReferenceSelection{
		Mode:      SelectImage,
		ImagePath: "ref.jpg",
	})
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(diagnostics) != 5 {
		t.Fatalf("got %d diagnostics, want one per frame (5)", len(diagnostics))
	}
	for _, d := range diagnostics {
		if d.Chosen < 0 {
			t.Errorf("frame %d: no candidate chosen", d.FrameIndex)
		}
		if len(d.Scores) != 1 {
			t.Errorf("frame %d: %d scores, want 1", d.FrameIndex, len(d.Scores))
		}
	}
}

func TestParseStateRoundTrip(t *testing.T) {
	for s := StateInit; s <= StateFailed; s++ {
		parsed, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("ParseState(%q) failed: %v", s.String(), err)
		}
		if parsed != s {
			t.Errorf("ParseState(%q) = %v, want %v", s.String(), parsed, s)
		}
	}
	if _, err := ParseState("BOGUS"); err == nil {
		t.Error("ParseState accepted unknown state")
	}
}
