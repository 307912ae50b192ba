package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/engine"
	"github.com/dudu/refacer/internal/face"
	"github.com/dudu/refacer/internal/health"
	"github.com/dudu/refacer/internal/match"
	"github.com/dudu/refacer/internal/video"
)

// FrameSource reads frames in order.
type FrameSource interface {
	Read(mat *gocv.Mat) bool
	Seek(frameIndex int)
	FrameCount() int
	FPS() float64
	Width() int
	Height() int
	Close() error
}

// FrameSink writes frames in order.
type FrameSink interface {
	Write(frame gocv.Mat) error
	Path() string
	Close() error
}

// Progress is one synchronous progress report. Preview mats, when set,
// are borrowed for the duration of the callback only.
type Progress struct {
	Fraction        float64
	FrameIndex      int
	TotalFrames     int
	Message         string
	PreviewOriginal *gocv.Mat
	PreviewResult   *gocv.Mat
}

// ProgressFunc receives progress reports. Invoked synchronously from
// the job worker; a slow observer throttles frame throughput.
type ProgressFunc func(Progress)

// Options wires a pipeline's collaborators. Everything left nil gets a
// production default.
type Options struct {
	Config *config.Config
	Health *health.Controller
	Logger *slog.Logger

	// Observer receives synchronous progress reports. Optional.
	Observer ProgressFunc
	// ShouldStop is the cooperative cancellation predicate, polled
	// once per frame boundary. Optional.
	ShouldStop func() bool

	// MatchObserver receives per-frame matching diagnostics. Optional.
	MatchObserver match.Observer

	// OpenSource, OpenSink, ReadImage, HasAudio, Remuxer and Verify
	// override the gocv/ffmpeg implementations, for tests.
	OpenSource func(path string) (FrameSource, error)
	OpenSink   func(path string, fps float64, width, height int) (FrameSink, error)
	ReadImage  func(path string) (gocv.Mat, error)
	HasAudio   func(ctx context.Context, path string) (bool, error)
	Remuxer    video.Remuxer
	Verify     func(path string) error
}

// Pipeline executes jobs one at a time on the calling goroutine.
type Pipeline struct {
	cfg      *config.Config
	matcher  *match.Matcher
	strategy config.Strategy
	health   *health.Controller
	logger   *slog.Logger

	observer   ProgressFunc
	shouldStop func() bool

	openSource func(path string) (FrameSource, error)
	openSink   func(path string, fps float64, width, height int) (FrameSink, error)
	readImage  func(path string) (gocv.Mat, error)
	hasAudio   func(ctx context.Context, path string) (bool, error)
	remuxer    video.Remuxer
	verify     func(path string) error
}

const (
	outputVerifyRetries = 5
	outputVerifyDelay   = 200 * time.Millisecond
)

// New creates a pipeline from options, filling production defaults for
// any collaborator left unset.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil || opts.Health == nil || opts.Logger == nil {
		return nil, fmt.Errorf("pipeline requires config, health controller and logger")
	}

	strategy, err := config.ParseStrategy(opts.Config.Match.Strategy)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        opts.Config,
		matcher:    match.New(opts.Config.Match, opts.MatchObserver),
		strategy:   strategy,
		health:     opts.Health,
		logger:     opts.Logger,
		observer:   opts.Observer,
		shouldStop: opts.ShouldStop,
		openSource: opts.OpenSource,
		openSink:   opts.OpenSink,
		readImage:  opts.ReadImage,
		hasAudio:   opts.HasAudio,
		remuxer:    opts.Remuxer,
		verify:     opts.Verify,
	}

	if p.shouldStop == nil {
		p.shouldStop = func() bool { return false }
	}
	if p.openSource == nil {
		p.openSource = func(path string) (FrameSource, error) {
			return video.OpenSource(path)
		}
	}
	if p.openSink == nil {
		p.openSink = func(path string, fps float64, width, height int) (FrameSink, error) {
			return video.OpenSink(path, fps, width, height)
		}
	}
	if p.readImage == nil {
		p.readImage = func(path string) (gocv.Mat, error) {
			img := gocv.IMRead(path, gocv.IMReadColor)
			if img.Empty() {
				img.Close()
				return gocv.Mat{}, fmt.Errorf("failed to read image %s", path)
			}
			return img, nil
		}
	}
	if p.hasAudio == nil {
		p.hasAudio = func(ctx context.Context, path string) (bool, error) {
			return video.HasAudioStream(ctx, opts.Config.Tools.FFprobe, path)
		}
	}
	if p.remuxer == nil {
		p.remuxer = &video.FFmpegRemuxer{Path: opts.Config.Tools.FFmpeg}
	}
	if p.verify == nil {
		p.verify = func(path string) error {
			return video.VerifyOutput(path, outputVerifyRetries, outputVerifyDelay)
		}
	}

	return p, nil
}

// Run executes a job to completion. Per-frame failures degrade to
// passthrough frames; the job fails only for start-of-job conditions
// or an unrecoverable inference backend.
func (p *Pipeline) Run(ctx context.Context, job *Job) error {
	if job.State != StateInit {
		return fmt.Errorf("job %s is %s, want INIT", job.ID, job.State)
	}

	source, err := p.openSource(job.TargetVideoPath)
	if err != nil {
		return job.fail(fmt.Errorf("unreadable source video: %w", err))
	}
	defer source.Close()
	job.TotalFrames = source.FrameCount()

	// Setup work reads the primary set directly; frame 0's health
	// accounting happens once, inside the loop.
	set := p.health.Primary()

	sourceEmbedding, err := p.resolveSourceFace(set, job.SourceFacePath)
	if err != nil {
		return job.fail(err)
	}

	references, err := p.resolveReferences(set, source, job.Selection)
	if err != nil {
		return job.fail(err)
	}
	job.State = StateReady

	sink, err := p.openSink(job.OutputPath, source.FPS(), source.Width(), source.Height())
	if err != nil {
		return job.fail(fmt.Errorf("unwritable output: %w", err))
	}

	job.State = StateRunning
	p.logger.Info("job started",
		"job", job.ID,
		"video", job.TargetVideoPath,
		"frames", job.TotalFrames,
		"references", len(references))

	cancelled, loopErr := p.runLoop(ctx, job, source, sink, sourceEmbedding, references)
	if loopErr != nil {
		if cerr := sink.Close(); cerr != nil {
			p.logger.Warn("failed to close output after fatal error", "error", cerr)
		}
		return job.fail(fmt.Errorf("inference backend unrecoverable: %w", loopErr))
	}

	if err := p.finalize(ctx, job, sink); err != nil {
		return job.fail(err)
	}

	job.Counters.Degraded = p.health.DegradedFrames()
	if cancelled {
		job.State = StateCancelled
	} else {
		job.State = StateCompleted
	}

	p.logger.Info("job finished",
		"job", job.ID,
		"state", job.State.String(),
		"processed", job.Counters.Processed,
		"swapped", job.Counters.Swapped,
		"passthrough", job.Counters.Passthrough,
		"degraded", job.Counters.Degraded)
	return nil
}

// runLoop processes frames until end of stream, cancellation or an
// unrecoverable backend failure. It reports whether the job was
// cancelled; a non-nil error aborts the job.
func (p *Pipeline) runLoop(ctx context.Context, job *Job, source FrameSource, sink FrameSink, sourceEmbedding *face.Embedding, references []face.Observation) (bool, error) {
	frame := gocv.NewMat()
	defer frame.Close()

	total := job.TotalFrames
	frameIndex := 0
	for {
		if p.shouldStop() || ctx.Err() != nil {
			return true, nil
		}
		if !source.Read(&frame) {
			return false, nil
		}

		set := p.health.CheckBeforeFrame(ctx, frameIndex)

		result, swapped, err := p.processFrame(ctx, set, frame, frameIndex, sourceEmbedding, references)
		if err != nil {
			if result.Ptr() != frame.Ptr() {
				result.Close()
			}
			return false, err
		}

		if err := sink.Write(result); err != nil {
			p.logger.Error("frame write failed, stopping early",
				"job", job.ID, "frame", frameIndex, "error", err)
			if result.Ptr() != frame.Ptr() {
				result.Close()
			}
			return false, nil
		}

		job.Counters.Processed++
		if swapped {
			job.Counters.Swapped++
		} else {
			job.Counters.Passthrough++
		}

		if p.observer != nil {
			fraction := 0.0
			if total > 0 {
				fraction = float64(frameIndex+1) / float64(total)
			}
			p.observer(Progress{
				Fraction:        fraction,
				FrameIndex:      frameIndex,
				TotalFrames:     total,
				PreviewOriginal: &frame,
				PreviewResult:   &result,
			})
		}

		if result.Ptr() != frame.Ptr() {
			result.Close()
		}
		frameIndex++
	}
}

// processFrame produces the output frame for one input frame. The
// returned mat is the input itself for passthrough frames and a fresh
// mat otherwise; the bool reports whether any face was replaced. A
// non-nil error means the backend is unrecoverable and the job must
// abort.
func (p *Pipeline) processFrame(ctx context.Context, set *engine.Set, frame gocv.Mat, frameIndex int, sourceEmbedding *face.Embedding, references []face.Observation) (gocv.Mat, bool, error) {
	candidates, err := set.Detector.Detect(frame, frameIndex)
	if err != nil {
		p.logger.Warn("detection failed, passing frame through",
			"frame", frameIndex, "error", err)
		if rerr := p.health.RecordError(ctx, err); rerr != nil {
			return frame, false, rerr
		}
		return frame, false, nil
	}
	if len(candidates) == 0 {
		p.health.RecordSuccess()
		return frame, false, nil
	}

	var targets []face.Observation
	if len(references) == 0 {
		// Auto mode: largest face, re-evaluated every frame.
		targets = candidates[:1]
	} else {
		if err := p.embedCandidates(ctx, set, frame, candidates); err != nil {
			return frame, false, err
		}
		assignment := p.matcher.Assign(references, candidates, p.strategy)
		for _, idx := range assignment {
			if idx >= 0 {
				targets = append(targets, candidates[idx])
			}
		}
	}
	if len(targets) == 0 {
		p.health.RecordSuccess()
		return frame, false, nil
	}

	working := frame
	swapped := false
	for _, target := range targets {
		result, err := set.Swapper.Swap(sourceEmbedding, working, target)
		if err != nil {
			p.logger.Warn("swap failed", "frame", frameIndex, "error", err)
			result.Close()
			if rerr := p.health.RecordError(ctx, err); rerr != nil {
				if working.Ptr() != frame.Ptr() {
					working.Close()
				}
				return frame, false, rerr
			}
			continue
		}
		if working.Ptr() != frame.Ptr() {
			working.Close()
		}
		working = result
		swapped = true
	}

	if swapped {
		p.health.RecordSuccess()
	}
	return working, swapped, nil
}

// embedCandidates attaches embeddings in place; a failed candidate is
// left without one so matching degrades to position and size. A
// non-nil error means the backend is unrecoverable.
func (p *Pipeline) embedCandidates(ctx context.Context, set *engine.Set, frame gocv.Mat, candidates []face.Observation) error {
	for i := range candidates {
		embedding, err := set.Embedder.Embed(frame, candidates[i])
		if err != nil {
			p.logger.Warn("embedding failed", "frame", candidates[i].FrameIndex, "error", err)
			if rerr := p.health.RecordError(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}
		candidates[i].Embedding = embedding
	}
	return nil
}

// finalize closes the sink, verifies the artifact and restores the
// source audio track. A remux failure keeps the video-only output.
func (p *Pipeline) finalize(ctx context.Context, job *Job, sink FrameSink) error {
	outputPath := sink.Path()
	if err := sink.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}

	if job.Counters.Processed == 0 {
		return fmt.Errorf("no frames were written to %s", outputPath)
	}
	if err := p.verify(outputPath); err != nil {
		return err
	}

	hasAudio, err := p.hasAudio(ctx, job.TargetVideoPath)
	if err != nil {
		p.logger.Warn("audio probe failed, keeping video-only output", "error", err)
		return nil
	}
	if !hasAudio {
		return nil
	}

	if err := p.remuxer.Remux(ctx, outputPath, job.TargetVideoPath); err != nil {
		p.logger.Warn("audio remux failed, keeping video-only output", "error", err)
	}
	return nil
}

// resolveSourceFace extracts the identity embedding from the source
// face image. The largest face wins when the image has several.
func (p *Pipeline) resolveSourceFace(set *engine.Set, path string) (*face.Embedding, error) {
	img, err := p.readImage(path)
	if err != nil {
		return nil, fmt.Errorf("unreadable source face image: %w", err)
	}
	defer img.Close()

	observations, err := set.Detector.Detect(img, -1)
	if err != nil {
		return nil, fmt.Errorf("source face detection: %w", err)
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("no face found in source image %s", path)
	}

	embedding, err := set.Embedder.Embed(img, observations[0])
	if err != nil {
		return nil, fmt.Errorf("source face embedding: %w", err)
	}
	return embedding, nil
}

// resolveReferences resolves the selection into reference observations.
// Auto mode returns no references; the largest face per frame is
// replaced directly.
func (p *Pipeline) resolveReferences(set *engine.Set, source FrameSource, selection ReferenceSelection) ([]face.Observation, error) {
	switch selection.Mode {
	case SelectAuto:
		return nil, nil

	case SelectImage:
		return resolveFromImage(set, selection.ImagePath, p.readImage)

	case SelectFrame:
		frame := gocv.NewMat()
		defer frame.Close()

		source.Seek(selection.FrameIndex)
		if !source.Read(&frame) {
			source.Seek(0)
			return nil, fmt.Errorf("failed to read reference frame %d", selection.FrameIndex)
		}
		references, err := resolveFromFrame(set, frame, selection.FrameIndex, selection.FaceIndices)
		source.Seek(0)
		return references, err
	}
	return nil, fmt.Errorf("unknown selection mode %d", selection.Mode)
}
