package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dudu/refacer/internal/config"
	"github.com/dudu/refacer/internal/engine"
	"github.com/dudu/refacer/internal/health"
	"github.com/dudu/refacer/internal/inference"
	"github.com/dudu/refacer/internal/logging"
	"github.com/dudu/refacer/internal/pipeline"
	"github.com/dudu/refacer/internal/store"
)

type processFlags struct {
	source         string
	input          string
	output         string
	referenceImage string
	referenceFrame int
	faces          []int
	backends       []string
	matchStrategy  string
}

func newProcessCommand() *cobra.Command {
	flags := &processFlags{referenceFrame: -1}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Replace a face across every frame of a video",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.source, "source", "", "image of the face to paint onto targets (required)")
	cmd.Flags().StringVar(&flags.input, "input", "", "target video (required)")
	cmd.Flags().StringVar(&flags.output, "output", "", "output video path (required)")
	cmd.Flags().StringVar(&flags.referenceImage, "reference-image", "", "image of the person in the video to replace")
	cmd.Flags().IntVar(&flags.referenceFrame, "reference-frame", -1, "frame index to pick reference faces from")
	cmd.Flags().IntSliceVar(&flags.faces, "faces", nil, "face indices within the reference frame, largest first")
	cmd.Flags().StringSliceVar(&flags.backends, "backend", nil, "backend preference override (cuda, directml, cpu)")
	cmd.Flags().StringVar(&flags.matchStrategy, "match-strategy", "", "candidate assignment strategy (first-come, exclusive)")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")

	return cmd
}

func runProcess(ctx context.Context, flags *processFlags) error {
	if flags.referenceImage != "" && flags.referenceFrame >= 0 {
		return errors.New("--reference-image and --reference-frame are mutually exclusive")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(flags.backends) > 0 {
		cfg.Backends = flags.backends
	}
	if flags.matchStrategy != "" {
		cfg.Match.Strategy = flags.matchStrategy
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		LogFile: cfg.Log.File,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := inference.Initialize(cfg.Models.RuntimeLibraryPath); err != nil {
		return fmt.Errorf("onnx runtime: %w", err)
	}
	defer inference.Shutdown()

	backends, err := inference.ParseBackends(cfg.Backends)
	if err != nil {
		return err
	}

	manager := engine.NewManager(cfg.Models, logging.WithComponent(logger, "engine"))
	if err := manager.Initialize(backends); err != nil {
		return err
	}
	defer manager.Close()

	probe := &health.NvidiaSMIProbe{Path: cfg.Tools.NvidiaSMI}
	controller := health.New(cfg.GPU, manager, probe, logging.WithComponent(logger, "health"))

	job := pipeline.NewJob(flags.source, flags.input, flags.output, buildSelection(flags))

	var history *store.Store
	if cfg.Store.Path != "" {
		if history, err = store.Open(cfg.Store.Path); err != nil {
			return err
		}
		defer history.Close()
		if err := history.Create(ctx, job); err != nil {
			return err
		}
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	p, err := pipeline.New(pipeline.Options{
		Config: cfg,
		Health: controller,
		Logger: logging.WithComponent(logger, "pipeline"),
		Observer: func(progress pipeline.Progress) {
			if bar.GetMax() <= 0 && progress.TotalFrames > 0 {
				bar.ChangeMax(progress.TotalFrames)
			}
			bar.Set(progress.FrameIndex + 1)
		},
		ShouldStop: func() bool { return ctx.Err() != nil },
	})
	if err != nil {
		return err
	}

	runErr := p.Run(context.WithoutCancel(ctx), job)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if history != nil {
		if serr := history.Finish(context.WithoutCancel(ctx), job); serr != nil {
			logger.Warn("failed to record job history", "error", serr)
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Printf("%s: %d frames, %d swapped, %d passthrough, %d degraded\n",
		job.State, job.Counters.Processed, job.Counters.Swapped,
		job.Counters.Passthrough, job.Counters.Degraded)
	return nil
}

func buildSelection(flags *processFlags) pipeline.ReferenceSelection {
	switch {
	case flags.referenceImage != "":
		return pipeline.ReferenceSelection{
			Mode:      pipeline.SelectImage,
			ImagePath: flags.referenceImage,
		}
	case flags.referenceFrame >= 0:
		return pipeline.ReferenceSelection{
			Mode:        pipeline.SelectFrame,
			FrameIndex:  flags.referenceFrame,
			FaceIndices: flags.faces,
		}
	}
	return pipeline.ReferenceSelection{Mode: pipeline.SelectAuto}
}
