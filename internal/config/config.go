// Package config defines the PipelineConfig value object injected into
// the pipeline, health controller and engine manager constructors.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/dudu/refacer/internal/inference"
)

//go:embed sample_config.toml
var sampleConfig string

// Match contains identity matcher weights and thresholds.
type Match struct {
	SimilarityThreshold    float64 `toml:"similarity_threshold"`
	EmbeddingWeight        float64 `toml:"embedding_weight"`
	PositionWeight         float64 `toml:"position_weight"`
	SizeWeight             float64 `toml:"size_weight"`
	DegradedPositionWeight float64 `toml:"degraded_position_weight"`
	DegradedSizeWeight     float64 `toml:"degraded_size_weight"`
	// Strategy selects how simultaneous references claim candidates:
	// "first-come" (independent matching) or "exclusive" (greedy
	// best-score assignment, each candidate claimed at most once).
	Strategy string `toml:"strategy"`
}

// GPU contains provider health thresholds.
type GPU struct {
	MemoryLimitPercent  float64 `toml:"memory_limit_percent"`
	MemoryCheckInterval int     `toml:"memory_check_interval"`
	WarningMarginPoints float64 `toml:"warning_margin_points"`
	MaxErrors           int     `toml:"max_errors"`
	AutoFallback        bool    `toml:"auto_fallback"`
}

// Models contains model file locations and detector parameters.
type Models struct {
	DetectorPath        string  `toml:"detector_path"`
	EmbedderPath        string  `toml:"embedder_path"`
	SwapperPath         string  `toml:"swapper_path"`
	EmapPath            string  `toml:"emap_path"`
	RuntimeLibraryPath  string  `toml:"runtime_library_path"`
	DetectionSize       int     `toml:"detection_size"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	NMSThreshold        float64 `toml:"nms_threshold"`
	BlendBlurSize       int     `toml:"blend_blur_size"`
}

// Tools contains paths for the external executables the pipeline shells
// out to. Bare names are resolved through PATH.
type Tools struct {
	FFmpeg    string `toml:"ffmpeg"`
	FFprobe   string `toml:"ffprobe"`
	NvidiaSMI string `toml:"nvidia_smi"`
}

// Log contains logging configuration.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Store contains job history configuration.
type Store struct {
	// Path of the SQLite database; empty disables job history.
	Path string `toml:"path"`
}

// Config is the root configuration object.
type Config struct {
	// Backends is the ordered execution provider preference list.
	Backends []string `toml:"backends"`
	Match    Match    `toml:"match"`
	GPU      GPU      `toml:"gpu"`
	Models   Models   `toml:"models"`
	Tools    Tools    `toml:"tools"`
	Log      Log      `toml:"log"`
	Store    Store    `toml:"store"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backends: []string{"cuda", "directml", "cpu"},
		Match: Match{
			SimilarityThreshold:    0.4,
			EmbeddingWeight:        0.8,
			PositionWeight:         0.15,
			SizeWeight:             0.05,
			DegradedPositionWeight: 0.7,
			DegradedSizeWeight:     0.3,
			Strategy:               "first-come",
		},
		GPU: GPU{
			MemoryLimitPercent:  90,
			MemoryCheckInterval: 10,
			WarningMarginPoints: 10,
			MaxErrors:           5,
			AutoFallback:        true,
		},
		Models: Models{
			DetectorPath:        "models/scrfd_10g.onnx",
			EmbedderPath:        "models/arcface.onnx",
			SwapperPath:         "models/inswapper_128.onnx",
			EmapPath:            "models/emap.bin",
			DetectionSize:       640,
			ConfidenceThreshold: 0.5,
			NMSThreshold:        0.4,
			BlendBlurSize:       31,
		},
		Tools: Tools{
			FFmpeg:    "ffmpeg",
			FFprobe:   "ffprobe",
			NvidiaSMI: "nvidia-smi",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Store: Store{
			Path: "refacer.db",
		},
	}
}

// Load reads a TOML config file over the defaults. A missing file yields
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and closed enumerations.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("backends: preference list is empty")
	}
	if _, err := inference.ParseBackends(c.Backends); err != nil {
		return fmt.Errorf("backends: %w", err)
	}

	m := c.Match
	if m.SimilarityThreshold < 0 || m.SimilarityThreshold > 1 {
		return fmt.Errorf("match.similarity_threshold: %v outside [0,1]", m.SimilarityThreshold)
	}
	if sum := m.EmbeddingWeight + m.PositionWeight + m.SizeWeight; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("match: embedding/position/size weights sum to %v, want 1", sum)
	}
	if sum := m.DegradedPositionWeight + m.DegradedSizeWeight; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("match: degraded weights sum to %v, want 1", sum)
	}
	if _, err := ParseStrategy(m.Strategy); err != nil {
		return err
	}

	g := c.GPU
	if g.MemoryLimitPercent <= 0 || g.MemoryLimitPercent > 100 {
		return fmt.Errorf("gpu.memory_limit_percent: %v outside (0,100]", g.MemoryLimitPercent)
	}
	if g.MemoryCheckInterval <= 0 {
		return fmt.Errorf("gpu.memory_check_interval: %d must be positive", g.MemoryCheckInterval)
	}
	if g.MaxErrors <= 0 {
		return fmt.Errorf("gpu.max_errors: %d must be positive", g.MaxErrors)
	}

	if c.Models.DetectionSize <= 0 {
		return fmt.Errorf("models.detection_size: %d must be positive", c.Models.DetectionSize)
	}
	return nil
}

// Strategy is the closed set of candidate assignment strategies.
type Strategy int

const (
	StrategyFirstCome Strategy = iota
	StrategyExclusive
)

// ParseStrategy maps a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "first-come", "":
		return StrategyFirstCome, nil
	case "exclusive":
		return StrategyExclusive, nil
	}
	return 0, fmt.Errorf("match.strategy: unknown value %q (expected first-come or exclusive)", name)
}

// Sample returns the annotated sample configuration file.
func Sample() string {
	return sampleConfig
}
