package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Match.SimilarityThreshold != 0.4 {
		t.Errorf("threshold = %v, want default 0.4", cfg.Match.SimilarityThreshold)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refacer.toml")
	content := `
backends = ["cpu"]

[match]
similarity_threshold = 0.6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Match.SimilarityThreshold != 0.6 {
		t.Errorf("threshold = %v, want 0.6", cfg.Match.SimilarityThreshold)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0] != "cpu" {
		t.Errorf("backends = %v, want [cpu]", cfg.Backends)
	}
	// Untouched sections keep their defaults.
	if cfg.GPU.MemoryLimitPercent != 90 {
		t.Errorf("gpu limit = %v, want default 90", cfg.GPU.MemoryLimitPercent)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty backends", func(c *Config) { c.Backends = nil }},
		{"unknown backend", func(c *Config) { c.Backends = []string{"tpu"} }},
		{"threshold above one", func(c *Config) { c.Match.SimilarityThreshold = 1.5 }},
		{"weights not summing to one", func(c *Config) { c.Match.EmbeddingWeight = 0.9 }},
		{"degraded weights not summing to one", func(c *Config) { c.Match.DegradedSizeWeight = 0.5 }},
		{"unknown strategy", func(c *Config) { c.Match.Strategy = "round-robin" }},
		{"zero check interval", func(c *Config) { c.GPU.MemoryCheckInterval = 0 }},
		{"zero max errors", func(c *Config) { c.GPU.MaxErrors = 0 }},
		{"memory limit over 100", func(c *Config) { c.GPU.MemoryLimitPercent = 150 }},
		{"zero detection size", func(c *Config) { c.Models.DetectionSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyFirstCome {
		t.Errorf("empty strategy = %v, %v; want first-come default", s, err)
	}
	if s, err := ParseStrategy("exclusive"); err != nil || s != StrategyExclusive {
		t.Errorf("exclusive strategy = %v, %v", s, err)
	}
	if _, err := ParseStrategy("greedy"); err == nil {
		t.Error("ParseStrategy accepted unknown name")
	}
}

func TestSampleIsNotEmpty(t *testing.T) {
	if Sample() == "" {
		t.Fatal("embedded sample config is empty")
	}
}
