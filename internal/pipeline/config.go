package pipeline

import (
	"fmt"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/stage"
)

// StageConfig declares one ordered pipeline stage: its executor key, the
// share of overall progress it owns, and how many attempts it gets.
type StageConfig struct {
	Name        string
	Weight      int
	MaxAttempts int // 0 means the default of 1 (no retry)
}

func (sc StageConfig) attempts() int {
	if sc.MaxAttempts < 1 {
		return 1
	}
	return sc.MaxAttempts
}

// Config is the declarative, validated stage list. It is constructed once at
// startup; no job can be submitted before Validate passes.
type Config struct {
	Stages []StageConfig
}

// DefaultConfig is the reference pipeline: fetch the source, extract audio,
// transcribe it, optionally enhance the text.
func DefaultConfig() Config {
	return Config{Stages: []StageConfig{
		{Name: stage.NameFetch, Weight: 10, MaxAttempts: 3},
		{Name: stage.NameExtract, Weight: 30},
		{Name: stage.NameTranscribe, Weight: 40, MaxAttempts: 3},
		{Name: stage.NameEnhance, Weight: 20, MaxAttempts: 2},
	}}
}

// Validate rejects misconfigured pipelines at startup, not at runtime:
// weights must be positive and sum to exactly 100, stage names must be
// unique and non-empty.
func (c Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}

	sum := 0
	seen := make(map[string]struct{}, len(c.Stages))
	for _, sc := range c.Stages {
		if sc.Name == "" {
			return fmt.Errorf("pipeline stage has empty name")
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("duplicate pipeline stage %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}

		if sc.Weight <= 0 {
			return fmt.Errorf("stage %q has non-positive weight %d", sc.Name, sc.Weight)
		}
		if sc.MaxAttempts < 0 {
			return fmt.Errorf("stage %q has negative max attempts", sc.Name)
		}
		sum += sc.Weight
	}

	if sum != 100 {
		return fmt.Errorf("stage weights must sum to 100, got %d", sum)
	}
	return nil
}

// priorWeight is the progress already earned when stage idx begins.
func (c Config) priorWeight(idx int) int {
	prior := 0
	for i := 0; i < idx && i < len(c.Stages); i++ {
		prior += c.Stages[i].Weight
	}
	return prior
}
