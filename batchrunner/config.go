package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdict-labs/verdict-go/internal/platform/env"
	"github.com/verdict-labs/verdict-go/internal/runner"
)

// orchestrationFile is the optional YAML overlay for the orchestration
// knobs. Every field is a pointer: absent keys keep the env-derived value.
type orchestrationFile struct {
	MaxConcurrent       *int    `yaml:"max_concurrent"`
	MinDispatchInterval *string `yaml:"min_dispatch_interval"`
	PollBaseDelay       *string `yaml:"poll_base_delay"`
	PollMaxRetries      *int    `yaml:"poll_max_retries"`
	SubmitMaxRetries    *int    `yaml:"submit_max_retries"`
	BatchChunkSize      *int    `yaml:"batch_chunk_size"`
}

// loadOrchestrationConfig builds the runner config from the environment and
// layers the optional config file (VERDICT_CONFIG_FILE) on top.
func loadOrchestrationConfig() (runner.Config, error) {
	maxConcurrent, err := env.Int("VERDICT_MAX_CONCURRENT", 4)
	if err != nil {
		return runner.Config{}, err
	}
	minInterval, err := env.Duration("VERDICT_MIN_DISPATCH_INTERVAL", 0)
	if err != nil {
		return runner.Config{}, err
	}
	pollBase, err := env.Duration("VERDICT_POLL_BASE_DELAY", time.Second)
	if err != nil {
		return runner.Config{}, err
	}
	pollRetries, err := env.Int("VERDICT_POLL_MAX_RETRIES", 8)
	if err != nil {
		return runner.Config{}, err
	}
	submitRetries, err := env.Int("VERDICT_SUBMIT_MAX_RETRIES", 5)
	if err != nil {
		return runner.Config{}, err
	}
	chunkSize, err := env.Int("VERDICT_BATCH_CHUNK_SIZE", 0)
	if err != nil {
		return runner.Config{}, err
	}

	cfg := runner.Config{
		MaxConcurrent:       maxConcurrent,
		MinDispatchInterval: minInterval,
		PollBaseDelay:       pollBase,
		PollMaxRetries:      pollRetries,
		SubmitMaxRetries:    submitRetries,
		BatchChunkSize:      chunkSize,
	}

	if path := env.String("VERDICT_CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return runner.Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := applyFileOverrides(&cfg, raw); err != nil {
			return runner.Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return runner.Config{}, err
	}
	return cfg, nil
}

func applyFileOverrides(cfg *runner.Config, raw []byte) error {
	var file orchestrationFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if file.MaxConcurrent != nil {
		cfg.MaxConcurrent = *file.MaxConcurrent
	}
	if file.MinDispatchInterval != nil {
		d, err := time.ParseDuration(*file.MinDispatchInterval)
		if err != nil {
			return fmt.Errorf("min_dispatch_interval: %w", err)
		}
		cfg.MinDispatchInterval = d
	}
	if file.PollBaseDelay != nil {
		d, err := time.ParseDuration(*file.PollBaseDelay)
		if err != nil {
			return fmt.Errorf("poll_base_delay: %w", err)
		}
		cfg.PollBaseDelay = d
	}
	if file.PollMaxRetries != nil {
		cfg.PollMaxRetries = *file.PollMaxRetries
	}
	if file.SubmitMaxRetries != nil {
		cfg.SubmitMaxRetries = *file.SubmitMaxRetries
	}
	if file.BatchChunkSize != nil {
		cfg.BatchChunkSize = *file.BatchChunkSize
	}
	return nil
}
