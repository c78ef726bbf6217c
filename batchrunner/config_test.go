package main

import (
	"testing"
	"time"

	"github.com/verdict-labs/verdict-go/internal/runner"
)

func TestLoadOrchestrationConfigDefaults(t *testing.T) {
	cfg, err := loadOrchestrationConfig()
	if err != nil {
		t.Fatalf("loadOrchestrationConfig() err=%v", err)
	}
	if cfg.MaxConcurrent != 4 || cfg.PollBaseDelay != time.Second || cfg.PollMaxRetries != 8 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOrchestrationConfigFromEnv(t *testing.T) {
	t.Setenv("VERDICT_MAX_CONCURRENT", "2")
	t.Setenv("VERDICT_POLL_BASE_DELAY", "250ms")
	t.Setenv("VERDICT_BATCH_CHUNK_SIZE", "10")

	cfg, err := loadOrchestrationConfig()
	if err != nil {
		t.Fatalf("loadOrchestrationConfig() err=%v", err)
	}
	if cfg.MaxConcurrent != 2 || cfg.PollBaseDelay != 250*time.Millisecond || cfg.BatchChunkSize != 10 {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadOrchestrationConfigRejectsGarbage(t *testing.T) {
	t.Setenv("VERDICT_MAX_CONCURRENT", "many")
	if _, err := loadOrchestrationConfig(); err == nil {
		t.Fatal("garbage env accepted")
	}
}

func TestApplyFileOverrides(t *testing.T) {
	cfg := runner.Config{
		MaxConcurrent:  4,
		PollBaseDelay:  time.Second,
		PollMaxRetries: 8,
	}
	raw := []byte("max_concurrent: 1\nmin_dispatch_interval: 100ms\npoll_max_retries: 3\n")
	if err := applyFileOverrides(&cfg, raw); err != nil {
		t.Fatalf("applyFileOverrides() err=%v", err)
	}
	if cfg.MaxConcurrent != 1 || cfg.MinDispatchInterval != 100*time.Millisecond || cfg.PollMaxRetries != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PollBaseDelay != time.Second {
		t.Fatalf("absent key must keep env value, got %v", cfg.PollBaseDelay)
	}
}

func TestApplyFileOverridesBadDuration(t *testing.T) {
	cfg := runner.Config{MaxConcurrent: 4, PollBaseDelay: time.Second, PollMaxRetries: 8}
	if err := applyFileOverrides(&cfg, []byte("poll_base_delay: soon\n")); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestApplyFileOverridesBadYAML(t *testing.T) {
	cfg := runner.Config{MaxConcurrent: 4, PollBaseDelay: time.Second, PollMaxRetries: 8}
	if err := applyFileOverrides(&cfg, []byte(": not yaml")); err == nil {
		t.Fatal("bad yaml accepted")
	}
}
