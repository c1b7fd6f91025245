package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okapi-ai/overseer/internal/config"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Fatalf("expected default concurrency=4, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Runner.MaxIterations != 10 {
		t.Fatalf("expected default max_iterations=10, got %d", cfg.Runner.MaxIterations)
	}
	if cfg.Approval.DefaultTTL != 30*time.Minute {
		t.Fatalf("expected default approval ttl=30m, got %v", cfg.Approval.DefaultTTL)
	}
	if cfg.DBPath != filepath.Join(home, "overseer.db") {
		t.Fatalf("unexpected db path: %q", cfg.DBPath)
	}
}

func TestLoad_FromFile(t *testing.T) {
	home := t.TempDir()
	raw := "log_level: debug\nqueue:\n  concurrency: 8\n  max_attempts: 5\nrunner:\n  max_iterations: 20\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.Queue.Concurrency != 8 {
		t.Fatalf("expected concurrency=8, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("expected max_attempts=5, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Runner.MaxIterations != 20 {
		t.Fatalf("expected max_iterations=20, got %d", cfg.Runner.MaxIterations)
	}
	// Unset fields keep their defaults.
	if cfg.Queue.PollInterval != time.Second {
		t.Fatalf("expected default poll_interval=1s, got %v", cfg.Queue.PollInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	raw := "log_level: info\nqueue:\n  concurrency: 2\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OVERSEER_LOG_LEVEL", "warn")
	t.Setenv("OVERSEER_QUEUE_CONCURRENCY", "16")
	t.Setenv("OVERSEER_RUNNER_MAX_ITERATIONS", "7")
	t.Setenv("OVERSEER_POLICY_BACKEND_URL", "http://policy.internal")
	t.Setenv("OVERSEER_RELATIONSHIP_BACKEND_URL", "http://graph.internal")
	t.Setenv("OVERSEER_WORKFLOW_ENABLED", "true")

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override lost: log_level=%q", cfg.LogLevel)
	}
	if cfg.Queue.Concurrency != 16 {
		t.Fatalf("env override lost: concurrency=%d", cfg.Queue.Concurrency)
	}
	if cfg.Runner.MaxIterations != 7 {
		t.Fatalf("env override lost: max_iterations=%d", cfg.Runner.MaxIterations)
	}
	if cfg.PolicyBackend.URL != "http://policy.internal" {
		t.Fatalf("env override lost: policy_backend.url=%q", cfg.PolicyBackend.URL)
	}
	if cfg.RelationshipBackend.URL != "http://graph.internal" {
		t.Fatalf("env override lost: relationship_backend.url=%q", cfg.RelationshipBackend.URL)
	}
	if !cfg.Workflow.Enabled {
		t.Fatal("env override lost: workflow.enabled")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("queue: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(home); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
