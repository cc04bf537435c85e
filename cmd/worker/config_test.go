package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("VARIANT_WORKERS", "")
	t.Setenv("VARIANT_QUEUE_SIZE", "")
	t.Setenv("BREAKER_BASE_MINUTES", "")
	t.Setenv("BREAKER_CAP_HOURS", "")
	t.Setenv("COUNTER_BACKEND", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("unexpected NATS URL: %s", cfg.NATSURL)
	}
	if cfg.JobSubject != "wxcam.capture.jobs" || cfg.ResultSubject != "wxcam.capture.done" {
		t.Fatalf("unexpected subjects: %s %s", cfg.JobSubject, cfg.ResultSubject)
	}
	if cfg.WorkerQueue != "capture-workers" {
		t.Fatalf("unexpected queue: %s", cfg.WorkerQueue)
	}
	if cfg.DataDir != "./data/cameras" || cfg.StateDir != "./data/state" {
		t.Fatalf("unexpected directories: %s %s", cfg.DataDir, cfg.StateDir)
	}
	if cfg.VariantWorkers != 4 || cfg.VariantQueueSize != 256 {
		t.Fatalf("unexpected engine sizing: %d workers, queue %d", cfg.VariantWorkers, cfg.VariantQueueSize)
	}
	if cfg.BreakerBase != 2*time.Minute || cfg.BreakerCap != 6*time.Hour {
		t.Fatalf("unexpected breaker policy: base %s cap %s", cfg.BreakerBase, cfg.BreakerCap)
	}
	if cfg.CounterBackend != "memory" {
		t.Fatalf("unexpected counter backend: %s", cfg.CounterBackend)
	}
}

func TestLoadConfigInvalidWorkers(t *testing.T) {
	t.Setenv("VARIANT_WORKERS", "not-a-number")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid VARIANT_WORKERS")
	}
}

func TestLoadConfigZeroWorkers(t *testing.T) {
	t.Setenv("VARIANT_WORKERS", "0")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for zero VARIANT_WORKERS")
	}
}

func TestLoadConfigUnknownCounterBackend(t *testing.T) {
	t.Setenv("COUNTER_BACKEND", "redis")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for unknown COUNTER_BACKEND")
	}
}
