package app

import (
	"testing"
	"time"

	"transitpush/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	if _, enabled, err := mapStorageConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("expected disabled storage, got enabled=%v err=%v", enabled, err)
	}

	cfg := &config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("unexpected: enabled=%v err=%v", enabled, err)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("expected default busy timeout, got %v", sc.BusyTimeout)
	}

	cfg.Storage.Path = ""
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestMapQueueConfig(t *testing.T) {
	cfg := &config.Config{Queue: &config.QueueConfig{
		QueueSize:    10,
		PollInterval: "250ms",
		RetryStep:    "1m",
	}}
	qc, err := mapQueueConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if qc.QueueSize != 10 || qc.PollInterval != 250*time.Millisecond || qc.RetryStep != time.Minute {
		t.Fatalf("unexpected mapping: %+v", qc)
	}

	cfg.Queue.RetryStep = "soon"
	if _, err := mapQueueConfig(cfg); err == nil {
		t.Fatal("expected error for invalid retry_step")
	}
}

func TestMapPolicyDefaults(t *testing.T) {
	p := mapPolicy(&config.Config{})
	if !p.EscalateWeather {
		t.Fatal("weather escalation should default to on")
	}
	off := false
	p = mapPolicy(&config.Config{Policy: config.PolicyConfig{EscalateWeather: &off, DryRun: true}})
	if p.EscalateWeather || !p.DryRun {
		t.Fatalf("unexpected policy: %+v", p)
	}
}
