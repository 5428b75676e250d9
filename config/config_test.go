package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Jobs.MaxActive != 10 {
		t.Fatalf("jobs.max_active default = %d", cfg.Jobs.MaxActive)
	}
	if cfg.Jobs.ProgressCap != 200 || cfg.Jobs.TraceCap != 50 || cfg.Jobs.BufferPrefix != 10 {
		t.Fatalf("buffer defaults wrong: %+v", cfg.Jobs)
	}
	if cfg.Orchestrator.StepTimeout != 2*time.Minute || cfg.Orchestrator.LongStepTimeout != 5*time.Minute {
		t.Fatalf("timeout defaults wrong: %+v", cfg.Orchestrator)
	}
	if cfg.Jobs.MaxRuntime != 30*time.Minute {
		t.Fatalf("jobs.max_runtime default = %s", cfg.Jobs.MaxRuntime)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatal("telemetry should default on")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  address: ":9090"
jobs:
  max_active: 3
orchestrator:
  parallel_draft: false
storage:
  postgres:
    host: db.internal
    dbname: finbrief
    user: svc
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Jobs.MaxActive != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Orchestrator.ParallelDraft {
		t.Fatal("parallel_draft override not applied")
	}
	want := "postgres://svc:@db.internal:5432/finbrief?sslmode=disable"
	if got := cfg.Storage.Postgres.DSN(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}

func TestValidateRejectsBadBufferSplit(t *testing.T) {
	cfg := &Config{}
	cfg.Jobs.MaxActive = 10
	cfg.Jobs.ProgressCap = 10
	cfg.Jobs.BufferPrefix = 10
	cfg.Jobs.TraceCap = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("progress_cap <= buffer_prefix must be rejected")
	}
}

func TestDSNEmptyWhenUnconfigured(t *testing.T) {
	var p PostgresConfig
	if dsn := p.DSN(); dsn != "" {
		t.Fatalf("expected empty dsn, got %q", dsn)
	}
	p.URL = "postgres://u:p@h:5432/d"
	if p.DSN() != p.URL {
		t.Fatal("url should win")
	}
}
