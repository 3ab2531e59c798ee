package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Store.Backend != "memory" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.TickInterval() != time.Second || cfg.FlushInterval() != 5*time.Second {
		t.Fatalf("intervals = %v / %v", cfg.TickInterval(), cfg.FlushInterval())
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	raw := `
listen_addr: ":9090"
tick_interval_seconds: 2
flush_interval_seconds: 30
store:
  backend: sqlite
  sqlite_path: /tmp/state.db
artifacts:
  backend: minio
  minio_endpoint: localhost:9000
  minio_bucket: images
seed_api_keys:
  - provider: openai
    key: sk-test
    url: https://api.openai.com
    max_quota: 5
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.TickIntervalSeconds != 2 || cfg.FlushIntervalSeconds != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/state.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Artifacts.Backend != "minio" || cfg.Artifacts.MinIOBucket != "images" {
		t.Fatalf("artifacts = %+v", cfg.Artifacts)
	}

	seeds := cfg.SeedKeyRecords()
	if len(seeds) != 1 || seeds[0].Provider != "openai" || seeds[0].MaxQuota != 5 {
		t.Fatalf("seeds = %+v", seeds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IMGSCHED_LISTEN_ADDR", ":7070")
	t.Setenv("IMGSCHED_TICK_SECONDS", "3")
	t.Setenv("IMGSCHED_STORE", "sqlite")
	t.Setenv("IMGSCHED_MINIO_USE_SSL", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" || cfg.TickIntervalSeconds != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Store.Backend != "sqlite" || !cfg.Artifacts.MinIOUseSSL {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestIntervalFloor(t *testing.T) {
	t.Setenv("IMGSCHED_TICK_SECONDS", "0")
	t.Setenv("IMGSCHED_FLUSH_SECONDS", "-5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickIntervalSeconds != 1 || cfg.FlushIntervalSeconds != 5 {
		t.Fatalf("intervals not floored: %+v", cfg)
	}
}
