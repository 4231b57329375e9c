package grid

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()

	if cfg.Grid.Name != "main" || cfg.Grid.Size != 1_000_000 || cfg.Grid.ChunkSize != 2000 {
		t.Fatalf("grid: got %+v", cfg.Grid)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("driver: got %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Cache.Capacity != cfg.Grid.Size {
		t.Fatalf("cache capacity: got %d, want %d", cfg.Cache.Capacity, cfg.Grid.Size)
	}
	if cfg.Observers.LivenessWindow != 30*time.Second || cfg.Observers.SweepInterval != 0 {
		t.Fatalf("observers: got %+v", cfg.Observers)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.HTTP.WSPollInterval != time.Second || len(cfg.HTTP.RateLimits) == 0 {
		t.Fatalf("http: got %+v", cfg.HTTP)
	}
	if cfg.Observability.DBPath != "" {
		t.Fatalf("ops db should be off by default, got %q", cfg.Observability.DBPath)
	}
	if cfg.Observability.Retention != 7*24*time.Hour {
		t.Fatalf("retention: got %v, want 168h", cfg.Observability.Retention)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellgrid.yaml")
	data := `
grid:
  name: board
  size: 10000
store:
  driver: redis
  addr: localhost:6379
  key_prefix: cg
observers:
  liveness_window: 45s
  sweep_interval: 1m
http:
  rate_limits:
    - endpoint: "POST /api/cells/"
      max_requests: 10
      window_seconds: 1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()

	if cfg.Grid.Name != "board" || cfg.Grid.Size != 10000 || cfg.Grid.ChunkSize != 2000 {
		t.Fatalf("grid: got %+v", cfg.Grid)
	}
	sc := cfg.storeConfig()
	if sc.Driver != "redis" || sc.Addr != "localhost:6379" || sc.KeyPrefix != "cg" {
		t.Fatalf("store: got %+v", sc)
	}
	if cfg.Observers.LivenessWindow != 45*time.Second || cfg.Observers.SweepInterval != time.Minute {
		t.Fatalf("observers: got %+v", cfg.Observers)
	}
	if len(cfg.HTTP.RateLimits) != 1 || cfg.HTTP.RateLimits[0].MaxRequests != 10 {
		t.Fatalf("rate limits: got %+v", cfg.HTTP.RateLimits)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
