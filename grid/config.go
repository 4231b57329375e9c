// CLAUDE:SUMMARY Grid configuration (grid, store, cache, observers, http, observability) with defaults and a YAML loader.
package grid

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/cellgrid/grid/internal/bitstore"
	"github.com/hazyhaar/cellgrid/shield"
)

// Config holds all cellgrid configuration.
type Config struct {
	Grid          GridConfig          `yaml:"grid"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	Observers     ObserverConfig      `yaml:"observers"`
	HTTP          HTTPConfig          `yaml:"http"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// GridConfig sizes the grid. Size is fixed at provisioning; a larger value
// on restart grows the grid, a smaller one is refused.
type GridConfig struct {
	Name      string `yaml:"name"`
	Size      int    `yaml:"size"`
	ChunkSize int    `yaml:"chunk_size"`
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Driver         string        `yaml:"driver"` // memory, sqlite, bolt, redis, postgres
	Path           string        `yaml:"path"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CacheConfig bounds the hot cache. Capacity 0 means one entry per cell.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// ObserverConfig controls observer liveness.
type ObserverConfig struct {
	LivenessWindow time.Duration `yaml:"liveness_window"`
	// SweepInterval > 0 starts a background reaper. Off by default:
	// expired observers are removed during fan-out.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HTTPConfig controls the HTTP, websocket and MCP surfaces.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	WSPollInterval time.Duration `yaml:"ws_poll_interval"`
	RateLimits     []shield.Rule `yaml:"rate_limits"`
}

// ObservabilityConfig controls the SQLite operations database. An empty
// DBPath disables persisted telemetry; Prometheus metrics are always on.
type ObservabilityConfig struct {
	DBPath            string        `yaml:"db_path"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	EventBuffer       int           `yaml:"event_buffer"`
	// Retention bounds how long samples, events and heartbeats are kept.
	Retention time.Duration `yaml:"retention"`
}

func (c *Config) defaults() {
	if c.Grid.Name == "" {
		c.Grid.Name = "main"
	}
	if c.Grid.Size <= 0 {
		c.Grid.Size = 1_000_000
	}
	if c.Grid.ChunkSize <= 0 {
		c.Grid.ChunkSize = 2000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.ConnectTimeout <= 0 {
		c.Store.ConnectTimeout = 30 * time.Second
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = c.Grid.Size
	}
	if c.Observers.LivenessWindow <= 0 {
		c.Observers.LivenessWindow = 30 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.WSPollInterval <= 0 {
		c.HTTP.WSPollInterval = time.Second
	}
	if c.HTTP.RateLimits == nil {
		c.HTTP.RateLimits = []shield.Rule{
			{Endpoint: "POST /api/cells/", MaxRequests: 600, WindowSeconds: 60},
			{Endpoint: "POST /api/observers", MaxRequests: 60, WindowSeconds: 60},
		}
	}
	if c.Observability.SampleInterval <= 0 {
		c.Observability.SampleInterval = 30 * time.Second
	}
	if c.Observability.HeartbeatInterval <= 0 {
		c.Observability.HeartbeatInterval = 15 * time.Second
	}
	if c.Observability.EventBuffer <= 0 {
		c.Observability.EventBuffer = 1000
	}
	if c.Observability.Retention <= 0 {
		c.Observability.Retention = 7 * 24 * time.Hour
	}
}

func (c *Config) storeConfig() bitstore.Config {
	return bitstore.Config{
		Driver:         c.Store.Driver,
		Path:           c.Store.Path,
		Addr:           c.Store.Addr,
		Password:       c.Store.Password,
		DB:             c.Store.DB,
		KeyPrefix:      c.Store.KeyPrefix,
		DSN:            c.Store.DSN,
		ConnectTimeout: c.Store.ConnectTimeout,
	}
}

// LoadConfigFile reads a YAML config file. Defaults are applied by New.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
