// CLAUDE:SUMMARY Grid service — owns bit store, hot cache and observer registry; toggle with fan-out, chunked reads, diff polling, status.
// Package grid is the cellgrid service: a fixed-size array of boolean cells
// shared by many observers.
//
// Usage:
//
//	g, err := grid.New(cfg, logger)
//	g.Start(ctx)
//	defer g.Close()
//	http.ListenAndServe(cfg.HTTP.Addr, g.Handler())
//
// Every toggle is written to the durable store before the hot cache and is
// then queued for every other live observer. Observers pick up queued cells
// with PollDiffs, or get them pushed over the websocket.
package grid

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/cellgrid/dbopen"
	"github.com/hazyhaar/cellgrid/grid/internal/bits"
	"github.com/hazyhaar/cellgrid/grid/internal/bitstore"
	"github.com/hazyhaar/cellgrid/grid/internal/hotcache"
	"github.com/hazyhaar/cellgrid/grid/internal/registry"
	"github.com/hazyhaar/cellgrid/kit"
	"github.com/hazyhaar/cellgrid/observability"
	"github.com/hazyhaar/cellgrid/shield"
)

const stripes = 256

// Store is the durable bit store behind a Grid.
type Store = bitstore.Store

// Chunk is a contiguous slice of the grid.
type Chunk struct {
	Offset  int    `json:"offset"`
	Cells   []bool `json:"cells,omitempty"`
	Packed  []byte `json:"packed,omitempty"` // MSB-first bits, base64 in JSON
	Count   int    `json:"count"`
	HasMore bool   `json:"has_more"`
	Next    *int   `json:"next,omitempty"`
}

// Pack replaces Cells with their packed bit form.
func (c *Chunk) Pack() {
	c.Packed = bits.Pack(c.Cells)
	c.Cells = nil
}

// Status is the global checked/unchecked count.
type Status struct {
	Checked   int `json:"checked"`
	Unchecked int `json:"unchecked"`
	Total     int `json:"total"`
}

// ToggleResult reports a toggle. Status is filled in by the transports.
//
// The mutator id passed to Toggle is advisory: it only excludes that
// observer from the fan-out. An unknown or expired id still flips the cell,
// and Notified then counts every live observer.
type ToggleResult struct {
	Index    int     `json:"index"`
	Value    bool    `json:"value"`
	Notified int     `json:"notified"`
	Reaped   int     `json:"reaped"`
	Status   *Status `json:"status,omitempty"`
}

// Diff is one changed cell with its value at delivery time.
type Diff struct {
	Index int  `json:"index"`
	Value bool `json:"value"`
}

// Poll is the result of PollDiffs. Registered is false for an unknown or
// expired observer, which should register again.
type Poll struct {
	ObserverID string  `json:"observer_id"`
	Registered bool    `json:"registered"`
	Diffs      []Diff  `json:"diffs"`
	Status     *Status `json:"status,omitempty"`
}

// Registration is returned to a newly registered observer.
type Registration struct {
	ObserverID string    `json:"observer_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Size       int       `json:"size"`
	ChunkSize  int       `json:"chunk_size"`
}

// Grid is safe for concurrent use. Create it with New.
type Grid struct {
	cfg    *Config
	logger *slog.Logger
	name   string
	size   int

	store    Store
	ownStore bool
	cache    *hotcache.Cache
	reg      *registry.Registry
	stripes  [stripes]sync.Mutex
	now      func() time.Time
	toggles  atomic.Int64
	metrics  *metrics
	endpoint endpoints

	opsDB     *sql.DB
	ownOpsDB  bool
	samples   *observability.MetricsManager
	heartbeat *observability.HeartbeatWriter
	events    *observability.EventLog

	stack       []func(http.Handler) http.Handler
	maintenance *shield.MaintenanceMode
	limiter     *shield.RateLimiter

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Grid.
type Option func(*Grid)

// WithStore uses an already opened store instead of cfg.Store. The grid
// takes its size from the store and does not close it.
func WithStore(s Store) Option {
	return func(g *Grid) { g.store = s }
}

// WithClock replaces time.Now for observer liveness.
func WithClock(now func() time.Time) Option {
	return func(g *Grid) { g.now = now }
}

// WithOpsDB uses db for telemetry, rate limits and maintenance instead of
// opening cfg.Observability.DBPath. The grid does not close it.
func WithOpsDB(db *sql.DB) Option {
	return func(g *Grid) { g.opsDB = db }
}

// New opens the store and builds a Grid. Call Start to run background work
// and Close to release everything.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Grid, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Grid{
		cfg:    cfg,
		logger: logger.With("grid", cfg.Grid.Name),
		name:   cfg.Grid.Name,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}

	if g.store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.ConnectTimeout)
		s, err := bitstore.Open(ctx, cfg.storeConfig(), g.name, cfg.Grid.Size)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("grid: open store: %w", err)
		}
		g.store = s
		g.ownStore = true
	}
	g.size = g.store.Size()

	capacity := min(cfg.Cache.Capacity, g.size)
	cache, err := hotcache.New(g.store.GetRange, capacity)
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("grid: %w", err)
	}
	g.cache = cache
	g.reg = registry.New(cfg.Observers.LivenessWindow, registry.WithClock(g.now))

	if err := g.openOps(); err != nil {
		g.closeStore()
		return nil, err
	}
	g.stack, g.maintenance, g.limiter = shield.DefaultAPIStack(g.opsDB, g.logger)
	g.metrics = newMetrics(g)
	g.endpoint = g.makeEndpoints()

	g.logger.Info("grid: ready",
		"size", g.size,
		"chunk_size", cfg.Grid.ChunkSize,
		"store", cfg.Store.Driver,
		"cache_capacity", capacity,
		"liveness_window", g.reg.Window(),
	)
	return g, nil
}

// openOps prepares the operations database when one is configured.
func (g *Grid) openOps() error {
	if g.opsDB == nil {
		if g.cfg.Observability.DBPath == "" {
			return nil
		}
		db, err := dbopen.Open(g.cfg.Observability.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("grid: open ops db: %w", err)
		}
		g.opsDB = db
		g.ownOpsDB = true
	}
	if err := observability.Init(g.opsDB); err != nil {
		g.closeOpsDB()
		return fmt.Errorf("grid: ops schema: %w", err)
	}
	if err := shield.Init(g.opsDB); err != nil {
		g.closeOpsDB()
		return fmt.Errorf("grid: shield schema: %w", err)
	}
	if err := shield.SeedRules(context.Background(), g.opsDB, g.cfg.HTTP.RateLimits); err != nil {
		g.closeOpsDB()
		return fmt.Errorf("grid: seed rate limits: %w", err)
	}
	obs := g.cfg.Observability
	g.events = observability.NewEventLog(g.opsDB, obs.EventBuffer, g.logger)
	g.samples = observability.NewMetricsManager(g.opsDB, 100, obs.SampleInterval, g.logger)
	g.heartbeat = observability.NewHeartbeatWriter(g.opsDB, g.workerName(), obs.HeartbeatInterval, g.logger)
	return nil
}

func (g *Grid) workerName() string { return "cellgrid:" + g.name }

// Name returns the grid name.
func (g *Grid) Name() string { return g.name }

// Size returns N, the number of cells.
func (g *Grid) Size() int { return g.size }

// ChunkSize returns the number of cells per chunk.
func (g *Grid) ChunkSize() int { return g.cfg.Grid.ChunkSize }

// Config returns the effective configuration.
func (g *Grid) Config() *Config { return g.cfg }

// Metrics returns the grid's Prometheus registry.
func (g *Grid) Metrics() *prometheus.Registry { return g.metrics.registry }

// Events returns the toggle audit log, or nil when no ops database is set.
func (g *Grid) Events() *observability.EventLog { return g.events }

// Maintenance returns the read-only switch of the HTTP surface.
func (g *Grid) Maintenance() *shield.MaintenanceMode { return g.maintenance }

// RegisterObserver adds an observer and returns its id.
func (g *Grid) RegisterObserver() *Registration {
	id, deadline := g.reg.Register()
	g.logger.Debug("grid: observer registered", "observer_id", id)
	return &Registration{
		ObserverID: id,
		ExpiresAt:  deadline,
		Size:       g.size,
		ChunkSize:  g.cfg.Grid.ChunkSize,
	}
}

// Unregister drops an observer. It reports whether it was registered.
func (g *Grid) Unregister(observerID string) bool {
	return g.reg.Remove(observerID)
}

// Toggle flips cell index on behalf of observerID and queues the change for
// every other live observer. An unknown observerID does not block the
// toggle; the change then reaches every live observer.
//
// On a store failure the cell is unchanged, the result carries the prior
// value when it is known, and the error wraps ErrUnavailable.
func (g *Grid) Toggle(ctx context.Context, index int, observerID string) (*ToggleResult, error) {
	if index < 0 || index >= g.size {
		return nil, outOfRange("index", index, g.size)
	}
	timer := prometheus.NewTimer(g.metrics.toggleLatency)
	defer timer.ObserveDuration()

	mu := &g.stripes[index%stripes]
	mu.Lock()
	cur, err := g.cache.Get(ctx, index)
	if err != nil {
		mu.Unlock()
		return nil, g.toggleFailed(ctx, index, false, observerID, err)
	}
	next := !cur
	if err := g.store.SetBit(ctx, index, next); err != nil {
		g.cache.Invalidate(index)
		mu.Unlock()
		return &ToggleResult{Index: index, Value: cur}, g.toggleFailed(ctx, index, cur, observerID, err)
	}
	g.cache.Put(index, next)
	mu.Unlock()

	notified, reaped := g.reg.FanOut(observerID, index)
	g.toggles.Add(1)
	g.metrics.toggles.Inc()
	g.metrics.notifications.Add(float64(notified))
	g.metrics.reaped.Add(float64(reaped))
	if reaped > 0 {
		g.logger.Debug("grid: reaped expired observers", "count", reaped)
	}
	g.record(ctx, index, next, observerID, notified, nil)

	return &ToggleResult{Index: index, Value: next, Notified: notified, Reaped: reaped}, nil
}

func (g *Grid) toggleFailed(ctx context.Context, index int, value bool, observerID string, err error) error {
	g.metrics.toggleFailures.Inc()
	g.logger.Warn("grid: toggle failed", "index", index, "error", err)
	g.record(ctx, index, value, observerID, 0, err)
	return unavailable("toggle", err)
}

func (g *Grid) record(ctx context.Context, index int, value bool, observerID string, notified int, err error) {
	if g.events == nil {
		return
	}
	e := &observability.CellEvent{
		Grid:       g.name,
		Cell:       index,
		Value:      value,
		ObserverID: observerID,
		Transport:  kit.GetTransport(ctx),
		TraceID:    kit.GetTraceID(ctx),
		Notified:   notified,
		Timestamp:  time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	g.events.Record(e)
}

// PollDiffs drains the cells queued for observerID and returns their current
// values. It also extends the observer's liveness. If the values cannot be
// read the cells stay queued.
func (g *Grid) PollDiffs(ctx context.Context, observerID string) (*Poll, error) {
	p := &Poll{ObserverID: observerID, Diffs: []Diff{}}
	indices, ok := g.reg.Drain(observerID)
	if !ok {
		return p, nil
	}
	p.Registered = true
	if len(indices) == 0 {
		return p, nil
	}
	values, err := g.cache.Values(ctx, indices)
	if err != nil {
		g.reg.Requeue(observerID, indices)
		return nil, unavailable("poll", err)
	}
	p.Diffs = make([]Diff, len(indices))
	for k, i := range indices {
		p.Diffs[k] = Diff{Index: i, Value: values[k]}
	}
	g.metrics.delivered.Add(float64(len(indices)))
	return p, nil
}

// Chunk returns cells [offset, offset+chunk_size) clamped at N.
func (g *Grid) Chunk(ctx context.Context, offset int) (*Chunk, error) {
	if offset < 0 || offset >= g.size {
		return nil, outOfRange("offset", offset, g.size)
	}
	end := min(offset+g.cfg.Grid.ChunkSize, g.size)
	cells, err := g.cache.GetRange(ctx, offset, end)
	if err != nil {
		return nil, unavailable("chunk", err)
	}
	c := &Chunk{Offset: offset, Cells: cells, Count: len(cells), HasMore: end < g.size}
	if c.HasMore {
		c.Next = &end
	}
	g.metrics.chunks.Inc()
	return c, nil
}

// Status counts checked cells in the durable store.
func (g *Grid) Status(ctx context.Context) (*Status, error) {
	n, err := g.store.CountSet(ctx)
	if err != nil {
		return nil, unavailable("status", err)
	}
	g.metrics.checked.Set(float64(n))
	return &Status{Checked: n, Unchecked: g.size - n, Total: g.size}, nil
}

// Start runs the heartbeat, the status sampler, the rule reloaders and,
// if configured, the observer sweeper. They stop on Close or when ctx ends.
func (g *Grid) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.maintenance.StartReloader(ctx.Done())
	g.limiter.StartReloader(ctx.Done())
	if g.heartbeat != nil {
		g.heartbeat.Start(ctx)
	}
	if g.samples != nil {
		g.loop(ctx, g.cfg.Observability.SampleInterval, g.sample)
		g.loop(ctx, time.Hour, g.cleanup)
	}
	if d := g.cfg.Observers.SweepInterval; d > 0 {
		g.loop(ctx, d, g.sweep)
	}
}

func (g *Grid) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				fn(ctx)
			}
		}
	}()
}

func (g *Grid) sample(ctx context.Context) {
	st, err := g.Status(ctx)
	if err != nil {
		g.logger.Warn("grid: status sample failed", "error", err)
		return
	}
	labels := map[string]string{"grid": g.name}
	now := time.Now()
	for _, m := range []*observability.Metric{
		{Name: observability.MetricCheckedCells, Value: float64(st.Checked), Unit: "cells"},
		{Name: observability.MetricObservers, Value: float64(g.reg.Len()), Unit: "observers"},
		{Name: observability.MetricCacheEntries, Value: float64(g.cache.Len()), Unit: "cells"},
		{Name: observability.MetricToggles, Value: float64(g.toggles.Load()), Unit: "count"},
	} {
		m.Timestamp = now
		m.Labels = labels
		g.samples.Record(m)
	}
}

// cleanup drops telemetry older than the retention window.
func (g *Grid) cleanup(ctx context.Context) {
	retention := g.cfg.Observability.Retention
	samples, err := g.samples.Cleanup(ctx, retention)
	if err != nil {
		g.logger.Warn("grid: cleanup samples", "error", err)
	}
	events, err := g.events.Cleanup(ctx, retention)
	if err != nil {
		g.logger.Warn("grid: cleanup events", "error", err)
	}
	beats, err := observability.CleanupHeartbeats(ctx, g.opsDB, retention)
	if err != nil {
		g.logger.Warn("grid: cleanup heartbeats", "error", err)
	}
	g.logger.Debug("grid: telemetry cleanup", "samples", samples, "events", events, "heartbeats", beats)
}

func (g *Grid) sweep(context.Context) {
	if n := g.reg.Reap(); n > 0 {
		g.metrics.reaped.Add(float64(n))
		g.logger.Debug("grid: swept expired observers", "count", n)
	}
}

// Close stops background work and releases the store and ops database
// when the grid opened them. Safe to call more than once.
func (g *Grid) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
			if g.heartbeat != nil {
				g.heartbeat.Stop()
			}
		}
		g.wg.Wait()
		if g.events != nil {
			g.events.Close()
		}
		if g.samples != nil {
			g.samples.Close()
		}
		g.closeOpsDB()
		err = g.closeStore()
		g.logger.Info("grid: closed")
	})
	return err
}

func (g *Grid) closeStore() error {
	if !g.ownStore {
		return nil
	}
	return g.store.Close()
}

func (g *Grid) closeOpsDB() {
	if g.ownOpsDB && g.opsDB != nil {
		g.opsDB.Close()
	}
}
