package grid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered on a registry owned by one Grid, so several grids
// can live in the same process.
type metrics struct {
	registry *prometheus.Registry

	toggles        prometheus.Counter
	toggleFailures prometheus.Counter
	toggleLatency  prometheus.Histogram
	notifications  prometheus.Counter
	delivered      prometheus.Counter
	reaped         prometheus.Counter
	chunks         prometheus.Counter
	checked        prometheus.Gauge
	requests       *prometheus.CounterVec
}

func newMetrics(g *Grid) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"grid": g.name}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "cellgrid", Name: name, Help: help, ConstLabels: labels}
	}

	m := &metrics{
		registry:       reg,
		toggles:        f.NewCounter(prometheus.CounterOpts(opts("toggles_total", "Cells flipped."))),
		toggleFailures: f.NewCounter(prometheus.CounterOpts(opts("toggle_failures_total", "Toggles refused because the store failed."))),
		toggleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cellgrid",
			Name:        "toggle_duration_seconds",
			Help:        "Toggle latency including the store write.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		notifications: f.NewCounter(prometheus.CounterOpts(opts("fanout_notifications_total", "Diffs queued for observers."))),
		delivered:     f.NewCounter(prometheus.CounterOpts(opts("diffs_delivered_total", "Diffs handed to observers by polling or push."))),
		reaped:        f.NewCounter(prometheus.CounterOpts(opts("observers_reaped_total", "Expired observers removed."))),
		chunks:        f.NewCounter(prometheus.CounterOpts(opts("chunks_served_total", "Chunks read."))),
		checked:       f.NewGauge(prometheus.GaugeOpts(opts("checked_cells", "Checked cells at the last status read."))),
		requests: f.NewCounterVec(prometheus.CounterOpts(opts("requests_total", "Endpoint calls by transport and outcome.")),
			[]string{"endpoint", "transport", "outcome"}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts(opts("observers", "Registered observers, including expired ones not yet reaped.")),
		func() float64 { return float64(g.reg.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts(opts("cells", "Grid size.")),
		func() float64 { return float64(g.size) })
	f.NewGaugeFunc(prometheus.GaugeOpts(opts("cache_entries", "Cells held in the hot cache.")),
		func() float64 { return float64(g.cache.Len()) })
	f.NewCounterFunc(prometheus.CounterOpts(opts("cache_hits_total", "Hot cache hits.")),
		func() float64 { return float64(g.cache.Hits()) })
	f.NewCounterFunc(prometheus.CounterOpts(opts("cache_misses_total", "Hot cache misses.")),
		func() float64 { return float64(g.cache.Misses()) })
	if g.events != nil {
		f.NewCounterFunc(prometheus.CounterOpts(opts("events_dropped_total", "Toggle audit events dropped on a full buffer.")),
			func() float64 { return float64(g.events.Dropped()) })
	}
	return m
}
