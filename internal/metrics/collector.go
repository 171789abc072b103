package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexFiliakov/iQuest-sub007/internal/cache"
)

// Source is where the collector reads cache counters from; the cache manager
// satisfies it.
type Source interface {
	Metrics() cache.Snapshot
}

// RefreshSource optionally contributes refresh scheduler gauges.
type RefreshSource interface {
	Snapshot() RefreshStats
}

// RefreshStats mirrors the scheduler's counters without importing it, keeping
// the metrics package free of a refresh dependency cycle.
type RefreshStats struct {
	TrackedKeys    int
	ScheduledKeys  int
	TotalRefreshes int
}

// Config represents metrics exposition settings
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector exports cache counters as Prometheus metrics. Counters are read
// on scrape from the source snapshot, so the collector itself holds no state
// to drift out of sync.
type Collector struct {
	source  Source
	refresh RefreshSource
	config  *Config
	logger  *slog.Logger

	registry *prometheus.Registry
	server   *http.Server

	hitsDesc          *prometheus.Desc
	missesDesc        *prometheus.Desc
	hitRateDesc       *prometheus.Desc
	requestsDesc      *prometheus.Desc
	setsDesc          *prometheus.Desc
	invalidationsDesc *prometheus.Desc
	computeDesc       *prometheus.Desc
	promotionsDesc    *prometheus.Desc
	memoryUsageDesc   *prometheus.Desc
	trackedDesc       *prometheus.Desc
	scheduledDesc     *prometheus.Desc
	refreshesDesc     *prometheus.Desc
}

// NewCollector creates a collector reading from source. refresh may be nil.
func NewCollector(source Source, refresh RefreshSource, config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "iquest_cache",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "iquest_cache"
	}
	if logger == nil {
		logger = slog.Default()
	}

	ns := config.Namespace
	c := &Collector{
		source:  source,
		refresh: refresh,
		config:  config,
		logger:  logger,

		hitsDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "hits_total"),
			"Cache hits by tier", []string{"tier"}, nil),
		missesDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "misses_total"),
			"Cache misses by tier", []string{"tier"}, nil),
		hitRateDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "hit_rate"),
			"Hit rate by tier", []string{"tier"}, nil),
		requestsDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "requests_total"),
			"Total cache requests", nil, nil),
		setsDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "sets_total"),
			"Total cache writes", nil, nil),
		invalidationsDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "invalidations_total"),
			"Total invalidated entries", nil, nil),
		computeDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "compute_calls_total"),
			"Compute function invocations on full misses", nil, nil),
		promotionsDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "promotions_total"),
			"Entries promoted into faster tiers", nil, nil),
		memoryUsageDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "memory_usage_bytes"),
			"Bytes held by the in-memory tier", nil, nil),
		trackedDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "refresh_tracked_keys"),
			"Keys tracked by the refresh scheduler", nil, nil),
		scheduledDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "refresh_scheduled_keys"),
			"Keys currently scheduled for refresh", nil, nil),
		refreshesDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "refreshes_total"),
			"Completed background refreshes", nil, nil),
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		return nil, err
	}
	c.registry = registry

	return c, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.hitRateDesc
	ch <- c.requestsDesc
	ch <- c.setsDesc
	ch <- c.invalidationsDesc
	ch <- c.computeDesc
	ch <- c.promotionsDesc
	ch <- c.memoryUsageDesc
	ch <- c.trackedDesc
	ch <- c.scheduledDesc
	ch <- c.refreshesDesc
}

// Collect implements prometheus.Collector by snapshotting the source.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Metrics()

	for tier, stats := range snap.Tiers {
		ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue,
			float64(stats.Hits), tier.String())
		ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue,
			float64(stats.Misses), tier.String())
		ch <- prometheus.MustNewConstMetric(c.hitRateDesc, prometheus.GaugeValue,
			stats.HitRate(), tier.String())
	}

	ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.setsDesc, prometheus.CounterValue, float64(snap.Sets))
	ch <- prometheus.MustNewConstMetric(c.invalidationsDesc, prometheus.CounterValue, float64(snap.Invalidations))
	ch <- prometheus.MustNewConstMetric(c.computeDesc, prometheus.CounterValue, float64(snap.ComputeCalls))
	ch <- prometheus.MustNewConstMetric(c.promotionsDesc, prometheus.CounterValue, float64(snap.Promotions))
	ch <- prometheus.MustNewConstMetric(c.memoryUsageDesc, prometheus.GaugeValue, float64(snap.MemoryUsage))

	if c.refresh != nil {
		rs := c.refresh.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.trackedDesc, prometheus.GaugeValue, float64(rs.TrackedKeys))
		ch <- prometheus.MustNewConstMetric(c.scheduledDesc, prometheus.GaugeValue, float64(rs.ScheduledKeys))
		ch <- prometheus.MustNewConstMetric(c.refreshesDesc, prometheus.CounterValue, float64(rs.TotalRefreshes))
	}
}

// Registry exposes the private registry, mainly for tests and embedding the
// handler into an existing mux.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint. No-op when disabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              c.config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	err := c.server.Shutdown(ctx)
	c.server = nil
	return err
}
