package engine

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/AlexFiliakov/iQuest-sub007/internal/cache"
	"github.com/AlexFiliakov/iQuest-sub007/internal/config"
	"github.com/AlexFiliakov/iQuest-sub007/internal/metrics"
	"github.com/AlexFiliakov/iQuest-sub007/internal/refresh"
)

// Engine assembles the cache manager, refresh scheduler, warmup registry, and
// metrics endpoint from one configuration. It is the single entry point an
// embedding application needs.
type Engine struct {
	Manager   *cache.Manager
	Scheduler *refresh.Scheduler
	Warmup    *refresh.Warmup

	collector *metrics.Collector
	config    *config.Configuration
	logger    *slog.Logger
	started   bool
}

// New builds a stopped engine from cfg. A nil cfg uses defaults.
func New(cfg *config.Configuration) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Global.LogLevel)

	managerCfg := cfg.ManagerConfig()
	managerCfg.Logger = logger
	manager, err := cache.NewManager(managerCfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Manager: manager,
		Warmup:  refresh.NewWarmup(manager, cfg.WarmupConfig(), logger),
		config:  cfg,
		logger:  logger,
	}

	if cfg.Refresh.Enabled {
		e.Scheduler = refresh.NewScheduler(manager, cfg.SchedulerConfig(), logger)
		manager.SetAccessHook(e.Scheduler.RecordAccess)
	}

	if cfg.Metrics.Enabled {
		var rs metrics.RefreshSource
		if e.Scheduler != nil {
			rs = schedulerStats{e.Scheduler}
		}
		collector, err := metrics.NewCollector(manager, rs, &metrics.Config{
			Enabled:   true,
			Listen:    cfg.Metrics.Listen,
			Path:      cfg.Metrics.Path,
			Namespace: cfg.Metrics.Namespace,
		}, logger)
		if err != nil {
			return nil, err
		}
		e.collector = collector
	}

	return e, nil
}

// Start runs the warmup pass, then launches the refresh scheduler and the
// metrics endpoint.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.started = true

	if e.Warmup.Registered() > 0 {
		e.Warmup.Run(ctx)
	}

	if e.Scheduler != nil {
		if err := e.Scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if e.collector != nil {
		if err := e.collector.Start(ctx); err != nil {
			return err
		}
	}

	e.logger.Info("cache engine started",
		"persistent", e.config.Persistent.Enabled,
		"disk", e.config.Disk.Enabled,
		"refresh", e.config.Refresh.Enabled)
	return nil
}

// Stop shuts everything down in dependency order. Safe to call repeatedly.
func (e *Engine) Stop(ctx context.Context) error {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
	if e.collector != nil {
		if err := e.collector.Stop(ctx); err != nil {
			e.logger.Warn("metrics endpoint shutdown failed", "error", err)
		}
	}
	e.started = false
	return e.Manager.Shutdown()
}

// schedulerStats adapts the scheduler's snapshot to the collector's interface.
type schedulerStats struct {
	s *refresh.Scheduler
}

func (a schedulerStats) Snapshot() metrics.RefreshStats {
	st := a.s.Snapshot()
	return metrics.RefreshStats{
		TrackedKeys:    st.TrackedKeys,
		ScheduledKeys:  st.ScheduledKeys,
		TotalRefreshes: st.TotalRefreshes,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
