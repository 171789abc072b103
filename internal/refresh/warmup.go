package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AlexFiliakov/iQuest-sub007/internal/cache"
	"github.com/AlexFiliakov/iQuest-sub007/pkg/cacheerr"
)

// WarmupConfig configures startup cache priming.
type WarmupConfig struct {
	// MaxWorkers bounds concurrent warmup computations.
	MaxWorkers int `yaml:"max_workers"`
	// Timeout bounds the whole warmup pass. Tasks still running when it
	// lapses are reported as failed but keep running; their results land in
	// the cache whenever they finish.
	Timeout time.Duration `yaml:"timeout"`
}

// warmupTask is one registered key to prime.
type warmupTask struct {
	key     string
	compute cache.ComputeFunc
	opts    cache.Options
}

// Warmup primes the cache with registered keys at startup so first readers
// hit warm tiers instead of paying compute cost.
type Warmup struct {
	mu    sync.Mutex
	tasks []warmupTask

	cache  Cache
	config *WarmupConfig
	logger *slog.Logger
}

// NewWarmup creates an empty warmup registry writing through c.
func NewWarmup(c Cache, config *WarmupConfig, logger *slog.Logger) *Warmup {
	if config == nil {
		config = &WarmupConfig{}
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmup{cache: c, config: config, logger: logger}
}

// Register queues a key for the next warmup pass. Registering the same key
// again replaces its compute function.
func (w *Warmup) Register(key string, compute cache.ComputeFunc, opts cache.Options) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.tasks {
		if w.tasks[i].key == key {
			w.tasks[i].compute = compute
			w.tasks[i].opts = opts
			return
		}
	}
	w.tasks = append(w.tasks, warmupTask{key: key, compute: compute, opts: opts})
}

// Registered returns the number of queued keys.
func (w *Warmup) Registered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// Run primes every registered key and reports per-key success. The pass
// returns when all tasks finish or the configured timeout lapses, whichever
// comes first; a timed-out task reads as failed even though its computation
// continues in the background.
func (w *Warmup) Run(ctx context.Context) map[string]bool {
	w.mu.Lock()
	tasks := make([]warmupTask, len(w.tasks))
	copy(tasks, w.tasks)
	w.mu.Unlock()

	results := make(map[string]bool, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	var resMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.config.MaxWorkers)

	start := time.Now()
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					w.logger.Error("warmup computation panicked", "key", t.key, "panic", rec)
				}
			}()

			value, err := t.compute(ctx)
			if err != nil {
				w.logger.Warn("warmup compute failed", "key", t.key, "error", err)
				return nil
			}
			if err := w.cache.Set(ctx, t.key, value, t.opts); err != nil {
				w.logger.Warn("warmup store failed", "key", t.key, "error", err)
				return nil
			}

			resMu.Lock()
			results[t.key] = true
			resMu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.config.Timeout):
		w.logger.Warn("warmup pass timed out",
			"error", cacheerr.NewError(cacheerr.ErrCodeWarmupTimeout, "warmup exceeded timeout").
				WithComponent("warmup"),
			"timeout", w.config.Timeout)
	case <-ctx.Done():
	}

	resMu.Lock()
	defer resMu.Unlock()
	out := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		out[t.key] = results[t.key]
	}
	w.logger.Info("warmup pass finished",
		"registered", len(tasks), "succeeded", countTrue(out), "elapsed", time.Since(start))
	return out
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}
