package refresh

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AlexFiliakov/iQuest-sub007/internal/cache"
	"github.com/AlexFiliakov/iQuest-sub007/pkg/cacheerr"
)

// Cache is the slice of the cache manager the scheduler writes refreshed
// values through.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, opts cache.Options) error
}

// SchedulerConfig configures proactive refresh.
type SchedulerConfig struct {
	// MinAccessCount is how many observed accesses make a key hot enough
	// to schedule.
	MinAccessCount int `yaml:"min_access_count"`
	// CheckInterval is the due-task poll period.
	CheckInterval time.Duration `yaml:"check_interval"`
	// MaxWorkers bounds concurrent refresh computations.
	MaxWorkers int `yaml:"max_workers"`
	// DefaultInterval is the refresh period for keys cached without a TTL.
	DefaultInterval time.Duration `yaml:"default_interval"`
	// MinInterval floors the derived refresh period.
	MinInterval time.Duration `yaml:"min_interval"`
	// TaskTimeout bounds one refresh computation.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// MaxRetries is how many times a failing refresh is retried before the
	// key is dropped from the schedule.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the delay before a failed refresh runs again.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// ActivityWindow is how recently a key must have been accessed for its
	// refresh to recur. Keys idle longer fall off the schedule.
	ActivityWindow time.Duration `yaml:"activity_window"`
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		MinAccessCount:  3,
		CheckInterval:   time.Second,
		MaxWorkers:      4,
		DefaultInterval: 5 * time.Minute,
		MinInterval:     10 * time.Second,
		TaskTimeout:     30 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    30 * time.Second,
		ActivityWindow:  time.Hour,
	}
}

// record tracks one key's observed access pattern and its latest compute
// function. The compute function is replaced on every access so a refresh
// always runs the caller's most recent closure.
type record struct {
	key          string
	accessCount  int
	lastAccess   time.Time
	compute      cache.ComputeFunc
	opts         cache.Options
	scheduled    bool
	retries      int
	lastRefresh  time.Time
	refreshCount int
}

// task is one pending refresh, ordered by due time.
type task struct {
	key   string
	runAt time.Time
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler proactively recomputes hot cache entries before they expire.
// It observes accesses through the manager's access hook, schedules keys
// that cross the hotness threshold, and writes refreshed values back through
// the cache so readers never block on them.
type Scheduler struct {
	mu      sync.Mutex
	records map[string]*record
	pending taskHeap
	running bool

	cache  Cache
	config *SchedulerConfig
	logger *slog.Logger

	workerSem chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a stopped scheduler writing through c.
func NewScheduler(c Cache, config *SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.MinAccessCount <= 0 {
		config.MinAccessCount = 3
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = 5 * time.Minute
	}
	if config.MinInterval <= 0 {
		config.MinInterval = 10 * time.Second
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 30 * time.Second
	}
	if config.ActivityWindow <= 0 {
		config.ActivityWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		records:   make(map[string]*record),
		cache:     c,
		config:    config,
		logger:    logger,
		workerSem: make(chan struct{}, config.MaxWorkers),
	}
}

// RecordAccess observes one cache access. Designed to be installed as the
// manager's access hook; it only bumps counters and must stay cheap.
func (s *Scheduler) RecordAccess(key string, compute cache.ComputeFunc, opts cache.Options) {
	if compute == nil {
		// Probe-only reads carry nothing to refresh with.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		r = &record{key: key}
		s.records[key] = r
	}
	r.accessCount++
	r.lastAccess = time.Now()
	r.compute = compute
	r.opts = opts

	if r.accessCount >= s.config.MinAccessCount && !r.scheduled {
		s.scheduleLocked(r, time.Now().Add(s.refreshInterval(r.opts, r.accessCount)))
	}
}

// refreshInterval derives when a value should be recomputed: three quarters
// of its TTL so the fresh copy lands before expiry. Entries that never expire
// use the default period scaled down by popularity, so hotter keys refresh
// more often. Both paths are floored at MinInterval.
func (s *Scheduler) refreshInterval(opts cache.Options, accessCount int) time.Duration {
	interval := s.config.DefaultInterval
	if opts.TTL > 0 {
		interval = opts.TTL * 3 / 4
	} else if scale := accessCount / s.config.MinAccessCount; scale > 1 {
		interval = s.config.DefaultInterval / time.Duration(scale)
	}
	if interval < s.config.MinInterval {
		interval = s.config.MinInterval
	}
	return interval
}

func (s *Scheduler) scheduleLocked(r *record, runAt time.Time) {
	r.scheduled = true
	heap.Push(&s.pending, &task{key: r.key, runAt: runAt})
}

// Start launches the scheduling loop. Returns ALREADY_STARTED if running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return cacheerr.NewError(cacheerr.ErrCodeAlreadyStarted, "refresh scheduler already running").
			WithComponent("refresh")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)
	return nil
}

// Stop halts scheduling and waits for in-flight refreshes, bounded by the
// task timeout. Safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.TaskTimeout):
		s.logger.Warn("refresh scheduler stop timed out with workers still running")
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("refresh loop panicked", "panic", r)
		}
	}()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx, stopCh)
		}
	}
}

// dispatchDue pops every due task and hands each to a worker slot.
func (s *Scheduler) dispatchDue(ctx context.Context, stopCh chan struct{}) {
	now := time.Now()

	s.mu.Lock()
	var due []*record
	for s.pending.Len() > 0 && !s.pending[0].runAt.After(now) {
		t := heap.Pop(&s.pending).(*task)
		r, ok := s.records[t.key]
		if !ok || !r.scheduled {
			continue
		}
		due = append(due, r)
	}
	s.mu.Unlock()

	for _, r := range due {
		select {
		case s.workerSem <- struct{}{}:
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go s.runRefresh(ctx, r)
	}
}

func (s *Scheduler) runRefresh(ctx context.Context, r *record) {
	defer s.wg.Done()
	defer func() { <-s.workerSem }()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("refresh computation panicked", "key", r.key, "panic", rec)
			s.mu.Lock()
			r.scheduled = false
			s.mu.Unlock()
		}
	}()

	s.mu.Lock()
	compute := r.compute
	opts := r.opts
	s.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	value, err := compute(taskCtx)
	if err != nil {
		s.handleFailure(r, err)
		return
	}

	if err := s.cache.Set(ctx, r.key, value, opts); err != nil {
		s.handleFailure(r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.retries = 0
	r.lastRefresh = time.Now()
	r.refreshCount++

	// Recur only while the key is still being read.
	if time.Since(r.lastAccess) <= s.config.ActivityWindow {
		s.scheduleLocked(r, time.Now().Add(s.refreshInterval(opts, r.accessCount)))
	} else {
		r.scheduled = false
		r.accessCount = 0
	}
}

// handleFailure retries with a fixed backoff until the retry budget runs out,
// then drops the key from the schedule. A later access can re-arm it.
func (s *Scheduler) handleFailure(r *record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.retries++
	if r.retries <= s.config.MaxRetries {
		s.logger.Warn("refresh failed, will retry",
			"key", r.key, "attempt", r.retries, "error", err)
		s.scheduleLocked(r, time.Now().Add(s.config.RetryBackoff))
		return
	}

	s.logger.Warn("refresh abandoned after retries",
		"key", r.key, "retries", r.retries-1,
		"error", cacheerr.WrapError(cacheerr.ErrCodeRefreshFailed, "refresh abandoned", err).WithKey(r.key))
	r.scheduled = false
	r.retries = 0
	r.accessCount = 0
}

// Stats describes the scheduler's current load.
type Stats struct {
	TrackedKeys    int `json:"tracked_keys"`
	ScheduledKeys  int `json:"scheduled_keys"`
	TotalRefreshes int `json:"total_refreshes"`
}

// Snapshot returns current scheduling counters.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{TrackedKeys: len(s.records)}
	for _, r := range s.records {
		if r.scheduled {
			st.ScheduledKeys++
		}
		st.TotalRefreshes += r.refreshCount
	}
	return st
}

// Prune drops access records idle past the activity window, returning how
// many were removed. Intended to be called from the engine's janitor tick.
func (s *Scheduler) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.config.ActivityWindow)
	removed := 0
	for key, r := range s.records {
		if !r.scheduled && r.lastAccess.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}
