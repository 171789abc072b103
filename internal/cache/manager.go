package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AlexFiliakov/iQuest-sub007/pkg/cacheerr"
)

// ComputeFunc produces the value for a key on a cache miss. The cache never
// inspects or retries it beyond the refresh scheduler's own retry policy;
// its error propagates to the original caller untouched.
type ComputeFunc func(ctx context.Context) (interface{}, error)

// Options carries the per-request cache parameters.
type Options struct {
	// Tiers is the probe/write order; empty means all three tiers.
	Tiers []Tier
	// TTL of zero means the entry never expires.
	TTL time.Duration
	// Dependencies are opaque tokens enabling bulk invalidation.
	Dependencies []string
}

// AccessHook observes every Get call. The refresh scheduler registers one to
// track access frequency; implementations must be fast and non-blocking.
type AccessHook func(key string, compute ComputeFunc, opts Options)

// ManagerConfig configures the cache manager and its tiers.
type ManagerConfig struct {
	Memory     *MemoryConfig     `yaml:"memory"`
	Persistent *PersistentConfig `yaml:"persistent"`
	Disk       *DiskConfig       `yaml:"disk"`

	// SingleFlight de-duplicates concurrent misses on the same key. Off by
	// default: two concurrent misses may then both invoke the compute
	// function, matching the engine's original semantics.
	SingleFlight bool `yaml:"single_flight"`

	Logger *slog.Logger `yaml:"-"`
}

// Manager composes the three tiers behind get/set/invalidate with tier
// fallback and promotion. It exclusively owns the tier instances; callers and
// background components never touch tier internals directly.
type Manager struct {
	mu sync.Mutex

	memory     *MemoryCache
	persistent *PersistentCache
	disk       *DiskCache

	metrics    *Metrics
	logger     *slog.Logger
	group      singleflight.Group
	sfEnabled  bool
	accessHook AccessHook
	closed     bool
}

// NewManager builds a manager. The memory tier is always present; the
// persistent and disk tiers are enabled by their config sections.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		cfg = &ManagerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		memory:    NewMemoryCache(cfg.Memory, logger),
		metrics:   NewMetrics(),
		logger:    logger,
		sfEnabled: cfg.SingleFlight,
	}

	if cfg.Persistent != nil {
		pc, err := NewPersistentCache(cfg.Persistent, logger)
		if err != nil {
			return nil, err
		}
		m.persistent = pc
	}
	if cfg.Disk != nil {
		dc, err := NewDiskCache(cfg.Disk, logger)
		if err != nil {
			// The disk tier is best-effort; run without it.
			logger.Warn("disk tier unavailable, continuing without it", "error", err)
		} else {
			m.disk = dc
		}
	}

	return m, nil
}

// SetAccessHook installs the access-recording hook. Pass nil to remove it.
func (m *Manager) SetAccessHook(hook AccessHook) {
	m.mu.Lock()
	m.accessHook = hook
	m.mu.Unlock()
}

// Get probes the requested tiers in order, promoting hits into faster tiers,
// and invokes compute on a full miss. Only compute's own error is ever
// returned; storage failures degrade to misses.
func (m *Manager) Get(ctx context.Context, key string, compute ComputeFunc, opts Options) (interface{}, error) {
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers
	}

	m.mu.Lock()
	hook := m.accessHook
	m.mu.Unlock()
	if hook != nil {
		hook(key, compute, opts)
	}

	if m.sfEnabled {
		v, err, _ := m.group.Do(key, func() (interface{}, error) {
			return m.getOnce(ctx, key, compute, opts)
		})
		return v, err
	}
	return m.getOnce(ctx, key, compute, opts)
}

func (m *Manager) getOnce(ctx context.Context, key string, compute ComputeFunc, opts Options) (interface{}, error) {
	m.metrics.recordRequest()

	if value, ok := m.lookup(ctx, key, opts.Tiers); ok {
		return value, nil
	}

	// Full miss. The compute call runs outside the manager lock so one slow
	// computation does not stall unrelated keys.
	if compute == nil {
		return nil, nil
	}
	m.metrics.recordCompute()
	value, err := compute(ctx)
	if err != nil {
		return nil, cacheerr.WrapError(cacheerr.ErrCodeComputeFailed, "compute function failed", err).WithKey(key)
	}

	m.store(ctx, key, value, opts)
	return value, nil
}

// lookup probes tiers in order and performs upward promotion on a hit.
func (m *Manager) lookup(ctx context.Context, key string, tiers []Tier) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}

	for i, tier := range tiers {
		switch tier {
		case TierMemory:
			if value, ok := m.memory.Get(key); ok {
				m.metrics.recordHit(TierMemory)
				return value, true
			}
			m.metrics.recordMiss(TierMemory)

		case TierPersistent:
			if m.persistent == nil {
				continue
			}
			payload, deps, ok := m.persistent.Get(ctx, key)
			if !ok {
				m.metrics.recordMiss(TierPersistent)
				continue
			}
			value, err := DecodeValue(payload)
			if err != nil {
				m.logger.Warn("persistent payload undecodable, treating as miss", "key", key, "error", err)
				m.metrics.recordMiss(TierPersistent)
				continue
			}
			m.metrics.recordHit(TierPersistent)
			m.promote(ctx, key, value, payload, deps, tiers[:i])
			return value, true

		case TierDisk:
			if m.disk == nil {
				continue
			}
			payload, deps, ok := m.disk.Get(key)
			if !ok {
				m.metrics.recordMiss(TierDisk)
				continue
			}
			value, err := DecodeValue(payload)
			if err != nil {
				m.logger.Warn("disk payload undecodable, treating as miss", "key", key, "error", err)
				m.metrics.recordMiss(TierDisk)
				continue
			}
			m.metrics.recordHit(TierDisk)
			m.promote(ctx, key, value, payload, deps, tiers[:i])
			return value, true
		}
	}
	return nil, false
}

// promote copies a hit into every faster tier that was probed before it,
// using each tier's own default TTL rather than the originally requested one.
func (m *Manager) promote(ctx context.Context, key string, value interface{}, payload []byte, deps []string, fasterTiers []Tier) {
	for _, tier := range fasterTiers {
		switch tier {
		case TierMemory:
			m.memory.Set(key, value, m.memory.DefaultTTL(), deps)
			m.metrics.recordPromotion()
		case TierPersistent:
			if m.persistent != nil {
				m.persistent.Set(ctx, key, payload, m.persistent.DefaultTTL(), deps)
				m.metrics.recordPromotion()
			}
		}
	}
}

// Set writes value to each requested tier independently; a failure in one
// tier never blocks the others. Only a serialization failure is returned, and
// even that leaves the caller's value untouched.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, opts Options) error {
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers
	}
	m.store(ctx, key, value, opts)
	return nil
}

func (m *Manager) store(ctx context.Context, key string, value interface{}, opts Options) {
	payload, err := EncodeValue(value)
	if err != nil {
		m.logger.Warn("value not serializable, skipping cache write", "key", key, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.metrics.recordSet()

	for _, tier := range opts.Tiers {
		switch tier {
		case TierMemory:
			m.memory.Set(key, value, opts.TTL, opts.Dependencies)
		case TierPersistent:
			if m.persistent != nil {
				m.persistent.Set(ctx, key, payload, opts.TTL, opts.Dependencies)
			}
		case TierDisk:
			if m.disk != nil {
				m.disk.Set(key, payload, opts.TTL, opts.Dependencies)
			}
		}
	}
}

// InvalidatePattern removes entries whose key contains substr from every
// tier, returning per-tier removal counts.
func (m *Manager) InvalidatePattern(ctx context.Context, substr string) map[Tier]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[Tier]int{
		TierMemory: m.memory.InvalidatePattern(substr),
	}
	if m.persistent != nil {
		counts[TierPersistent] = m.persistent.InvalidatePattern(ctx, substr)
	}
	if m.disk != nil {
		counts[TierDisk] = m.disk.InvalidatePattern(substr)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	m.metrics.recordInvalidations(total)
	return counts
}

// InvalidateDependencies removes entries tagged with the dependency token
// from every tier, returning per-tier removal counts.
func (m *Manager) InvalidateDependencies(ctx context.Context, token string) map[Tier]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[Tier]int{
		TierMemory: m.memory.InvalidateDependencies(token),
	}
	if m.persistent != nil {
		counts[TierPersistent] = m.persistent.InvalidateDependencies(ctx, token)
	}
	if m.disk != nil {
		counts[TierDisk] = m.disk.InvalidateDependencies(token)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	m.metrics.recordInvalidations(total)
	return counts
}

// CleanupExpired sweeps TTL-expired entries from every tier.
func (m *Manager) CleanupExpired(ctx context.Context) map[Tier]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[Tier]int{
		TierMemory: m.memory.CleanupExpired(),
	}
	if m.persistent != nil {
		counts[TierPersistent] = m.persistent.CleanupExpired(ctx)
	}
	if m.disk != nil {
		counts[TierDisk] = m.disk.CleanupExpired()
	}
	return counts
}

// SetBatch bulk-loads precomputed entries into the persistent tier under a
// batch tag; see PersistentCache.SetBatch.
func (m *Manager) SetBatch(ctx context.Context, entries []BatchEntry, batchTag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistent == nil {
		return 0
	}
	return m.persistent.SetBatch(ctx, entries, batchTag)
}

// PurgeBatch removes a previous bulk import from the persistent tier.
func (m *Manager) PurgeBatch(ctx context.Context, batchTag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistent == nil {
		return 0
	}
	return m.persistent.PurgeBatch(ctx, batchTag)
}

// Metrics returns a consistent snapshot of the aggregated counters.
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.Snapshot(m.memory.MemoryUsage())
}

// ResetMetrics zeroes all counters; intended for benchmark setup.
func (m *Manager) ResetMetrics() {
	m.metrics.Reset()
}

// Shutdown flushes and closes every tier. Safe to call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if m.persistent != nil {
		if err := m.persistent.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.disk != nil {
		if err := m.disk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.memory.Clear()
	return firstErr
}
