package cache

import "sync"

// Metrics tracks process-wide cache counters. Counters are only reset by an
// explicit Reset call, never as a side effect of normal operation.
type Metrics struct {
	mu sync.Mutex

	tierHits   map[Tier]uint64
	tierMisses map[Tier]uint64

	totalRequests uint64
	sets          uint64
	invalidations uint64
	computeCalls  uint64
	promotions    uint64
}

// NewMetrics creates a zeroed metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		tierHits:   make(map[Tier]uint64),
		tierMisses: make(map[Tier]uint64),
	}
}

func (m *Metrics) recordRequest() {
	m.mu.Lock()
	m.totalRequests++
	m.mu.Unlock()
}

func (m *Metrics) recordHit(tier Tier) {
	m.mu.Lock()
	m.tierHits[tier]++
	m.mu.Unlock()
}

func (m *Metrics) recordMiss(tier Tier) {
	m.mu.Lock()
	m.tierMisses[tier]++
	m.mu.Unlock()
}

func (m *Metrics) recordSet() {
	m.mu.Lock()
	m.sets++
	m.mu.Unlock()
}

func (m *Metrics) recordInvalidations(count int) {
	m.mu.Lock()
	m.invalidations += uint64(count)
	m.mu.Unlock()
}

func (m *Metrics) recordCompute() {
	m.mu.Lock()
	m.computeCalls++
	m.mu.Unlock()
}

func (m *Metrics) recordPromotion() {
	m.mu.Lock()
	m.promotions++
	m.mu.Unlock()
}

// Reset zeroes every counter. Intended for benchmark setup and tests.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierHits = make(map[Tier]uint64)
	m.tierMisses = make(map[Tier]uint64)
	m.totalRequests = 0
	m.sets = 0
	m.invalidations = 0
	m.computeCalls = 0
	m.promotions = 0
}

// TierStats holds raw hit/miss counters for one tier.
type TierStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// HitRate returns hits/(hits+misses), or 0 when the tier was never probed.
func (s TierStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Snapshot is a point-in-time copy of all counters. Derived rates are
// computed from the copied counters, so a snapshot is internally consistent.
type Snapshot struct {
	Tiers         map[Tier]TierStats `json:"tiers"`
	TotalRequests uint64             `json:"total_requests"`
	Sets          uint64             `json:"sets"`
	Invalidations uint64             `json:"invalidations"`
	ComputeCalls  uint64             `json:"compute_calls"`
	Promotions    uint64             `json:"promotions"`
	MemoryUsage   int64              `json:"memory_usage"`
}

// OverallHitRate returns the fraction of requests answered from any tier.
func (s Snapshot) OverallHitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	var hits uint64
	for _, ts := range s.Tiers {
		hits += ts.Hits
	}
	rate := float64(hits) / float64(s.TotalRequests)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// Snapshot copies the current counters. memoryUsage is supplied by the
// manager since the tiers own their own accounting.
func (m *Metrics) Snapshot(memoryUsage int64) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	tiers := make(map[Tier]TierStats, len(m.tierHits))
	for _, tier := range DefaultTiers {
		tiers[tier] = TierStats{Hits: m.tierHits[tier], Misses: m.tierMisses[tier]}
	}

	return Snapshot{
		Tiers:         tiers,
		TotalRequests: m.totalRequests,
		Sets:          m.sets,
		Invalidations: m.invalidations,
		ComputeCalls:  m.computeCalls,
		Promotions:    m.promotions,
		MemoryUsage:   memoryUsage,
	}
}
