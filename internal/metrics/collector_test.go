package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexFiliakov/iQuest-sub007/internal/cache"
)

// fakeSource returns a fixed snapshot.
type fakeSource struct {
	snap cache.Snapshot
}

func (f *fakeSource) Metrics() cache.Snapshot { return f.snap }

type fakeRefresh struct {
	stats RefreshStats
}

func (f *fakeRefresh) Snapshot() RefreshStats { return f.stats }

func testSnapshot() cache.Snapshot {
	return cache.Snapshot{
		Tiers: map[cache.Tier]cache.TierStats{
			cache.TierMemory:     {Hits: 80, Misses: 20},
			cache.TierPersistent: {Hits: 10, Misses: 10},
			cache.TierDisk:       {Hits: 2, Misses: 8},
		},
		TotalRequests: 100,
		Sets:          42,
		Invalidations: 7,
		ComputeCalls:  8,
		Promotions:    12,
		MemoryUsage:   1 << 20,
	}
}

func TestCollector_Collect(t *testing.T) {
	c, err := NewCollector(&fakeSource{snap: testSnapshot()}, nil, &Config{
		Enabled:   true,
		Namespace: "iquest_cache",
	}, nil)
	require.NoError(t, err)

	expected := `
		# HELP iquest_cache_requests_total Total cache requests
		# TYPE iquest_cache_requests_total counter
		iquest_cache_requests_total 100
	`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"iquest_cache_requests_total"))

	assert.Equal(t, float64(80), seriesValue(t, c, "iquest_cache_hits_total", "memory"))
	assert.Equal(t, 0.8, seriesValue(t, c, "iquest_cache_hit_rate", "memory"))
	assert.Equal(t, float64(8), seriesValue(t, c, "iquest_cache_misses_total", "disk"))
}

// seriesValue extracts one tier-labeled series value from the registry.
func seriesValue(t *testing.T, c *Collector, name, tier string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "tier" && label.GetValue() == tier {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("series %s{tier=%q} not found", name, tier)
	return 0
}

func TestCollector_GatherAllFamilies(t *testing.T) {
	c, err := NewCollector(&fakeSource{snap: testSnapshot()},
		&fakeRefresh{stats: RefreshStats{TrackedKeys: 5, ScheduledKeys: 2, TotalRefreshes: 9}},
		&Config{Enabled: true, Namespace: "iquest_cache"}, nil)
	require.NoError(t, err)

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}

	for _, want := range []string{
		"iquest_cache_hits_total",
		"iquest_cache_misses_total",
		"iquest_cache_hit_rate",
		"iquest_cache_requests_total",
		"iquest_cache_sets_total",
		"iquest_cache_invalidations_total",
		"iquest_cache_compute_calls_total",
		"iquest_cache_promotions_total",
		"iquest_cache_memory_usage_bytes",
		"iquest_cache_refresh_tracked_keys",
		"iquest_cache_refresh_scheduled_keys",
		"iquest_cache_refreshes_total",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

func TestCollector_NoRefreshSource(t *testing.T) {
	c, err := NewCollector(&fakeSource{snap: testSnapshot()}, nil,
		&Config{Enabled: true, Namespace: "iquest_cache"}, nil)
	require.NoError(t, err)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		assert.NotContains(t, fam.GetName(), "refresh",
			"refresh series exported without a refresh source")
	}
}

func TestCollector_StartDisabled(t *testing.T) {
	c, err := NewCollector(&fakeSource{snap: testSnapshot()}, nil,
		&Config{Enabled: false}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
