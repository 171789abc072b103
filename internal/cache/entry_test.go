package cache

import (
	"testing"
	"time"
)

// TestEntry_Expired tests TTL evaluation against a supplied clock
func TestEntry_Expired(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ttl     time.Duration
		at      time.Time
		expired bool
	}{
		{"no ttl never expires", 0, base.Add(1000 * time.Hour), false},
		{"within ttl", time.Hour, base.Add(30 * time.Minute), false},
		{"exactly at ttl", time.Hour, base.Add(time.Hour), false},
		{"past ttl", time.Hour, base.Add(time.Hour + time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Key: "k", CreatedAt: base, TTL: tt.ttl}
			if got := e.Expired(tt.at); got != tt.expired {
				t.Errorf("Expired(%v) = %v, want %v", tt.at, got, tt.expired)
			}
		})
	}
}

// TestTTLSeconds tests the second-resolution conversion used by the
// serialized tiers, in particular that sub-second TTLs round up instead of
// collapsing to the never-expires zero value
func TestTTLSeconds(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want int64
	}{
		{"zero means never expires", 0, 0},
		{"negative clamps to never expires", -time.Second, 0},
		{"sub-second rounds up", 500 * time.Millisecond, 1},
		{"exact second", time.Second, 1},
		{"fractional rounds up", 1500 * time.Millisecond, 2},
		{"whole hour", time.Hour, 3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ttlSeconds(tt.ttl); got != tt.want {
				t.Errorf("ttlSeconds(%v) = %d, want %d", tt.ttl, got, tt.want)
			}
		})
	}
}

// TestEntry_HasDependency tests dependency-token membership
func TestEntry_HasDependency(t *testing.T) {
	e := &Entry{Dependencies: []string{"metric:steps", "metric:hr"}}

	if !e.HasDependency("metric:steps") {
		t.Error("expected membership for metric:steps")
	}
	if e.HasDependency("metric:distance") {
		t.Error("unexpected membership for metric:distance")
	}
	if e.HasDependency("metric:s") {
		t.Error("partial token matched")
	}
}

// TestTier_String tests tier names used in logs and metric labels
func TestTier_String(t *testing.T) {
	pairs := map[Tier]string{
		TierMemory:     "memory",
		TierPersistent: "persistent",
		TierDisk:       "disk",
	}
	for tier, want := range pairs {
		if got := tier.String(); got != want {
			t.Errorf("Tier(%d).String() = %q, want %q", tier, got, want)
		}
	}
}

// TestValueRoundTrip tests the serialize/decode pair for representative shapes
func TestValueRoundTrip(t *testing.T) {
	payload, err := EncodeValue(map[string]interface{}{"mean": 61.5, "count": 7})
	if err != nil {
		t.Fatalf("EncodeValue failed: %v", err)
	}

	var out struct {
		Mean  float64 `msgpack:"mean"`
		Count int     `msgpack:"count"`
	}
	if err := DecodeValueInto(payload, &out); err != nil {
		t.Fatalf("DecodeValueInto failed: %v", err)
	}
	if out.Mean != 61.5 || out.Count != 7 {
		t.Errorf("round trip mismatch: %+v", out)
	}

	if _, err := EncodeValue(make(chan int)); err == nil {
		t.Error("expected error for unserializable value")
	}
}
