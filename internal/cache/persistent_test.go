package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestPersistentCache(t *testing.T) *PersistentCache {
	t.Helper()
	cache, err := NewPersistentCache(&PersistentConfig{
		Path: filepath.Join(t.TempDir(), "cache.db"),
	}, nil)
	if err != nil {
		t.Fatalf("NewPersistentCache failed: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

// TestNewPersistentCache_RequiresPath tests config validation
func TestNewPersistentCache_RequiresPath(t *testing.T) {
	if _, err := NewPersistentCache(&PersistentConfig{}, nil); err == nil {
		t.Fatal("expected error for missing path")
	}
}

// TestPersistentCache_SetGet tests the basic payload round trip
func TestPersistentCache_SetGet(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "daily:steps", []byte("payload"), time.Hour, []string{"metric:steps"})

	payload, deps, ok := cache.Get(ctx, "daily:steps")
	if !ok {
		t.Fatal("Get returned miss for stored key")
	}
	if string(payload) != "payload" {
		t.Errorf("expected payload, got %q", payload)
	}
	if len(deps) != 1 || deps[0] != "metric:steps" {
		t.Errorf("dependencies not round-tripped: %v", deps)
	}

	if _, _, ok := cache.Get(ctx, "missing"); ok {
		t.Error("Get returned hit for missing key")
	}
}

// TestPersistentCache_ZeroTTLNeverExpires tests that a zero TTL stores forever
func TestPersistentCache_ZeroTTLNeverExpires(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "forever", []byte("v"), 0, nil)

	if n := cache.CleanupExpired(ctx); n != 0 {
		t.Errorf("zero-TTL entry swept by cleanup, count = %d", n)
	}
	if _, _, ok := cache.Get(ctx, "forever"); !ok {
		t.Error("zero-TTL entry not retrievable")
	}
}

// TestPersistentCache_TTLExpiry tests expiry against the store clock
func TestPersistentCache_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wall-clock expiry test in short mode")
	}
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "short", []byte("v"), time.Second, nil)

	if _, _, ok := cache.Get(ctx, "short"); !ok {
		t.Fatal("entry expired immediately")
	}

	time.Sleep(1200 * time.Millisecond)

	if _, _, ok := cache.Get(ctx, "short"); ok {
		t.Error("expired entry still retrievable")
	}
	if n := cache.CleanupExpired(ctx); n != 1 {
		t.Errorf("expected 1 expired row swept, got %d", n)
	}
}

// TestPersistentCache_SubSecondTTLExpiry tests that a TTL below one second
// still expires instead of truncating to never-expires
func TestPersistentCache_SubSecondTTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wall-clock expiry test in short mode")
	}
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "blink", []byte("v"), 500*time.Millisecond, nil)

	time.Sleep(1600 * time.Millisecond)

	if _, _, ok := cache.Get(ctx, "blink"); ok {
		t.Error("entry with sub-second TTL still retrievable after expiry")
	}
}

// TestPersistentCache_GetSurvivesBookkeepingFailure tests that a failing
// access-stats update does not turn a successful read into a miss
func TestPersistentCache_GetSurvivesBookkeepingFailure(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "steady", []byte("v"), 0, nil)

	// Make every access-stats update fail after the row is readable.
	if _, err := cache.db.ExecContext(ctx, `
		CREATE TRIGGER block_access_stats BEFORE UPDATE ON cache_entries
		BEGIN SELECT RAISE(ABORT, 'stats disabled'); END`); err != nil {
		t.Fatalf("creating trigger failed: %v", err)
	}

	payload, _, ok := cache.Get(ctx, "steady")
	if !ok {
		t.Fatal("hit reported as miss after bookkeeping failure")
	}
	if string(payload) != "v" {
		t.Errorf("expected v, got %q", payload)
	}
}

// TestPersistentCache_SurvivesReopen tests persistence across restarts
func TestPersistentCache_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first, err := NewPersistentCache(&PersistentConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("NewPersistentCache failed: %v", err)
	}
	first.Set(ctx, "persisted", []byte("survives"), time.Hour, nil)
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewPersistentCache(&PersistentConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	payload, _, ok := second.Get(ctx, "persisted")
	if !ok {
		t.Fatal("entry lost across reopen")
	}
	if string(payload) != "survives" {
		t.Errorf("expected survives, got %q", payload)
	}
}

// TestPersistentCache_CorruptionRecovery tests that a damaged database file is
// moved aside and replaced with a working empty store
func TestPersistentCache_CorruptionRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	ctx := context.Background()

	// Not a SQLite database.
	if err := os.WriteFile(path, []byte("this is not a database at all, padded out "+
		strings.Repeat("garbage ", 64)), 0o644); err != nil {
		t.Fatalf("writing garbage file: %v", err)
	}

	cache, err := NewPersistentCache(&PersistentConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("construction failed on corrupt database: %v", err)
	}
	defer func() { _ = cache.Close() }()

	// The damaged file must be preserved under a backup name.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	backup := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			backup = true
		}
	}
	if !backup {
		t.Error("corrupted database was not preserved as a backup")
	}

	// The fresh store must be fully usable.
	cache.Set(ctx, "after-recovery", []byte("works"), time.Hour, nil)
	if _, _, ok := cache.Get(ctx, "after-recovery"); !ok {
		t.Error("recovered store not usable")
	}
}

// TestPersistentCache_SetBatchAndPurge tests bulk import with tag-scoped purge
func TestPersistentCache_SetBatchAndPurge(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	entries := []BatchEntry{
		{Key: "import:a", Payload: []byte("1"), TTL: time.Hour},
		{Key: "import:b", Payload: []byte("2"), TTL: time.Hour},
		{Key: "import:c", Payload: []byte("3"), TTL: 0},
	}
	if n := cache.SetBatch(ctx, entries, "load-2026-08"); n != 3 {
		t.Fatalf("expected 3 inserts, got %d", n)
	}

	cache.Set(ctx, "untagged", []byte("x"), time.Hour, nil)

	if n := cache.PurgeBatch(ctx, "load-2026-08"); n != 3 {
		t.Errorf("expected 3 purged rows, got %d", n)
	}
	if _, _, ok := cache.Get(ctx, "import:a"); ok {
		t.Error("batch row survived purge")
	}
	if _, _, ok := cache.Get(ctx, "untagged"); !ok {
		t.Error("untagged row was purged")
	}
}

// TestPersistentCache_InvalidatePattern tests substring invalidation
func TestPersistentCache_InvalidatePattern(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "user:123:a", []byte("1"), 0, nil)
	cache.Set(ctx, "user:123:b", []byte("2"), 0, nil)
	cache.Set(ctx, "user:456:a", []byte("3"), 0, nil)

	if n := cache.InvalidatePattern(ctx, "user:123"); n != 2 {
		t.Errorf("expected 2 invalidations, got %d", n)
	}
	if _, _, ok := cache.Get(ctx, "user:456:a"); !ok {
		t.Error("non-matching entry was invalidated")
	}
}

// TestPersistentCache_InvalidateDependencies tests dependency-token invalidation
func TestPersistentCache_InvalidateDependencies(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "weekly", []byte("1"), 0, []string{"metric:steps"})
	cache.Set(ctx, "monthly", []byte("2"), 0, []string{"metric:steps", "metric:distance"})
	cache.Set(ctx, "heartrate", []byte("3"), 0, []string{"metric:hr"})

	if n := cache.InvalidateDependencies(ctx, "metric:steps"); n != 2 {
		t.Errorf("expected 2 invalidations, got %d", n)
	}
	if _, _, ok := cache.Get(ctx, "heartrate"); !ok {
		t.Error("untagged entry was invalidated")
	}

	// Token must match as a whole list element, not a substring of another token.
	if n := cache.InvalidateDependencies(ctx, "metric:h"); n != 0 {
		t.Errorf("partial token matched %d entries", n)
	}
}

// TestPersistentCache_OversizeSkip tests the per-value ceiling
func TestPersistentCache_OversizeSkip(t *testing.T) {
	cache, err := NewPersistentCache(&PersistentConfig{
		Path:          filepath.Join(t.TempDir(), "cache.db"),
		MaxValueBytes: 16,
	}, nil)
	if err != nil {
		t.Fatalf("NewPersistentCache failed: %v", err)
	}
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	cache.Set(ctx, "huge", []byte(strings.Repeat("x", 64)), 0, nil)

	if _, _, ok := cache.Get(ctx, "huge"); ok {
		t.Error("oversized value was stored")
	}
}

// TestPersistentCache_SizeAndUsage tests row counting and usage accounting
func TestPersistentCache_SizeAndUsage(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	cache.Set(ctx, "a", []byte("12345"), 0, nil)
	cache.Set(ctx, "b", []byte("1234567890"), 0, nil)

	if n := cache.GetSize(ctx); n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
	if usage := cache.MemoryUsage(ctx); usage != 15 {
		t.Errorf("expected 15 bytes of payload, got %d", usage)
	}

	cache.Clear(ctx)
	if n := cache.GetSize(ctx); n != 0 {
		t.Errorf("expected empty store after clear, got %d rows", n)
	}
}

// TestPersistentCache_CloseIdempotent tests repeated Close and post-close reads
func TestPersistentCache_CloseIdempotent(t *testing.T) {
	cache := newTestPersistentCache(t)
	ctx := context.Background()

	if err := cache.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// Operations after close degrade to misses, never panic.
	if _, _, ok := cache.Get(ctx, "anything"); ok {
		t.Error("Get returned a hit on a closed cache")
	}
	cache.Set(ctx, "late", []byte("v"), 0, nil)
}
