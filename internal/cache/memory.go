package cache

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MemoryCache implements the L1 tier: a thread-safe LRU map bounded by entry
// count and estimated memory size, with TTL checked on every read.
type MemoryCache struct {
	mu          sync.Mutex
	items       map[string]*memoryItem
	evictList   *list.List
	currentSize int64

	config *MemoryConfig
	logger *slog.Logger
}

// MemoryConfig configures the memory tier.
type MemoryConfig struct {
	// MaxEntries bounds the number of cached entries.
	MaxEntries int `yaml:"max_entries"`
	// MemoryBudget bounds the summed serialized size of cached values, in bytes.
	MemoryBudget int64 `yaml:"memory_budget"`
	// MaxValueBytes is the per-value ceiling; larger values are skipped, not cached.
	MaxValueBytes int64 `yaml:"max_value_bytes"`
	// DefaultTTL is applied when entries are promoted into this tier.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// memoryItem is one L1 entry plus its position in the eviction list.
type memoryItem struct {
	entry   Entry
	element *list.Element
}

// lruKey is the value stored in eviction-list elements.
type lruKey struct {
	key string
}

// NewMemoryCache creates the L1 tier.
func NewMemoryCache(config *MemoryConfig, logger *slog.Logger) *MemoryCache {
	if config == nil {
		config = &MemoryConfig{}
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.MemoryBudget <= 0 {
		config.MemoryBudget = 256 * 1024 * 1024 // 256MB
	}
	if config.MaxValueBytes <= 0 {
		config.MaxValueBytes = 1024 * 1024 // 1MB
	}
	// A single value may never exceed the whole budget, or eviction could
	// empty the cache and still leave it over budget.
	if config.MaxValueBytes > config.MemoryBudget {
		config.MaxValueBytes = config.MemoryBudget
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryCache{
		items:     make(map[string]*memoryItem),
		evictList: list.New(),
		config:    config,
		logger:    logger,
	}
}

// Get returns the live value for key, or (nil, false) on a miss. Expired
// entries found here are deleted and reported as misses.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}

	if item.entry.Expired(time.Now()) {
		c.removeItem(key)
		return nil, false
	}

	item.entry.LastAccessed = time.Now()
	item.entry.AccessCount++
	c.evictList.MoveToFront(item.element)

	return item.entry.Value, true
}

// Set stores value under key. Values whose serialized size exceeds the
// configured ceiling are skipped with a log line; serialization failures are
// likewise skipped. Neither is an error to the caller.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration, deps []string) {
	data, err := EncodeValue(value)
	if err != nil {
		c.logger.Warn("memory cache skipping unserializable value", "key", key, "error", err)
		return
	}
	size := int64(len(data))
	if size > c.config.MaxValueBytes {
		c.logger.Info("memory cache skipping oversized value",
			"key", key, "size_bytes", size, "ceiling", c.config.MaxValueBytes)
		return
	}

	if ttl < 0 {
		ttl = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if item, exists := c.items[key]; exists {
		c.currentSize -= item.entry.SizeBytes
		item.entry.Value = value
		item.entry.SizeBytes = size
		item.entry.CreatedAt = now
		item.entry.LastAccessed = now
		item.entry.Dependencies = append([]string(nil), deps...)
		item.entry.TTL = ttl
		c.currentSize += size
		c.evictList.MoveToFront(item.element)
		return
	}

	// Make room before inserting.
	for (c.currentSize+size > c.config.MemoryBudget || len(c.items) >= c.config.MaxEntries) &&
		c.evictList.Len() > 0 {
		c.evictOldest()
	}

	element := c.evictList.PushFront(&lruKey{key: key})
	c.items[key] = &memoryItem{
		entry: Entry{
			Key:          key,
			Value:        value,
			CreatedAt:    now,
			LastAccessed: now,
			AccessCount:  0,
			SizeBytes:    size,
			Dependencies: append([]string(nil), deps...),
			TTL:          ttl,
		},
		element: element,
	}
	c.currentSize += size
}

// InvalidatePattern removes every entry whose key contains substr and returns
// the number removed.
func (c *MemoryCache) InvalidatePattern(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []string
	for key := range c.items {
		if strings.Contains(key, substr) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.removeItem(key)
	}
	return len(matched)
}

// InvalidateDependencies removes every entry tagged with the dependency token
// and returns the number removed.
func (c *MemoryCache) InvalidateDependencies(token string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []string
	for key, item := range c.items {
		if item.entry.HasDependency(token) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.removeItem(key)
	}
	return len(matched)
}

// CleanupExpired sweeps entries past their TTL and returns the count removed.
func (c *MemoryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, item := range c.items {
		if item.entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeItem(key)
	}
	return len(expired)
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*memoryItem)
	c.evictList.Init()
	c.currentSize = 0
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// MemoryUsage returns the summed serialized size of cached values.
func (c *MemoryCache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// DefaultTTL returns the tier's promotion TTL.
func (c *MemoryCache) DefaultTTL() time.Duration {
	return c.config.DefaultTTL
}

// removeItem deletes one entry; the caller holds the lock.
func (c *MemoryCache) removeItem(key string) {
	item, exists := c.items[key]
	if !exists {
		return
	}
	if item.element != nil {
		c.evictList.Remove(item.element)
	}
	delete(c.items, key)
	c.currentSize -= item.entry.SizeBytes
}

// evictOldest drops the least-recently-used entry; the caller holds the lock.
func (c *MemoryCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*lruKey)
	c.removeItem(entry.key)
}
