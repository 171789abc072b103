package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DiskCache implements the L3 tier: compressed, content-addressed files plus
// a JSON sidecar index carrying the metadata the files themselves cannot.
//
// The tier is best-effort. Any I/O or index failure is treated as a miss and
// must never affect the faster tiers.
type DiskCache struct {
	mu          sync.Mutex
	directory   string
	index       map[string]*diskItem
	currentSize int64
	dirty       bool
	closed      bool
	stopCh      chan struct{}

	config *DiskConfig
	logger *slog.Logger
}

// DiskConfig configures the disk tier.
type DiskConfig struct {
	// Directory holds the compressed files and the index document.
	Directory string `yaml:"directory"`
	// IndexFile is the index document name within Directory.
	IndexFile string `yaml:"index_file"`
	// DefaultTTL is applied when entries are promoted into this tier.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// SyncInterval is how often a dirty index is flushed to disk.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// diskItem is the indexed metadata for one compressed file.
type diskItem struct {
	Key          string    `json:"key"`
	FilePath     string    `json:"file_path"`
	SizeBytes    int64     `json:"size_bytes"`
	StoredBytes  int64     `json:"stored_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	Dependencies []string  `json:"dependencies,omitempty"`
	TTLSeconds   int64     `json:"ttl_seconds,omitempty"`
	Checksum     string    `json:"checksum"`
}

func (d *diskItem) expired(now time.Time) bool {
	if d.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(d.CreatedAt) > time.Duration(d.TTLSeconds)*time.Second
}

// NewDiskCache creates the L3 tier rooted at config.Directory.
func NewDiskCache(config *DiskConfig, logger *slog.Logger) (*DiskCache, error) {
	if config == nil {
		config = &DiskConfig{}
	}
	if config.Directory == "" {
		config.Directory = filepath.Join(os.TempDir(), "iquest-cache")
	}
	if config.IndexFile == "" {
		config.IndexFile = "cache-index.json"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 7 * 24 * time.Hour
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		directory: config.Directory,
		index:     make(map[string]*diskItem),
		stopCh:    make(chan struct{}),
		config:    config,
		logger:    logger,
	}

	// A damaged index means a cold tier, not a failed one.
	if err := c.loadIndex(); err != nil {
		c.logger.Warn("disk cache index unreadable, starting cold", "error", err)
		c.index = make(map[string]*diskItem)
		c.currentSize = 0
	}

	go c.syncIndex()

	return c, nil
}

// Get returns the stored payload and dependency tokens for key, or a miss.
// The index is consulted first so TTL expiry never pays decompression cost.
func (c *DiskCache) Get(key string) ([]byte, []string, bool) {
	c.mu.Lock()
	item, exists := c.index[key]
	if !exists {
		c.mu.Unlock()
		return nil, nil, false
	}

	if item.expired(time.Now()) {
		c.removeItemLocked(key)
		c.mu.Unlock()
		return nil, nil, false
	}
	filePath := item.FilePath
	checksum := item.Checksum
	deps := append([]string(nil), item.Dependencies...)
	c.mu.Unlock()

	payload, err := c.readFromFile(filePath, checksum)
	if err != nil {
		// Missing or corrupted file: drop the dangling index entry and miss.
		c.logger.Warn("disk cache read failed, treating as miss", "key", key, "error", err)
		c.mu.Lock()
		c.removeItemLocked(key)
		c.mu.Unlock()
		return nil, nil, false
	}

	c.mu.Lock()
	if item, ok := c.index[key]; ok {
		item.LastAccessed = time.Now()
		item.AccessCount++
		c.dirty = true
	}
	c.mu.Unlock()

	return payload, deps, true
}

// Set compresses and stores an already-serialized payload. A ttl of zero
// stores a never-expiring entry. Failures are logged, never returned.
func (c *DiskCache) Set(key string, payload []byte, ttl time.Duration, deps []string) {
	if len(payload) == 0 {
		return
	}

	item := &diskItem{
		Key:          key,
		FilePath:     c.filePathFor(key),
		SizeBytes:    int64(len(payload)),
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
		Dependencies: append([]string(nil), deps...),
		Checksum:     checksumOf(payload),
	}
	if ttl > 0 {
		item.TTLSeconds = ttlSeconds(ttl)
	}

	storedBytes, err := c.writeToFile(item.FilePath, payload)
	if err != nil {
		c.logger.Warn("disk cache write failed, skipping", "key", key, "error", err)
		return
	}
	item.StoredBytes = storedBytes

	c.mu.Lock()
	if old, exists := c.index[key]; exists {
		c.currentSize -= old.StoredBytes
	}
	c.index[key] = item
	c.currentSize += storedBytes
	c.dirty = true
	c.mu.Unlock()
}

// InvalidatePattern removes entries whose key contains substr.
func (c *DiskCache) InvalidatePattern(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []string
	for key := range c.index {
		if strings.Contains(key, substr) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.removeItemLocked(key)
	}
	return len(matched)
}

// InvalidateDependencies removes entries tagged with the dependency token.
func (c *DiskCache) InvalidateDependencies(token string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []string
	for key, item := range c.index {
		for _, dep := range item.Dependencies {
			if dep == token {
				matched = append(matched, key)
				break
			}
		}
	}
	for _, key := range matched {
		c.removeItemLocked(key)
	}
	return len(matched)
}

// CleanupExpired sweeps entries past their TTL and returns the count removed.
func (c *DiskCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, item := range c.index {
		if item.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeItemLocked(key)
	}
	return len(expired)
}

// Clear removes all files and index entries.
func (c *DiskCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range c.index {
		_ = os.Remove(item.FilePath)
	}
	c.index = make(map[string]*diskItem)
	c.currentSize = 0
	c.dirty = true
}

// GetSize returns the number of indexed entries.
func (c *DiskCache) GetSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// MemoryUsage returns the summed compressed size on disk.
func (c *DiskCache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// DefaultTTL returns the tier's promotion TTL.
func (c *DiskCache) DefaultTTL() time.Duration {
	return c.config.DefaultTTL
}

// Close stops the index sync goroutine and flushes the index. Safe to call
// more than once.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)

	return c.saveIndexLocked()
}

// Helper methods

func (c *DiskCache) filePathFor(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(c.directory, fmt.Sprintf("%x.gz", hash[:16]))
}

func checksumOf(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func (c *DiskCache) writeToFile(path string, payload []byte) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	gz := gzip.NewWriter(file)
	if _, err := gz.Write(payload); err != nil {
		_ = gz.Close()
		_ = os.Remove(path)
		return 0, err
	}
	if err := gz.Close(); err != nil {
		_ = os.Remove(path)
		return 0, err
	}

	if stat, err := file.Stat(); err == nil {
		return stat.Size(), nil
	}
	return int64(len(payload)), nil
}

func (c *DiskCache) readFromFile(path, checksum string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}

	if checksumOf(payload) != checksum {
		return nil, fmt.Errorf("checksum mismatch for cached file")
	}
	return payload, nil
}

func (c *DiskCache) loadIndex() error {
	indexPath := filepath.Join(c.directory, c.config.IndexFile)

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No existing index, start fresh
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*diskItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return err
	}

	c.currentSize = 0
	for key, item := range items {
		// Skip entries whose file vanished since the last sync.
		if _, err := os.Stat(item.FilePath); os.IsNotExist(err) {
			continue
		}
		c.index[key] = item
		c.currentSize += item.StoredBytes
	}
	return nil
}

// saveIndexLocked writes the index atomically; the caller holds the lock.
func (c *DiskCache) saveIndexLocked() error {
	indexPath := filepath.Join(c.directory, c.config.IndexFile)
	tmpPath := indexPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(c.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, indexPath); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func (c *DiskCache) removeItemLocked(key string) {
	item, exists := c.index[key]
	if !exists {
		return
	}
	_ = os.Remove(item.FilePath)
	delete(c.index, key)
	c.currentSize -= item.StoredBytes
	c.dirty = true
}

func (c *DiskCache) syncIndex() {
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.dirty {
				if err := c.saveIndexLocked(); err != nil {
					c.logger.Warn("disk cache index sync failed", "error", err)
				}
			}
			c.mu.Unlock()
		}
	}
}
