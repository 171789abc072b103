package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AlexFiliakov/iQuest-sub007/pkg/cacheerr"
	"github.com/AlexFiliakov/iQuest-sub007/pkg/retry"
)

// schemaVersion is tracked in PRAGMA user_version. Version 2 added the
// batch_tag column for bulk imports.
const schemaVersion = 2

// PersistentCache implements the L2 tier on an embedded SQLite store.
//
// The store is treated as expendable: corruption detected at startup or
// during I/O triggers a backup-and-recreate recovery, the failing operation
// is retried once against the fresh store, and if that also fails the
// operation degrades to a miss or no-op. Errors never propagate to callers.
type PersistentCache struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool

	config  *PersistentConfig
	logger  *slog.Logger
	retryer *retry.Retryer
}

// PersistentConfig configures the persistent tier.
type PersistentConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DefaultTTL is applied when entries are promoted into this tier.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// QueryTimeout bounds each store operation.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// MaxValueBytes is the per-value ceiling; larger values are skipped, not cached.
	MaxValueBytes int64 `yaml:"max_value_bytes"`
}

// BatchEntry is one row of a bulk import.
type BatchEntry struct {
	Key          string
	Payload      []byte
	TTL          time.Duration
	Dependencies []string
}

// NewPersistentCache opens (or recovers) the backing store at config.Path.
// Construction never fails on a corrupted database: the damaged file is moved
// aside under a timestamped backup name and an empty store takes its place.
func NewPersistentCache(config *PersistentConfig, logger *slog.Logger) (*PersistentCache, error) {
	if config == nil {
		config = &PersistentConfig{}
	}
	if config.Path == "" {
		return nil, cacheerr.NewError(cacheerr.ErrCodeInvalidConfig, "persistent cache path is required")
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 6 * time.Hour
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 5 * time.Second
	}
	if config.MaxValueBytes <= 0 {
		config.MaxValueBytes = 16 * 1024 * 1024 // 16MB
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &PersistentCache{
		config: config,
		logger: logger,
	}

	// A corruption-class failure during any operation recovers the store and
	// retries the operation exactly once.
	c.retryer = retry.New(retry.Config{
		MaxAttempts:     2,
		InitialDelay:    10 * time.Millisecond,
		Jitter:          false,
		RetryableErrors: []cacheerr.ErrorCode{cacheerr.ErrCodeStorageCorruption},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("persistent cache corruption detected, recovering", "error", err)
			c.recover()
		},
	})

	if err := c.open(); err != nil {
		// Unreadable or corrupt database: preserve it and start cold.
		c.logger.Warn("persistent cache unusable at startup, recreating", "path", config.Path, "error", err)
		c.recover()
	}
	if c.db == nil {
		return nil, cacheerr.NewError(cacheerr.ErrCodeStorageCorruption, "persistent cache could not be initialized").
			WithComponent("persistent")
	}

	return c, nil
}

// open connects to the database, verifies integrity, and applies migrations.
func (c *PersistentCache) open() error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", c.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return cacheerr.WrapError(cacheerr.ErrCodeStorageCorruption, "open failed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.QueryTimeout)
	defer cancel()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		_ = db.Close()
		return cacheerr.WrapError(cacheerr.ErrCodeStorageCorruption, "integrity check failed", err)
	}
	if result != "ok" {
		_ = db.Close()
		return cacheerr.NewError(cacheerr.ErrCodeStorageCorruption, "integrity check reported "+result)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	c.db = db
	return nil
}

// migrate brings the schema up to schemaVersion without a destructive rebuild.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return cacheerr.WrapError(cacheerr.ErrCodeSchemaMigration, "reading schema version", err)
	}

	if version == 0 {
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS cache_entries (
				key           TEXT PRIMARY KEY,
				value         BLOB NOT NULL,
				created_at    INTEGER NOT NULL,
				last_accessed INTEGER NOT NULL,
				access_count  INTEGER NOT NULL DEFAULT 0,
				size_bytes    INTEGER NOT NULL,
				dependencies  TEXT NOT NULL DEFAULT '[]',
				ttl_seconds   INTEGER,
				expires_at    INTEGER,
				batch_tag     TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
			CREATE INDEX IF NOT EXISTS idx_cache_entries_accessed ON cache_entries(last_accessed);
		`); err != nil {
			return cacheerr.WrapError(cacheerr.ErrCodeSchemaMigration, "creating schema", err)
		}
	} else if version == 1 {
		// v1 predates bulk imports; add the batch tag without rebuilding.
		if _, err := db.ExecContext(ctx, `ALTER TABLE cache_entries ADD COLUMN batch_tag TEXT`); err != nil {
			return cacheerr.WrapError(cacheerr.ErrCodeSchemaMigration, "adding batch_tag column", err)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return cacheerr.WrapError(cacheerr.ErrCodeSchemaMigration, "setting schema version", err)
	}
	return nil
}

// recover moves the damaged database aside and recreates an empty store.
// The cache degrades to cold rather than failing.
func (c *PersistentCache) recover() {
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}

	if _, err := os.Stat(c.config.Path); err == nil {
		backup := fmt.Sprintf("%s.corrupt-%d", c.config.Path, time.Now().Unix())
		if err := os.Rename(c.config.Path, backup); err != nil {
			c.logger.Error("failed to move corrupted database aside", "path", c.config.Path, "error", err)
		} else {
			c.logger.Warn("corrupted database preserved", "backup", backup)
		}
		// WAL siblings belong to the old file.
		_ = os.Remove(c.config.Path + "-wal")
		_ = os.Remove(c.config.Path + "-shm")
	}

	if err := c.open(); err != nil {
		c.logger.Error("failed to recreate persistent cache", "path", c.config.Path, "error", err)
	}
}

// withRecovery runs op under the store lock, mapping corruption-class errors
// through the recover-then-retry-once policy.
func (c *PersistentCache) withRecovery(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return cacheerr.NewError(cacheerr.ErrCodeCacheClosed, "persistent cache is closed").
			WithComponent("persistent").WithOperation(operation)
	}

	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if c.db == nil {
			return cacheerr.NewError(cacheerr.ErrCodeStorageCorruption, "store unavailable")
		}
		opCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
		defer cancel()

		if opErr := op(opCtx); opErr != nil {
			if cacheerr.IsCorruption(opErr) {
				return cacheerr.WrapError(cacheerr.ErrCodeStorageCorruption, operation+" hit corruption", opErr)
			}
			return opErr
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("persistent cache operation degraded", "operation", operation, "error", err)
	}
	return err
}

// Get returns the stored payload and dependency tokens for key, or a miss.
// Expiry is evaluated against the store's own clock so that every reader
// agrees on "now" regardless of caller clock drift.
func (c *PersistentCache) Get(ctx context.Context, key string) ([]byte, []string, bool) {
	var payload []byte
	var depsJSON string
	found := false

	err := c.withRecovery(ctx, "get", func(ctx context.Context) error {
		row := c.db.QueryRowContext(ctx, `
			SELECT value, dependencies FROM cache_entries
			WHERE key = ?
			  AND (expires_at IS NULL OR expires_at > CAST(strftime('%s','now') AS INTEGER))`,
			key)
		if err := row.Scan(&payload, &depsJSON); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		found = true

		// Access bookkeeping is best-effort: a failed stats update must not
		// turn a successful read into a miss.
		if _, err := c.db.ExecContext(ctx, `
			UPDATE cache_entries
			SET last_accessed = CAST(strftime('%s','now') AS INTEGER),
			    access_count = access_count + 1
			WHERE key = ?`, key); err != nil {
			c.logger.Warn("persistent cache access bookkeeping failed",
				"key", key, "error", err)
		}
		return nil
	})
	if err != nil || !found {
		return nil, nil, false
	}

	var deps []string
	if depsJSON != "" && depsJSON != "[]" {
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			deps = nil
		}
	}
	return payload, deps, true
}

// Set stores an already-serialized payload under key. A ttl of zero stores a
// never-expiring entry.
func (c *PersistentCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, deps []string) {
	if int64(len(payload)) > c.config.MaxValueBytes {
		c.logger.Info("persistent cache skipping oversized value",
			"key", key, "size_bytes", len(payload), "ceiling", c.config.MaxValueBytes)
		return
	}

	depsJSON := encodeDeps(deps)
	ttlSecs := ttlSeconds(ttl)

	_ = c.withRecovery(ctx, "set", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO cache_entries
				(key, value, created_at, last_accessed, access_count, size_bytes,
				 dependencies, ttl_seconds, expires_at, batch_tag)
			VALUES (?, ?,
				CAST(strftime('%s','now') AS INTEGER),
				CAST(strftime('%s','now') AS INTEGER),
				0, ?, ?, ?,
				CASE WHEN ? > 0 THEN CAST(strftime('%s','now') AS INTEGER) + ? ELSE NULL END,
				NULL)`,
			key, payload, len(payload), depsJSON, ttlSecs, ttlSecs, ttlSecs)
		return err
	})
}

// SetBatch bulk-loads precomputed entries in one transaction, tagged so a
// later import can purge exactly its predecessor's rows. Per-key access
// bookkeeping is skipped on this path.
func (c *PersistentCache) SetBatch(ctx context.Context, entries []BatchEntry, batchTag string) int {
	inserted := 0

	err := c.withRecovery(ctx, "set_batch", func(ctx context.Context) error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO cache_entries
				(key, value, created_at, last_accessed, access_count, size_bytes,
				 dependencies, ttl_seconds, expires_at, batch_tag)
			VALUES (?, ?,
				CAST(strftime('%s','now') AS INTEGER),
				CAST(strftime('%s','now') AS INTEGER),
				0, ?, ?, ?,
				CASE WHEN ? > 0 THEN CAST(strftime('%s','now') AS INTEGER) + ? ELSE NULL END,
				?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		count := 0
		for _, e := range entries {
			ttlSecs := ttlSeconds(e.TTL)
			if _, err := stmt.ExecContext(ctx, e.Key, e.Payload, len(e.Payload),
				encodeDeps(e.Dependencies), ttlSecs, ttlSecs, ttlSecs, batchTag); err != nil {
				return err
			}
			count++
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		inserted = count
		return nil
	})
	if err != nil {
		return 0
	}
	return inserted
}

// PurgeBatch deletes every row loaded under the given batch tag.
func (c *PersistentCache) PurgeBatch(ctx context.Context, batchTag string) int {
	return c.execCount(ctx, "purge_batch",
		`DELETE FROM cache_entries WHERE batch_tag = ?`, batchTag)
}

// InvalidatePattern removes entries whose key contains substr.
func (c *PersistentCache) InvalidatePattern(ctx context.Context, substr string) int {
	return c.execCount(ctx, "invalidate_pattern",
		`DELETE FROM cache_entries WHERE instr(key, ?) > 0`, substr)
}

// InvalidateDependencies removes entries tagged with the dependency token.
// The match runs against the serialized JSON list; tokens containing a
// double quote would defeat it, which the manager's key discipline forbids.
func (c *PersistentCache) InvalidateDependencies(ctx context.Context, token string) int {
	return c.execCount(ctx, "invalidate_dependencies",
		`DELETE FROM cache_entries WHERE instr(dependencies, '"' || ? || '"') > 0`, token)
}

// CleanupExpired deletes rows past their expiry, by the store's clock.
func (c *PersistentCache) CleanupExpired(ctx context.Context) int {
	return c.execCount(ctx, "cleanup_expired",
		`DELETE FROM cache_entries
		 WHERE expires_at IS NOT NULL AND expires_at <= CAST(strftime('%s','now') AS INTEGER)`)
}

// Clear removes all rows.
func (c *PersistentCache) Clear(ctx context.Context) {
	_ = c.withRecovery(ctx, "clear", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
		return err
	})
}

// GetSize returns the number of live rows, expired or not.
func (c *PersistentCache) GetSize(ctx context.Context) int {
	count := 0
	_ = c.withRecovery(ctx, "get_size", func(ctx context.Context) error {
		return c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	})
	return count
}

// MemoryUsage returns the summed payload size in bytes.
func (c *PersistentCache) MemoryUsage(ctx context.Context) int64 {
	var size sql.NullInt64
	_ = c.withRecovery(ctx, "memory_usage", func(ctx context.Context) error {
		return c.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM cache_entries`).Scan(&size)
	})
	return size.Int64
}

// DefaultTTL returns the tier's promotion TTL.
func (c *PersistentCache) DefaultTTL() time.Duration {
	return c.config.DefaultTTL
}

// Close closes the backing store. Safe to call more than once.
func (c *PersistentCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

// execCount runs a DELETE-style statement and returns rows affected.
func (c *PersistentCache) execCount(ctx context.Context, operation, query string, args ...interface{}) int {
	affected := 0
	_ = c.withRecovery(ctx, operation, func(ctx context.Context) error {
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			affected = int(n)
		}
		return nil
	})
	return affected
}

func encodeDeps(deps []string) string {
	if len(deps) == 0 {
		return "[]"
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return "[]"
	}
	return string(data)
}
