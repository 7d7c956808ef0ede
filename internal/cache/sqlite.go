package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name  TEXT    NOT NULL,
	key         TEXT    NOT NULL,
	value       BLOB    NOT NULL,
	inserted_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	PRIMARY KEY (cache_name, key)
)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_inserted ON cache_entries (cache_name, inserted_at)`,
}

// SQLiteStore persists entries in a SQLite file so the cache survives restarts.
// Several caches can share one file; rows are scoped by name.
// Once the stored values exceed maxBytes the oldest rows are trimmed.
type SQLiteStore struct {
	db       *sql.DB
	name     string
	maxBytes int64
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath, name string, maxBytes int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// one writer at a time avoids SQLITE_BUSY under concurrent requests
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate cache db: %w", err)
		}
	}

	return &SQLiteStore{db: db, name: name, maxBytes: maxBytes}, nil
}

// Get retrieves a value. An expired row is deleted and reported as a miss.
func (c *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE cache_name = ? AND key = ?`,
		c.name, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get failed: %w", err)
	}

	if time.Now().UnixNano() > expiresAt {
		if err := c.delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return value, true, nil
}

// Set inserts or replaces key. A non-positive ttl deletes it.
func (c *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.delete(ctx, key)
	}

	now := time.Now()
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (cache_name, key, value, inserted_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.name, key, value, now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite set failed: %w", err)
	}
	return c.trim(ctx)
}

// Exists reports whether key is present and unexpired.
func (c *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE cache_name = ? AND key = ? AND expires_at >= ?`,
		c.name, key, time.Now().UnixNano(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite exists failed: %w", err)
	}
	return n > 0, nil
}

func (c *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, c.name); err != nil {
		return fmt.Errorf("sqlite clear failed: %w", err)
	}
	return nil
}

func (c *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE cache_name = ?`, c.name,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count failed: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (c *SQLiteStore) Close() error {
	return c.db.Close()
}

func (c *SQLiteStore) delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache_name = ? AND key = ?`, c.name, key)
	if err != nil {
		return fmt.Errorf("sqlite delete failed: %w", err)
	}
	return nil
}

// trim removes the oldest rows until the stored bytes fit maxBytes.
func (c *SQLiteStore) trim(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}
	for {
		var used sql.NullInt64
		err := c.db.QueryRowContext(ctx,
			`SELECT SUM(length(key) + length(value)) FROM cache_entries WHERE cache_name = ?`, c.name,
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("sqlite size failed: %w", err)
		}
		if !used.Valid || used.Int64 <= c.maxBytes {
			return nil
		}

		_, err = c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_name = ? AND key = (
				SELECT key FROM cache_entries WHERE cache_name = ? ORDER BY inserted_at ASC LIMIT 1
			)`, c.name, c.name)
		if err != nil {
			return fmt.Errorf("sqlite trim failed: %w", err)
		}
	}
}
