// Package mirror holds the durable local snapshot of user records. The
// mirror survives process restarts so a reconnecting client can be served
// last-known state immediately instead of a loading spinner.
package mirror

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/sync/models"
)

// Cache is the SQLite-backed local mirror. One row per record, last writer
// wins by version.
type Cache struct {
	mu   sync.Mutex
	conn *sql.DB
}

// Open opens (or creates) the mirror database at path. Use ":memory:" in
// tests. Entries older than staleAfter are downgraded to source=cached so
// callers know to schedule a background refresh instead of trusting them.
func Open(path string, staleAfter time.Duration) (*Cache, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mirror: opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mirror: pinging database: %w", err)
	}
	// WAL keeps reads from blocking behind writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mirror: setting WAL mode: %w", err)
	}

	c := &Cache{conn: conn}
	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mirror: running migrations: %w", err)
	}
	if err := c.downgradeStale(staleAfter); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mirror: downgrading stale entries: %w", err)
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.conn.Close()
}

func (c *Cache) migrate() error {
	_, err := c.conn.Exec(`
		CREATE TABLE IF NOT EXISTS mirrors (
			key         TEXT PRIMARY KEY,
			record      TEXT NOT NULL,
			source      TEXT NOT NULL,
			version     INTEGER NOT NULL,
			captured_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating mirrors table: %w", err)
	}
	return nil
}

// downgradeStale marks entries older than the threshold as cached. They are
// still served (no spinner) but trigger a background refresh.
func (c *Cache) downgradeStale(staleAfter time.Duration) error {
	if staleAfter <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339Nano)
	_, err := c.conn.Exec(
		`UPDATE mirrors SET source = ? WHERE captured_at < ?`,
		string(models.SourceCached), cutoff,
	)
	return err
}

// Get returns the mirror entry for key, or nil when absent.
func (c *Cache) Get(key models.Key) (*models.MirrorEntry, error) {
	var (
		raw         string
		source      string
		version     int64
		capturedRaw string
	)
	err := c.conn.QueryRow(
		`SELECT record, source, version, captured_at FROM mirrors WHERE key = ?`,
		string(key),
	).Scan(&raw, &source, &version, &capturedRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: reading entry: %w", err)
	}

	capturedAt, err := time.Parse(time.RFC3339Nano, capturedRaw)
	if err != nil {
		return nil, fmt.Errorf("mirror: parsing captured_at: %w", err)
	}

	var record models.UserRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "mirror entry is not decodable")
	}
	return &models.MirrorEntry{
		Key:        key,
		Record:     &record,
		Source:     models.MirrorSource(source),
		Version:    version,
		CapturedAt: capturedAt,
	}, nil
}

// Put stores an entry unconditionally. Reserved for the update coordinator,
// which already serializes mutations per key.
func (c *Cache) Put(entry *models.MirrorEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(entry)
}

// SetIfNewer applies last-writer-wins by version: an entry older than what
// the mirror already holds is discarded. Returns whether the write applied.
// Versions, not wall clocks, decide the winner, to tolerate clock skew.
func (c *Cache) SetIfNewer(entry *models.MirrorEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current int64
	err := c.conn.QueryRow(
		`SELECT version FROM mirrors WHERE key = ?`, string(entry.Key),
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("mirror: reading version: %w", err)
	}
	if err == nil && entry.Version < current {
		return false, nil
	}
	if err := c.write(entry); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key models.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Exec(`DELETE FROM mirrors WHERE key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("mirror: invalidating entry: %w", err)
	}
	return nil
}

func (c *Cache) write(entry *models.MirrorEntry) error {
	raw, err := json.Marshal(entry.Record)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "mirror entry not serializable")
	}
	_, err = c.conn.Exec(`
		INSERT INTO mirrors (key, record, source, version, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			record = excluded.record,
			source = excluded.source,
			version = excluded.version,
			captured_at = excluded.captured_at
	`, string(entry.Key), string(raw), string(entry.Source), entry.Version, entry.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mirror: writing entry: %w", err)
	}
	return nil
}
