package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// SQLiteStore is the durable Store. The full context is written as one JSON
// document per session; the version column makes stale writes detectable.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to migrate: %v", ErrStoreUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, sessionID, callerID string) (*Context, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE id = ?`, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return NewContext(sessionID, callerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c := &Context{}
	if err := json.Unmarshal([]byte(data), c); err != nil {
		return nil, fmt.Errorf("%w: corrupt session %s: %v", ErrStoreUnavailable, sessionID, err)
	}
	return c, nil
}

// Save implements Store. The write is a single upsert guarded by the loaded
// version, so the full object lands atomically or not at all.
func (s *SQLiteStore) Save(ctx context.Context, c *Context) error {
	loaded := c.Version
	c.Version++
	c.UpdatedAt = time.Now()

	data, err := json.Marshal(c)
	if err != nil {
		c.Version = loaded
		return fmt.Errorf("failed to encode session %s: %w", c.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, caller_id, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			caller_id = excluded.caller_id,
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE sessions.version = ?`,
		c.ID, c.CallerID, c.Version, string(data), c.UpdatedAt, loaded,
	)
	if err != nil {
		c.Version = loaded
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.Version = loaded
		return ErrVersionConflict
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Sweep removes sessions idle for longer than ttl and returns the count.
// Intended for a periodic janitor goroutine.
func (s *SQLiteStore) Sweep(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
