package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable key-value store backing every group instance. Records
// are scoped by group id so instances never read each other's keys. Values
// are opaque JSON blobs owned by the caller.
type Store struct {
	db *sql.DB
}

// ListOptions controls a prefix scan.
type ListOptions struct {
	// Reverse lists keys in descending order instead of ascending.
	Reverse bool

	// Before, if non-empty, bounds the scan to keys strictly less than this
	// value. Only meaningful with Reverse.
	Before string

	// Limit caps the number of returned entries. Zero means no cap.
	Limit int
}

// Entry is a single key-value pair returned by ListPrefix.
type Entry struct {
	Key   string
	Value []byte
}

// Open opens (or creates) the store at the given DSN. Use ":memory:" for
// tests. The caller should call Close when the store is no longer needed.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			group_id   TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (group_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			service      TEXT PRIMARY KEY,
			cursor_value INTEGER NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves the value stored under key for the given group. Returns
// (nil, nil) when the key is absent or expired.
func (s *Store) Get(ctx context.Context, groupID, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE group_id = ? AND key = ?`,
		groupID, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		// Lazy purge; a failed delete just leaves the row for the next read.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM kv WHERE group_id = ? AND key = ?`, groupID, key)
		return nil, nil
	}
	return value, nil
}

// Put stores value under key for the given group, overwriting any previous
// value. A zero ttl means the key never expires.
func (s *Store) Put(ctx context.Context, groupID, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (group_id, key, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (group_id, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		groupID, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes the key for the given group. Deleting an absent key is a
// no-op.
func (s *Store) Delete(ctx context.Context, groupID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE group_id = ? AND key = ?`, groupID, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteBatch removes multiple keys for the given group in one transaction.
func (s *Store) DeleteBatch(ctx context.Context, groupID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE group_id = ? AND key = ?`, groupID, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListPrefix returns all live entries whose key starts with prefix, ordered
// by key ascending (or descending with opts.Reverse).
func (s *Store) ListPrefix(ctx context.Context, groupID, prefix string, opts ListOptions) ([]Entry, error) {
	query := `SELECT key, value FROM kv
		WHERE group_id = ? AND key >= ?
		AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{groupID, prefix, time.Now().UnixMilli()}

	if bound := prefixUpperBound(prefix); bound != "" {
		query += ` AND key < ?`
		args = append(args, bound)
	}

	if opts.Before != "" {
		query += ` AND key < ?`
		args = append(args, opts.Before)
	}
	if opts.Reverse {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// ListGroups returns the ids of all groups that have a stored config,
// ordered ascending.
func (s *Store) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM kv WHERE key = 'config' ORDER BY group_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		groups = append(groups, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// GetCursor retrieves the saved firehose cursor for a service. Returns 0 if
// no cursor has been saved.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		service, cursor, time.Now().UTC(),
	)
	return err
}

// prefixUpperBound returns the smallest string greater than every string with
// the given prefix, for use as an exclusive range bound. Returns "" when no
// such bound exists (empty or all-0xff prefix).
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
