// Package manifest provides the durable incremental-change manifest for
// photosync.
//
// The manifest is an embedded SQLite database (WAL mode for crash
// consistency and concurrent reads) with one row per exported variant.
// Each row records where the variant was placed, a cheap change
// signature, and the id of the run that last observed it. The orphan
// sweep for mirror mode is a single indexed query over last_run_id.
//
// The manifest never decides whether a variant is skippable; that policy
// lives with the orchestrator (see Entry.Skippable). It only stores and
// retrieves entries.
package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entry is one manifest row, keyed by "{domain}:{itemID}:{variant}".
type Entry struct {
	Key       string
	RelPath   string
	Signature string
	Size      int64
	ModTime   time.Time
	LastRunID string

	// DeletedAt, when non-nil, marks the entry soft-deleted. Soft-deleted
	// entries are inert: they never satisfy skip checks and are excluded
	// from orphan sweeps. Only a full Upsert revives one.
	DeletedAt *time.Time
}

// Key builds the composite manifest key for one variant of one item.
func Key(domain, itemID, variant string) string {
	return fmt.Sprintf("%s:%s:%s", domain, itemID, variant)
}

// Signature derives the change-detection signature for a variant. It is
// intentionally cheap: modification time, creation time, variant name,
// and source filename. Content hashing is the pipeline's job.
func Signature(modified, created time.Time, variant, filename string) string {
	return fmt.Sprintf("%d|%d|%s|%s", modified.Unix(), created.Unix(), variant, filename)
}

// Store is the manifest database handle. Safe for concurrent use; all
// writes are serialized by SQLite.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the manifest database at path and
// initializes the schema. The caller must Close the returned Store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open manifest database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping manifest database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint manifest WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("close manifest database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key         TEXT PRIMARY KEY,
		rel_path    TEXT NOT NULL,
		signature   TEXT NOT NULL,
		size        INTEGER NOT NULL DEFAULT 0,
		mtime       TEXT NOT NULL,
		last_run_id TEXT NOT NULL,
		deleted_at  TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entries_last_run ON entries(last_run_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize manifest schema: %w", err)
	}
	return nil
}

// Get returns the entry for key, or nil when absent.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT key, rel_path, signature, size, mtime, last_run_id, deleted_at
		FROM entries WHERE key = ?`, key)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest entry %s: %w", key, err)
	}
	return e, nil
}

// Upsert inserts or fully replaces the entry for e.Key. Upserting clears
// any soft-delete mark; this is the explicit revival path.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return fmt.Errorf("manifest entry key cannot be empty")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO entries (key, rel_path, signature, size, mtime, last_run_id, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET
			rel_path    = excluded.rel_path,
			signature   = excluded.signature,
			size        = excluded.size,
			mtime       = excluded.mtime,
			last_run_id = excluded.last_run_id,
			deleted_at  = NULL`,
		e.Key, e.RelPath, e.Signature, e.Size,
		e.ModTime.UTC().Format(time.RFC3339Nano), e.LastRunID)
	if err != nil {
		return fmt.Errorf("upsert manifest entry %s: %w", e.Key, err)
	}
	return nil
}

// Touch stamps an existing active entry with runID without changing its
// recorded path or signature. Used when a skip check matches so the
// mirror sweep does not treat the entry as orphaned.
func (s *Store) Touch(ctx context.Context, key, runID string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE entries SET last_run_id = ?
		WHERE key = ? AND deleted_at IS NULL`, runID, key)
	if err != nil {
		return fmt.Errorf("touch manifest entry %s: %w", key, err)
	}
	return nil
}

// MarkDeleted soft-deletes the entry for key. Idempotent.
func (s *Store) MarkDeleted(ctx context.Context, key string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE entries SET deleted_at = ?
		WHERE key = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("soft-delete manifest entry %s: %w", key, err)
	}
	return nil
}

// KeysNotTouchedByRun returns every active entry whose last-seen run id
// differs from runID. This is the orphan set for mirror-mode deletion.
func (s *Store) KeysNotTouchedByRun(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT key, rel_path, signature, size, mtime, last_run_id, deleted_at
		FROM entries
		WHERE deleted_at IS NULL AND last_run_id != ?
		ORDER BY key`, runID)
	if err != nil {
		return nil, fmt.Errorf("query orphan entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphan entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphan entries: %w", err)
	}
	return out, nil
}

// Counts reports active and soft-deleted row counts, for status display.
func (s *Store) Counts(ctx context.Context) (active, deleted int, err error) {
	err = s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE deleted_at IS NULL),
			COUNT(*) FILTER (WHERE deleted_at IS NOT NULL)
		FROM entries`).Scan(&active, &deleted)
	if err != nil {
		return 0, 0, fmt.Errorf("count manifest entries: %w", err)
	}
	return active, deleted, nil
}

// LastRunID returns the most recently written run id, or "" for an empty
// manifest. Run ids are stamped per run, so any active row from the last
// completed run carries it; we pick the one with the newest mtime.
func (s *Store) LastRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.conn.QueryRowContext(ctx, `
		SELECT last_run_id FROM entries ORDER BY mtime DESC LIMIT 1`).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last run id: %w", err)
	}
	return runID, nil
}

// Skippable applies the orchestrator's skip policy to an entry: the
// variant may be skipped only when the entry is active, its signature
// matches the freshly computed one, and (when localRoot is non-empty)
// the recorded output file still physically exists. The recorded path
// is authoritative even when it differs from the naming policy's
// preferred path; collision-renamed outputs stay stable across runs.
// The consequence: changing the naming policy never relocates outputs
// that already exist, only items exported after the change.
// fullMode forces re-export regardless.
func (e *Entry) Skippable(fullMode bool, signature, localRoot string) bool {
	if e == nil || fullMode || e.DeletedAt != nil {
		return false
	}
	if e.Signature != signature {
		return false
	}
	if localRoot != "" {
		if _, err := os.Stat(filepath.Join(localRoot, e.RelPath)); err != nil {
			return false
		}
	}
	return true
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var mtime string
	var deletedAt sql.NullString

	if err := row.Scan(&e.Key, &e.RelPath, &e.Signature, &e.Size, &mtime, &e.LastRunID, &deletedAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, mtime); err == nil {
		e.ModTime = t
	}
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			e.DeletedAt = &t
		}
	}
	return &e, nil
}
