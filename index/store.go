package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

const batchSize = 500

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	job_id     TEXT NOT NULL,
	path       TEXT NOT NULL,
	name       TEXT NOT NULL,
	name_token TEXT NOT NULL,
	type       TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	parent     TEXT NOT NULL DEFAULT '',
	ext        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, path)
);
CREATE INDEX IF NOT EXISTS idx_entries_token  ON entries (job_id, name_token);
CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries (job_id, parent);
`

// sortColumns maps the public sort keys onto actual columns. Anything not
// in this map never reaches the SQL text.
var sortColumns = map[string]string{
	"name": "name_token",
	"size": "size",
}

// Store persists index entries in SQLite. Entries for a job are written
// once in bulk after extraction and are read-only afterwards.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the index database at path. WAL mode keeps
// concurrent browse reads from blocking behind the bulk insert of another
// job's index.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch writes a job's entries in batches of 500 rows, one
// transaction per batch.
func (s *Store) InsertBatch(jobID string, entries []Entry) error {
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := s.insertChunk(jobID, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertChunk(jobID string, chunk []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO entries (job_id, path, name, name_token, type, size, parent, ext)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, path) DO UPDATE SET
			name = excluded.name, name_token = excluded.name_token,
			type = excluded.type, size = excluded.size,
			parent = excluded.parent, ext = excluded.ext`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range chunk {
		if _, err := stmt.Exec(jobID, e.Path, e.Name, e.NameToken, e.Type, e.Size, e.Parent, e.Ext); err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.Path, err)
		}
	}

	return tx.Commit()
}

// ListOptions control a paged listing.
type ListOptions struct {
	// Parent, when non-nil, restricts the listing to one directory level.
	Parent *string

	// SortKey is "name" or "size"; SortDir is "asc" or "desc".
	SortKey string
	SortDir string

	Limit  int
	Offset int
}

// List returns one stable-ordered page of a job's entries plus the total
// count. Directories sort before files under the same key so listings read
// like a file manager.
func (s *Store) List(jobID string, opts ListOptions) ([]Entry, int, error) {
	column, ok := sortColumns[opts.SortKey]
	if !ok {
		column = "name_token"
	}
	dir := "ASC"
	if opts.SortDir == "desc" {
		dir = "DESC"
	}

	where := "job_id = ?"
	args := []interface{}{jobID}
	if opts.Parent != nil {
		where += " AND parent = ?"
		args = append(args, *opts.Parent)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT path, name, name_token, type, size, parent, ext
		FROM entries WHERE %s
		ORDER BY CASE type WHEN 'directory' THEN 0 ELSE 1 END, %s %s, path ASC
		LIMIT ? OFFSET ?`, where, column, dir)
	args = append(args, opts.Limit, opts.Offset)

	entries, err := s.queryEntries(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Search returns entries whose lower-cased name contains the token, plus
// the total match count. The token is escaped so LIKE metacharacters in a
// query match literally.
func (s *Store) Search(jobID, token string, limit, offset int) ([]Entry, int, error) {
	pattern := "%" + escapeLike(strings.ToLower(token)) + "%"

	var total int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM entries WHERE job_id = ? AND name_token LIKE ? ESCAPE '\'`,
		jobID, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count search matches: %w", err)
	}

	entries, err := s.queryEntries(`
		SELECT path, name, name_token, type, size, parent, ext
		FROM entries WHERE job_id = ? AND name_token LIKE ? ESCAPE '\'
		ORDER BY name_token ASC, path ASC
		LIMIT ? OFFSET ?`, jobID, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Get loads a single entry by its relative path.
func (s *Store) Get(jobID, path string) (Entry, error) {
	row := s.db.QueryRow(`
		SELECT path, name, name_token, type, size, parent, ext
		FROM entries WHERE job_id = ? AND path = ?`, jobID, path)

	var e Entry
	err := row.Scan(&e.Path, &e.Name, &e.NameToken, &e.Type, &e.Size, &e.Parent, &e.Ext)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load entry %s: %w", path, err)
	}
	return e, nil
}

// Entries returns a job's full entry set ordered by path, for tree
// assembly.
func (s *Store) Entries(jobID string) ([]Entry, error) {
	return s.queryEntries(`
		SELECT path, name, name_token, type, size, parent, ext
		FROM entries WHERE job_id = ? ORDER BY path ASC`, jobID)
}

// CountByType returns the number of file and directory entries for a job.
func (s *Store) CountByType(jobID string) (files, dirs int, err error) {
	rows, err := s.db.Query(
		"SELECT type, COUNT(*) FROM entries WHERE job_id = ? GROUP BY type", jobID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entryType string
		var count int
		if err := rows.Scan(&entryType, &count); err != nil {
			return 0, 0, err
		}
		switch entryType {
		case TypeFile:
			files = count
		case TypeDirectory:
			dirs = count
		}
	}
	return files, dirs, rows.Err()
}

// TotalSize returns the summed file sizes for a job.
func (s *Store) TotalSize(jobID string) (int64, error) {
	var total int64
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(size), 0) FROM entries WHERE job_id = ? AND type = 'file'",
		jobID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum sizes: %w", err)
	}
	return total, nil
}

// ExtensionCount is one row of the extension histogram.
type ExtensionCount struct {
	Ext   string `json:"ext"`
	Count int    `json:"count"`
}

// ExtensionCounts returns the per-extension file counts, most common first.
func (s *Store) ExtensionCounts(jobID string) ([]ExtensionCount, error) {
	rows, err := s.db.Query(`
		SELECT ext, COUNT(*) AS n FROM entries
		WHERE job_id = ? AND type = 'file'
		GROUP BY ext ORDER BY n DESC, ext ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count extensions: %w", err)
	}
	defer rows.Close()

	counts := make([]ExtensionCount, 0)
	for rows.Next() {
		var ec ExtensionCount
		if err := rows.Scan(&ec.Ext, &ec.Count); err != nil {
			return nil, err
		}
		counts = append(counts, ec)
	}
	return counts, rows.Err()
}

// LargestFiles returns the n largest files for a job.
func (s *Store) LargestFiles(jobID string, n int) ([]Entry, error) {
	return s.queryEntries(`
		SELECT path, name, name_token, type, size, parent, ext
		FROM entries WHERE job_id = ? AND type = 'file'
		ORDER BY size DESC, path ASC LIMIT ?`, jobID, n)
}

// DeleteJob removes every index row for a job.
func (s *Store) DeleteJob(jobID string) error {
	if _, err := s.db.Exec("DELETE FROM entries WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete index rows for job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) queryEntries(query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Name, &e.NameToken, &e.Type, &e.Size, &e.Parent, &e.Ext); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// escapeLike escapes LIKE metacharacters so user queries match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
