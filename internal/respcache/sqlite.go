package respcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	cache     TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	UNIQUE (cache, url)
);`

// SQLiteStore persists response caches in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open offline cache: %w", err)
	}
	// one writer; sqlite serialises anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init offline cache schema: %w", err)
	}
	return nil
}

// LoadAll returns the entries of cache oldest first.
func (s *SQLiteStore) LoadAll(ctx context.Context, cache string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT url, status, header, body, stored_at FROM responses WHERE cache = ? ORDER BY id", cache)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			header   string
			storedAt int64
		)
		if err := rows.Scan(&e.URL, &e.Status, &header, &e.Body, &storedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
			return nil, fmt.Errorf("decode header for %s: %w", e.URL, err)
		}
		e.StoredAt = time.Unix(0, storedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Put replaces the entry for (cache, e.URL) so that it becomes the newest row.
func (s *SQLiteStore) Put(ctx context.Context, cache string, e Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM responses WHERE cache = ? AND url = ?", cache, e.URL); err != nil {
		return fmt.Errorf("replace response: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO responses (cache, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)",
		cache, e.URL, e.Status, string(header), e.Body, e.StoredAt.UnixNano()); err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return tx.Commit()
}

// Delete removes the entry for (cache, url).
func (s *SQLiteStore) Delete(ctx context.Context, cache, url string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM responses WHERE cache = ? AND url = ?", cache, url); err != nil {
		return fmt.Errorf("delete response: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
