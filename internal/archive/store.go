// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Entry records one durable archive of a session's output.
// Immutable once created; re-archiving a key creates a new entry.
type Entry struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	ArchivedAt time.Time `json:"archivedAt"`
	Location   string    `json:"location"`
}

// Store is the SQLite-backed archive index.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the archive index at dbPath.
// WAL mode and busy_timeout are set in the DSN so they apply to every
// connection in the pool.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive store: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive store: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archives (
		id TEXT PRIMARY KEY,
		stream_key TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		location TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archives_key ON archives(stream_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert records a new archive entry.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives (id, stream_key, archived_at, location) VALUES (?, ?, ?, ?)`,
		e.ID, e.Key, e.ArchivedAt.UTC().Format(time.RFC3339), e.Location,
	)
	return err
}

// List returns all archive entries, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_key, archived_at, location FROM archives ORDER BY archived_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.Key, &at, &e.Location); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339, at); perr == nil {
			e.ArchivedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
