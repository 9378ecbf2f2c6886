// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package archive

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLite is a SQLite implementation of the [Store] interface.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a new [SQLite] store and connects to the database.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS archive (
			link TEXT PRIMARY KEY,
			record BLOB NOT NULL,
			added_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ'))
		);
	`); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return &SQLite{db: db}, nil
}

// Get retrieves a record for a given link.
func (s *SQLite) Get(ctx context.Context, link string) ([]byte, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM archive WHERE link = ?", link).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Set stores a record for a given link.
func (s *SQLite) Set(ctx context.Context, link string, record []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive (link, record) VALUES (?, ?)
		ON CONFLICT (link) DO UPDATE SET record = excluded.record;
	`, link, record)
	return err
}

// All returns all archived records, keyed by link.
func (s *SQLite) All(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT link, record FROM archive")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := make(map[string][]byte)
	for rows.Next() {
		var (
			link   string
			record []byte
		)
		if err := rows.Scan(&link, &record); err != nil {
			return nil, err
		}
		all[link] = record
	}
	return all, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }
