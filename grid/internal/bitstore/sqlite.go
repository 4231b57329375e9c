// CLAUDE:SUMMARY SQLite bit store — 4 KiB BLOB pages plus a per-grid set_count updated in the same transaction as the flip.
package bitstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/cellgrid/dbopen"
)

// SQLiteSchema holds the DDL for the sqlite backend.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS grids (
    name       TEXT PRIMARY KEY,
    size       INTEGER NOT NULL,
    set_count  INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS grid_pages (
    grid TEXT NOT NULL REFERENCES grids(name) ON DELETE CASCADE,
    page INTEGER NOT NULL,
    bits BLOB NOT NULL,
    PRIMARY KEY (grid, page)
) WITHOUT ROWID;
`

// SQLite stores a grid as BLOB pages in an SQLite database.
type SQLite struct {
	db    *sql.DB
	name  string
	size  int
	owned bool

	// SQLite allows one writer at a time; serialising here avoids
	// BUSY_SNAPSHOT retries between our own read-modify-write transactions.
	writeMu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and provisions grid
// name with size cells.
func OpenSQLite(ctx context.Context, path, name string, size int) (*SQLite, error) {
	if path == "" {
		path = "data/cellgrid.db"
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s, err := NewSQLite(ctx, db, name, size)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite provisions grid name on an already-open database. The schema
// is applied if missing. The caller keeps ownership of db.
func NewSQLite(ctx context.Context, db *sql.DB, name string, size int) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		return nil, fmt.Errorf("bitstore: sqlite schema: %w", err)
	}
	s := &SQLite{db: db, name: name, size: size}
	if err := s.provision(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) provision(ctx context.Context) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		var existing int
		err := tx.QueryRowContext(ctx, `SELECT size FROM grids WHERE name = ?`, s.name).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO grids (name, size, set_count, created_at, updated_at)
				VALUES (?, ?, 0, ?, ?)`, s.name, s.size, now, now)
			return err
		case err != nil:
			return err
		case existing > s.size:
			return fmt.Errorf("%w: %q has %d cells, requested %d", ErrShrink, s.name, existing, s.size)
		case existing < s.size:
			_, err = tx.ExecContext(ctx, `UPDATE grids SET size = ?, updated_at = ? WHERE name = ?`, s.size, now, s.name)
			return err
		}
		return nil
	})
}

func (s *SQLite) Size() int { return s.size }

func (s *SQLite) GetBit(ctx context.Context, i int) (bool, error) {
	if err := checkIndex(s.size, i); err != nil {
		return false, err
	}
	v, err := s.GetRange(ctx, i, i+1)
	if err != nil {
		return false, err
	}
	return v[0], nil
}

func (s *SQLite) GetRange(ctx context.Context, start, end int) ([]bool, error) {
	if err := checkRange(s.size, start, end); err != nil {
		return nil, err
	}
	if start == end {
		return []bool{}, nil
	}
	first, last := pageSpan(start, end)
	rows, err := s.db.QueryContext(ctx, `
		SELECT page, bits FROM grid_pages
		WHERE grid = ? AND page BETWEEN ? AND ?`, s.name, first, last)
	if err != nil {
		return nil, fmt.Errorf("bitstore: sqlite read pages: %w", err)
	}
	defer rows.Close()

	pages := make(map[int][]byte, last-first+1)
	for rows.Next() {
		var page int
		var buf []byte
		if err := rows.Scan(&page, &buf); err != nil {
			return nil, fmt.Errorf("bitstore: sqlite scan page: %w", err)
		}
		pages[page] = buf
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bitstore: sqlite read pages: %w", err)
	}
	return assemble(pages, start, end), nil
}

func (s *SQLite) SetBit(ctx context.Context, i int, v bool) error {
	if err := checkIndex(s.size, i); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	page := pageOf(i)
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var stored []byte
		err := tx.QueryRowContext(ctx, `
			SELECT bits FROM grid_pages WHERE grid = ? AND page = ?`, s.name, page).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("bitstore: sqlite read page: %w", err)
		}

		buf, delta := flip(stored, i, v)
		if delta == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grid_pages (grid, page, bits) VALUES (?, ?, ?)
			ON CONFLICT (grid, page) DO UPDATE SET bits = excluded.bits`, s.name, page, buf); err != nil {
			return fmt.Errorf("bitstore: sqlite write page: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE grids SET set_count = set_count + ?, updated_at = ? WHERE name = ?`,
			delta, time.Now().Unix(), s.name); err != nil {
			return fmt.Errorf("bitstore: sqlite update count: %w", err)
		}
		return nil
	})
}

func (s *SQLite) CountSet(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT set_count FROM grids WHERE name = ?`, s.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("bitstore: sqlite count: %w", err)
	}
	return n, nil
}

// Close closes the database if this store opened it.
func (s *SQLite) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
