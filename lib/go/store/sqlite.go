package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a store in a SQLite file.
type SQLite struct {
	sqlStore
}

// NewSQLite opens (creating if needed) the cache database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cache (
			id INTEGER PRIMARY KEY,
			checksum INTEGER NOT NULL,
			value TEXT NOT NULL,
			updated INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_updated ON cache(updated);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite cache %s: %w", path, err)
	}
	return &SQLite{sqlStore{
		db:     db,
		load:   "SELECT checksum, value, updated FROM cache WHERE id = ?",
		del:    "DELETE FROM cache WHERE id = ?",
		all:    "SELECT id, checksum, value, updated FROM cache ORDER BY updated",
		clear:  "DELETE FROM cache",
		upsert: "INSERT OR REPLACE INTO cache (id, checksum, value, updated) VALUES (?, ?, ?, ?)",
	}}, nil
}
