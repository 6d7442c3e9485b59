// Package store persists the client cache between runs.
package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Load for an unknown id.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached observable value.
type Entry struct {
	ID       uint64          `json:"id"`
	Checksum uint64          `json:"checksum"`
	Value    json.RawMessage `json:"value"`
	Updated  time.Time       `json:"updated"`
}

// Backend defines the interface for cache stores.
type Backend interface {
	// Save inserts or replaces an entry.
	Save(e *Entry) error

	// Load retrieves an entry.
	Load(id uint64) (*Entry, error)

	// Delete removes an entry. Deleting an unknown id is not an error.
	Delete(id uint64) error

	// All returns every entry, oldest first.
	All() ([]*Entry, error)

	// Clear removes all entries.
	Clear() error

	// Close releases the store.
	Close() error
}

// Open picks a backend from dsn: empty or "memory" for an in-process store,
// a postgres:// URL for PostgreSQL, otherwise a SQLite file path.
func Open(dsn string) (Backend, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(dsn)
	default:
		return NewSQLite(dsn)
	}
}
