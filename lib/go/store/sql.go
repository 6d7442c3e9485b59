package store

import (
	"database/sql"
	"errors"
	"time"
)

// sqlStore holds what SQLite and PostgreSQL share. Ids and checksums are
// stored as the signed 64-bit pattern of the unsigned value.
type sqlStore struct {
	db     *sql.DB
	load   string
	del    string
	all    string
	clear  string
	upsert string
}

func (s *sqlStore) Save(e *Entry) error {
	_, err := s.db.Exec(s.upsert, int64(e.ID), int64(e.Checksum), string(e.Value), e.Updated.UnixMilli())
	return err
}

func (s *sqlStore) Load(id uint64) (*Entry, error) {
	var checksum, updated int64
	var value string
	err := s.db.QueryRow(s.load, int64(id)).Scan(&checksum, &value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Entry{ID: id, Checksum: uint64(checksum), Value: []byte(value), Updated: time.UnixMilli(updated)}, nil
}

func (s *sqlStore) Delete(id uint64) error {
	_, err := s.db.Exec(s.del, int64(id))
	return err
}

func (s *sqlStore) All() ([]*Entry, error) {
	rows, err := s.db.Query(s.all)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var id, checksum, updated int64
		var value string
		if err := rows.Scan(&id, &checksum, &value, &updated); err != nil {
			return nil, err
		}
		out = append(out, &Entry{ID: uint64(id), Checksum: uint64(checksum), Value: []byte(value), Updated: time.UnixMilli(updated)})
	}
	return out, rows.Err()
}

func (s *sqlStore) Clear() error {
	_, err := s.db.Exec(s.clear)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
