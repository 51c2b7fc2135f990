package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// LastRun is what the runner leaves behind after each batch.
type LastRun struct {
	ID         string
	FinishedAt time.Time
}

// GetLastRun reads the last_run_* metadata. A zero LastRun means no run has
// finished yet.
func (s *Store) GetLastRun() (LastRun, error) {
	var lr LastRun
	var err error
	if lr.ID, err = s.GetMetadata("last_run_id"); err != nil {
		return lr, err
	}
	ts, err := s.GetMetadata("last_run_finished_at")
	if err != nil {
		return lr, err
	}
	if ts != "" {
		lr.FinishedAt, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return lr, fmt.Errorf("parse last_run_finished_at: %w", err)
		}
	}
	return lr, nil
}
