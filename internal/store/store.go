// Package store is the run ledger: every batch run and every per-student
// outcome, kept in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/studycoach/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and :memory:
	// databases are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		feature TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		course_id INTEGER NOT NULL DEFAULT 0,
		dry_run INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		sent INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		interrupted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		feature TEXT NOT NULL,
		variant TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		archive_key TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_student
		ON deliveries (student_id, feature, status);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Ledgers created before these columns existed.
	for _, col := range []struct{ table, name, def string }{
		{"runs", "course_id", "INTEGER NOT NULL DEFAULT 0"},
		{"runs", "interrupted", "INTEGER NOT NULL DEFAULT 0"},
		{"deliveries", "archive_key", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := s.ensureColumn(col.table, col.name, col.def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, name, def string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		if col == name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + name + ` ` + def)
	return err
}

// CreateRun inserts a run that has just started.
func (s *Store) CreateRun(run model.RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, feature, provider, course_id, dry_run, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Feature, run.Provider, run.CourseID, run.DryRun, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the finish time, counts and interrupted flag of run.ID.
func (s *Store) FinishRun(run model.RunRecord) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	res, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, sent = ?, failed = ?, skipped = ?, interrupted = ? WHERE id = ?`,
		finished, run.Sent, run.Failed, run.Skipped, run.Interrupted, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, sql.ErrNoRows)
	}
	return nil
}

// RecordDelivery stores one per-student outcome.
func (s *Store) RecordDelivery(d model.DeliveryRecord) (int64, error) {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO deliveries (run_id, student_id, email, feature, variant, subject, status, reason, archive_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.StudentID, d.Email, d.Feature, d.Variant, d.Subject, d.Status, d.Reason, d.ArchiveKey, created.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert delivery for %s: %w", d.StudentID, err)
	}
	return res.LastInsertId()
}

// LastSent returns when the student last received a message for feature in
// courseID, if that was at or after since. Previews and failures do not count.
func (s *Store) LastSent(courseID int, studentID string, feature model.Feature, since time.Time) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRow(
		`SELECT d.created_at FROM deliveries d
		 JOIN runs r ON r.id = d.run_id
		 WHERE r.course_id = ? AND d.student_id = ? AND d.feature = ? AND d.status = ?
		 ORDER BY d.id DESC LIMIT 1`,
		courseID, studentID, feature, model.OutcomeSent,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last delivery for %s: %w", studentID, err)
	}
	if at.Before(since) {
		return at, false, nil
	}
	return at, true, nil
}

const runColumns = `id, feature, provider, course_id, dry_run, started_at, finished_at, sent, failed, skipped, interrupted`

func scanRun(sc interface{ Scan(...any) error }) (model.RunRecord, error) {
	var r model.RunRecord
	var finished sql.NullTime
	if err := sc.Scan(&r.ID, &r.Feature, &r.Provider, &r.CourseID, &r.DryRun, &r.StartedAt, &finished, &r.Sent, &r.Failed, &r.Skipped, &r.Interrupted); err != nil {
		return r, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]model.RunRecord, error) {
	return s.listRuns(0, limit)
}

// listRuns filters by course when courseID > 0.
func (s *Store) listRuns(courseID, limit int) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if courseID > 0 {
		query += ` WHERE course_id = ?`
		args = append(args, courseID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its deliveries.
func (s *Store) GetRun(id string) (model.RunRecord, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return r, err
	}
	r.Deliveries, err = s.Deliveries(id)
	return r, err
}

// Deliveries returns the outcomes of one run in processing order.
func (s *Store) Deliveries(runID string) ([]model.DeliveryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, student_id, email, feature, variant, subject, status, reason, archive_key, created_at
		 FROM deliveries WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeliveryRecord
	for rows.Next() {
		var d model.DeliveryRecord
		if err := rows.Scan(&d.ID, &d.RunID, &d.StudentID, &d.Email, &d.Feature, &d.Variant, &d.Subject, &d.Status, &d.Reason, &d.ArchiveKey, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
