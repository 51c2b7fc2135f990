// Package quizdb reads finished quiz attempts from the Moodle database.
package quizdb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/pavelanni/studycoach/internal/markup"
	"github.com/pavelanni/studycoach/internal/model"
)

var prefixPattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// Open connects to the Moodle MySQL database.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse quiz database dsn: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open quiz database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Source answers attempt queries for the batch runner.
type Source struct {
	db    *sql.DB
	query string
}

// New creates a Source over db. prefix is the Moodle table prefix.
func New(db *sql.DB, prefix string) (*Source, error) {
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Source{db: db, query: attemptsQuery(prefix)}, nil
}

func attemptsQuery(p string) string {
	return strings.NewReplacer("{p}", p).Replace(`
	SELECT
		q.id,
		q.questiontext,
		qas.responsesummary,
		qas.rightanswer,
		qa.timefinish
	FROM {p}quiz_attempts qa
	JOIN {p}question_usages qu ON qa.uniqueid = qu.id
	JOIN {p}question_attempts qas ON qu.id = qas.questionusageid
	JOIN {p}question q ON qas.questionid = q.id
	WHERE qa.userid = ?
		AND qa.state = 'finished'
		AND qas.responsesummary IS NOT NULL
		AND qas.rightanswer IS NOT NULL
		AND qa.timefinish >= ?
	ORDER BY qa.timefinish DESC, qas.slot`)
}

// Attempts returns the student's answered questions from attempts finished at
// or after since. Question text is flattened to plain text.
func (s *Source) Attempts(ctx context.Context, studentID string, since time.Time) ([]model.QuestionAttempt, error) {
	uid, err := strconv.ParseInt(studentID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid moodle user id %q", studentID)
	}

	rows, err := s.db.QueryContext(ctx, s.query, uid, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query attempts for user %d: %w", uid, err)
	}
	defer rows.Close()

	var out []model.QuestionAttempt
	for rows.Next() {
		var (
			a          model.QuestionAttempt
			text       sql.NullString
			timeFinish int64
		)
		if err := rows.Scan(&a.QuestionID, &text, &a.Answer, &a.CorrectAnswer, &timeFinish); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Question = markup.Text(text.String)
		a.Answer = strings.TrimSpace(a.Answer)
		a.CorrectAnswer = strings.TrimSpace(a.CorrectAnswer)
		a.AnsweredAt = time.Unix(timeFinish, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
