// Package prompts renders the text sent to the Provider Gateway.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/pavelanni/studycoach/internal/markup"
	"github.com/pavelanni/studycoach/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// maxFieldRunes caps any single question or answer placed into a prompt.
const maxFieldRunes = 2000

var (
	loadOnce  sync.Once
	loadErr   error
	remedial  *template.Template
	gradePlan *template.Template
)

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Load parses the templates from fsys. Only the first call has any effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		remedial, loadErr = parse(fsys, "templates/remedial.txt")
		if loadErr != nil {
			return
		}
		gradePlan, loadErr = parse(fsys, "templates/grades.txt")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// AttemptLine is one wrong answer as shown to the model.
type AttemptLine struct {
	Question      string
	Answer        string
	CorrectAnswer string
}

// RemedialData holds template data for the remedial prompt.
type RemedialData struct {
	Name  string
	Days  int
	Wrong []AttemptLine
}

// GradesData holds template data for the grade-based prompt.
type GradesData struct {
	Grades string
}

// BuildRemedial renders the remedial prompt for a student's wrong attempts.
func BuildRemedial(student model.StudentRecord, wrong []model.QuestionAttempt, window time.Duration) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", err
	}
	if len(wrong) == 0 {
		return "", errors.New("remedial prompt needs at least one wrong attempt")
	}

	days := int(window / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	data := RemedialData{Name: student.DisplayName(), Days: days}
	for _, a := range wrong {
		data.Wrong = append(data.Wrong, AttemptLine{
			Question:      Sanitize(a.Question),
			Answer:        Sanitize(a.Answer),
			CorrectAnswer: Sanitize(a.CorrectAnswer),
		})
	}

	var buf bytes.Buffer
	if err := remedial.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render remedial prompt: %w", err)
	}
	return buf.String(), nil
}

// BuildGradePlan renders the grade-based prompt.
func BuildGradePlan(student model.StudentRecord) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := gradePlan.Execute(&buf, GradesData{Grades: FormatGrades(student)}); err != nil {
		return "", fmt.Errorf("render grades prompt: %w", err)
	}
	return buf.String(), nil
}

// FormatGrades lists the student's usable grade entries. Placeholder values
// ("- (-)", empty) and values that still carry markup are left out.
func FormatGrades(student model.StudentRecord) string {
	var sb strings.Builder
	sb.WriteString("Student: " + student.DisplayName() + "\n\nGrades:\n")
	for _, item := range student.Grades {
		if !Reportable(item) {
			continue
		}
		sb.WriteString("- " + item.Name + ": " + item.Grade + "\n")
	}
	return sb.String()
}

// Reportable reports whether a grade entry carries a real value. Only the
// empty string and Moodle's "- (-)" placeholder count as missing; callers
// trim cells before this point, so whitespace is not special here.
func Reportable(item model.GradeItem) bool {
	v := item.Grade
	return v != "" && v != "- (-)" && !strings.Contains(v, "<")
}

// Sanitize trims and flattens markup in text taken from the quiz database,
// capping it at maxFieldRunes.
func Sanitize(s string) string {
	s = markup.Text(s)
	if s == "" {
		return "[empty]"
	}
	if utf8.RuneCountInString(s) > maxFieldRunes {
		runes := []rune(s)
		s = string(runes[:maxFieldRunes]) + " [truncated]"
	}
	return s
}
