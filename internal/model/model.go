package model

import (
	"context"
	"time"
)

// RoleStudent is the Moodle role shortname of learners. Only records carrying
// it receive outreach.
const RoleStudent = "student"

// StudentRecord is one enrolled user with their grades in canonical shape.
type StudentRecord struct {
	ID       string      `json:"id"`
	Username string      `json:"username"`
	FullName string      `json:"fullname"`
	Email    string      `json:"email"`
	Roles    []string    `json:"roles"`
	Grades   []GradeItem `json:"grades"`
}

// HasRole reports whether the record carries the given role shortname.
func (s StudentRecord) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DisplayName returns the full name, falling back to the username.
func (s StudentRecord) DisplayName() string {
	if s.FullName != "" {
		return s.FullName
	}
	if s.Username != "" {
		return s.Username
	}
	return "Student"
}

// Feature selects which outreach flow a run executes.
type Feature string

const (
	// FeatureActivity classifies recent quiz attempts into three message variants.
	FeatureActivity Feature = "activity"
	// FeatureGrades drafts a study plan from the gradebook for every student.
	FeatureGrades Feature = "grades"
	// FeatureBoth runs grades and then activity under one run ID.
	FeatureBoth Feature = "both"
)

// IsValidFeature checks if a feature name is known.
func IsValidFeature(f string) bool {
	switch Feature(f) {
	case FeatureActivity, FeatureGrades, FeatureBoth:
		return true
	}
	return false
}

// Expand returns the single-flow features a run executes, in order.
func (f Feature) Expand() []Feature {
	if f == FeatureBoth {
		return []Feature{FeatureGrades, FeatureActivity}
	}
	return []Feature{f}
}

// Variant is the kind of message a student receives.
type Variant string

const (
	VariantRemedial       Variant = "remedial"
	VariantCongratulatory Variant = "congratulatory"
	VariantReminder       Variant = "reminder"
	VariantGradePlan      Variant = "grade_plan"
)

// Message is a rendered outreach message ready for delivery.
type Message struct {
	Variant   Variant
	Subject   string // empty means the default subject
	Body      string
	Generated bool // body came from a text-generation provider
}

// OutcomeStatus is the per-student result of a run.
type OutcomeStatus string

const (
	OutcomeSent      OutcomeStatus = "sent"
	OutcomePreviewed OutcomeStatus = "previewed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Outcome records what happened to one student in one flow.
type Outcome struct {
	StudentID  string        `json:"student_id"`
	Name       string        `json:"name"`
	Feature    Feature       `json:"feature"`
	Variant    Variant       `json:"variant,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	Status     OutcomeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	ArchiveKey string        `json:"archive_key,omitempty"`
}

// RunSummary is the result of a batch run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Feature     Feature   `json:"feature"`
	DryRun      bool      `json:"dry_run"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Interrupted bool      `json:"interrupted,omitempty"` // cancellation stopped the run early
	Outcomes    []Outcome `json:"outcomes"`
}

// Add tallies an outcome into the summary.
func (s *RunSummary) Add(o Outcome) {
	switch o.Status {
	case OutcomeSent, OutcomePreviewed:
		s.Sent++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
	s.Outcomes = append(s.Outcomes, o)
}

// Status returns "success" when no student failed and "partial" otherwise.
func (s RunSummary) Status() string {
	if s.Failed > 0 {
		return "partial"
	}
	return "success"
}

type runIDCtxKey struct{}

// ContextWithRunID stores the current run ID in context.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDCtxKey{}, id)
}

// RunIDFromContext retrieves the run ID from context (empty string if not set).
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDCtxKey{}).(string)
	return id
}
