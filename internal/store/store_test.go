package store

import (
	"testing"
	"time"

	"github.com/pavelanni/studycoach/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

const testCourse = 42

func createTestRun(t *testing.T, s *Store, id string, started time.Time) {
	t.Helper()
	createCourseRun(t, s, testCourse, id, started)
}

func createCourseRun(t *testing.T, s *Store, courseID int, id string, started time.Time) {
	t.Helper()
	err := s.CreateRun(model.RunRecord{
		ID:        id,
		Feature:   model.FeatureActivity,
		Provider:  "openai",
		CourseID:  courseID,
		StartedAt: started,
	})
	if err != nil {
		t.Fatalf("CreateRun(%s): %v", id, err)
	}
}

func recordTestDelivery(t *testing.T, s *Store, runID, studentID string, status model.OutcomeStatus, at time.Time) {
	t.Helper()
	_, err := s.RecordDelivery(model.DeliveryRecord{
		RunID:     runID,
		StudentID: studentID,
		Email:     studentID + "@example.com",
		Feature:   model.FeatureActivity,
		Variant:   model.VariantReminder,
		Status:    status,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "run-1", t0)
	recordTestDelivery(t, s, "run-1", "1", model.OutcomeSent, t0.Add(time.Minute))
	recordTestDelivery(t, s, "run-1", "2", model.OutcomeFailed, t0.Add(2*time.Minute))

	finished := t0.Add(5 * time.Minute)
	if err := s.FinishRun(model.RunRecord{ID: "run-1", FinishedAt: &finished, Sent: 1, Failed: 1}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Feature != model.FeatureActivity || run.Provider != "openai" || run.DryRun || run.Interrupted {
		t.Errorf("run = %+v", run)
	}
	if !run.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, t0)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", run.FinishedAt, finished)
	}
	if run.Sent != 1 || run.Failed != 1 || run.Skipped != 0 {
		t.Errorf("counts = %d/%d/%d, want 1/1/0", run.Sent, run.Failed, run.Skipped)
	}
	if len(run.Deliveries) != 2 || run.Deliveries[1].Status != model.OutcomeFailed {
		t.Fatalf("deliveries = %+v", run.Deliveries)
	}
	if run.Deliveries[0].Email != "1@example.com" || run.Deliveries[0].Variant != model.VariantReminder {
		t.Errorf("delivery = %+v", run.Deliveries[0])
	}
	if run.CourseID != testCourse {
		t.Errorf("CourseID = %d, want %d", run.CourseID, testCourse)
	}
}

func TestDeliveryArchiveKey(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "run-1", t0)
	_, err := s.RecordDelivery(model.DeliveryRecord{
		RunID:      "run-1",
		StudentID:  "1",
		Feature:    model.FeatureActivity,
		Status:     model.OutcomeSent,
		ArchiveKey: "20260309/1_ana_remedial.txt",
		CreatedAt:  t0,
	})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	got, err := s.Deliveries("run-1")
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(got) != 1 || got[0].ArchiveKey != "20260309/1_ana_remedial.txt" {
		t.Errorf("deliveries = %+v", got)
	}
}

func TestFinishInterruptedRun(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "run-1", t0)

	finished := t0.Add(time.Minute)
	if err := s.FinishRun(model.RunRecord{ID: "run-1", FinishedAt: &finished, Sent: 1, Interrupted: true}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !run.Interrupted {
		t.Errorf("Interrupted = false, want true")
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := newTestStore(t)
	if err := s.FinishRun(model.RunRecord{ID: "missing"}); err == nil {
		t.Error("FinishRun(missing) should fail")
	}
}

func TestLastSent(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "run-1", t0)
	recordTestDelivery(t, s, "run-1", "1", model.OutcomeSent, t0)
	recordTestDelivery(t, s, "run-1", "2", model.OutcomePreviewed, t0)
	recordTestDelivery(t, s, "run-1", "3", model.OutcomeFailed, t0)
	createCourseRun(t, s, 7, "run-other", t0)
	recordTestDelivery(t, s, "run-other", "5", model.OutcomeSent, t0)

	tests := []struct {
		name    string
		course  int
		student string
		feature model.Feature
		since   time.Time
		want    bool
	}{
		{"sent within window", testCourse, "1", model.FeatureActivity, t0.Add(-time.Hour), true},
		{"sent exactly at boundary", testCourse, "1", model.FeatureActivity, t0, true},
		{"sent before window", testCourse, "1", model.FeatureActivity, t0.Add(time.Hour), false},
		{"other feature", testCourse, "1", model.FeatureGrades, t0.Add(-time.Hour), false},
		{"preview does not count", testCourse, "2", model.FeatureActivity, t0.Add(-time.Hour), false},
		{"failure does not count", testCourse, "3", model.FeatureActivity, t0.Add(-time.Hour), false},
		{"never contacted", testCourse, "4", model.FeatureActivity, t0.Add(-time.Hour), false},
		{"other course", testCourse, "5", model.FeatureActivity, t0.Add(-time.Hour), false},
		{"same student other course", 7, "1", model.FeatureActivity, t0.Add(-time.Hour), false},
		{"sent in its own course", 7, "5", model.FeatureActivity, t0.Add(-time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got, err := s.LastSent(tt.course, tt.student, tt.feature, tt.since)
			if err != nil {
				t.Fatalf("LastSent: %v", err)
			}
			if got != tt.want {
				t.Errorf("LastSent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "old", t0)
	createTestRun(t, s, "new", t0.Add(24*time.Hour))
	createTestRun(t, s, "mid", t0.Add(time.Hour))

	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("ListRuns(2) = %+v, want new, mid", runs)
	}
	if runs[0].FinishedAt != nil {
		t.Errorf("unfinished run should have nil FinishedAt")
	}

	all, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListRuns(0) returned %d runs, want 3", len(all))
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	lr, err := s.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if lr.ID != "" || !lr.FinishedAt.IsZero() {
		t.Errorf("empty ledger LastRun = %+v, want zero", lr)
	}

	if err := s.SetMetadata("last_run_id", "run-1"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata("last_run_id", "run-2"); err != nil {
		t.Fatalf("SetMetadata overwrite: %v", err)
	}
	if err := s.SetMetadata("last_run_finished_at", t0.Format(time.RFC3339)); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	lr, err = s.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if lr.ID != "run-2" || !lr.FinishedAt.Equal(t0) {
		t.Errorf("LastRun = %+v, want run-2 at %v", lr, t0)
	}
}

func TestExportHistory(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "run-1", t0)
	createTestRun(t, s, "run-2", t0.Add(time.Hour))
	recordTestDelivery(t, s, "run-1", "1", model.OutcomeSent, t0)
	recordTestDelivery(t, s, "run-2", "1", model.OutcomeSkipped, t0.Add(time.Hour))
	recordTestDelivery(t, s, "run-2", "2", model.OutcomeSent, t0.Add(time.Hour))
	createCourseRun(t, s, 7, "run-other", t0.Add(2*time.Hour))

	exp, err := s.ExportHistory(testCourse)
	if err != nil {
		t.Fatalf("ExportHistory: %v", err)
	}
	if exp.CourseID != 42 || len(exp.Runs) != 2 {
		t.Fatalf("export = %+v", exp)
	}
	if exp.Runs[0].ID != "run-2" || len(exp.Runs[0].Deliveries) != 2 || len(exp.Runs[1].Deliveries) != 1 {
		t.Errorf("runs = %+v", exp.Runs)
	}

	all, err := s.ExportHistory(0)
	if err != nil {
		t.Fatalf("ExportHistory(0): %v", err)
	}
	if len(all.Runs) != 3 || all.Runs[0].ID != "run-other" {
		t.Errorf("ExportHistory(0) runs = %+v, want all three", all.Runs)
	}
}
