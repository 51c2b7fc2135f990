package model

import "time"

// HistoryExport is the top-level JSON structure for ledger export.
type HistoryExport struct {
	CourseID   int         `json:"course_id"`
	ExportedAt time.Time   `json:"exported_at"`
	Runs       []RunRecord `json:"runs"`
}

// RunRecord is one batch run as stored in the ledger.
type RunRecord struct {
	ID          string           `json:"id"`
	Feature     Feature          `json:"feature"`
	Provider    string           `json:"provider"`
	CourseID    int              `json:"course_id"`
	DryRun      bool             `json:"dry_run"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Sent        int              `json:"sent"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	Interrupted bool             `json:"interrupted"`
	Deliveries  []DeliveryRecord `json:"deliveries,omitempty"`
}

// DeliveryRecord is one per-student outcome as stored in the ledger.
type DeliveryRecord struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"run_id"`
	StudentID  string        `json:"student_id"`
	Email      string        `json:"email"`
	Feature    Feature       `json:"feature"`
	Variant    Variant       `json:"variant,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	Status     OutcomeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	ArchiveKey string        `json:"archive_key,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`

	// Body is filled from the archive on request; the ledger does not store it.
	Body string `json:"body,omitempty"`
}
