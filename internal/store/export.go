package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/studycoach/internal/model"
)

// ExportHistory builds the ledger export for one course, newest run first.
// courseID 0 exports every course.
func (s *Store) ExportHistory(courseID int) (model.HistoryExport, error) {
	runs, err := s.listRuns(courseID, 0)
	if err != nil {
		return model.HistoryExport{}, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		runs[i].Deliveries, err = s.Deliveries(runs[i].ID)
		if err != nil {
			return model.HistoryExport{}, fmt.Errorf("get deliveries of run %s: %w", runs[i].ID, err)
		}
	}
	return model.HistoryExport{
		CourseID:   courseID,
		ExportedAt: time.Now().UTC(),
		Runs:       runs,
	}, nil
}
