package model

import "time"

// DefaultWindow is the trailing lookback for recent quiz activity.
const DefaultWindow = 7 * 24 * time.Hour

// QuestionAttempt is one answered quiz question.
type QuestionAttempt struct {
	QuestionID    int64     `json:"question_id"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	CorrectAnswer string    `json:"correct_answer"`
	AnsweredAt    time.Time `json:"answered_at"`
}

// IsCorrect reports whether the student's answer matches the correct one exactly.
func (a QuestionAttempt) IsCorrect() bool {
	return a.Answer == a.CorrectAnswer
}

// Partition splits a student's recent attempts into wrong and correct answers.
type Partition struct {
	Wrong   []QuestionAttempt
	Correct []QuestionAttempt
}

// Empty reports whether there was no activity in the window.
func (p Partition) Empty() bool {
	return len(p.Wrong) == 0 && len(p.Correct) == 0
}

// PartitionAttempts keeps attempts answered at or after now-window and splits
// them by correctness. Input order is preserved within each side.
func PartitionAttempts(attempts []QuestionAttempt, now time.Time, window time.Duration) Partition {
	cutoff := now.Add(-window)
	var p Partition
	for _, a := range attempts {
		if a.AnsweredAt.Before(cutoff) {
			continue
		}
		if a.IsCorrect() {
			p.Correct = append(p.Correct, a)
		} else {
			p.Wrong = append(p.Wrong, a)
		}
	}
	return p
}
