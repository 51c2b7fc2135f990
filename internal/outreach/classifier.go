// Package outreach decides what each student receives and runs the batch.
package outreach

import "github.com/pavelanni/studycoach/internal/model"

// Classify picks the message variant for a student's recent activity. Any
// wrong answer wins over correct ones.
func Classify(p model.Partition) model.Variant {
	switch {
	case len(p.Wrong) > 0:
		return model.VariantRemedial
	case p.Empty():
		return model.VariantReminder
	default:
		return model.VariantCongratulatory
	}
}
