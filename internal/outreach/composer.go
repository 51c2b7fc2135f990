package outreach

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/studycoach/internal/i18n"
	"github.com/pavelanni/studycoach/internal/llm/prompts"
	"github.com/pavelanni/studycoach/internal/model"
)

// Generator produces text for a prompt. *llm.Gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Composer renders the message for one student.
type Composer struct {
	gen        Generator
	window     time.Duration
	senderName string
}

// NewComposer creates a Composer. window sizes the "past N days" wording.
func NewComposer(gen Generator, window time.Duration, senderName string) *Composer {
	return &Composer{gen: gen, window: window, senderName: senderName}
}

// NeedsGenerator reports whether composing v calls the provider.
func NeedsGenerator(v model.Variant) bool {
	return v == model.VariantRemedial || v == model.VariantGradePlan
}

// Compose renders the activity message for p. Provider errors are returned
// unchanged; a failed remedial plan never degrades to another variant.
func (c *Composer) Compose(ctx context.Context, student model.StudentRecord, p model.Partition) (model.Message, error) {
	variant := Classify(p)
	data := map[string]any{
		"Name":       student.DisplayName(),
		"SenderName": c.senderName,
		"Days":       c.days(),
	}

	switch variant {
	case model.VariantRemedial:
		prompt, err := prompts.BuildRemedial(student, p.Wrong, c.window)
		if err != nil {
			return model.Message{}, err
		}
		body, err := c.gen.Generate(ctx, prompt)
		if err != nil {
			return model.Message{}, err
		}
		return model.Message{Variant: variant, Body: body, Generated: true}, nil
	case model.VariantCongratulatory:
		return model.Message{
			Variant: variant,
			Subject: i18n.Td(ctx, "CongratsSubject", data),
			Body:    i18n.Td(ctx, "CongratsBody", data),
		}, nil
	case model.VariantReminder:
		return model.Message{
			Variant: variant,
			Subject: i18n.Td(ctx, "ReminderSubject", data),
			Body:    i18n.Td(ctx, "ReminderBody", data),
		}, nil
	}
	return model.Message{}, fmt.Errorf("unknown variant %q", variant)
}

// ComposeGradePlan drafts a study plan from the student's grades.
func (c *Composer) ComposeGradePlan(ctx context.Context, student model.StudentRecord) (model.Message, error) {
	prompt, err := prompts.BuildGradePlan(student)
	if err != nil {
		return model.Message{}, err
	}
	body, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{Variant: model.VariantGradePlan, Body: body, Generated: true}, nil
}

func (c *Composer) days() int {
	d := int(c.window / (24 * time.Hour))
	if d < 1 {
		return 1
	}
	return d
}
