package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/studycoach/internal/archive"
	"github.com/pavelanni/studycoach/internal/i18n"
	"github.com/pavelanni/studycoach/internal/llm"
	"github.com/pavelanni/studycoach/internal/llm/prompts"
	"github.com/pavelanni/studycoach/internal/mail"
	"github.com/pavelanni/studycoach/internal/model"
)

// RosterSource lists the course's enrolled users with their grades.
type RosterSource interface {
	Roster(ctx context.Context) ([]model.StudentRecord, error)
}

// AttemptSource returns a student's quiz attempts finished at or after since.
type AttemptSource interface {
	Attempts(ctx context.Context, studentID string, since time.Time) ([]model.QuestionAttempt, error)
}

// Ledger records runs and deliveries.
type Ledger interface {
	CreateRun(run model.RunRecord) error
	FinishRun(run model.RunRecord) error
	RecordDelivery(d model.DeliveryRecord) (int64, error)
	LastSent(courseID int, studentID string, feature model.Feature, since time.Time) (time.Time, bool, error)
	SetMetadata(key, value string) error
}

// Options tune a Runner.
type Options struct {
	Window        time.Duration // trailing activity window
	Delay         time.Duration // pause before every provider call but the first
	ResendWindow  time.Duration // a student contacted within it is skipped
	Force         bool          // ignore the resend window
	DryRun        bool
	Provider      string
	CourseID      int // scopes the resend guard
	Lang          string
	SubjectPrefix string
	SenderName    string
}

// DeliveryError wraps a sink failure for one recipient.
type DeliveryError struct {
	Address string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Runner executes outreach batches. One student at a time; a failure for one
// student never stops the batch.
type Runner struct {
	roster   RosterSource
	attempts AttemptSource
	composer *Composer
	sender   mail.Sender
	ledger   Ledger
	archive  archive.Store
	opts     Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a Runner. attempts may be nil when only the grades feature
// is run; archive may be nil to disable archiving.
func NewRunner(roster RosterSource, attempts AttemptSource, composer *Composer, sender mail.Sender, ledger Ledger, store archive.Store, opts Options) *Runner {
	if opts.Window <= 0 {
		opts.Window = model.DefaultWindow
	}
	if opts.ResendWindow <= 0 {
		opts.ResendWindow = opts.Window
	}
	return &Runner{
		roster:   roster,
		attempts: attempts,
		composer: composer,
		sender:   sender,
		ledger:   ledger,
		archive:  store,
		opts:     opts,
		now:      time.Now,
		sleep:    llm.Sleep,
	}
}

// runState is shared by every flow of one run.
type runState struct {
	runID    string
	now      time.Time
	genCalls int
}

// Run processes every student for feature. The returned error is non-nil only
// when the run could not start, the roster could not be loaded, or ctx was
// cancelled; per-student failures are reported in the summary.
func (r *Runner) Run(ctx context.Context, feature model.Feature) (model.RunSummary, error) {
	if !model.IsValidFeature(string(feature)) {
		return model.RunSummary{}, fmt.Errorf("unsupported feature %q", feature)
	}

	st := &runState{runID: uuid.NewString(), now: r.now()}
	ctx = model.ContextWithRunID(ctx, st.runID)
	if r.opts.Lang != "" {
		ctx = i18n.WithLanguage(ctx, r.opts.Lang)
	}
	log := slog.With("run_id", st.runID)

	summary := model.RunSummary{
		RunID:     st.runID,
		Feature:   feature,
		DryRun:    r.opts.DryRun,
		StartedAt: st.now,
	}
	if err := r.ledger.CreateRun(model.RunRecord{
		ID:        st.runID,
		Feature:   feature,
		Provider:  r.opts.Provider,
		CourseID:  r.opts.CourseID,
		DryRun:    r.opts.DryRun,
		StartedAt: st.now,
	}); err != nil {
		return summary, fmt.Errorf("create run: %w", err)
	}
	log.Info("run started", "feature", feature, "dry_run", r.opts.DryRun, "window", r.opts.Window)

	runErr := r.runFlows(ctx, st, feature, &summary)

	summary.FinishedAt = r.now()
	summary.Interrupted = ctx.Err() != nil
	finished := summary.FinishedAt
	if err := r.ledger.FinishRun(model.RunRecord{
		ID:          st.runID,
		FinishedAt:  &finished,
		Sent:        summary.Sent,
		Failed:      summary.Failed,
		Skipped:     summary.Skipped,
		Interrupted: summary.Interrupted,
	}); err != nil {
		log.Error("failed to finish run in ledger", "error", err)
	}
	if err := r.ledger.SetMetadata("last_run_id", st.runID); err != nil {
		log.Warn("failed to store metadata", "key", "last_run_id", "error", err)
	}
	if err := r.ledger.SetMetadata("last_run_finished_at", finished.UTC().Format(time.RFC3339)); err != nil {
		log.Warn("failed to store metadata", "key", "last_run_finished_at", "error", err)
	}

	log.Info("run finished",
		"status", summary.Status(),
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"interrupted", summary.Interrupted,
		"duration", finished.Sub(summary.StartedAt),
	)
	return summary, runErr
}

func (r *Runner) runFlows(ctx context.Context, st *runState, feature model.Feature, summary *model.RunSummary) error {
	roster, err := r.roster.Roster(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	var students []model.StudentRecord
	for _, rec := range roster {
		if rec.HasRole(model.RoleStudent) {
			students = append(students, rec)
		}
	}
	slog.Info("roster loaded", "run_id", st.runID, "users", len(roster), "students", len(students))

	for _, f := range feature.Expand() {
		for _, s := range students {
			if err := ctx.Err(); err != nil {
				slog.Warn("run interrupted", "run_id", st.runID, "error", err)
				return err
			}
			o := r.processStudent(ctx, st, f, s)
			summary.Add(o)
			r.record(st, s, o)
		}
	}
	return nil
}

func (r *Runner) processStudent(ctx context.Context, st *runState, f model.Feature, s model.StudentRecord) model.Outcome {
	o := model.Outcome{StudentID: s.ID, Name: s.DisplayName(), Feature: f}
	log := slog.With("run_id", st.runID, "student_id", s.ID, "feature", f)

	fail := func(reason string) model.Outcome {
		o.Status = model.OutcomeFailed
		o.Reason = reason
		log.Warn("student failed", "variant", o.Variant, "reason", reason)
		return o
	}
	skip := func(reason string) model.Outcome {
		o.Status = model.OutcomeSkipped
		o.Reason = reason
		log.Info("student skipped", "reason", reason)
		return o
	}

	if strings.TrimSpace(s.Email) == "" {
		return fail("no email address")
	}

	if !r.opts.Force {
		last, ok, err := r.ledger.LastSent(r.opts.CourseID, s.ID, f, st.now.Add(-r.opts.ResendWindow))
		if err != nil {
			return fail("delivery history unavailable: " + err.Error())
		}
		if ok {
			return skip("already contacted at " + last.UTC().Format(time.RFC3339))
		}
	}

	var (
		msg model.Message
		err error
	)
	switch f {
	case model.FeatureActivity:
		if r.attempts == nil {
			return fail("attempt data unavailable: no attempt source configured")
		}
		attempts, aerr := r.attempts.Attempts(ctx, s.ID, st.now.Add(-r.opts.Window))
		if aerr != nil {
			return fail("attempt data unavailable: " + aerr.Error())
		}
		p := model.PartitionAttempts(attempts, st.now, r.opts.Window)
		o.Variant = Classify(p)
		log.Debug("attempts classified", "wrong", len(p.Wrong), "correct", len(p.Correct), "variant", o.Variant)
		if NeedsGenerator(o.Variant) {
			if perr := r.pace(ctx, st); perr != nil {
				return skip("interrupted")
			}
		}
		msg, err = r.composer.Compose(ctx, s, p)
	case model.FeatureGrades:
		o.Variant = model.VariantGradePlan
		if !hasReportableGrades(s) {
			return skip("no grade data")
		}
		if perr := r.pace(ctx, st); perr != nil {
			return skip("interrupted")
		}
		msg, err = r.composer.ComposeGradePlan(ctx, s)
	default:
		return fail(fmt.Sprintf("unsupported feature %q", f))
	}
	if err != nil {
		if errors.Is(err, llm.ErrProviderExhausted) {
			return fail("provider exhausted: " + err.Error())
		}
		return fail("compose message: " + err.Error())
	}

	o.Variant = msg.Variant
	o.Subject = msg.Subject
	if o.Subject == "" {
		o.Subject = mail.DefaultSubject(r.opts.SubjectPrefix, s.DisplayName())
	}

	if r.archive != nil {
		key := archive.Key(st.now, s, msg.Variant)
		if aerr := r.archive.Put(ctx, key, []byte(msg.Body)); aerr != nil {
			log.Warn("failed to archive message", "key", key, "error", aerr)
		} else {
			o.ArchiveKey = key
		}
	}

	env := r.envelope(ctx, s, msg, o.Subject)
	if serr := r.sender.Send(ctx, env); serr != nil {
		derr := &DeliveryError{Address: s.Email, Err: serr}
		return fail(derr.Error())
	}

	o.Status = model.OutcomeSent
	if r.opts.DryRun {
		o.Status = model.OutcomePreviewed
	}
	log.Info("message delivered", "variant", o.Variant, "status", o.Status, "generated", msg.Generated)
	return o
}

// pace waits the configured delay before every provider call except the
// first of the run.
func (r *Runner) pace(ctx context.Context, st *runState) error {
	defer func() { st.genCalls++ }()
	if st.genCalls == 0 || r.opts.Delay <= 0 {
		return ctx.Err()
	}
	return r.sleep(ctx, r.opts.Delay)
}

func (r *Runner) envelope(ctx context.Context, s model.StudentRecord, msg model.Message, subject string) mail.Envelope {
	senderName := r.opts.SenderName
	if senderName == "" {
		senderName = mail.DefaultSenderName
	}
	data := map[string]any{"SenderName": senderName}

	var heading string
	switch msg.Variant {
	case model.VariantRemedial:
		heading = i18n.T(ctx, "EmailHeadingRemedial")
	case model.VariantCongratulatory:
		heading = i18n.T(ctx, "EmailHeadingCongratulatory")
	case model.VariantReminder:
		heading = i18n.T(ctx, "EmailHeadingReminder")
	case model.VariantGradePlan:
		heading = i18n.T(ctx, "EmailHeadingGradePlan")
	}

	return mail.Envelope{
		ToName:         s.DisplayName(),
		ToAddress:      s.Email,
		Subject:        subject,
		Body:           msg.Body,
		Variant:        msg.Variant,
		Heading:        heading,
		AttachmentNote: i18n.T(ctx, "EmailAttachmentNote"),
		Footer:         i18n.Td(ctx, "EmailFooter", data),
		AttachmentName: fmt.Sprintf("%s_%s.txt", s.ID, msg.Variant),
	}
}

func (r *Runner) record(st *runState, s model.StudentRecord, o model.Outcome) {
	_, err := r.ledger.RecordDelivery(model.DeliveryRecord{
		RunID:      st.runID,
		StudentID:  s.ID,
		Email:      s.Email,
		Feature:    o.Feature,
		Variant:    o.Variant,
		Subject:    o.Subject,
		Status:     o.Status,
		Reason:     o.Reason,
		ArchiveKey: o.ArchiveKey,
		CreatedAt:  r.now(),
	})
	if err != nil {
		slog.Error("failed to record delivery", "run_id", st.runID, "student_id", s.ID, "error", err)
	}
}

func hasReportableGrades(s model.StudentRecord) bool {
	for _, item := range s.Grades {
		if prompts.Reportable(item) {
			return true
		}
	}
	return false
}
