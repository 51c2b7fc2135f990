// Package mail builds and delivers outreach emails.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/pavelanni/studycoach/internal/mail/views"
	"github.com/pavelanni/studycoach/internal/model"
)

const (
	// DefaultSubjectPrefix precedes the student's name in default subjects.
	DefaultSubjectPrefix = "Your Personalized Study Plan - "
	// DefaultSenderName is used when no sender name is configured.
	DefaultSenderName = "Study Coach"
)

// Envelope is one outgoing message.
type Envelope struct {
	ToName    string
	ToAddress string
	Subject   string
	Body      string
	Variant   model.Variant

	// HTML chrome, already localized.
	Heading        string
	AttachmentNote string
	Footer         string

	AttachmentName string // defaults to study_plan.txt
}

// Sender delivers envelopes.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// From identifies the sending mailbox.
type From struct {
	Name    string
	Address string
}

// DefaultSubject returns prefix followed by the student name.
func DefaultSubject(prefix, name string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + name
}

// Build assembles a multipart message: the plain-text body, an HTML
// alternative, and the body again as a text attachment.
func Build(ctx context.Context, from From, env Envelope) (*gomail.Msg, error) {
	if strings.TrimSpace(env.ToAddress) == "" {
		return nil, fmt.Errorf("build message: missing recipient address")
	}
	if from.Name == "" {
		from.Name = DefaultSenderName
	}

	m := gomail.NewMsg()
	if err := m.FromFormat(from.Name, from.Address); err != nil {
		return nil, fmt.Errorf("set sender %q: %w", from.Address, err)
	}
	if err := m.AddToFormat(env.ToName, env.ToAddress); err != nil {
		return nil, fmt.Errorf("set recipient %q: %w", env.ToAddress, err)
	}
	m.Subject(env.Subject)
	m.SetDate()
	m.SetBodyString(gomail.TypeTextPlain, env.Body)

	var html bytes.Buffer
	err := views.Email(views.EmailData{
		Heading:        env.Heading,
		Body:           env.Body,
		AttachmentNote: env.AttachmentNote,
		Footer:         env.Footer,
	}).Render(ctx, &html)
	if err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	m.AddAlternativeString(gomail.TypeTextHTML, html.String())

	name := env.AttachmentName
	if name == "" {
		name = "study_plan.txt"
	}
	if err := m.AttachReader(name, strings.NewReader(env.Body)); err != nil {
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	return m, nil
}
