package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/pavelanni/studycoach/internal/config"
)

// SMTPSender delivers over SMTP with mandatory STARTTLS and PLAIN auth.
type SMTPSender struct {
	client *gomail.Client
	from   From
}

// NewSMTPSender creates a sender from the mail settings.
func NewSMTPSender(cfg config.Mail) (*SMTPSender, error) {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	client, err := gomail.NewClient(cfg.SMTPHost,
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.SMTPUsername),
		gomail.WithPassword(cfg.SMTPPassword),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
		gomail.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create smtp client for %s: %w", cfg.SMTPHost, err)
	}
	return &SMTPSender{
		client: client,
		from:   From{Name: cfg.SenderName, Address: cfg.SenderEmail},
	}, nil
}

// Send builds and delivers one envelope, opening a fresh connection.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) error {
	msg, err := Build(ctx, s.from, env)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", env.ToAddress, err)
	}
	slog.Debug("email sent", "to", env.ToAddress, "variant", env.Variant)
	return nil
}
