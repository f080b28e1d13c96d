// Package email implements the EMAIL step processor.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/template"
)

// Message is a rendered email ready for delivery.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("module", "log_mailer")}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "Email sent", "to", msg.To, "subject", msg.Subject, "body_length", len(msg.Body))

	return nil
}

type Processor struct {
	mailer Mailer
}

func NewProcessor(mailer Mailer) *Processor {
	return &Processor{mailer: mailer}
}

func (p *Processor) Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*protocol.StepResult, error) {
	cfg, ok := config.(*models.EmailConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnexpectedConfig, config)
	}

	msg := Message{To: cfg.To, Subject: cfg.Subject, Body: cfg.Body}

	for _, field := range []*string{&msg.To, &msg.Subject, &msg.Body} {
		rendered, err := template.RenderString(*field, run)
		if err != nil {
			return nil, fmt.Errorf("failed to render email: %w", err)
		}

		*field = rendered
	}

	if err := p.mailer.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}

	return &protocol.StepResult{
		Success: true,
		Result:  map[string]any{"sent": true, "to": msg.To, "subject": msg.Subject},
		Logs:    "email sent to " + msg.To,
	}, nil
}
