package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}

	m.sent = append(m.sent, msg)

	return nil
}

func TestProcessor_RendersAndSends(t *testing.T) {
	mailer := &recordingMailer{}
	run := models.NewRunContext("exec-1", "wf-1", nil, nil)
	run.SetResult("lookup", map[string]any{"email": "ana@example.com", "name": "Ana"})

	result, err := NewProcessor(mailer).Process(context.Background(), &models.EmailConfig{
		To:      "{{.steps.lookup.email}}",
		Subject: "Hello {{.steps.lookup.name}}",
		Body:    "plain body",
	}, run)
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, Message{To: "ana@example.com", Subject: "Hello Ana", Body: "plain body"}, mailer.sent[0])
	assert.Equal(t, map[string]any{"sent": true, "to": "ana@example.com", "subject": "Hello Ana"}, result.Result)
}

func TestProcessor_MailerError(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("smtp down")}
	run := models.NewRunContext("exec-1", "wf-1", nil, nil)

	_, err := NewProcessor(mailer).Process(context.Background(), &models.EmailConfig{To: "a@b.c"}, run)
	assert.ErrorContains(t, err, "smtp down")
}

func TestLogMailer(t *testing.T) {
	mailer := NewLogMailer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, mailer.Send(context.Background(), Message{To: "a@b.c"}))
}
