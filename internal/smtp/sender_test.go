package smtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mail "github.com/xhit/go-simple-mail/v2"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
)

type fakeClient struct {
	mu   sync.Mutex
	sent []*mail.Email
	err  error
}

func (f *fakeClient) SendEmail(email *mail.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

func message() *domain.EmailMessage {
	return &domain.EmailMessage{
		To:          []string{"jane@example.com"},
		FromName:    "Ignite",
		FromEmail:   "noreply@ignite.com",
		Subject:     "Monthly report",
		HTMLContent: "<p>Attached</p>",
		TextContent: "Attached",
		Attachments: []domain.Attachment{{Filename: "report.csv", ContentType: "text/csv", Data: []byte("a,b\n1,2\n")}},
	}
}

func TestBuildMessage(t *testing.T) {
	email, id, err := BuildMessage(message())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@ignite.com>"))

	raw := email.GetMessage()
	assert.Contains(t, raw, "Monthly report")
	assert.Contains(t, raw, "jane@example.com")
	assert.Contains(t, raw, "text/plain")
	assert.Contains(t, raw, "text/html")
	assert.Contains(t, raw, "report.csv")
}

func TestBuildMessage_Invalid(t *testing.T) {
	msg := message()
	msg.To = nil
	_, _, err := BuildMessage(msg)
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestSender_Send(t *testing.T) {
	client := &fakeClient{}
	s := NewWithClient(client)

	res, err := s.Send(context.Background(), message())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.TransportSMTP, res.Transport)
	assert.NotEmpty(t, res.MessageID)
	assert.Len(t, client.sent, 1)
}

func TestSender_SendError(t *testing.T) {
	client := &fakeClient{err: errors.New("535 Authentication Credentials Invalid")}
	_, err := NewWithClient(client).Send(context.Background(), message())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "535")
}

func TestSender_CanceledContext(t *testing.T) {
	client := &fakeClient{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWithClient(client).Send(ctx, message())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.sent)
}

func TestNewSender(t *testing.T) {
	_, err := NewSender(config.SMTPConfig{})
	assert.Error(t, err)

	s, err := NewSender(config.SMTPConfig{Host: "email-smtp.us-east-1.amazonaws.com", Port: 587})
	require.NoError(t, err)
	assert.NotNil(t, s)

	assert.Equal(t, mail.EncryptionSSLTLS, encryptionFor(465))
	assert.Equal(t, mail.EncryptionSTARTTLS, encryptionFor(587))
}
