// Package smtp sends mail through the SES SMTP interface.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mail "github.com/xhit/go-simple-mail/v2"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

// EmailClient delivers a composed message.
type EmailClient interface {
	SendEmail(email *mail.Email) error
}

// dialClient opens one SMTP connection per message.
type dialClient struct {
	server *mail.SMTPServer
}

func (d *dialClient) SendEmail(email *mail.Email) error {
	client, err := d.server.Connect()
	if err != nil {
		return fmt.Errorf("connecting to %s:%d: %w", d.server.Host, d.server.Port, err)
	}
	defer client.Close()
	return email.Send(client)
}

// Sender implements domain.Mailer over SMTP.
type Sender struct {
	client EmailClient
	now    func() time.Time
}

var _ domain.Mailer = (*Sender)(nil)

// NewSender configures the SMTP connection. Port 465 uses implicit TLS, every
// other port STARTTLS.
func NewSender(cfg config.SMTPConfig) (*Sender, error) {
	if !cfg.Enabled() {
		return nil, errors.New("smtp: host is not configured")
	}

	server := mail.NewSMTPClient()
	server.Host = cfg.Host
	server.Port = cfg.Port
	server.Username = cfg.Username
	server.Password = cfg.Password
	server.Encryption = encryptionFor(cfg.Port)
	server.Authentication = mail.AuthLogin
	server.KeepAlive = false
	server.ConnectTimeout = cfg.Timeout()
	server.SendTimeout = cfg.Timeout()

	return NewWithClient(&dialClient{server: server}), nil
}

// NewWithClient wraps an existing EmailClient.
func NewWithClient(client EmailClient) *Sender {
	return &Sender{client: client, now: time.Now}
}

func encryptionFor(port int) mail.Encryption {
	if port == 465 {
		return mail.EncryptionSSLTLS
	}
	return mail.EncryptionSTARTTLS
}

// Send composes and delivers msg.
func (s *Sender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	email, messageID, err := BuildMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.client.SendEmail(email); err != nil {
		logger.Warn("smtp send failed", "to", msg.To, "error", err)
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	logger.Info("smtp message sent", "recipients", len(msg.To), "message_id", messageID)
	return &domain.SendResult{
		Success:   true,
		MessageID: messageID,
		Transport: domain.TransportSMTP,
		SentAt:    s.now(),
	}, nil
}

// BuildMessage composes the MIME message and returns it with its Message-ID.
func BuildMessage(msg *domain.EmailMessage) (*mail.Email, string, error) {
	if err := msg.Validate(); err != nil {
		return nil, "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(msg.FromEmail))

	email := mail.NewMSG()
	email.SetFrom(msg.From()).
		AddTo(msg.To...).
		SetSubject(msg.Subject)
	if len(msg.Cc) > 0 {
		email.AddCc(msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		email.AddBcc(msg.Bcc...)
	}
	if msg.ReplyTo != "" {
		email.SetReplyTo(msg.ReplyTo)
	}
	email.AddHeader("Message-ID", messageID)

	switch {
	case msg.TextContent != "" && msg.HTMLContent != "":
		email.SetBody(mail.TextPlain, msg.TextContent)
		email.AddAlternative(mail.TextHTML, msg.HTMLContent)
	case msg.HTMLContent != "":
		email.SetBody(mail.TextHTML, msg.HTMLContent)
	default:
		email.SetBody(mail.TextPlain, msg.TextContent)
	}

	for _, a := range msg.Attachments {
		email.Attach(&mail.File{Name: a.Filename, MimeType: a.ContentType, Data: a.Data})
	}

	if email.Error != nil {
		return nil, "", fmt.Errorf("building message: %w", email.Error)
	}
	return email, messageID, nil
}

func domainOf(addr string) string {
	if _, host, ok := strings.Cut(addr, "@"); ok && host != "" {
		return host
	}
	return "localhost"
}
