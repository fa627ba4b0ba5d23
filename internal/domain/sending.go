package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Transport identifies how a message left the process.
type Transport string

const (
	TransportSES  Transport = "ses"
	TransportSMTP Transport = "smtp"
)

// Attachment is a file carried by a message. Only the SMTP transport sends
// attachments.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// EmailMessage is a fully rendered message ready for a transport.
type EmailMessage struct {
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	FromName    string            `json:"from_name,omitempty"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content,omitempty"`
	TextContent string            `json:"text_content,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// From renders the From header value, `"Name" <addr>` when a name is set.
func (m *EmailMessage) From() string {
	if m.FromName == "" {
		return m.FromEmail
	}
	return fmt.Sprintf("%q <%s>", m.FromName, m.FromEmail)
}

// Validate checks the fields every transport needs.
func (m *EmailMessage) Validate() error {
	if strings.TrimSpace(m.FromEmail) == "" {
		return fmt.Errorf("%w: from address", ErrMissingField)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("%w: to", ErrMissingField)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject", ErrMissingField)
	}
	if m.HTMLContent == "" && m.TextContent == "" {
		return fmt.Errorf("%w: body", ErrMissingField)
	}
	return nil
}

// SendResult is returned by a transport after a successful hand-off.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId"`
	RequestID string    `json:"requestId,omitempty"`
	Transport Transport `json:"transport"`
	SentAt    time.Time `json:"sentAt"`
}

// Mailer sends a single message. Implementations must be safe for concurrent
// use.
type Mailer interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}
