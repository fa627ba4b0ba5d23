package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmailMessage_From(t *testing.T) {
	m := EmailMessage{FromEmail: "noreply@abc.com"}
	assert.Equal(t, "noreply@abc.com", m.From())

	m.FromName = "SES Demo"
	assert.Equal(t, `"SES Demo" <noreply@abc.com>`, m.From())
}

func TestEmailMessage_Validate(t *testing.T) {
	valid := EmailMessage{
		To:          []string{"a@example.com"},
		FromEmail:   "noreply@abc.com",
		Subject:     "Hi",
		TextContent: "hello",
	}
	assert.NoError(t, valid.Validate())

	tests := map[string]func(m *EmailMessage){
		"from":    func(m *EmailMessage) { m.FromEmail = " " },
		"to":      func(m *EmailMessage) { m.To = nil },
		"subject": func(m *EmailMessage) { m.Subject = "" },
		"body":    func(m *EmailMessage) { m.TextContent = "" },
	}
	for field, mutate := range tests {
		m := valid
		mutate(&m)
		err := m.Validate()
		assert.ErrorIs(t, err, ErrMissingField, field)
		assert.Contains(t, err.Error(), field)
	}
}
