package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/httputil"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/templates"
)

type sendRequest struct {
	To           addressList         `json:"to"`
	Cc           addressList         `json:"cc"`
	Bcc          addressList         `json:"bcc"`
	From         string              `json:"from"`
	FromName     string              `json:"fromName"`
	ReplyTo      string              `json:"replyTo"`
	Subject      string              `json:"subject"`
	Text         string              `json:"text"`
	HTML         string              `json:"html"`
	TemplateType string              `json:"templateType"`
	TemplateData map[string]any      `json:"templateData"`
	Tags         map[string]string   `json:"tags"`
	Attachments  []domain.Attachment `json:"attachments"`
}

// deliver fills in the default sender and hands msg to a transport.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, msg *domain.EmailMessage) {
	if msg.FromEmail == "" {
		msg.FromEmail, msg.FromName = s.deps.FromEmail, s.deps.FromName
	}
	res, err := s.mailerFor(msg).Send(r.Context(), msg)
	if err != nil {
		writeSendError(w, err)
		return
	}
	httputil.OK(w, res)
}

// POST /api/email/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.To) == 0 || req.Subject == "" {
		httputil.BadRequest(w, "Missing required fields: to, subject")
		return
	}

	html := req.HTML
	if req.TemplateType != "" && req.TemplateData != nil {
		out, err := s.deps.Templates.Render(templates.Kind(req.TemplateType), req.TemplateData)
		if err != nil {
			writeSendError(w, err)
			return
		}
		html = out
	}
	text := req.Text
	if text == "" {
		text = req.Subject
	}

	s.deliver(w, r, &domain.EmailMessage{
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		FromEmail:   req.From,
		FromName:    req.FromName,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		HTMLContent: html,
		TextContent: text,
		Tags:        req.Tags,
		Attachments: req.Attachments,
	})
}

// POST /api/email/send-welcome
func (s *Server) handleSendWelcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To        addressList `json:"to"`
		UserName  string      `json:"userName"`
		ActionURL string      `json:"actionUrl"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.To) == 0 || req.UserName == "" {
		httputil.BadRequest(w, "Missing required fields: to, userName")
		return
	}
	if req.ActionURL == "" {
		req.ActionURL = "https://example.com"
	}

	html, err := s.deps.Templates.Render(templates.KindWelcome, map[string]any{
		"userName":  req.UserName,
		"actionUrl": req.ActionURL,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	s.deliver(w, r, &domain.EmailMessage{
		To:          req.To,
		Subject:     fmt.Sprintf("Welcome, %s! 🎉", req.UserName),
		TextContent: fmt.Sprintf("Welcome %s! Thank you for joining us.", req.UserName),
		HTMLContent: html,
	})
}

// POST /api/email/send-otp
func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To            addressList `json:"to"`
		OTP           flexString  `json:"otp"`
		UserName      string      `json:"userName"`
		ExpiryMinutes int         `json:"expiryMinutes"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.To) == 0 || req.OTP == "" {
		httputil.BadRequest(w, "Missing required fields: to, otp")
		return
	}
	if req.ExpiryMinutes <= 0 {
		req.ExpiryMinutes = 5
	}

	html, err := s.deps.Templates.Render(templates.KindOTP, map[string]any{
		"otp":           string(req.OTP),
		"userName":      req.UserName,
		"expiryMinutes": req.ExpiryMinutes,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	s.deliver(w, r, &domain.EmailMessage{
		To:          req.To,
		Subject:     fmt.Sprintf("Your verification code: %s", req.OTP),
		TextContent: fmt.Sprintf("Your OTP is %s. Valid for %d minutes.", req.OTP, req.ExpiryMinutes),
		HTMLContent: html,
	})
}

// POST /api/email/send-notification
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To         addressList `json:"to"`
		Title      string      `json:"title"`
		Message    string      `json:"message"`
		Type       string      `json:"type"`
		ActionURL  string      `json:"actionUrl"`
		ActionText string      `json:"actionText"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.To) == 0 || req.Title == "" || req.Message == "" {
		httputil.BadRequest(w, "Missing required fields: to, title, message")
		return
	}
	if req.Type == "" {
		req.Type = "info"
	}

	html, err := s.deps.Templates.Render(templates.KindNotification, map[string]any{
		"title":      req.Title,
		"message":    req.Message,
		"type":       req.Type,
		"actionUrl":  req.ActionURL,
		"actionText": req.ActionText,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	s.deliver(w, r, &domain.EmailMessage{
		To:          req.To,
		Subject:     req.Title,
		TextContent: req.Message,
		HTMLContent: html,
		Tags:        map[string]string{"notification_type": req.Type},
	})
}

// POST /api/email/send-templated
func (s *Server) handleSendTemplated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To           addressList    `json:"to"`
		From         string         `json:"from"`
		ReplyTo      string         `json:"replyTo"`
		TemplateName string         `json:"templateName"`
		TemplateData map[string]any `json:"templateData"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.To) == 0 || req.TemplateName == "" {
		httputil.BadRequest(w, "Missing required fields: to, templateName")
		return
	}

	from := req.From
	if from == "" {
		from = s.defaultFrom()
	}
	res, err := s.deps.SES.SendTemplated(r.Context(), ses.TemplatedMessage{
		From:         from,
		To:           req.To,
		ReplyTo:      req.ReplyTo,
		TemplateName: req.TemplateName,
		TemplateData: req.TemplateData,
	})
	if err != nil {
		writeSendError(w, err)
		return
	}
	httputil.OK(w, res)
}

type perRecipient struct {
	Email string         `json:"email"`
	Name  string         `json:"name"`
	Data  map[string]any `json:"data"`
}

type perRecipientResult struct {
	Email     string `json:"email"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// POST /api/email/send-bulk
//
// Each recipient gets its own rendered message; {{name}} and any data keys are
// substituted in subject, text and html.
func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipients []perRecipient `json:"recipients"`
		From       string         `json:"from"`
		Subject    string         `json:"subject"`
		Text       string         `json:"text"`
		HTML       string         `json:"html"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "Missing or invalid recipients array")
		return
	}
	if req.Subject == "" {
		httputil.BadRequest(w, "Missing required field: subject")
		return
	}
	for _, src := range []string{req.Subject, req.Text, req.HTML} {
		if _, err := s.deps.Templates.RenderString(src, nil); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	list := make([]dispatch.Recipient, len(req.Recipients))
	for i, rc := range req.Recipients {
		fields := stringFields(rc.Data)
		if fields == nil {
			fields = make(map[string]string, 1)
		}
		fields["name"] = rc.Name
		list[i] = dispatch.Recipient{Address: strings.TrimSpace(rc.Email), TemplateFields: fields}
	}

	from := req.From
	sender := dispatch.SendBatchFunc(func(ctx context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
		rc := b.Recipients[0]
		data := anyFields(rc.TemplateFields)
		msg := &domain.EmailMessage{To: []string{rc.Address}, FromEmail: from}
		if msg.FromEmail == "" {
			msg.FromEmail, msg.FromName = s.deps.FromEmail, s.deps.FromName
		}
		var err error
		if msg.Subject, err = s.deps.Templates.RenderString(req.Subject, data); err != nil {
			return nil, err
		}
		if msg.TextContent, err = s.deps.Templates.RenderString(req.Text, data); err != nil {
			return nil, err
		}
		if msg.HTMLContent, err = s.deps.Templates.RenderString(req.HTML, data); err != nil {
			return nil, err
		}
		if msg.TextContent == "" && msg.HTMLContent == "" {
			msg.TextContent = msg.Subject
		}

		res, err := s.mailerFor(msg).Send(ctx, msg)
		if err != nil {
			return nil, err
		}
		return &dispatch.ProviderResponse{
			RequestID: res.RequestID,
			Entries:   []dispatch.ResponseEntry{{Address: rc.Address, Status: "SUCCESS", MessageID: res.MessageID}},
		}, nil
	})

	opts := s.baseOptions()
	opts.MaxBatchSize = 1
	report, err := dispatch.Dispatch(r.Context(), list, s.gate(sender), dispatch.WithOptions(opts))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	results := make([]perRecipientResult, 0, len(list))
	for _, o := range report.Outcomes {
		res := perRecipientResult{Email: o.Recipients[0].Address, Success: o.Succeeded(), Error: o.Error, Code: o.Code}
		if o.Response != nil && len(o.Response.Entries) > 0 {
			res.MessageID = o.Response.Entries[0].MessageID
		}
		results = append(results, res)
	}
	logger.Info("per-recipient send finished", "run_id", report.RunID, "sent", report.SucceededBatches, "failed", report.FailedBatches)

	httputil.OK(w, map[string]any{
		"success": true,
		"run_id":  report.RunID,
		"total":   len(list),
		"sent":    report.SucceededBatches,
		"failed":  report.FailedBatches,
		"results": results,
	})
}

func (s *Server) defaultFrom() string {
	m := domain.EmailMessage{FromEmail: s.deps.FromEmail, FromName: s.deps.FromName}
	return m.From()
}
