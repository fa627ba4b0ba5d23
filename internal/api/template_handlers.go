package api

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/ses-bulk-mailer/internal/pkg/httputil"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
)

// SES template names: letters, digits, underscore and dash.
var templateNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// GET /api/email/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.SES.ListTemplates(r.Context())
	if err != nil {
		writeSendError(w, err)
		return
	}
	if list == nil {
		list = []ses.Template{}
	}
	httputil.OK(w, map[string]any{"success": true, "templates": list})
}

// POST /api/email/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Subject string `json:"subject"`
		HTML    string `json:"html"`
		Text    string `json:"text"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if !templateNameRe.MatchString(req.Name) {
		httputil.BadRequest(w, "name must be 1-64 letters, digits, '_' or '-'")
		return
	}
	if req.Subject == "" || (req.HTML == "" && req.Text == "") {
		httputil.BadRequest(w, "Missing required fields: subject and html or text")
		return
	}

	t := ses.Template{Name: req.Name, Subject: req.Subject, HTML: req.HTML, Text: req.Text}
	if err := s.deps.SES.CreateTemplate(r.Context(), t); err != nil {
		writeSendError(w, err)
		return
	}
	logger.Info("ses template saved", "name", req.Name)
	httputil.Created(w, map[string]any{"success": true, "template": t})
}

// GET /api/email/templates/{name}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.SES.GetTemplate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeSendError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true, "template": t})
}

// DELETE /api/email/templates/{name}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.SES.DeleteTemplate(r.Context(), name); err != nil {
		writeSendError(w, err)
		return
	}
	logger.Info("ses template deleted", "name", name)
	httputil.OK(w, map[string]any{"success": true, "name": name})
}

// GET /api/email/account
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.SES.GetAccountInfo(r.Context())
	if err != nil {
		writeSendError(w, err)
		return
	}
	resp := map[string]any{
		"success":          true,
		"account":          info,
		"remaining24Hours": info.Remaining24Hours(),
	}
	if s.deps.Limiter != nil {
		if usage, err := s.deps.Limiter.Usage(r.Context()); err != nil {
			logger.Warn("reading rate limit usage failed", "error", err)
		} else {
			resp["rateLimit"] = usage
		}
	}
	httputil.OK(w, resp)
}
