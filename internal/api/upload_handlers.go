package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ignite/ses-bulk-mailer/internal/pkg/httputil"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/recipients"
)

// MaxUploadBytes caps multipart recipient uploads.
const MaxUploadBytes = 32 << 20

// POST /upload-and-send, POST /api/email/upload-and-send
//
// Multipart fields:
//   - file: recipient list (.csv, .json or one address per line)
//   - format: csv, json or text (optional, default from the file extension)
//   - templateName (required), from, replyTo
//   - defaultTemplateData: JSON object (optional)
//   - maxBatchSize, maxConcurrency, interBatchDelayMs (optional)
//
// Rows that fail to parse are skipped and listed under "rejected".
func (s *Server) handleUploadAndSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		httputil.BadRequest(w, "expected a multipart/form-data upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	parse := recipients.ParserFor(header.Filename)
	if format := r.FormValue("format"); format != "" {
		p, ok := recipients.ParserByFormat(format)
		if !ok {
			httputil.BadRequest(w, fmt.Sprintf("unsupported format %q", format))
			return
		}
		parse = p
	}

	req, ok := uploadRequest(w, r)
	if !ok {
		return
	}

	list, err := parse(file)
	rejected := rejectedRows(err)
	if err != nil && len(rejected) == 0 {
		httputil.BadRequest(w, err.Error())
		return
	}
	logger.Info("recipient upload parsed",
		"filename", header.Filename,
		"recipients", len(list),
		"rejected", len(rejected),
	)
	if len(list) == 0 {
		httputil.ErrorDetails(w, http.StatusBadRequest, "no valid recipients in upload", rejected)
		return
	}

	resp, ok := s.runBulk(w, r, req, list)
	if !ok {
		return
	}
	resp.Rejected = rejected
	httputil.OK(w, resp)
}

// uploadRequest reads the bulk parameters from form fields.
func uploadRequest(w http.ResponseWriter, r *http.Request) (bulkSendRequest, bool) {
	req := bulkSendRequest{
		TemplateName: strings.TrimSpace(r.FormValue("templateName")),
		From:         strings.TrimSpace(r.FormValue("from")),
		ReplyTo:      strings.TrimSpace(r.FormValue("replyTo")),
	}
	if raw := r.FormValue("defaultTemplateData"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.DefaultTemplateData); err != nil {
			httputil.BadRequest(w, "defaultTemplateData must be a JSON object")
			return req, false
		}
	}

	var opts bulkOptions
	fields := []struct {
		name string
		dst  **int
	}{
		{"maxBatchSize", &opts.MaxBatchSize},
		{"maxConcurrency", &opts.MaxConcurrency},
		{"interBatchDelayMs", &opts.InterBatchDelayMS},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(r.FormValue(f.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("%s must be an integer", f.name))
			return req, false
		}
		*f.dst = &n
	}
	req.Options = &opts
	return req, true
}

func rejectedRows(err error) []rejectedRow {
	pes := recipients.ParseErrors(err)
	if len(pes) == 0 {
		return nil
	}
	out := make([]rejectedRow, len(pes))
	for i, pe := range pes {
		out[i] = rejectedRow{Line: pe.Line, Reason: pe.Reason}
	}
	return out
}
