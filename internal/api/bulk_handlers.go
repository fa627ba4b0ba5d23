package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/httputil"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/recipients"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/storage"
)

type bulkRecipient struct {
	Email string         `json:"email"`
	Data  map[string]any `json:"data"`
}

// bulkOptions uses pointers so an explicit 0 is rejected instead of
// defaulted.
type bulkOptions struct {
	MaxBatchSize      *int `json:"maxBatchSize"`
	MaxConcurrency    *int `json:"maxConcurrency"`
	InterBatchDelayMS *int `json:"interBatchDelayMs"`
}

type bulkSendRequest struct {
	Recipients          []bulkRecipient `json:"recipients"`
	TemplateName        string          `json:"templateName"`
	DefaultTemplateData map[string]any  `json:"defaultTemplateData"`
	From                string          `json:"from"`
	ReplyTo             string          `json:"replyTo"`
	Options             *bulkOptions    `json:"options"`
}

type bulkSendResponse struct {
	Success             bool                    `json:"success"`
	RunID               string                  `json:"run_id"`
	RetryOf             string                  `json:"retry_of,omitempty"`
	Total               int                     `json:"total"`
	TotalBatches        int                     `json:"total_batches"`
	SucceededBatches    int                     `json:"succeeded_batches"`
	FailedBatches       int                     `json:"failed_batches"`
	SucceededRecipients int                     `json:"succeeded_recipients"`
	PartialFailure      bool                    `json:"partial_failure"`
	Results             []dispatch.BatchOutcome `json:"results"`
	Rejected            []rejectedRow           `json:"rejected,omitempty"`
}

// rejectedRow is an uploaded line that did not parse into a recipient.
type rejectedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func newBulkSendResponse(r *dispatch.Report) bulkSendResponse {
	return bulkSendResponse{
		Success:             true,
		RunID:               r.RunID,
		Total:               r.TotalRecipients,
		TotalBatches:        r.TotalBatches,
		SucceededBatches:    r.SucceededBatches,
		FailedBatches:       r.FailedBatches,
		SucceededRecipients: r.SucceededRecipients,
		PartialFailure:      r.PartialFailure(),
		Results:             r.Outcomes,
	}
}

// baseOptions are the server's configured dispatch defaults.
func (s *Server) baseOptions() dispatch.Options {
	return dispatch.Options{
		MaxBatchSize:    s.deps.Dispatch.MaxBatchSize,
		MaxConcurrency:  s.deps.Dispatch.MaxConcurrency,
		InterBatchDelay: s.deps.Dispatch.InterBatchDelay(),
	}
}

// dispatcher applies request overrides on top of the server defaults.
func (s *Server) dispatcher(o *bulkOptions) (*dispatch.Dispatcher, error) {
	opts := []dispatch.Option{dispatch.WithOptions(s.baseOptions())}
	if o != nil {
		if o.MaxBatchSize != nil {
			opts = append(opts, dispatch.WithMaxBatchSize(*o.MaxBatchSize))
		}
		if o.MaxConcurrency != nil {
			opts = append(opts, dispatch.WithMaxConcurrency(*o.MaxConcurrency))
		}
		if o.InterBatchDelayMS != nil {
			opts = append(opts, dispatch.WithInterBatchDelay(time.Duration(*o.InterBatchDelayMS)*time.Millisecond))
		}
	}
	return dispatch.New(opts...)
}

// POST /bulk-send, POST /api/email/bulk-send
func (s *Server) handleBulkSend(w http.ResponseWriter, r *http.Request) {
	var req bulkSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients must be a non-empty array")
		return
	}

	list := make([]dispatch.Recipient, len(req.Recipients))
	for i, rc := range req.Recipients {
		addr := strings.TrimSpace(rc.Email)
		if addr == "" {
			httputil.BadRequest(w, fmt.Sprintf("recipients[%d].email is required", i))
			return
		}
		list[i] = dispatch.Recipient{Address: addr, TemplateFields: stringFields(rc.Data)}
	}

	if resp, ok := s.runBulk(w, r, req, list); ok {
		httputil.OK(w, resp)
	}
}

// runBulk validates the shared bulk parameters, dispatches list and stores the
// report. On a validation failure it writes the error response and returns
// false; otherwise the caller writes resp.
func (s *Server) runBulk(w http.ResponseWriter, r *http.Request, req bulkSendRequest, list []dispatch.Recipient) (*bulkSendResponse, bool) {
	if req.TemplateName == "" {
		httputil.BadRequest(w, "templateName is required")
		return nil, false
	}
	d, err := s.dispatcher(req.Options)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	if n := d.Options().MaxBatchSize; n > ses.MaxBulkDestinations {
		cerr := &dispatch.ConfigError{Option: "maxBatchSize", Value: n, Reason: fmt.Sprintf("must be <= %d", ses.MaxBulkDestinations)}
		httputil.BadRequest(w, cerr.Error())
		return nil, false
	}

	from := req.From
	if from == "" {
		from = s.defaultFrom()
	}
	if from == "" {
		httputil.BadRequest(w, "from is required when no default sender is configured")
		return nil, false
	}
	bulk, err := s.deps.SES.BulkSender(ses.BulkOptions{
		From:         from,
		ReplyTo:      req.ReplyTo,
		TemplateName: req.TemplateName,
		DefaultData:  stringFields(req.DefaultTemplateData),
	})
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}

	report, err := d.Dispatch(r.Context(), list, s.gate(bulk))
	if err != nil {
		httputil.InternalError(w, err)
		return nil, false
	}
	s.saveReport(r, report)

	resp := newBulkSendResponse(report)
	return &resp, true
}

func (s *Server) saveReport(r *http.Request, report *dispatch.Report) {
	if s.deps.Reports == nil {
		return
	}
	if err := s.deps.Reports.Save(r.Context(), report); err != nil {
		logger.Warn("saving dispatch report failed", "run_id", report.RunID, "error", err)
	}
}

// GET /api/email/bulk-send?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		httputil.ServiceUnavailable(w, "report storage is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	runs, err := s.deps.Reports.List(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true, "runs": runs})
}

// GET /api/email/bulk-send/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadReport(w, r)
	if !ok {
		return
	}
	httputil.OK(w, map[string]any{"success": true, "report": report})
}

func (s *Server) loadReport(w http.ResponseWriter, r *http.Request) (*dispatch.Report, bool) {
	if s.deps.Reports == nil {
		httputil.ServiceUnavailable(w, "report storage is not configured")
		return nil, false
	}
	runID := chi.URLParam(r, "runID")
	report, err := s.deps.Reports.Get(r.Context(), runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.NotFound(w, "run not found")
		return nil, false
	case err != nil:
		httputil.InternalError(w, err)
		return nil, false
	}
	return report, true
}

// POST /api/email/bulk-send/{runID}/retry
//
// Resubmits the recipients of the run's failed batches. The body carries the
// template parameters; its recipients field is ignored.
func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	var req bulkSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	report, ok := s.loadReport(w, r)
	if !ok {
		return
	}

	failed := report.FailedRecipients()
	if len(failed) == 0 {
		httputil.OK(w, map[string]any{"success": true, "run_id": report.RunID, "message": "no failed recipients to retry"})
		return
	}
	list := make([]dispatch.Recipient, 0, len(failed))
	for _, rc := range failed {
		if recipients.ValidAddress(rc.Address) {
			list = append(list, rc)
		}
	}
	logger.Info("retrying failed recipients", "run_id", report.RunID, "recipients", len(list))
	if resp, ok := s.runBulk(w, r, req, list); ok {
		resp.RetryOf = report.RunID
		httputil.OK(w, resp)
	}
}
