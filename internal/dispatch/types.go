package dispatch

import "time"

// Recipient is one destination and the substitution values for the shared
// template. Recipients are read-only to the dispatcher.
type Recipient struct {
	Address        string            `json:"address"`
	TemplateFields map[string]string `json:"template_fields,omitempty"`
}

// Batch is an ordered slice of recipients sent together in one provider call.
type Batch struct {
	Index      int         `json:"index"`
	Recipients []Recipient `json:"recipients"`
}

// Len returns the number of recipients in the batch.
func (b Batch) Len() int { return len(b.Recipients) }

// ResponseEntry is the provider's per-destination status inside a batch.
type ResponseEntry struct {
	Address   string `json:"address"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProviderResponse is what a successful SendBatch returns. The dispatcher passes
// it through untouched.
type ProviderResponse struct {
	RequestID string          `json:"request_id,omitempty"`
	Entries   []ResponseEntry `json:"entries,omitempty"`
}

// OutcomeStatus tags a BatchOutcome as a success or a failure.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailure OutcomeStatus = "failure"
)

// BatchOutcome is the recorded result of attempting one batch. Response is set
// only for successes; Error and Code only for failures.
type BatchOutcome struct {
	BatchIndex int               `json:"batch_index"`
	Recipients []Recipient       `json:"recipients"`
	Status     OutcomeStatus     `json:"status"`
	Response   *ProviderResponse `json:"response,omitempty"`
	Error      string            `json:"error,omitempty"`
	Code       string            `json:"code,omitempty"`
	Duration   time.Duration     `json:"duration_ns"`
}

// Succeeded reports whether the batch was accepted by the provider.
func (o BatchOutcome) Succeeded() bool { return o.Status == StatusSuccess }

func successOutcome(b Batch, resp *ProviderResponse, took time.Duration) BatchOutcome {
	return BatchOutcome{
		BatchIndex: b.Index,
		Recipients: b.Recipients,
		Status:     StatusSuccess,
		Response:   resp,
		Duration:   took,
	}
}

func failureOutcome(b Batch, err error, took time.Duration) BatchOutcome {
	pe := AsProviderError(err)
	return BatchOutcome{
		BatchIndex: b.Index,
		Recipients: b.Recipients,
		Status:     StatusFailure,
		Error:      pe.Message,
		Code:       pe.Code,
		Duration:   took,
	}
}

// Report is the complete accounting of one dispatch run. Outcomes are ordered
// by batch index regardless of completion order.
type Report struct {
	RunID               string         `json:"run_id"`
	TotalRecipients     int            `json:"total_recipients"`
	TotalBatches        int            `json:"total_batches"`
	SucceededBatches    int            `json:"succeeded_batches"`
	FailedBatches       int            `json:"failed_batches"`
	SucceededRecipients int            `json:"succeeded_recipients"`
	MaxBatchSize        int            `json:"max_batch_size"`
	MaxConcurrency      int            `json:"max_concurrency"`
	InterBatchDelay     time.Duration  `json:"inter_batch_delay_ns"`
	Outcomes            []BatchOutcome `json:"outcomes"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
}

// PartialFailure reports whether at least one batch failed. The run itself
// still returned normally.
func (r *Report) PartialFailure() bool { return r.FailedBatches > 0 }

// Failed returns the failure outcomes in batch order.
func (r *Report) Failed() []BatchOutcome {
	var out []BatchOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// FailedRecipients flattens the recipients of every failed batch, in original
// order, ready to be resubmitted.
func (r *Report) FailedRecipients() []Recipient {
	var out []Recipient
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o.Recipients...)
		}
	}
	return out
}

func (r *Report) tally() {
	r.SucceededBatches, r.FailedBatches, r.SucceededRecipients = 0, 0, 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			r.SucceededBatches++
			r.SucceededRecipients += len(o.Recipients)
		} else {
			r.FailedBatches++
		}
	}
}
