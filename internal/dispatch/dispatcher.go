package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

// BatchSender is the injected "send one batch" capability. Implementations may
// be called concurrently when MaxConcurrency > 1.
type BatchSender interface {
	SendBatch(ctx context.Context, b Batch) (*ProviderResponse, error)
}

// SendBatchFunc adapts a plain function to BatchSender.
type SendBatchFunc func(ctx context.Context, b Batch) (*ProviderResponse, error)

// SendBatch calls f.
func (f SendBatchFunc) SendBatch(ctx context.Context, b Batch) (*ProviderResponse, error) {
	return f(ctx, b)
}

// Dispatcher runs recipient lists through a BatchSender with bounded
// concurrency. A Dispatcher holds no per-run state and is safe to reuse.
type Dispatcher struct {
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Dispatcher. Omitted options take their defaults; explicitly
// invalid ones return a *ConfigError.
func New(opts ...Option) (*Dispatcher, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{opts: o, sleep: sleepContext}, nil
}

// Options returns the effective options.
func (d *Dispatcher) Options() Options { return d.opts }

// Dispatch is a convenience wrapper around New and Dispatcher.Dispatch.
func Dispatch(ctx context.Context, recipients []Recipient, sender BatchSender, opts ...Option) (*Report, error) {
	d, err := New(opts...)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, recipients, sender)
}

// Dispatch partitions recipients, sends every batch and returns the report.
//
// Batches are admitted in index order and at most MaxConcurrency run at once.
// With MaxConcurrency == 1 the dispatcher waits InterBatchDelay after each
// batch before admitting the next. The returned error is non-nil only for a
// missing sender; batch failures are reported in the Report.
//
// Canceling ctx stops admission. Batches already in flight run to completion
// with a context detached from ctx, and batches never admitted are recorded as
// failures with code NotAttempted.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []Recipient, sender BatchSender) (*Report, error) {
	if isNilSender(sender) {
		return nil, &ConfigError{Option: "sendBatch", Reason: "must not be nil"}
	}

	report := &Report{
		RunID:           uuid.NewString(),
		TotalRecipients: len(recipients),
		MaxBatchSize:    d.opts.MaxBatchSize,
		MaxConcurrency:  d.opts.MaxConcurrency,
		InterBatchDelay: d.opts.InterBatchDelay,
		StartedAt:       time.Now().UTC(),
	}

	batches, err := Partition(recipients, d.opts.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	report.TotalBatches = len(batches)
	report.Outcomes = make([]BatchOutcome, len(batches))
	if len(batches) == 0 {
		report.FinishedAt = report.StartedAt
		return report, nil
	}

	logger.Info("dispatch run started",
		"run_id", report.RunID,
		"recipients", report.TotalRecipients,
		"batches", report.TotalBatches,
		"max_batch_size", d.opts.MaxBatchSize,
		"max_concurrency", d.opts.MaxConcurrency,
		"inter_batch_delay", d.opts.InterBatchDelay,
	)

	sendCtx := context.WithoutCancel(ctx)
	gate := semaphore.NewWeighted(int64(d.opts.MaxConcurrency))
	pace := d.opts.MaxConcurrency == 1 && d.opts.InterBatchDelay > 0

	var wg sync.WaitGroup
	admitted := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		if err := gate.Acquire(ctx, 1); err != nil {
			break
		}
		// Acquire may win against a cancel that happened while waiting.
		if ctx.Err() != nil {
			gate.Release(1)
			break
		}
		if pace && b.Index > 0 {
			if err := d.sleep(ctx, d.opts.InterBatchDelay); err != nil {
				gate.Release(1)
				break
			}
		}
		admitted++

		// Wait for the batch to reach its sender so SendBatch calls begin in
		// index order even when several slots are free.
		started := make(chan struct{})
		wg.Add(1)
		go func(b Batch) {
			defer wg.Done()
			defer gate.Release(1)
			report.Outcomes[b.Index] = d.send(sendCtx, report.RunID, b, sender, started)
		}(b)
		<-started
	}
	wg.Wait()

	if admitted < len(batches) {
		cause := fmt.Errorf("batch not attempted: %w", context.Cause(ctx))
		for _, b := range batches[admitted:] {
			report.Outcomes[b.Index] = failureOutcome(b, &ProviderError{
				Message: cause.Error(),
				Code:    CodeNotAttempted,
				Err:     cause,
			}, 0)
		}
		logger.Warn("dispatch run interrupted",
			"run_id", report.RunID,
			"admitted", admitted,
			"skipped", len(batches)-admitted,
		)
	}

	report.tally()
	report.FinishedAt = time.Now().UTC()

	fields := []interface{}{
		"run_id", report.RunID,
		"batches", report.TotalBatches,
		"succeeded_batches", report.SucceededBatches,
		"failed_batches", report.FailedBatches,
		"succeeded_recipients", report.SucceededRecipients,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	}
	if report.PartialFailure() {
		logger.Warn("dispatch run finished with failures", fields...)
	} else {
		logger.Info("dispatch run finished", fields...)
	}
	return report, nil
}

// send runs one batch and converts any failure, including a panic, into an
// outcome. started is closed immediately before the sender is called.
func (d *Dispatcher) send(ctx context.Context, runID string, b Batch, sender BatchSender, started chan<- struct{}) (out BatchOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = failureOutcome(b, &ProviderError{
				Message: fmt.Sprintf("panic in batch sender: %v", r),
				Code:    CodePanic,
			}, time.Since(start))
			logger.Error("dispatch batch panicked", "run_id", runID, "batch", b.Index, "panic", r)
		}
	}()

	close(started)
	resp, err := sender.SendBatch(ctx, b)
	took := time.Since(start)
	if err != nil {
		out = failureOutcome(b, err, took)
		logger.Warn("dispatch batch failed",
			"run_id", runID,
			"batch", b.Index,
			"recipients", b.Len(),
			"code", out.Code,
			"error", out.Error,
		)
		return out
	}

	logger.Debug("dispatch batch sent", "run_id", runID, "batch", b.Index, "recipients", b.Len(), "took", took)
	return successOutcome(b, resp, took)
}

func isNilSender(s BatchSender) bool {
	if s == nil {
		return true
	}
	if f, ok := s.(SendBatchFunc); ok && f == nil {
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
