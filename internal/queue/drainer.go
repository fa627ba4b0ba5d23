package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/distlock"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

// Store is the part of Repository the Drainer needs.
type Store interface {
	ClaimPending(ctx context.Context, limit, maxRetries int) ([]Item, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, msg string) error
	Release(ctx context.Context, ids []int64) error
	RequeueFailed(ctx context.Context, maxRetries int) (int64, error)
}

// ReportSink receives the report of every dispatched claim.
type ReportSink interface {
	Save(ctx context.Context, r *dispatch.Report) error
}

// DrainerConfig bounds one drain.
type DrainerConfig struct {
	ClaimSize  int
	MaxRetries int
	LockTTL    time.Duration
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Skipped  bool     `json:"skipped"`
	Rounds   int      `json:"rounds"`
	Claimed  int      `json:"claimed"`
	Sent     int      `json:"sent"`
	Failed   int      `json:"failed"`
	Released int      `json:"released"`
	Requeued int64    `json:"requeued"`
	RunIDs   []string `json:"run_ids,omitempty"`
}

// Drainer empties the queue through a Dispatcher while holding a lock.
type Drainer struct {
	store      Store
	lock       distlock.DistLock
	dispatcher *dispatch.Dispatcher
	sender     dispatch.BatchSender
	reports    ReportSink
	cfg        DrainerConfig
}

func NewDrainer(store Store, lock distlock.DistLock, dispatcher *dispatch.Dispatcher, sender dispatch.BatchSender, cfg DrainerConfig) *Drainer {
	if cfg.ClaimSize <= 0 {
		cfg.ClaimSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Drainer{store: store, lock: lock, dispatcher: dispatcher, sender: sender, cfg: cfg}
}

// SetReportSink archives each round's report.
func (d *Drainer) SetReportSink(s ReportSink) { d.reports = s }

type extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Drain claims and dispatches rounds until the queue is empty or ctx is done.
// Another holder of the lock makes it return Skipped.
func (d *Drainer) Drain(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{}

	ok, err := d.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring drain lock: %w", err)
	}
	if !ok {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := d.lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("releasing drain lock failed", "error", err)
		}
	}()

	if result.Requeued, err = d.store.RequeueFailed(ctx, d.cfg.MaxRetries); err != nil {
		return nil, err
	}

	for ctx.Err() == nil {
		items, err := d.store.ClaimPending(ctx, d.cfg.ClaimSize, d.cfg.MaxRetries)
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			break
		}
		result.Rounds++
		result.Claimed += len(items)

		if err := d.round(ctx, items, result); err != nil {
			return result, err
		}

		if ext, ok := d.lock.(extender); ok {
			if err := ext.Extend(ctx, d.cfg.LockTTL); err != nil {
				if errors.Is(err, distlock.ErrNotHeld) {
					return result, fmt.Errorf("drain lock lost: %w", err)
				}
				logger.Warn("extending drain lock failed", "error", err)
			}
		}
	}

	logger.Info("queue drained",
		"rounds", result.Rounds,
		"claimed", result.Claimed,
		"sent", result.Sent,
		"failed", result.Failed,
		"released", result.Released,
	)
	return result, nil
}

func (d *Drainer) round(ctx context.Context, items []Item, result *DrainResult) error {
	recipients := make([]dispatch.Recipient, len(items))
	ids := make([]int64, len(items))
	for i, it := range items {
		recipients[i] = it.Recipient()
		ids[i] = it.ID
	}

	report, err := d.dispatcher.Dispatch(ctx, recipients, d.sender)
	if err != nil {
		// Nothing was attempted; hand the rows back.
		if relErr := d.store.Release(context.WithoutCancel(ctx), ids); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	result.RunIDs = append(result.RunIDs, report.RunID)

	// Rows are marked even if ctx was canceled mid-round.
	markCtx := context.WithoutCancel(ctx)
	size := report.MaxBatchSize
	for _, o := range report.Outcomes {
		start := o.BatchIndex * size
		batchIDs := ids[start : start+len(o.Recipients)]

		switch {
		case o.Succeeded():
			if err := d.store.MarkSent(markCtx, batchIDs); err != nil {
				return err
			}
			result.Sent += len(batchIDs)
		case o.Code == dispatch.CodeNotAttempted:
			if err := d.store.Release(markCtx, batchIDs); err != nil {
				return err
			}
			result.Released += len(batchIDs)
		default:
			if err := d.store.MarkFailed(markCtx, batchIDs, o.Error); err != nil {
				return err
			}
			result.Failed += len(batchIDs)
		}
	}

	if d.reports != nil {
		if err := d.reports.Save(markCtx, report); err != nil {
			logger.Warn("saving drain report failed", "run_id", report.RunID, "error", err)
		}
	}
	return nil
}

// Run drains every interval until ctx is done.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := d.Drain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("queue drain failed", "error", err)
		case res != nil && res.Skipped:
			logger.Debug("queue drain skipped, lock held elsewhere")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
