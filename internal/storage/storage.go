// Package storage archives dispatch reports so runs can be inspected and their
// failed recipients retried later.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

// ErrNotFound is returned for an unknown run id.
var ErrNotFound = errors.New("storage: report not found")

// ReportStore saves and loads dispatch reports.
type ReportStore interface {
	Save(ctx context.Context, r *dispatch.Report) error
	Get(ctx context.Context, runID string) (*dispatch.Report, error)
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Summary is the report without its outcomes.
type Summary struct {
	RunID               string    `json:"run_id" dynamodbav:"RunID"`
	TotalRecipients     int       `json:"total_recipients" dynamodbav:"TotalRecipients"`
	TotalBatches        int       `json:"total_batches" dynamodbav:"TotalBatches"`
	SucceededBatches    int       `json:"succeeded_batches" dynamodbav:"SucceededBatches"`
	FailedBatches       int       `json:"failed_batches" dynamodbav:"FailedBatches"`
	SucceededRecipients int       `json:"succeeded_recipients" dynamodbav:"SucceededRecipients"`
	StartedAt           time.Time `json:"started_at" dynamodbav:"StartedAt"`
	FinishedAt          time.Time `json:"finished_at" dynamodbav:"FinishedAt"`
}

// Summarize drops the outcomes of r.
func Summarize(r *dispatch.Report) Summary {
	return Summary{
		RunID:               r.RunID,
		TotalRecipients:     r.TotalRecipients,
		TotalBatches:        r.TotalBatches,
		SucceededBatches:    r.SucceededBatches,
		FailedBatches:       r.FailedBatches,
		SucceededRecipients: r.SucceededRecipients,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
	}
}

// New builds the store selected by cfg.Type ("local" or "aws").
func New(ctx context.Context, cfg config.StorageConfig) (ReportStore, error) {
	switch cfg.Type {
	case "aws":
		s, err := NewAWSStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage: %w", err)
		}
		return s, nil
	case "local", "":
		return NewLocalStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func validRunID(runID string) error {
	if runID == "" || runID != filepath.Base(runID) || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// LocalStore keeps one JSON file per run under a directory.
type LocalStore struct {
	mu  sync.RWMutex
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *LocalStore) Save(_ context.Context, r *dispatch.Report) error {
	if err := validRunID(r.RunID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(r.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return os.Rename(tmp, s.path(r.RunID))
}

func (s *LocalStore) Get(_ context.Context, runID string) (*dispatch.Report, error) {
	if err := validRunID(runID); err != nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}

	var r dispatch.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling report %s: %w", runID, err)
	}
	return &r, nil
}

// List returns the newest reports first.
func (s *LocalStore) List(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var r dispatch.Report
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		out = append(out, Summarize(&r))
	}

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(s []Summary) {
	sort.Slice(s, func(i, j int) bool { return s[i].StartedAt.After(s[j].StartedAt) })
}
