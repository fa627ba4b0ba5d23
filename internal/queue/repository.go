// Package queue is the database-driven sender: rows in email_queue are claimed
// in batches, dispatched, and marked from the dispatch outcomes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

// Status is the lifecycle state of a queue row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Item is one row of email_queue.
type Item struct {
	ID           int64             `json:"id"`
	Email        string            `json:"email"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Recipient converts the row for the dispatcher.
func (it Item) Recipient() dispatch.Recipient {
	return dispatch.Recipient{Address: it.Email, TemplateFields: it.TemplateData}
}

// Stats counts rows per status.
type Stats struct {
	Pending int64 `json:"pending"`
	Sending int64 `json:"sending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

const schema = `
CREATE TABLE IF NOT EXISTS email_queue (
	id            BIGSERIAL PRIMARY KEY,
	email         TEXT NOT NULL,
	template_data JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	sent_at       TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_queue_status ON email_queue (status, id);
`

// Repository runs every email_queue statement with bound parameters.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Open connects to PostgreSQL and pings it.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the table if it is missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating email_queue: %w", err)
	}
	return nil
}

// Enqueue inserts one pending row per recipient.
func (r *Repository) Enqueue(ctx context.Context, recipients []dispatch.Recipient) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	emails := make([]string, len(recipients))
	data := make([]string, len(recipients))
	for i, rc := range recipients {
		emails[i] = rc.Address
		data[i] = "{}"
		if len(rc.TemplateFields) > 0 {
			b, err := json.Marshal(rc.TemplateFields)
			if err != nil {
				return 0, fmt.Errorf("encoding template data for row %d: %w", i, err)
			}
			data[i] = string(b)
		}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_queue (email, template_data)
		SELECT e, d::jsonb FROM unnest($1::text[], $2::text[]) AS t(e, d)
	`, pq.Array(emails), pq.Array(data))
	if err != nil {
		return 0, fmt.Errorf("enqueue failed: %w", err)
	}
	return res.RowsAffected()
}

// ClaimPending moves up to limit pending rows with retry_count below
// maxRetries to sending and returns them in id order. Concurrent claimers skip
// each other's rows.
func (r *Repository) ClaimPending(ctx context.Context, limit, maxRetries int) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id
			FROM email_queue
			WHERE status = 'pending'
			  AND retry_count < $2
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_queue q
		SET status = 'sending'
		FROM claimed c
		WHERE q.id = c.id
		RETURNING q.id, q.email, COALESCE(q.template_data, '{}')::text, q.retry_count, q.created_at
	`, limit, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			rawData string
		)
		if err := rows.Scan(&it.ID, &it.Email, &rawData, &it.RetryCount, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning claimed row: %w", err)
		}
		if err := decodeTemplateData(rawData, &it.TemplateData); err != nil {
			return nil, fmt.Errorf("row %d: %w", it.ID, err)
		}
		it.Status = StatusSending
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// decodeTemplateData accepts any JSON object; non-string values are kept in
// their JSON text form.
func decodeTemplateData(raw string, dst *map[string]string) error {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return fmt.Errorf("decoding template_data: %w", err)
	}
	if len(generic) == 0 {
		return nil
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	*dst = out
	return nil
}

// MarkSent records delivery for ids.
func (r *Repository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = NOW(), error_message = NULL
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark sent failed: %w", err)
	}
	return nil
}

// MarkFailed records msg and bumps retry_count for ids.
func (r *Repository) MarkFailed(ctx context.Context, ids []int64, msg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', error_message = $2, retry_count = retry_count + 1
		WHERE id = ANY($1)
	`, pq.Array(ids), msg)
	if err != nil {
		return fmt.Errorf("mark failed failed: %w", err)
	}
	return nil
}

// Release returns claimed rows to pending without counting a retry.
func (r *Repository) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue SET status = 'pending'
		WHERE id = ANY($1) AND status = 'sending'
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

// RequeueFailed makes failed rows with retries left pending again.
func (r *Repository) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue SET status = 'pending'
		WHERE status = 'failed' AND retry_count < $1
	`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return res.RowsAffected()
}

// RecoverStale returns rows stuck in sending (a crashed worker) to pending.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE email_queue SET status = 'pending' WHERE status = 'sending'`)
	if err != nil {
		return 0, fmt.Errorf("recover stale failed: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts rows per status.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusSending:
			s.Sending = n
		case StatusSent:
			s.Sent = n
		case StatusFailed:
			s.Failed = n
		}
	}
	return &s, rows.Err()
}
