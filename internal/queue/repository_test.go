package queue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestRepository_Enqueue(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRepository(db)

	mock.ExpectExec(`INSERT INTO email_queue \(email, template_data\)`).
		WithArgs(`{"a@example.com","b@example.com"}`, `{"{\"name\":\"Ann\"}","{}"}`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.Enqueue(context.Background(), []dispatch.Recipient{
		{Address: "a@example.com", TemplateFields: map[string]string{"name": "Ann"}},
		{Address: "b@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Enqueue_Empty(t *testing.T) {
	db, mock := setupTestDB(t)
	n, err := NewRepository(db).Enqueue(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ClaimPending(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRepository(db)
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(50, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "template_data", "retry_count", "created_at"}).
			AddRow(int64(7), "b@example.com", `{}`, 1, created).
			AddRow(int64(3), "a@example.com", `{"name":"Ann","orderId":42}`, 0, created))

	items, err := repo.ClaimPending(context.Background(), 50, 3)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, int64(3), items[0].ID, "rows come back in id order")
	assert.Equal(t, map[string]string{"name": "Ann", "orderId": "42"}, items[0].TemplateData)
	assert.Equal(t, StatusSending, items[0].Status)
	assert.Nil(t, items[1].TemplateData)
	assert.Equal(t, 1, items[1].RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ClaimPending_Error(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(errors.New("connection reset"))

	_, err := NewRepository(db).ClaimPending(context.Background(), 50, 3)
	assert.ErrorContains(t, err, "connection reset")
}

func TestRepository_MarkSentAndFailed(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectExec(`SET status = 'sent', sent_at = NOW\(\)`).
		WithArgs("{1,2}").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`SET status = 'failed', error_message = \$2, retry_count = retry_count \+ 1`).
		WithArgs("{3}", "provider error Throttling: Maximum sending rate exceeded.'; DROP TABLE email_queue;--").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkSent(ctx, []int64{1, 2}))
	require.NoError(t, repo.MarkFailed(ctx, []int64{3},
		"provider error Throttling: Maximum sending rate exceeded.'; DROP TABLE email_queue;--"))
	require.NoError(t, repo.MarkSent(ctx, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RequeueAndRelease(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectExec(`WHERE status = 'failed' AND retry_count < \$1`).
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`WHERE id = ANY\(\$1\) AND status = 'sending'`).
		WithArgs("{9}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE status = 'sending'`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RequeueFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, repo.Release(ctx, []int64{9}))
	n, err = repo.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Stats(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM email_queue GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(10)).
			AddRow("sent", int64(90)).
			AddRow("failed", int64(2)))

	s, err := NewRepository(db).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 10, Sent: 90, Failed: 2}, *s)
	assert.NoError(t, mock.ExpectationsWereMet())
}
