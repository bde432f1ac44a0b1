package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/enhance-worker/internal/api/domain"
	"github.com/cuongbtq/enhance-worker/internal/api/model"
	"github.com/cuongbtq/enhance-worker/shared/postgresql"
)

const testJobID = "3d5c3e8e-5b7a-4d0c-8a55-5e1a0f9b7c21"

var rowColumns = []string{
	"job_id", "idempotency_key", "payload", "status", "stage", "worker_id",
	"result", "error_kind", "error_message",
	"created_at", "updated_at", "started_at", "completed_at",
}

func newTestStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pg := postgresql.NewClientWithDB(sqlx.NewDb(db, "sqlmock"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewStorage(pg), mock
}

func completedRow(rows *sqlmock.Rows, id string, createdAt time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "key-1", `{"input":{"kind":"object-key","payload":"a.jpg"}}`, domain.JobStatusCompleted, "DONE", "worker-1",
		[]byte(`{"status":"success"}`), nil, nil,
		createdAt, createdAt, createdAt, createdAt,
	)
}

func TestCreateJob(t *testing.T) {
	now := time.Now()
	job := &model.Job{
		JobID:          testJobID,
		IdempotencyKey: sql.NullString{String: "key-1", Valid: true},
		Payload:        `{}`,
		Status:         domain.JobStatusPending,
		Stage:          "RECEIVED",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tests := []struct {
		name    string
		execErr error
		wantErr error
	}{
		{name: "inserted"},
		{name: "duplicate idempotency key", execErr: &pq.Error{Code: "23505"}, wantErr: domain.ErrDuplicateIdempotencyKey},
		{name: "database error", execErr: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			exp := mock.ExpectExec("INSERT INTO jobs").
				WithArgs(testJobID, "key-1", `{}`, domain.JobStatusPending, "RECEIVED", now, now)
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := s.CreateJob(context.Background(), job)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.execErr != nil:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed to create job")
			default:
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetJobByID(t *testing.T) {
	s, mock := newTestStorage(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .* FROM jobs WHERE job_id = \\$1").
		WithArgs(testJobID).
		WillReturnRows(completedRow(sqlmock.NewRows(rowColumns), testJobID, created))

	job, err := s.GetJobByID(context.Background(), testJobID)
	require.NoError(t, err)
	assert.Equal(t, testJobID, job.JobID)
	assert.Equal(t, "key-1", job.IdempotencyKey.String)
	assert.Equal(t, "DONE", job.Stage)
	assert.False(t, job.ErrorKind.Valid)
	assert.JSONEq(t, `{"status":"success"}`, string(job.Result))
	assert.True(t, job.CompletedAt.Valid)
}

func TestGetJobByIdempotencyKey_NotFound(t *testing.T) {
	s, mock := newTestStorage(t)
	mock.ExpectQuery("SELECT .* FROM jobs WHERE idempotency_key = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rowColumns))

	_, err := s.GetJobByIdempotencyKey(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cursor := &JobCursor{CreatedAt: created, JobID: testJobID}

	tests := []struct {
		name   string
		filter JobFilter
		query  string
		args   []driver.Value
	}{
		{
			name:   "no filters",
			filter: JobFilter{PageSize: 20},
			query:  `WHERE 1=1 ORDER BY created_at DESC, job_id DESC LIMIT \$1`,
			args:   []driver.Value{21},
		},
		{
			name:   "status and cursor",
			filter: JobFilter{Status: domain.JobStatusFailed, PageSize: 5, Cursor: cursor},
			query:  `AND status = \$1 AND \(created_at, job_id\) < \(\$2, \$3\) ORDER BY created_at DESC, job_id DESC LIMIT \$4`,
			args:   []driver.Value{domain.JobStatusFailed, created, testJobID, 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			mock.ExpectQuery(tt.query).
				WithArgs(tt.args...).
				WillReturnRows(completedRow(sqlmock.NewRows(rowColumns), testJobID, created))

			jobs, err := s.ListJobs(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Len(t, jobs, 1)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDeleteJob(t *testing.T) {
	created := time.Now()

	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "terminal job deleted",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("DELETE FROM jobs").
					WithArgs(testJobID, domain.JobStatusCompleted, domain.JobStatusFailed).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "running job kept",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("DELETE FROM jobs").WillReturnResult(sqlmock.NewResult(0, 0))
				rows := sqlmock.NewRows(rowColumns).AddRow(
					testJobID, nil, `{}`, domain.JobStatusRunning, "INVOKING_ENGINE", "worker-1",
					nil, nil, nil, created, created, created, nil,
				)
				mock.ExpectQuery("SELECT .* FROM jobs WHERE job_id").WillReturnRows(rows)
			},
			wantErr: domain.ErrJobNotTerminal,
		},
		{
			name: "unknown job",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("DELETE FROM jobs").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT .* FROM jobs WHERE job_id").WillReturnRows(sqlmock.NewRows(rowColumns))
			},
			wantErr: domain.ErrJobNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			tt.setup(mock)

			err := s.DeleteJob(context.Background(), testJobID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
