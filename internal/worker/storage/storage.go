package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJob attempts to claim a job using optimistic locking
// Returns the job payload on success, ErrJobAlreadyClaimed if the job is not PENDING
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.JobRecord, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    stage = $2,
		    worker_id = $3,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status = $5
		RETURNING job_id, payload
	`

	var job domain.JobRecord
	err := s.db.QueryRowContext(ctx, query,
		domain.JobStatusRunning,
		string(domain.StageReceived),
		workerID,
		jobID,
		domain.JobStatusPending,
	).Scan(&job.JobID, &job.Payload)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusRunning
	job.Stage = string(domain.StageReceived)
	job.WorkerID = workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return &job, nil
}

// RecordStage persists the stage a running job has reached
func (s *Storage) RecordStage(ctx context.Context, jobID string, stage domain.Stage) error {
	query := `
		UPDATE jobs
		SET stage = $1,
		    updated_at = NOW()
		WHERE job_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, string(stage), jobID); err != nil {
		return fmt.Errorf("failed to update job stage: %w", err)
	}
	return nil
}

// RecordResult stores the terminal response and moves the job to COMPLETED or FAILED
func (s *Storage) RecordResult(ctx context.Context, resp *domain.Response) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    stage = $2,
		    result = $3,
		    error_kind = $4,
		    error_message = $5,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $6
	`

	resultJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	status := domain.JobStatusCompleted
	stage := domain.StageDone
	if resp.Status == domain.StatusError {
		status = domain.JobStatusFailed
		stage = resp.Stage
	}

	_, err = s.db.ExecContext(ctx, query,
		status,
		string(stage),
		resultJSON,
		nullString(string(resp.ErrorKind)),
		nullString(resp.ErrorMessage),
		resp.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job result: %w", err)
	}

	s.logger.Info("Job result recorded",
		slog.String("job_id", resp.JobID),
		slog.String("status", status),
	)

	return nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a running job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
