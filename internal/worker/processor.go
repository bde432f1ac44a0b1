package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// processJob claims a job and runs it through the pipeline. A nil return
// means the job reached a terminal state and the message can be ACKed.
func (w *Worker) processJob(msg *domain.JobMessage) error {
	ctx := context.Background()

	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	// PENDING -> RUNNING
	record, err := w.store.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return fmt.Errorf("job already claimed: %w", err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	var req domain.Request
	if err := json.Unmarshal([]byte(record.Payload), &req); err != nil {
		now := time.Now().UTC()
		resp := &domain.Response{
			Status:       domain.StatusError,
			JobID:        record.JobID,
			Stage:        domain.StageValidating,
			Outputs:      map[string]string{},
			ErrorKind:    domain.KindValidation,
			ErrorMessage: fmt.Sprintf("invalid payload JSON: %s", err.Error()),
			StartedAt:    now,
			FinishedAt:   now,
		}
		if recErr := w.store.RecordResult(ctx, resp); recErr != nil {
			w.logger.Error("Failed to record invalid payload result",
				slog.String("job_id", record.JobID),
				slog.Any("error", recErr),
			)
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, record.JobID, heartbeatDone)
	defer close(heartbeatDone)

	resp := w.runner.Run(jobCtx, record.JobID, &req)

	attrs := []any{
		slog.String("job_id", record.JobID),
		slog.String("status", resp.Status),
		slog.Int("outputs", len(resp.Outputs)),
	}
	if resp.Status == domain.StatusError {
		attrs = append(attrs,
			slog.String("stage", string(resp.Stage)),
			slog.String("error_kind", string(resp.ErrorKind)),
		)
		w.logger.Warn("Job finished with error", attrs...)
	} else {
		w.logger.Info("Job finished", attrs...)
	}

	return nil
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
