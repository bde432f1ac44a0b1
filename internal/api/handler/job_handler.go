package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/enhance-worker/internal/api/domain"
	"github.com/cuongbtq/enhance-worker/internal/api/dto"
	"github.com/cuongbtq/enhance-worker/internal/api/model"
	"github.com/cuongbtq/enhance-worker/internal/api/storage"
	"github.com/cuongbtq/enhance-worker/internal/metrics"
	workerdomain "github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// IdempotencyKeyHeader lets clients retry a submission without creating a second job
const IdempotencyKeyHeader = "X-Idempotency-Key"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Validates the enhancement request, stores a PENDING job and enqueues it
func (h *JobHandler) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req workerdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.Any("error", err))
		metrics.JobsSubmitted.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	input, _, err := req.Validate()
	if err != nil {
		h.logger.Info("Request rejected by validation", slog.Any("error", err))
		metrics.JobsSubmitted.WithLabelValues("invalid").Inc()
		now := time.Now().UTC()
		c.JSON(http.StatusBadRequest, workerdomain.Response{
			Status:       workerdomain.StatusError,
			Stage:        workerdomain.StageValidating,
			Outputs:      map[string]string{},
			ErrorKind:    workerdomain.KindOf(err),
			ErrorMessage: err.Error(),
			StartedAt:    now,
			FinishedAt:   now,
		})
		return
	}

	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	if key != "" {
		existing, err := h.storage.GetJobByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			h.replayExisting(c, existing)
			return
		case !errors.Is(err, domain.ErrJobNotFound):
			h.logger.Error("Failed to check idempotency key", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create job",
			})
			return
		}
	}

	req.Input = input
	payload, err := json.Marshal(req)
	if err != nil {
		h.logger.Error("Failed to encode job payload", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	now := time.Now().UTC()
	job := model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: sql.NullString{String: key, Valid: key != ""},
		Payload:        string(payload),
		Status:         domain.JobStatusPending,
		Stage:          string(workerdomain.StageReceived),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.storage.CreateJob(ctx, &job); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent submission using the same key
			existing, getErr := h.storage.GetJobByIdempotencyKey(ctx, key)
			if getErr == nil {
				h.replayExisting(c, existing)
				return
			}
			err = getErr
		}
		h.logger.Error("Failed to create job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.enqueue(ctx, job.JobID); err != nil {
		metrics.JobsSubmitted.WithLabelValues("enqueue_failed").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Job stored but could not be queued; retry with the same idempotency key",
			"job_id": job.JobID,
		})
		return
	}

	h.logger.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("input_kind", input.Kind),
	)
	metrics.JobsSubmitted.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, dto.NewJobDTO(&job))
}

// replayExisting answers a repeated submission with the stored job. A job
// still PENDING is published again in case the first publish was lost; the
// worker's claim step makes duplicate messages harmless.
func (h *JobHandler) replayExisting(c *gin.Context, job *model.Job) {
	metrics.JobsSubmitted.WithLabelValues("duplicate").Inc()

	if job.Status == domain.JobStatusPending {
		if err := h.enqueue(c.Request.Context(), job.JobID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "Job stored but could not be queued; retry with the same idempotency key",
				"job_id": job.JobID,
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

func (h *JobHandler) enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(workerdomain.JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	if err := h.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves a job record including its stored response
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if req.Status != "" && !domain.IsValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.NewJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Deletes a COMPLETED or FAILED job record
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.DeleteJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
		h.logger.Info("Job deleted", slog.String("job_id", jobID))
		c.Status(http.StatusNoContent)
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Only COMPLETED or FAILED jobs can be deleted",
		})
	default:
		h.logger.Error("Failed to delete job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete job",
		})
	}
}
