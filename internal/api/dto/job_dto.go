package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/enhance-worker/internal/api/model"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the API view of a job record. Result holds the stored terminal
// response once the worker has finished the job.
type JobDTO struct {
	JobID          string          `json:"job_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         string          `json:"status"`
	Stage          string          `json:"stage"`
	Request        json.RawMessage `json:"request"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

func NewJobDTO(job *model.Job) JobDTO {
	out := JobDTO{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey.String,
		Status:         job.Status,
		Stage:          job.Stage,
		ErrorKind:      job.ErrorKind.String,
		ErrorMessage:   job.ErrorMessage.String,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
	if json.Valid([]byte(job.Payload)) {
		out.Request = json.RawMessage(job.Payload)
	}
	if len(job.Result) > 0 && json.Valid(job.Result) {
		out.Result = json.RawMessage(job.Result)
	}
	if job.StartedAt.Valid {
		out.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return out
}
