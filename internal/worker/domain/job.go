package domain

import (
	"fmt"
	"sync"
	"time"
)

// JobRecord represents a job row from the database for worker processing
type JobRecord struct {
	JobID          string
	IdempotencyKey string
	Payload        string // JSON-encoded Request
	Status         string
	Stage          string
	WorkerID       string
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// Transition records a stage change for diagnostics.
type Transition struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Job is one request travelling through the enhancement pipeline. It is
// created on receipt and mutated only by the orchestrator.
type Job struct {
	ID          string
	Input       InputDescriptor
	Parameters  Parameters
	Status      string
	Stage       Stage
	FailedStage Stage
	StartedAt   time.Time
	FinishedAt  time.Time

	mu          sync.Mutex
	transitions []Transition
}

// NewJob creates a job in the RECEIVED stage.
func NewJob(id string, input InputDescriptor, now time.Time) *Job {
	return &Job{
		ID:          id,
		Input:       input,
		Stage:       StageReceived,
		StartedAt:   now,
		transitions: []Transition{{Stage: StageReceived, At: now}},
	}
}

// Advance moves the job to stage. Moving to the current stage is a no-op;
// moving backwards is rejected.
func (j *Job) Advance(stage Stage, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if stage.Rank() < 0 {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if stage == j.Stage {
		return nil
	}
	if stage.Rank() < j.Stage.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStageRegression, j.Stage, stage)
	}

	j.Stage = stage
	j.transitions = append(j.transitions, Transition{Stage: stage, At: now})
	return nil
}

// Transitions returns a copy of the recorded stage history.
func (j *Job) Transitions() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Transition, len(j.transitions))
	copy(out, j.transitions)
	return out
}

// Artifact is an output file produced by the engine for one variant.
type Artifact struct {
	Variant   string
	LocalPath string
	SizeBytes int64
	CreatedAt time.Time
}

// UploadResult is the outcome of uploading one artifact.
type UploadResult struct {
	Variant string
	URL     string
	Err     error
}
