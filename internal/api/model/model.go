package model

import (
	"database/sql"
	"time"
)

type Job struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Payload        string         `db:"payload"`
	Status         string         `db:"status"`
	Stage          string         `db:"stage"`
	WorkerID       sql.NullString `db:"worker_id"`
	Result         []byte         `db:"result"`
	ErrorKind      sql.NullString `db:"error_kind"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}
