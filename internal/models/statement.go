package models

import (
	"encoding/json"
	"time"
)

// StatementKind enumerates the supported export document kinds.
type StatementKind string

const (
	StatementKindStudentPDF  StatementKind = "STUDENT_STATEMENT_PDF"
	StatementKindFeesCSV     StatementKind = "FEES_CSV"
	StatementKindPaymentsCSV StatementKind = "PAYMENTS_CSV"
)

// StatementJobStatus tracks the lifecycle of an export job.
type StatementJobStatus string

const (
	StatementJobPending   StatementJobStatus = "PENDING"
	StatementJobRunning   StatementJobStatus = "RUNNING"
	StatementJobCompleted StatementJobStatus = "COMPLETED"
	StatementJobFailed    StatementJobStatus = "FAILED"
)

// StatementJob is a queued statement/export generation request.
type StatementJob struct {
	ID          string             `db:"id" json:"id"`
	Kind        StatementKind      `db:"kind" json:"kind"`
	Status      StatementJobStatus `db:"status" json:"status"`
	Params      json.RawMessage    `db:"params" json:"params"`
	FilePath    *string            `db:"file_path" json:"-"`
	Error       *string            `db:"error" json:"error,omitempty"`
	RequestedBy *string            `db:"requested_by" json:"requested_by,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
}

// StatementParams carries the scoping arguments of a statement job.
type StatementParams struct {
	StudentID string `json:"student_id,omitempty"`
	ClassID   string `json:"class_id,omitempty"`
}
