package jobs

import (
	"time"

	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunPartial   RunStatus = "PARTIAL"
	RunSkipped   RunStatus = "SKIPPED"
	RunFailed    RunStatus = "FAILED"
	RunCanceled  RunStatus = "CANCELED"
)

// IngestionRun records one ingest invocation: status, counts, errors.
// Batch callers create one outer run plus one inner run per document;
// ParentRunID links inner to outer.
type IngestionRun struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	TenantID    string         `gorm:"column:tenant_id;index" json:"tenant_id,omitempty"`
	GraphID     string         `gorm:"column:graph_id;not null;index" json:"graph_id"`
	BranchID    string         `gorm:"column:branch_id;not null" json:"branch_id"`
	Kind        string         `gorm:"column:kind;not null;index" json:"kind"`
	ParentRunID string         `gorm:"column:parent_run_id;index" json:"parent_run_id,omitempty"`
	Status      RunStatus      `gorm:"column:status;not null;index" json:"status"`
	SkipReason  string         `gorm:"column:skip_reason" json:"skip_reason,omitempty"`
	Counts      datatypes.JSON `gorm:"column:counts" json:"counts,omitempty"`
	Errors      datatypes.JSON `gorm:"column:errors" json:"errors,omitempty"`
	StartedAt   time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt  *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (IngestionRun) TableName() string { return "ingestion_run" }
