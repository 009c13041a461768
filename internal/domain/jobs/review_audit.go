package jobs

import (
	"time"

	"gorm.io/datatypes"
)

// ReviewAudit is one append-only row per review mutation: relationship
// accept/reject/edit and merge-candidate accept/reject/execute.
type ReviewAudit struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	GraphID     string         `gorm:"column:graph_id;not null;index" json:"graph_id"`
	Actor       string         `gorm:"column:actor;not null" json:"actor"`
	Action      string         `gorm:"column:action;not null;index" json:"action"`
	SubjectKind string         `gorm:"column:subject_kind;not null" json:"subject_kind"`
	SubjectID   string         `gorm:"column:subject_id;not null;index" json:"subject_id"`
	Detail      datatypes.JSON `gorm:"column:detail" json:"detail,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (ReviewAudit) TableName() string { return "review_audit" }
