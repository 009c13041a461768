// Package branching holds the tabular models behind contextual branches:
// span-anchored sub-conversations rooted in a parent chat message. These
// rows live in the relational store, not the property graph.
package branching

import (
	"time"

	"gorm.io/datatypes"
)

type AnchorKind string

const (
	AnchorSpan AnchorKind = "span"
	AnchorRef  AnchorKind = "anchor_ref"
)

// ContextualBranch is one anchored sub-conversation. Idempotency key:
// (parent_message_id, selected_text_hash).
type ContextualBranch struct {
	ID               string     `gorm:"primaryKey" json:"id"`
	ParentMessageID  string     `gorm:"column:parent_message_id;not null;index:idx_branch_parent_hash,priority:1" json:"parent_message_id"`
	SelectedTextHash string     `gorm:"column:selected_text_hash;not null;index:idx_branch_parent_hash,priority:2" json:"selected_text_hash"`
	AnchorKind       AnchorKind `gorm:"column:anchor_kind;not null;default:'span'" json:"anchor_kind"`
	SelectedText     string     `gorm:"column:selected_text;not null" json:"selected_text"`
	StartOffset      int        `gorm:"column:start_offset;not null;default:0" json:"start_offset"`
	EndOffset        int        `gorm:"column:end_offset;not null;default:0" json:"end_offset"`
	AnchorRef        string     `gorm:"column:anchor_ref" json:"anchor_ref,omitempty"`

	ChatID               string `gorm:"column:chat_id;index" json:"chat_id,omitempty"`
	TenantID             string `gorm:"column:tenant_id;index" json:"tenant_id,omitempty"`
	ParentMessageVersion int    `gorm:"column:parent_message_version;not null;default:1" json:"parent_message_version"`
	Archived             bool   `gorm:"column:archived;not null;default:false" json:"archived"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (ContextualBranch) TableName() string { return "contextual_branches" }

// BranchMessage is one turn in a branch conversation, append-only.
type BranchMessage struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	BranchID  string    `gorm:"column:branch_id;not null;index" json:"branch_id"`
	Role      string    `gorm:"column:role;not null" json:"role"`
	Content   string    `gorm:"column:content;not null" json:"content"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (BranchMessage) TableName() string { return "branch_messages" }

// BridgingHint points a branch insight back at an offset in the parent
// message. The hint set is replaced atomically on regeneration.
type BridgingHint struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	BranchID     string         `gorm:"column:branch_id;not null;index" json:"branch_id"`
	HintText     string         `gorm:"column:hint_text;not null" json:"hint_text"`
	TargetOffset int            `gorm:"column:target_offset;not null;default:0" json:"target_offset"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
}

func (BridgingHint) TableName() string { return "bridging_hints" }

// ParentMessageVersion freezes parent content at branch-creation time so
// later edits of the parent cannot corrupt already-open branches.
type ParentMessageVersion struct {
	MessageID string    `gorm:"column:message_id;primaryKey" json:"message_id"`
	Version   int       `gorm:"column:version;primaryKey;autoIncrement:false" json:"version"`
	Content   string    `gorm:"column:content;not null" json:"content"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (ParentMessageVersion) TableName() string { return "parent_message_versions" }
