package jobs

import "time"

// UserScopePref is the per-tenant preferences row holding the active
// graph and branch. Request handling reads it per call; nothing holds it
// in module state.
type UserScopePref struct {
	TenantID       string    `gorm:"column:tenant_id;primaryKey" json:"tenant_id"`
	ActiveGraphID  string    `gorm:"column:active_graph_id;not null" json:"active_graph_id"`
	ActiveBranchID string    `gorm:"column:active_branch_id;not null" json:"active_branch_id"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (UserScopePref) TableName() string { return "user_scope_pref" }
