package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Contextual branches (side conversations)
		// =========================
		&types.ContextualBranch{},
		&types.BranchMessage{},
		&types.BridgingHint{},
		&types.ParentMessageVersion{},

		// =========================
		// Ingestion + review bookkeeping
		// =========================
		&types.IngestionRun{},
		&types.ReviewAudit{},

		// =========================
		// Scope preferences
		// =========================
		&types.UserScopePref{},
	)
}

// EnsureBranchIndexes adds the composite orderings the tag-driven
// migration cannot express.
func EnsureBranchIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_branch_messages_branch_created
		ON branch_messages (branch_id, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_branch_messages_branch_created: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_contextual_branches_parent_created
		ON contextual_branches (parent_message_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_contextual_branches_parent_created: %w", err)
	}

	return nil
}

func EnsureJobIndexes(db *gorm.DB) error {
	// Run listings and the queue-depth gauge group on status.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_ingestion_run_status_started
		ON ingestion_run (status, started_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_ingestion_run_status_started: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_review_audit_graph_created
		ON review_audit (graph_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_review_audit_graph_created: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureBranchIndexes(s.db); err != nil {
		s.log.Error("Branch index migration failed", "error", err)
		return err
	}
	if err := EnsureJobIndexes(s.db); err != nil {
		s.log.Error("Job index migration failed", "error", err)
		return err
	}

	return nil
}
