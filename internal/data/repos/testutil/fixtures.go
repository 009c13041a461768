package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
)

// SeedBranch inserts a contextual branch for parentMessageID anchored on
// selectedText, with the deterministic id the service layer would mint.
func SeedBranch(tb testing.TB, ctx context.Context, tx *gorm.DB, parentMessageID, selectedText string, createdAt time.Time) *types.ContextualBranch {
	tb.Helper()
	hash := knowledge.SelectionHash(selectedText)
	b := &types.ContextualBranch{
		ID:                   knowledge.BranchIDForSelection(parentMessageID, hash),
		ParentMessageID:      parentMessageID,
		SelectedTextHash:     hash,
		AnchorKind:           types.AnchorSpan,
		SelectedText:         selectedText,
		EndOffset:            len(selectedText),
		ParentMessageVersion: 1,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
	if err := tx.WithContext(ctx).Create(b).Error; err != nil {
		tb.Fatalf("seed branch: %v", err)
	}
	return b
}

func SeedBranchMessage(tb testing.TB, ctx context.Context, tx *gorm.DB, branchID, role, content string, createdAt time.Time) *types.BranchMessage {
	tb.Helper()
	m := &types.BranchMessage{
		ID:        uuid.NewString(),
		BranchID:  branchID,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed branch message: %v", err)
	}
	return m
}

func SeedIngestionRun(tb testing.TB, ctx context.Context, tx *gorm.DB, graphID, kind string, status types.RunStatus) *types.IngestionRun {
	tb.Helper()
	r := &types.IngestionRun{
		ID:        uuid.NewString(),
		GraphID:   graphID,
		BranchID:  knowledge.MainBranch,
		Kind:      kind,
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed ingestion run: %v", err)
	}
	return r
}
