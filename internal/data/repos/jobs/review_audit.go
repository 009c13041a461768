package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// ReviewAuditRepo owns the append-only review_audit table.
type ReviewAuditRepo interface {
	Append(dbc dbctx.Context, graphID, actor, action, subjectKind, subjectID string, detail map[string]any) (*types.ReviewAudit, error)
	ListByGraph(dbc dbctx.Context, graphID string, limit int) ([]*types.ReviewAudit, error)
	ListBySubject(dbc dbctx.Context, graphID, subjectID string) ([]*types.ReviewAudit, error)
}

type reviewAuditRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReviewAuditRepo(db *gorm.DB, baseLog *logger.Logger) ReviewAuditRepo {
	return &reviewAuditRepo{
		db:  db,
		log: baseLog.With("repo", "ReviewAuditRepo"),
	}
}

func (r *reviewAuditRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *reviewAuditRepo) Append(dbc dbctx.Context, graphID, actor, action, subjectKind, subjectID string, detail map[string]any) (*types.ReviewAudit, error) {
	if graphID == "" || action == "" || subjectID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "audit row requires graph_id, action, subject_id")
	}
	row := types.ReviewAudit{
		ID:          uuid.NewString(),
		GraphID:     graphID,
		Actor:       actor,
		Action:      action,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		CreatedAt:   time.Now().UTC(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return nil, errs.WithKind(errs.ErrInternal, err)
		}
		row.Detail = datatypes.JSON(raw)
	}
	if err := r.conn(dbc).Create(&row).Error; err != nil {
		return nil, wrapDBErr(err)
	}
	return &row, nil
}

func (r *reviewAuditRepo) ListByGraph(dbc dbctx.Context, graphID string, limit int) ([]*types.ReviewAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.ReviewAudit
	err := r.conn(dbc).
		Where("graph_id = ?", graphID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (r *reviewAuditRepo) ListBySubject(dbc dbctx.Context, graphID, subjectID string) ([]*types.ReviewAudit, error) {
	var out []*types.ReviewAudit
	err := r.conn(dbc).
		Where("graph_id = ? AND subject_id = ?", graphID, subjectID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}
