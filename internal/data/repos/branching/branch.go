package branching

import (
	"time"

	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// ContextualBranchRepo owns the contextual_branches table. Creation races
// on the deterministic primary key; callers catch ErrConflict and re-read.
type ContextualBranchRepo interface {
	Create(dbc dbctx.Context, b *types.ContextualBranch) (*types.ContextualBranch, error)
	GetByID(dbc dbctx.Context, id string) (*types.ContextualBranch, error)
	GetByParentAndHash(dbc dbctx.Context, parentMessageID, selectedTextHash string) (*types.ContextualBranch, error)
	ListByParent(dbc dbctx.Context, parentMessageID string, includeArchived bool) ([]*types.ContextualBranch, error)
	Touch(dbc dbctx.Context, id string) error
	SetArchived(dbc dbctx.Context, id string, archived bool) error
	Delete(dbc dbctx.Context, id string) error
}

type contextualBranchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContextualBranchRepo(db *gorm.DB, baseLog *logger.Logger) ContextualBranchRepo {
	return &contextualBranchRepo{
		db:  db,
		log: baseLog.With("repo", "ContextualBranchRepo"),
	}
}

func (r *contextualBranchRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *contextualBranchRepo) Create(dbc dbctx.Context, b *types.ContextualBranch) (*types.ContextualBranch, error) {
	if b == nil || b.ID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "branch row requires id")
	}
	if err := r.conn(dbc).Create(b).Error; err != nil {
		return nil, wrapDBErr(err)
	}
	return b, nil
}

func (r *contextualBranchRepo) GetByID(dbc dbctx.Context, id string) (*types.ContextualBranch, error) {
	var b types.ContextualBranch
	err := r.conn(dbc).Where("id = ?", id).Limit(1).Find(&b).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if b.ID == "" {
		return nil, errs.Wrap(errs.ErrNotFound, "branch %s not found", id)
	}
	return &b, nil
}

func (r *contextualBranchRepo) GetByParentAndHash(dbc dbctx.Context, parentMessageID, selectedTextHash string) (*types.ContextualBranch, error) {
	var b types.ContextualBranch
	err := r.conn(dbc).
		Where("parent_message_id = ? AND selected_text_hash = ?", parentMessageID, selectedTextHash).
		Limit(1).
		Find(&b).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if b.ID == "" {
		return nil, nil
	}
	return &b, nil
}

func (r *contextualBranchRepo) ListByParent(dbc dbctx.Context, parentMessageID string, includeArchived bool) ([]*types.ContextualBranch, error) {
	q := r.conn(dbc).Where("parent_message_id = ?", parentMessageID)
	if !includeArchived {
		q = q.Where("archived = ?", false)
	}
	var out []*types.ContextualBranch
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (r *contextualBranchRepo) Touch(dbc dbctx.Context, id string) error {
	err := r.conn(dbc).Model(&types.ContextualBranch{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
	return wrapDBErr(err)
}

func (r *contextualBranchRepo) SetArchived(dbc dbctx.Context, id string, archived bool) error {
	res := r.conn(dbc).Model(&types.ContextualBranch{}).
		Where("id = ?", id).
		Updates(map[string]any{"archived": archived, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrapDBErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.ErrNotFound, "branch %s not found", id)
	}
	return nil
}

func (r *contextualBranchRepo) Delete(dbc dbctx.Context, id string) error {
	res := r.conn(dbc).Where("id = ?", id).Delete(&types.ContextualBranch{})
	if res.Error != nil {
		return wrapDBErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.ErrNotFound, "branch %s not found", id)
	}
	return nil
}
