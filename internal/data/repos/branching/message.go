package branching

import (
	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// BranchMessageRepo owns the append-only branch_messages table.
type BranchMessageRepo interface {
	Create(dbc dbctx.Context, msgs []*types.BranchMessage) ([]*types.BranchMessage, error)
	ListByBranch(dbc dbctx.Context, branchID string, limit int) ([]*types.BranchMessage, error)
	CountByBranch(dbc dbctx.Context, branchID string) (int64, error)
	DeleteByBranch(dbc dbctx.Context, branchID string) error
}

type branchMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBranchMessageRepo(db *gorm.DB, baseLog *logger.Logger) BranchMessageRepo {
	return &branchMessageRepo{
		db:  db,
		log: baseLog.With("repo", "BranchMessageRepo"),
	}
}

func (r *branchMessageRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *branchMessageRepo) Create(dbc dbctx.Context, msgs []*types.BranchMessage) ([]*types.BranchMessage, error) {
	if len(msgs) == 0 {
		return []*types.BranchMessage{}, nil
	}
	if err := r.conn(dbc).Create(&msgs).Error; err != nil {
		return nil, wrapDBErr(err)
	}
	return msgs, nil
}

func (r *branchMessageRepo) ListByBranch(dbc dbctx.Context, branchID string, limit int) ([]*types.BranchMessage, error) {
	q := r.conn(dbc).Where("branch_id = ?", branchID).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.BranchMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (r *branchMessageRepo) CountByBranch(dbc dbctx.Context, branchID string) (int64, error) {
	var n int64
	err := r.conn(dbc).Model(&types.BranchMessage{}).Where("branch_id = ?", branchID).Count(&n).Error
	if err != nil {
		return 0, wrapDBErr(err)
	}
	return n, nil
}

func (r *branchMessageRepo) DeleteByBranch(dbc dbctx.Context, branchID string) error {
	err := r.conn(dbc).Where("branch_id = ?", branchID).Delete(&types.BranchMessage{}).Error
	return wrapDBErr(err)
}
