package branching

import (
	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// BridgingHintRepo owns the bridging_hints table. The hint set for a
// branch is replaced wholesale, never patched.
type BridgingHintRepo interface {
	ReplaceForBranch(dbc dbctx.Context, branchID string, hints []*types.BridgingHint) ([]*types.BridgingHint, error)
	ListByBranch(dbc dbctx.Context, branchID string) ([]*types.BridgingHint, error)
	DeleteByBranch(dbc dbctx.Context, branchID string) error
}

type bridgingHintRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBridgingHintRepo(db *gorm.DB, baseLog *logger.Logger) BridgingHintRepo {
	return &bridgingHintRepo{
		db:  db,
		log: baseLog.With("repo", "BridgingHintRepo"),
	}
}

func (r *bridgingHintRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *bridgingHintRepo) ReplaceForBranch(dbc dbctx.Context, branchID string, hints []*types.BridgingHint) ([]*types.BridgingHint, error) {
	err := r.conn(dbc).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("branch_id = ?", branchID).Delete(&types.BridgingHint{}).Error; err != nil {
			return err
		}
		if len(hints) == 0 {
			return nil
		}
		return tx.Create(&hints).Error
	})
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return hints, nil
}

func (r *bridgingHintRepo) ListByBranch(dbc dbctx.Context, branchID string) ([]*types.BridgingHint, error) {
	var out []*types.BridgingHint
	err := r.conn(dbc).Where("branch_id = ?", branchID).Order("target_offset ASC").Find(&out).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (r *bridgingHintRepo) DeleteByBranch(dbc dbctx.Context, branchID string) error {
	err := r.conn(dbc).Where("branch_id = ?", branchID).Delete(&types.BridgingHint{}).Error
	return wrapDBErr(err)
}
