package jobs

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// UserScopePrefRepo owns the per-tenant active graph/branch row.
type UserScopePrefRepo interface {
	Get(dbc dbctx.Context, tenantID string) (*types.UserScopePref, error)
	Upsert(dbc dbctx.Context, tenantID, graphID, branchID string) (*types.UserScopePref, error)
}

type userScopePrefRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserScopePrefRepo(db *gorm.DB, baseLog *logger.Logger) UserScopePrefRepo {
	return &userScopePrefRepo{
		db:  db,
		log: baseLog.With("repo", "UserScopePrefRepo"),
	}
}

func (r *userScopePrefRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *userScopePrefRepo) Get(dbc dbctx.Context, tenantID string) (*types.UserScopePref, error) {
	var pref types.UserScopePref
	err := r.conn(dbc).Where("tenant_id = ?", tenantID).Limit(1).Find(&pref).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if pref.TenantID == "" {
		return nil, nil
	}
	return &pref, nil
}

func (r *userScopePrefRepo) Upsert(dbc dbctx.Context, tenantID, graphID, branchID string) (*types.UserScopePref, error) {
	if tenantID == "" || graphID == "" || branchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "scope pref requires tenant, graph, branch")
	}
	pref := types.UserScopePref{
		TenantID:       tenantID,
		ActiveGraphID:  graphID,
		ActiveBranchID: branchID,
		UpdatedAt:      time.Now().UTC(),
	}
	err := r.conn(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"active_graph_id", "active_branch_id", "updated_at"}),
	}).Create(&pref).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return &pref, nil
}
