package jobs

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// IngestionRunRepo owns the ingestion_run table: one row per top-level
// ingest call, one child row per document in a batch.
type IngestionRunRepo interface {
	Create(dbc dbctx.Context, run *types.IngestionRun) (*types.IngestionRun, error)
	GetByID(dbc dbctx.Context, id string) (*types.IngestionRun, error)
	Finish(dbc dbctx.Context, id string, status types.RunStatus, counts map[string]int, errList []string) error
	SetSkipped(dbc dbctx.Context, id string, reason string) error
	ListByGraph(dbc dbctx.Context, graphID string, limit int) ([]*types.IngestionRun, error)
	ListChildren(dbc dbctx.Context, parentRunID string) ([]*types.IngestionRun, error)
}

type ingestionRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIngestionRunRepo(db *gorm.DB, baseLog *logger.Logger) IngestionRunRepo {
	return &ingestionRunRepo{
		db:  db,
		log: baseLog.With("repo", "IngestionRunRepo"),
	}
}

func (r *ingestionRunRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *ingestionRunRepo) Create(dbc dbctx.Context, run *types.IngestionRun) (*types.IngestionRun, error) {
	if run == nil || run.ID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "run requires id")
	}
	if run.Status == "" {
		run.Status = types.RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := r.conn(dbc).Create(run).Error; err != nil {
		return nil, wrapDBErr(err)
	}
	return run, nil
}

func (r *ingestionRunRepo) GetByID(dbc dbctx.Context, id string) (*types.IngestionRun, error) {
	var run types.IngestionRun
	err := r.conn(dbc).Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if run.ID == "" {
		return nil, errs.Wrap(errs.ErrNotFound, "ingestion run %s not found", id)
	}
	return &run, nil
}

func (r *ingestionRunRepo) Finish(dbc dbctx.Context, id string, status types.RunStatus, counts map[string]int, errList []string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      status,
		"finished_at": &now,
	}
	if counts != nil {
		raw, err := json.Marshal(counts)
		if err != nil {
			return errs.WithKind(errs.ErrInternal, err)
		}
		updates["counts"] = datatypes.JSON(raw)
	}
	if len(errList) > 0 {
		raw, err := json.Marshal(errList)
		if err != nil {
			return errs.WithKind(errs.ErrInternal, err)
		}
		updates["errors"] = datatypes.JSON(raw)
	}
	res := r.conn(dbc).Model(&types.IngestionRun{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return wrapDBErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.ErrNotFound, "ingestion run %s not found", id)
	}
	return nil
}

func (r *ingestionRunRepo) SetSkipped(dbc dbctx.Context, id string, reason string) error {
	now := time.Now().UTC()
	res := r.conn(dbc).Model(&types.IngestionRun{}).Where("id = ?", id).Updates(map[string]any{
		"status":      types.RunSkipped,
		"skip_reason": reason,
		"finished_at": &now,
	})
	if res.Error != nil {
		return wrapDBErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.ErrNotFound, "ingestion run %s not found", id)
	}
	return nil
}

func (r *ingestionRunRepo) ListByGraph(dbc dbctx.Context, graphID string, limit int) ([]*types.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*types.IngestionRun
	err := r.conn(dbc).
		Where("graph_id = ?", graphID).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

func (r *ingestionRunRepo) ListChildren(dbc dbctx.Context, parentRunID string) ([]*types.IngestionRun, error) {
	var out []*types.IngestionRun
	err := r.conn(dbc).
		Where("parent_run_id = ?", parentRunID).
		Order("started_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}
