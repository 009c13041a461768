package branching

import (
	"time"

	"gorm.io/gorm"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// ParentMessageVersionRepo freezes parent-message content per version so
// open branches keep reading the text they were anchored against.
type ParentMessageVersionRepo interface {
	// EnsureVersion returns the version number holding content for the
	// message: the latest version when its content already matches, a new
	// incremented version otherwise.
	EnsureVersion(dbc dbctx.Context, messageID, content string) (int, error)
	Get(dbc dbctx.Context, messageID string, version int) (*types.ParentMessageVersion, error)
	Latest(dbc dbctx.Context, messageID string) (*types.ParentMessageVersion, error)
}

type parentMessageVersionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewParentMessageVersionRepo(db *gorm.DB, baseLog *logger.Logger) ParentMessageVersionRepo {
	return &parentMessageVersionRepo{
		db:  db,
		log: baseLog.With("repo", "ParentMessageVersionRepo"),
	}
}

func (r *parentMessageVersionRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *parentMessageVersionRepo) EnsureVersion(dbc dbctx.Context, messageID, content string) (int, error) {
	if messageID == "" {
		return 0, errs.Wrap(errs.ErrInvalid, "message id required")
	}
	var version int
	err := r.conn(dbc).Transaction(func(tx *gorm.DB) error {
		var latest types.ParentMessageVersion
		if err := tx.Where("message_id = ?", messageID).
			Order("version DESC").
			Limit(1).
			Find(&latest).Error; err != nil {
			return err
		}
		if latest.Version > 0 && latest.Content == content {
			version = latest.Version
			return nil
		}
		version = latest.Version + 1
		row := types.ParentMessageVersion{
			MessageID: messageID,
			Version:   version,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, wrapDBErr(err)
	}
	return version, nil
}

func (r *parentMessageVersionRepo) Get(dbc dbctx.Context, messageID string, version int) (*types.ParentMessageVersion, error) {
	var row types.ParentMessageVersion
	err := r.conn(dbc).
		Where("message_id = ? AND version = ?", messageID, version).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if row.Version == 0 {
		return nil, errs.Wrap(errs.ErrNotFound, "message %s version %d not found", messageID, version)
	}
	return &row, nil
}

func (r *parentMessageVersionRepo) Latest(dbc dbctx.Context, messageID string) (*types.ParentMessageVersion, error) {
	var row types.ParentMessageVersion
	err := r.conn(dbc).
		Where("message_id = ?", messageID).
		Order("version DESC").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if row.Version == 0 {
		return nil, nil
	}
	return &row, nil
}
