// Package dberr maps relational driver failures onto the shared error
// kinds so repos never leak gorm or pgx types upward.
package dberr

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
)

// Wrap classifies a gorm/driver error. Unique violations surface as
// ErrConflict so idempotent create paths can re-fetch the winning row.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errs.WithKind(errs.ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errs.WithKind(errs.ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.WithKind(errs.ErrCanceled, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return errs.WithKind(errs.ErrConflict, err) // unique_violation
		case "40001", "40P01", "55P03":
			return errs.WithKind(errs.ErrUnavailable, err) // serialization/deadlock
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "already exists"):
		return errs.WithKind(errs.ErrConflict, err)
	default:
		return errs.WithKind(errs.ErrInternal, err)
	}
}

// IsUniqueViolation reports whether err came from a duplicate-key insert.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, errs.ErrConflict)
}
