package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// StatusClientClosedRequest is the nginx convention for requests abandoned
// by the caller before a response was written.
const StatusClientClosedRequest = 499

// FromErr maps a domain error to its API form. Errors that already carry
// a status pass through unchanged.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch errs.Kind(err) {
	case errs.ErrInvalid:
		return New(http.StatusBadRequest, "invalid", err)
	case errs.ErrNotFound:
		return New(http.StatusNotFound, "not_found", err)
	case errs.ErrConflict:
		return New(http.StatusConflict, "conflict", err)
	case errs.ErrForbidden:
		return New(http.StatusForbidden, "forbidden", err)
	case errs.ErrUnavailable:
		return New(http.StatusServiceUnavailable, "unavailable", err)
	case errs.ErrCanceled:
		return New(StatusClientClosedRequest, "canceled", err)
	default:
		return New(http.StatusInternalServerError, "internal", err)
	}
}
