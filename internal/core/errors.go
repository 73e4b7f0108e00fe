package core

import (
	"context"
	"errors"
	"net/http"

	"transitreg/pkg/domain"
)

// HTTPStatus maps a service error to the status code the HTTP boundary
// reports for it.
func HTTPStatus(err error) int {
	var (
		ce  domain.ChangesetError
		ces domain.ChangesetErrors
		nf  domain.ErrNotFound
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ces), errors.As(err, &ce), errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrChangesetApplied), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
