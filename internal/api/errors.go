package api

import (
	"errors"
	"fmt"

	"foundry/internal/persist"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = persist.ErrNotFound
	ErrForbidden    = persist.ErrForbidden
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Code, e.Body)
}
