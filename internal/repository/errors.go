package repository

import (
	"errors"
	"fmt"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrNotImplemented signals the operation is not yet implemented for the chosen backend.
	ErrNotImplemented = errors.New("repository: not implemented")
	// ErrConflict indicates an optimistic version check failed.
	ErrConflict = errors.New("repository: version conflict")
	// ErrInvalidPayload indicates the store rejected the data itself; retrying will not help.
	ErrInvalidPayload = errors.New("repository: invalid payload")
	// ErrCacheCorrupt indicates a cached entry exists but could not be decoded.
	ErrCacheCorrupt = errors.New("repository: cached entry corrupt")
)

// ConflictError carries the server's current row alongside ErrConflict.
type ConflictError struct {
	Current *domain.Record
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s: %s at version %d", ErrConflict.Error(), e.Current.Key, e.Current.Version)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
