// Package repo stores maintenance requests.
package repo

import (
	"context"
	"errors"

	"makerspace/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Put when the id was ever stored before.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable marks transient backing-store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Repository is the persistence boundary for requests. Implementations must
// linearize operations and never reuse an id, even after Delete.
//
// ListByOwner and ListAll order by created_at ascending, then id ascending.
type Repository interface {
	Put(ctx context.Context, r domain.Request) error
	Get(ctx context.Context, id string) (domain.Request, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Request, error)
	ListAll(ctx context.Context) ([]domain.Request, error)
}

type unavailableError struct {
	cause error
}

func (e unavailableError) Error() string { return "store unavailable: " + e.cause.Error() }

func (e unavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.cause} }

// Unavailable wraps cause so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrStoreUnavailable) {
		return cause
	}
	return unavailableError{cause: cause}
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}
