// Package auth resolves opaque bearer tokens to principals.
package auth

import (
	"context"
	"fmt"

	"makerspace/internal/domain"
)

type Kind string

const (
	KindMalformed            Kind = "MALFORMED"
	KindExpired              Kind = "EXPIRED"
	KindUnknownIssuer        Kind = "UNKNOWN_ISSUER"
	KindRevoked              Kind = "REVOKED"
	KindUnauthenticatedOther Kind = "UNAUTHENTICATED_OTHER"
)

// Verifier validates a bearer token. Implementations must be safe for
// concurrent use and honour ctx deadlines.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Principal, error)
}

// VerificationError is returned for every rejected token. Transient is set
// when the verifier could not reach a decision (network failure, deadline).
type VerificationError struct {
	Kind      Kind
	Transient bool
	Err       error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token verification failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("token verification failed (%s)", e.Kind)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func reject(kind Kind, err error) *VerificationError {
	return &VerificationError{Kind: kind, Err: err}
}

func transient(err error) *VerificationError {
	return &VerificationError{Kind: KindUnauthenticatedOther, Transient: true, Err: err}
}

// ctxFailure converts an expired or cancelled ctx into a transient failure.
func ctxFailure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transient(err)
	}
	return nil
}
