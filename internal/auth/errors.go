package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrCrypto       = errors.New("auth: crypto failure")
)

// ReasonTOTPRequired is returned when a password was accepted but the account
// enforces a second factor and no token was supplied.
const ReasonTOTPRequired = "TOTP required"

// ForbiddenError reports an authenticated caller that still misses a required step.
// It matches ErrForbidden with errors.Is.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return ErrForbidden.Error()
	}
	return ErrForbidden.Error() + ": " + e.Reason
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// Forbidden wraps reason into a *ForbiddenError.
func Forbidden(reason string) error {
	return &ForbiddenError{Reason: reason}
}
