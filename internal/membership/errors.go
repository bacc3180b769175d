package membership

import "errors"

var (
	ErrNotAuthenticated  = errors.New("membership: not authenticated")
	ErrUnauthorized      = errors.New("membership: unauthorized")
	ErrNotFound          = errors.New("membership: not found")
	ErrInvalidPlan       = errors.New("membership: invalid plan")
	ErrInvalidTransition = errors.New("membership: invalid status transition")
	// ErrProvider wraps failures of the payment provider.
	ErrProvider = errors.New("membership: payment provider error")
)
