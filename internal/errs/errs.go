package errs

import "errors"

// Sentinel errors for the payment domain. Callers classify with errors.Is
// and add context with github.com/pkg/errors wrapping.
var (
	// ErrValidation covers bad input: unknown plan, unsupported payment
	// method, malformed amounts.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for unknown orders and refunds.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrStateConflict marks an illegal status transition or a duplicate
	// active refund.
	ErrStateConflict = errors.New("state conflict")

	// ErrSignature marks a callback that failed provider signature
	// verification. Handlers must not mutate any state on this error.
	ErrSignature = errors.New("signature verification failed")

	// ErrGateway covers third-party payment provider failures and timeouts.
	ErrGateway = errors.New("payment gateway error")

	// ErrProvisioning marks a failed subscription activation after the
	// payment was already captured. Never rolled back against the order.
	ErrProvisioning = errors.New("subscription provisioning failed")
)
