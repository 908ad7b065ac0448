package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")

	ErrContentResolutionTimeout = errors.New("content resolution timed out")
	ErrContentRequestFailed     = errors.New("sub-domain could not supply content")
	ErrSubDomainUnavailable     = errors.New("sub-domain is unavailable")
	ErrContentUnavailable       = errors.New("bundle content is unavailable")

	ErrUnknownBundle       = errors.New("unknown bundle")
	ErrConcurrencyConflict = errors.New("concurrency conflict: pending set changed")
)
