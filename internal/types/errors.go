// README: Error taxonomy shared by the engine. Modules wrap these with %w.
package types

import "errors"

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks a status-graph violation.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict marks a lost optimistic-concurrency race.
	ErrConflict = errors.New("state conflict")
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable marks a cache or fallback that could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRateExceeded        = errors.New("rate exceeded")
)
