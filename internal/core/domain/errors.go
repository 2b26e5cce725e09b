package domain

import "errors"

// Failure taxonomy shared across the pipeline. Callers wrap these with
// fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	// ErrNotFound: the requested record or block does not exist (yet).
	// For not-yet-committed blocks this means retry later, not failure.
	ErrNotFound = errors.New("not found")

	// ErrTransient: network/RPC/provider hiccup. Retried with backoff.
	ErrTransient = errors.New("transient failure")

	// ErrRateLimited: upstream throttling. Transient with longer backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrConflict: lost a race on a cache insert or lease claim.
	// Expected during normal operation; yield to the winner.
	ErrConflict = errors.New("conflict")

	// ErrUnrecoverable: malformed state or a constraint violation that
	// retrying cannot fix. Surfaces as a failed job with a reason.
	ErrUnrecoverable = errors.New("unrecoverable failure")
)

// IsRetryable reports whether an error should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNotFound)
}
