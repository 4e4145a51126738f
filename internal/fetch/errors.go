package fetch

import (
	"errors"
	"fmt"
)

// QuotaError represents an upstream-imposed throttling failure. It is
// expected to clear on the mirror's own cadence, so the queue answers it
// with the slow hourly backoff instead of immediate retries.
type QuotaError struct {
	Mirror     string // Mirror host that imposed the limit
	RetryAfter string // Upstream-provided hint, if any
	Err        error  // Underlying error, if any
}

func (e *QuotaError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("download quota reached on %s (retry after %s)", e.Mirror, e.RetryAfter)
	}

	return fmt.Sprintf("download quota reached on %s", e.Mirror)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// NetworkError represents transient transport failures: 5xx responses,
// connection timeouts, truncated bodies. The queue retries these on the
// fast bounded budget.
type NetworkError struct {
	Operation  string // The operation that failed (e.g. "resolve_mirror", "download")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("network error during %s", e.Operation)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError represents a structurally bad artifact: wrong size,
// unreadable file, empty body. Retrying without new input won't fix it,
// so the queue treats it as terminal.
type ValidationError struct {
	FilePath string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid artifact %s: %s", e.FilePath, e.Reason)
}

// IsQuota reports whether err is (or wraps) a quota failure.
func IsQuota(err error) bool {
	var qe *QuotaError

	return errors.As(err, &qe)
}

// IsValidation reports whether err is (or wraps) a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError

	return errors.As(err, &ve)
}
