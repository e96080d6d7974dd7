// Package errs defines the pipeline error taxonomy and its retry
// classification. Per-record and per-page issues stay local to the
// batch; transient fetch errors are retried with backoff; run-level
// failures abort cleanly; corruption findings are reported, never
// repaired.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// RejectedError reports a single raw record excluded by validation.
// It is never fatal: rejected records are logged and dropped from the
// batch.
type RejectedError struct {
	Reason string
	Raw    []string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("record rejected: %s (raw: %v)", e.Reason, e.Raw)
}

// PageRejectedError reports a page whose rejection rate crossed the
// configured threshold. It escalates to the retry path instead of
// silently dropping the page.
type PageRejectedError struct {
	Rejected int
	Total    int
}

// Error implements the error interface.
func (e *PageRejectedError) Error() string {
	return fmt.Sprintf("page rejected: %d of %d records failed validation", e.Rejected, e.Total)
}

// TransientError wraps a retryable fetch failure: network error,
// timeout, or server-side 5xx.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string { return fmt.Sprintf("transient fetch error: %v", e.Err) }

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is a source-reported rate-limit signal. Retryable,
// and additionally triggers adaptive throttling for the rest of the
// run.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by source, retry after %s", e.RetryAfter)
	}
	return "rate limited by source"
}

// FetchFailedError means retries were exhausted for a page. The run
// aborts; committed batches stay intact and resume is cursor-derived,
// so the next invocation continues correctly.
type FetchFailedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchFailedError) Unwrap() error { return e.Err }

// StoreWriteError means a batch commit failed. The batch has no
// partial effect on the store.
type StoreWriteError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write failed during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreWriteError) Unwrap() error { return e.Err }

// CorruptionError is a critical verifier finding: duplicate primary
// keys or ordering violations in the store. Surfaced to the operator,
// never auto-repaired.
type CorruptionError struct {
	Detail string
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store corruption detected: %s", e.Detail)
}

// Retryable reports whether the error should be retried with backoff.
// Transient and rate-limit errors are retryable; everything else in
// the taxonomy is not.
func Retryable(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var rateLimited *RateLimitError
	return errors.As(err, &rateLimited)
}

// IsRateLimit reports whether the error chain contains a source
// rate-limit signal, and returns the advertised retry-after delay if
// present.
func IsRateLimit(err error) (time.Duration, bool) {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter, true
	}
	return 0, false
}
