package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FetchError is the terminal error returned by a fetcher. Transient
// failures are retried before one of these surfaces; Transient then
// records whether the final cause was retryable at all.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v after %d attempt(s)", e.URL, e.Err, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SinkError reports a batch submission failure.
type SinkError struct {
	Transient bool
	Err       error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// TransientStatus reports whether an HTTP status is worth retrying.
// 429 and all 5xx are transient; other 4xx are permanent.
func TransientStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}

// TransientError classifies non-HTTP failures. Context cancellation is
// never retried; network errors and unknown causes are.
func TransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RejectReason explains why normalization dropped a candidate.
type RejectReason string

// Rejection reasons counted in per-source stats.
const (
	RejectShortTitle      RejectReason = "short_title"
	RejectMissingIdentity RejectReason = "missing_identity"
)

func (r RejectReason) Error() string { return string(r) }
