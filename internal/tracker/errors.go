package tracker

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the remote tracker.
type APIError struct {
	StatusCode int
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker API returned %d for %s", e.StatusCode, e.URL)
}

// Authorization reports whether the error is a 401/403. Authorization
// failures are fatal for the collection being fetched: retrying won't help
// and the remaining pagination is aborted.
func (e *APIError) Authorization() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// isTransient returns true for errors that are likely transient and worth
// retrying: connection failures, timeouts, rate limiting (429), and server
// errors (5xx). Returns false for client errors (4xx except 429) which
// indicate a permanent problem.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return true
		}
		if apiErr.StatusCode >= 500 {
			return true
		}
		return false
	}

	// Non-HTTP errors (connection refused, reset, timeout, EOF) are transient.
	return true
}

// IsAuthorization reports whether err wraps an authorization APIError.
func IsAuthorization(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Authorization()
}

// PartialFetchError reports a collection fetch that completed but skipped
// one or more pages that kept failing after retries. The items returned
// alongside it are valid; the collection as a whole is incomplete, so
// callers must not treat the result as the full remote state.
type PartialFetchError struct {
	Path         string
	SkippedPages int
}

func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("fetch of %s skipped %d failed page(s); result is incomplete", e.Path, e.SkippedPages)
}

// IsPartial reports whether err wraps a PartialFetchError.
func IsPartial(err error) bool {
	var pErr *PartialFetchError
	return errors.As(err, &pErr)
}
