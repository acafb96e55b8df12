// pkg/fetch/errors.go - Failure taxonomy for the fetcher. The resolver
// keys its primary-manifest fallback off these kinds, so they carry enough
// detail to log and classify without string matching.

package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ConnectionError covers DNS, dial, and transport-level failures.
type ConnectionError struct {
	Detail string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", e.Detail)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPError is a non-success HTTP status.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Detail)
}

// IOError covers local filesystem failures during a download.
type IOError struct {
	Detail string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("I/O error: %s", e.Detail)
}
func (e *IOError) Unwrap() error { return e.Err }

// SecurityError covers TLS negotiation and certificate failures.
type SecurityError struct {
	Detail string
	Err    error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error: %s", e.Detail)
}
func (e *SecurityError) Unwrap() error { return e.Err }

// IsNotRetrieved reports whether err means the resource simply was not
// retrieved (404 or gone), the condition that drives the resolver's
// identifier fallback.
func IsNotRetrieved(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusNotFound || httpErr.Status == http.StatusGone
	}
	return false
}
