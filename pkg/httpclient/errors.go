package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// StatusError is returned when a request exhausts its retries on a
// retryable status code.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the failure may succeed on retry.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
