package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientPeerError marks network failures, timeouts and 5xx responses.
// These count against the destination's circuit breaker.
type TransientPeerError struct {
	Slug   string
	Status int // 0 for network errors
	Err    error
}

func (e *TransientPeerError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("node %s returned %d %s", e.Slug, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("call to node %s failed: %v", e.Slug, e.Err)
}

func (e *TransientPeerError) Unwrap() error { return e.Err }

// AuthError marks a 401/403 from a peer that survived the single
// transparent refresh attempt.
type AuthError struct {
	Slug   string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("node %s rejected credentials with %d", e.Slug, e.Status)
}

// IsTransient reports whether err is worth a caller-level retry.
func IsTransient(err error) bool {
	var tpe *TransientPeerError
	return errors.As(err, &tpe)
}
