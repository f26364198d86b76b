package energa

import "errors"

// ErrSessionExpired is returned when an authenticated call comes back with
// 401/403. The observer owns the single re-login attempt; the client never
// retries internally.
var ErrSessionExpired = errors.New("energa: session expired")

// AuthError means the provider explicitly rejected the credentials. It is
// fatal: retrying without new credentials cannot succeed.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "energa: login rejected"
	}
	return "energa: login rejected: " + e.Message
}

// ConnectionError wraps transport-level failures (timeouts, DNS, TLS,
// unrelated non-2xx statuses). Transient; callers retry per their own
// backoff policy.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "energa: connection error: " + e.Err.Error() }

func (e *ConnectionError) Unwrap() error { return e.Err }

// SchemaError means the response body did not have the expected shape.
// Transient for retry purposes; the offending shape is logged at the site
// that produced it.
type SchemaError struct {
	What string
}

func (e *SchemaError) Error() string { return "energa: unexpected response: " + e.What }

// IsTransient reports whether the error is retryable without operator
// intervention.
func IsTransient(err error) bool {
	var ce *ConnectionError
	var se *SchemaError
	return errors.As(err, &ce) || errors.As(err, &se)
}
