package domain

import "errors"

// Error taxonomy of the sharing core. Callers classify with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrSessionConflict    = errors.New("session already active")
	ErrTransient          = errors.New("transient network failure")
	ErrRemoteUnavailable  = errors.New("remote session unavailable")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrNoSession          = errors.New("no active session")
	ErrTransportExhausted = errors.New("transport retries exhausted")
)

// Kind names the taxonomy class of err, or "internal" when it is unclassified.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrSessionConflict):
		return "session_conflict"
	case errors.Is(err, ErrTransportExhausted):
		return "transport_exhausted"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrRemoteUnavailable):
		return "remote_unavailable"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	default:
		return "internal"
	}
}

// Retryable reports whether err is worth another transport attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrTransportExhausted)
}
