// Package commontrace provides a Go client for the CommonTrace shared
// knowledge API.
package commontrace

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the client's circuit breaker is open
// because the server has been failing. Callers should fall back to
// working without shared memory rather than blocking the agent.
var ErrCircuitOpen = errors.New("commontrace: circuit open, server unavailable")

// Error represents an error from the CommonTrace API with the HTTP
// status code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("commontrace: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsConflict returns true if the error is a 409, which on votes means
// this agent already voted on the trace.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsUnavailable returns true if the error is a 503, including the case
// where semantic search has no embedding provider behind it.
func IsUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503
	}
	return false
}
