// Package resilience provides the ingest error taxonomy plus retry and
// circuit breaker patterns for external calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout). RetryAfter carries a server-specified delay when one was given;
// it overrides the computed backoff.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps a non-retryable fetch failure (non-429 4xx). The
// request is recorded and skipped; repeated permanent failures escalate to
// pausing the source.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as a permanent fetch failure.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsPermanent reports whether the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrBudgetExhausted is returned when a per-source fallback or inference
// budget reaches zero. It disables that path for the source and raises an
// operator-visible flag; it is never retried.
var ErrBudgetExhausted = eris.New("budget exhausted")

// ErrWriteRateLimited signals that the write layer is shedding load. The
// running job pauses dequeuing and backs off; sustained rate-limiting
// escalates to pausing the source.
var ErrWriteRateLimited = eris.New("write layer rate limited")

// ErrSourcePaused is returned when work is requested for a paused source.
var ErrSourcePaused = eris.New("source is paused")

// ErrPayloadTooLarge marks a response over the size ceiling. The payload is
// archived and routed to manual handling instead of being parsed.
var ErrPayloadTooLarge = eris.New("payload exceeds size ceiling")

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Permanent beats the string heuristics below.
	if IsPermanent(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the status code indicates a
// server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the server-specified retry delay from a transient
// error chain, or zero when none was given.
func RetryAfterOf(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
