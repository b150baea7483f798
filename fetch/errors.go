package fetch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is an authoritative "no such thing" answer from upstream.
	// It is never retried and must not be confused with a failed fetch.
	ErrNotFound = errors.New("not found")
	// ErrExhausted is returned when all attempts failed.
	ErrExhausted = errors.New("retries exhausted")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a not
// found answer.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || errors.Is(err, ErrNotFound)
}

// RateLimitError signals an upstream "too many requests" answer.
type RateLimitError struct {
	Err error
	// RetryAfter is the wait requested by the server, if any.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimited wraps err as a rate limit signal.
func RateLimited(err error) error {
	return &RateLimitError{Err: err}
}

// IsRateLimited reports whether err is a rate limit signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d while fetching %s", e.StatusCode, e.URL)
}
