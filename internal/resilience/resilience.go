// Package resilience provides the retry and failure-recovery layer for the
// patch automation workflow.
//
// Two patterns are implemented:
//
// - Retry with exponential backoff: network calls in the downloader and the
// patch reconciler are retried when the failure is classified as transient.
// - Circuit breaker: consecutive fatal outcomes across applications trip a
// shared breaker, and applications that have not started yet are skipped
// instead of hammering a degraded remote dependency.
//
// Classification is the boundary between the two: an error is either
// retryable (timeouts, connection resets, 5xx responses) or fatal (content
// and configuration problems, 4xx responses). Verification failures are
// always fatal; they indicate a content problem, not a transient fault.
package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Common errors used throughout the resilience package
var (
	// ErrCircuitOpen is returned when work is rejected because the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrMaxRetriesReached is returned when the maximum number of retries has been reached
	ErrMaxRetriesReached = errors.New("maximum retries reached")
)

// RetryableError is an interface for errors that carry their own retry
// classification. Errors that do not implement it are classified by Classify.
type RetryableError interface {
	error
	// IsRetryable returns true if the error can be retried, false otherwise
	IsRetryable() bool
}

// Classification is the outcome of classifying an error
type Classification int

const (
	// Retryable indicates a transient fault that may succeed on retry
	Retryable Classification = iota
	// Fatal indicates a permanent fault that must not be retried
	Fatal
)

// String returns the string representation of the classification
func (c Classification) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify decides whether an error represents a transient condition.
// Explicit classifications via the RetryableError interface win; otherwise
// timeouts and connection-level failures are transient and everything else
// is fatal.
func Classify(err error) Classification {
	if err == nil {
		return Fatal
	}

	var re RetryableError
	if errors.As(err, &re) {
		if re.IsRetryable() {
			return Retryable
		}
		return Fatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Retryable
	}

	return Fatal
}
