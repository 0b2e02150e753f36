package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ServiceError is a terminal error from the completion service: the request
// was rejected or retries were exhausted, and the caller should not retry.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion service: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("completion service: %s", e.Message)
}

// ErrAttemptsExhausted is returned when every retry attempt failed.
var ErrAttemptsExhausted = errors.New("completion attempts exhausted")

// throttleError marks a 429 response and carries the server-advised delay.
type throttleError struct {
	retryAfter time.Duration
}

func (e *throttleError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.retryAfter)
}

// isRetriable reports whether err is worth another attempt: network
// hiccups and timeouts, but not context cancellation or a ServiceError.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"temporarily unavailable",
		"eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
