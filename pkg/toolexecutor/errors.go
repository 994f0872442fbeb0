package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrValidation   = errors.New("parameter validation failed")
	ErrToolTimeout  = errors.New("tool execution timeout")
)

// ToolExecutionError wraps a handler failure. Permanent errors are never retried.
type ToolExecutionError struct {
	Tool      string
	Err       error
	Permanent bool
}

func (e *ToolExecutionError) Error() string {
	if e.Tool == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// Permanent marks err so that retries give up on it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ToolExecutionError{Err: err, Permanent: true}
}

var retryablePatterns = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// IsRetryable reports whether a failed call may succeed on another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrToolNotFound) || errors.Is(err, ErrToolTimeout) {
		return false
	}

	var execErr *ToolExecutionError
	if errors.As(err, &execErr) && execErr.Permanent {
		return false
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
