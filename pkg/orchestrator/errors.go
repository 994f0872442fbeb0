package orchestrator

import (
	"context"
	"fmt"
)

var (
	// ErrUserAbort is returned when the caller cancelled the turn
	ErrUserAbort = fmt.Errorf("turn aborted: %w", context.Canceled)
	// ErrTurnTimeout is returned when the turn timeout expired
	ErrTurnTimeout = fmt.Errorf("turn timed out: %w", context.DeadlineExceeded)
)
