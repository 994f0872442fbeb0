package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds model call retries
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	return p
}

// CallWithRetry calls the model with exponential backoff on retryable errors. When
// onDelta is set and the model streams, text deltas are forwarded to it.
func CallWithRetry(ctx context.Context, model Model, req ModelRequest, policy RetryPolicy, onDelta func(string), logger zerolog.Logger) (*Node, error) {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		node, err := callOnce(ctx, model, req, onDelta)
		if err == nil {
			return node, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}

		// Last attempt - don't wait
		if attempt == policy.MaxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := policy.BaseDelay * time.Duration(1<<attempt)
		logger.Info().
			Str("provider", model.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

func callOnce(ctx context.Context, model Model, req ModelRequest, onDelta func(string)) (*Node, error) {
	start := time.Now()

	var node *Node
	var err error
	if sm, ok := model.(StreamingModel); ok && onDelta != nil {
		node, err = sm.Stream(ctx, req, onDelta)
	} else {
		node, err = model.Call(ctx, req)
	}

	observability.RecordModelCall(model.Provider(), time.Since(start), err == nil)
	if err == nil && node == nil {
		node = &Node{}
	}
	return node, err
}
