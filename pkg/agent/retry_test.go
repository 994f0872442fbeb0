package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}

func TestCallWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		steps     []Step
		wantErr   string
		wantText  string
		wantCalls int
	}{
		{
			name:      "succeeds first time",
			steps:     []Step{TextStep("ok")},
			wantText:  "ok",
			wantCalls: 1,
		},
		{
			name:      "retries transient errors",
			steps:     []Step{ErrorStep(errors.New("503 unavailable")), ErrorStep(errors.New("rate limit")), TextStep("ok")},
			wantText:  "ok",
			wantCalls: 3,
		},
		{
			name:      "gives up after max retries",
			steps:     []Step{ErrorStep(errors.New("503")), ErrorStep(errors.New("503")), ErrorStep(errors.New("503")), TextStep("late")},
			wantErr:   "max retries (3) exceeded",
			wantCalls: 3,
		},
		{
			name:      "permanent error is returned at once",
			steps:     []Step{ErrorStep(errors.New("invalid api key")), TextStep("never")},
			wantErr:   "invalid api key",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := NewScriptedModel(tt.steps...)
			node, err := CallWithRetry(context.Background(), model, ModelRequest{}, fastRetry, nil, zerolog.Nop())

			assert.Len(t, model.Requests(), tt.wantCalls)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, node.Text)
		})
	}
}

func TestCallWithRetry_StreamsDeltas(t *testing.T) {
	model := NewScriptedModel(TextStep("one two three"))

	var deltas []string
	node, err := CallWithRetry(context.Background(), model, ModelRequest{}, fastRetry, func(d string) {
		deltas = append(deltas, d)
	}, zerolog.Nop())

	require.NoError(t, err)
	assert.Equal(t, "one two three", node.Text)
	assert.Equal(t, "one two three", strings.Join(deltas, ""))
	assert.Len(t, deltas, 3)
}

func TestCallWithRetry_Cancelled(t *testing.T) {
	model := NewScriptedModel(BlockingStep())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CallWithRetry(ctx, model, ModelRequest{}, fastRetry, nil, zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, model.Requests(), 1)
}
