package tracing

import (
	"context"

	"github.com/google/uuid"
)

// TraceContext correlates log lines and spans. TraceID covers one CLI
// invocation, RunID one turn, SessionKey the conversation the turn resumes.
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
}

type traceKey struct{}

// FromContext returns the trace context stored in ctx, or the zero value
func FromContext(ctx context.Context) TraceContext {
	tc, _ := ctx.Value(traceKey{}).(TraceContext)
	return tc
}

// NewContext merges the non-empty fields of tc into the trace context of ctx
func NewContext(ctx context.Context, tc TraceContext) context.Context {
	return update(ctx, func(cur *TraceContext) {
		if tc.TraceID != "" {
			cur.TraceID = tc.TraceID
		}
		if tc.RunID != "" {
			cur.RunID = tc.RunID
		}
		if tc.SessionKey != "" {
			cur.SessionKey = tc.SessionKey
		}
	})
}

func update(ctx context.Context, fn func(*TraceContext)) context.Context {
	tc := FromContext(ctx)
	fn(&tc)
	return context.WithValue(ctx, traceKey{}, tc)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.TraceID = traceID })
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.RunID = runID })
}

func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.SessionKey = sessionKey })
}

func GetTraceID(ctx context.Context) string { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string { return FromContext(ctx).RunID }
func GetSessionKey(ctx context.Context) string { return FromContext(ctx).SessionKey }

// NewTraceID and NewRunID return random UUIDs
func NewTraceID() string { return uuid.NewString() }
func NewRunID() string { return uuid.NewString() }

// NewRequestContext starts a new trace for one CLI invocation
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
