package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base with the trace, run and session fields found in ctx
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.RunID == "" && tc.SessionKey == "" {
		return base
	}

	logCtx := base.With()
	if tc.TraceID != "" {
		logCtx = logCtx.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		logCtx = logCtx.Str("run_id", tc.RunID)
	}
	if tc.SessionKey != "" {
		logCtx = logCtx.Str("session_key", tc.SessionKey)
	}
	return logCtx.Logger()
}
