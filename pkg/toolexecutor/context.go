package toolexecutor

import "context"

type execContextKey struct{}

// ContextWithExecContext attaches the execution context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context, or nil.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}

// WorkingDir returns the working directory tools should resolve relative paths against.
func WorkingDir(ctx context.Context) string {
	if execCtx := ExecContextFromContext(ctx); execCtx != nil {
		return execCtx.WorkingDir
	}
	return ""
}
