// Package session persists conversation logs between process runs.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Saves for the same session are serialized and atomic.
// - Load/save/delete operations are observable via tracing and metrics.
//
// Two stores are provided: JSONLStore keeps one file per session with one
// message per line, SQLiteStore keeps every session in a single database.
// Loaded logs are not sanitized here; callers repair them before use.
//
// Usage:
//
//	store, _ := session.NewJSONLStore("/tmp/skipper/sessions", logger)
//	_ = store.Save(ctx, "session-1", log)
//	restored, _ := store.Load(ctx, "session-1")
//	_ = restored
package session
