// Package orchestrator runs one user turn of the coding agent: it calls the model,
// routes tool calls through authorization and the execution engine, applies the
// recovery heuristics, and repairs the conversation log on abort or timeout.
package orchestrator
