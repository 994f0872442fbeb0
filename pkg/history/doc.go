// Package history repairs conversation logs so they satisfy the invariants the model
// provider expects.
//
// Invariants after Repair:
// - Every tool call is answered by a tool return before the next request.
// - No response message is empty.
// - No two request messages are adjacent.
// - At most one system prompt part remains, the most recently added one.
//
// Repair mutates the log in place and is idempotent.
package history
