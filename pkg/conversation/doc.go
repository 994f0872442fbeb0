// Package conversation defines the canonical message model shared by the turn engine.
//
// Invariants:
// - A Message has exactly one Role: request or response.
// - Tool returns travel in response-role messages directly after the calls they answer.
// - Loosely typed provider or legacy shapes are converted only through FromWire/ToWire.
//
// Usage:
//
//	log := conversation.Log{}
//	log.Append(conversation.UserText("list the repo"))
//	log.Append(conversation.NewResponse(conversation.ToolCallPart("c1", "list_dir", map[string]any{"directory": "."})))
//	pending := log.PendingCallIDs() // ["c1"]
//	_ = pending
package conversation
