// Package agent adapts model providers to the conversation log used by the
// orchestrator.
//
// Invariants:
// - Provider SDK types never leave this package; history crosses the boundary only
//   through conversation.ToWire.
// - Call and Stream return one Node per model response.
// - Retryable provider errors are retried with exponential backoff by CallWithRetry.
//
// Usage:
//
//	model, _ := agent.NewModel(agent.AuthProfile{Provider: "anthropic", APIKey: key})
//	node, _ := agent.CallWithRetry(ctx, model, agent.ModelRequest{
//		Model:   "claude-sonnet-4-5",
//		History: log,
//	}, agent.RetryPolicy{}, nil, logger)
//	_ = node
package agent
