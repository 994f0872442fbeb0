// Package toolexecutor classifies, authorizes and executes the tool calls a model
// requests.
//
// Invariants:
// - Tool names are unique and categorized; unknown names are treated as Execute.
// - Parameters are schema-validated before execution.
// - Write and execute calls never overlap each other or a read-only flush.
// - Tool returns are merged back in original call order.
// - A per-call failure becomes an error tool return; only cancellation aborts a node.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.NewCategorizer(), logger)
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Category:    toolexecutor.CategoryReadOnly,
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	engine, _ := toolexecutor.NewEngine(toolexecutor.EngineConfig{Executor: exec, MaxParallel: 4})
//	result, err := engine.ExecuteNode(ctx, calls)
package toolexecutor
