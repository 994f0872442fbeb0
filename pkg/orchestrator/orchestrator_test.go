package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/skipper/pkg/agent"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/history"
	"github.com/harun/skipper/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tools    *toolexecutor.ToolExecutor
	registry *conversation.CallRegistry
	executed int32
	started  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tools:    toolexecutor.New(toolexecutor.NewCategorizer(), zerolog.Nop()),
		registry: conversation.NewCallRegistry(),
		started:  make(chan struct{}, 1),
	}

	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "Path", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&f.executed, 1)
			return "contents of " + params["file_path"].(string), nil
		},
	}))

	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "bash",
		Description: "Run a command",
		Category:    toolexecutor.CategoryExecute,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&f.executed, 1)
			if params["command"] == "block" {
				select {
				case f.started <- struct{}{}:
				default:
				}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return "ran " + params["command"].(string), nil
		},
	}))

	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write a file",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "Path", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&f.executed, 1)
			return "written", nil
		},
	}))
	return f
}

// registerScratchpad adds a minimal react tool that keeps its entries in memory
func (f *fixture) registerScratchpad(t *testing.T) {
	t.Helper()
	var mu sync.Mutex
	var entries []string
	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "react",
		Description: "Scratchpad",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "action", Type: "string", Description: "Action", Required: true},
			{Name: "thoughts", Type: "string", Description: "Thoughts"},
			{Name: "next_action", Type: "string", Description: "Next action"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			if params["action"] == "think" {
				entries = append(entries, fmt.Sprintf("%d. think: %s", len(entries)+1, params["thoughts"]))
				return "Recorded think step", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	}))
}

func (f *fixture) orchestrator(t *testing.T, model agent.Model, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Model:        model,
		Tools:        f.tools,
		Unrestricted: true,
		Registry:     f.registry,
		Sanitizer:    history.New(history.Config{Registry: f.registry, Logger: zerolog.Nop()}),
		Retry:        agent.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond},
		ToolRetry:    toolexecutor.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2},
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func readCall(id, path string) conversation.Part {
	return conversation.ToolCallPart(id, "read_file", map[string]any{"file_path": path})
}

func bashCall(id, command string) conversation.Part {
	return conversation.ToolCallPart(id, "bash", map[string]any{"command": command})
}

// lastRequestText returns the text of the last request the model received
func lastRequestText(t *testing.T, req agent.ModelRequest) string {
	t.Helper()
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].IsRequest() {
			return req.History[i].Text()
		}
	}
	t.Fatal("no request in history")
	return ""
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Tools: toolexecutor.New(nil, zerolog.Nop())})
	assert.EqualError(t, err, "model is required")

	_, err = New(Config{Model: agent.NewScriptedModel()})
	assert.EqualError(t, err, "tool executor is required")
}

func TestRunTurn_CompletesAfterTools(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.ToolStep("Reading.", readCall("c1", "main.go")),
		agent.TextStep("TASK COMPLETE: The bug is fixed."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "fix the bug", &hist, Limits{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "The bug is fixed.", result.FinalText)
	assert.Equal(t, 2, result.Iterations)
	assert.Empty(t, history.Validate(hist))
	assert.Equal(t, hist, result.UpdatedHistory)

	require.Len(t, hist, 4)
	assert.True(t, hist[0].IsRequest())
	assert.Equal(t, "fix the bug", hist[0].Text())
	assert.True(t, hist[1].HasToolCalls())
	assert.Equal(t, "contents of main.go", hist[2].Parts[0].Result)
	assert.Equal(t, "The bug is fixed.", hist[3].Text())
}

func TestRunTurn_SystemPromptSentSeparately(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.TextStep("TASK COMPLETE: Hello."))
	o := f.orchestrator(t, model, func(c *Config) { c.SystemPrompt = "You are terse." })

	var hist conversation.Log
	_, err := o.RunTurn(context.Background(), "hi", &hist, Limits{})
	require.NoError(t, err)

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You are terse.", reqs[0].System)
	assert.NotEmpty(t, reqs[0].Tools)
}

func TestRunTurn_CompletionRejectedWhileCallsPending(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.ToolStep("TASK COMPLETE: All good.", readCall("c1", "a.go"), readCall("c2", "b.go")),
		agent.TextStep("TASK COMPLETE: Both files look fine."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "check the files", &hist, Limits{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.executed))
	assert.Equal(t, "Both files look fine.", result.FinalText)

	// the rejected response keeps its text without the marker
	assert.Equal(t, "All good.", hist[1].Text())
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_PendingIntentionRejectedOnFirstIteration(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.TextStep("TASK COMPLETE: let me check the tests first."),
		agent.ToolStep("", bashCall("c1", "go test ./...")),
		agent.TextStep("TASK COMPLETE: Tests pass."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "run the tests", &hist, Limits{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Iterations)

	reqs := model.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, lastRequestText(t, reqs[1]), "You announced more work")
}

func TestRunTurn_NoPendingIntentionPolicy(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.TextStep("TASK COMPLETE: let me know if anything else is needed."))
	o := f.orchestrator(t, model, func(c *Config) { c.Completion = NoPendingIntention{} })

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "hi", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Iterations)
}

func TestRunTurn_EmptyResponsesRetriedThenEscalated(t *testing.T) {
	t.Run("two empties are retried", func(t *testing.T) {
		f := newFixture(t)
		model := agent.NewScriptedModel(
			agent.TextStep(""),
			agent.TextStep("   "),
			agent.TextStep("TASK COMPLETE: Done now."),
		)
		o := f.orchestrator(t, model, nil)

		var hist conversation.Log
		result, err := o.RunTurn(context.Background(), "do it", &hist, Limits{})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)

		reqs := model.Requests()
		require.Len(t, reqs, 3)
		assert.Contains(t, lastRequestText(t, reqs[1]), "Your last response was empty")
		assert.Contains(t, lastRequestText(t, reqs[2]), "Attempt: 2")
		assert.NotContains(t, lastRequestText(t, reqs[2]), "Attempt: 1")
		assert.Empty(t, history.Validate(hist))

		// retry directives never end up in the stored user request
		require.Len(t, hist, 2)
		require.Len(t, hist[0].Parts, 1)
		assert.Equal(t, "do it", hist[0].Text())
		assert.Equal(t, "Done now.", hist[1].Text())
	})

	t.Run("third empty escalates", func(t *testing.T) {
		f := newFixture(t)
		model := agent.NewScriptedModel(
			agent.TextStep(""),
			agent.TextStep(""),
			agent.TextStep(""),
			agent.TextStep("TASK COMPLETE: Never reached."),
		)
		o := f.orchestrator(t, model, nil)

		var hist conversation.Log
		result, err := o.RunTurn(context.Background(), "do it", &hist, Limits{})
		require.NoError(t, err)

		assert.Equal(t, StatusIncomplete, result.Status)
		assert.Equal(t, 3, result.Iterations)
		assert.Contains(t, result.FinalText, "Stopped after 3 iterations")
		assert.Equal(t, 1, model.Remaining())
		assert.Empty(t, history.Validate(hist))
	})
}

func TestRunTurn_TruncatedResponseRetried(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.TextStep("Here is the function:\n```go\nfunc main() {"),
		agent.TextStep("TASK COMPLETE: Finished."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "write main", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, lastRequestText(t, reqs[1]), "Your last response was truncated")
}

func TestRunTurn_CompletionWithoutFinalPeriod(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.TextStep("TASK COMPLETE: The nil check in parser.go is fixed"),
		agent.TextStep("TASK COMPLETE: Never reached."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "fix the nil check", &hist, Limits{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "The nil check in parser.go is fixed", result.FinalText)
	assert.Equal(t, 1, model.Remaining())
}

func TestRunTurn_InterruptedRequestNotResent(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.TextStep("TASK COMPLETE: Listed."))
	o := f.orchestrator(t, model, nil)

	hist := conversation.Log{conversation.UserText("delete everything")}
	_, err := o.RunTurn(context.Background(), "just list files", &hist, Limits{})
	require.NoError(t, err)

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].History, 1)
	require.Len(t, reqs[0].History[0].Parts, 1)
	assert.Equal(t, "just list files", reqs[0].History[0].Text())

	require.Len(t, hist, 2)
	assert.Equal(t, "just list files", hist[0].Text())
	assert.Empty(t, history.Validate(hist))
}

// keepingModel holds on to every request without copying it
type keepingModel struct {
	*agent.ScriptedModel
	kept []agent.ModelRequest
}

func (m *keepingModel) Call(ctx context.Context, req agent.ModelRequest) (*agent.Node, error) {
	m.kept = append(m.kept, req)
	return m.ScriptedModel.Call(ctx, req)
}

func (m *keepingModel) Stream(ctx context.Context, req agent.ModelRequest, onDelta func(string)) (*agent.Node, error) {
	m.kept = append(m.kept, req)
	return m.ScriptedModel.Stream(ctx, req, onDelta)
}

func TestRunTurn_SentHistoryNotRewritten(t *testing.T) {
	f := newFixture(t)
	model := &keepingModel{ScriptedModel: agent.NewScriptedModel(
		agent.TextStep(""),
		agent.TextStep("TASK COMPLETE: Done."),
	)}
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	_, err := o.RunTurn(context.Background(), "do it", &hist, Limits{})
	require.NoError(t, err)

	require.Len(t, model.kept, 2)
	first := model.kept[0].History
	require.Len(t, first, 1)
	require.Len(t, first[0].Parts, 1)
	assert.Equal(t, "do it", first[0].Text())
}

func TestRunTurn_EveryRequestIsRepaired(t *testing.T) {
	f := newFixture(t)
	handler := &toolexecutor.MockApprovalHandler{
		Response: toolexecutor.ConfirmationResponse{Approved: false, RejectionGuidance: "Do not write yet."},
	}
	model := agent.NewScriptedModel(
		agent.TextStep(""),
		agent.ToolStep("", readCall("c1", "a.go")),
		agent.ToolStep("", conversation.ToolCallPart("c2", "write_file", map[string]any{"file_path": "a.go"})),
		agent.TextStep("Thinking it over."),
		agent.TextStep("TASK COMPLETE: Done"),
	)
	o := f.orchestrator(t, model, func(c *Config) {
		c.Unrestricted = false
		c.Approvals = toolexecutor.NewApprovalManager(handler, time.Second, zerolog.Nop())
	})

	hist := conversation.Log{
		conversation.UserText("earlier"),
		conversation.NewResponse(readCall("old", "x.go")),
		conversation.UserText("aborted"),
	}
	result, err := o.RunTurn(context.Background(), "audit a.go", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	reqs := model.Requests()
	require.Len(t, reqs, 5)
	for i, req := range reqs {
		assert.Empty(t, history.Validate(req.History), "request %d", i)
	}
	assert.Empty(t, history.Validate(hist))
	for _, m := range hist {
		assert.NotContains(t, m.Text(), "aborted")
	}
}

func TestRunTurn_IterationLimitAsksForGuidance(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.ToolStep("", readCall("c1", "a.go")),
		agent.ToolStep("", readCall("c2", "b.go")),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "audit", &hist, Limits{MaxIterations: 2})
	require.NoError(t, err)

	assert.Equal(t, StatusGuidanceNeeded, result.Status)
	assert.Equal(t, 2, result.Iterations)
	assert.Contains(t, result.FinalText, "Reached the limit of 2 iterations")
	assert.Contains(t, result.FinalText, "read_file x2")
	assert.Contains(t, result.FinalText, "a.go")

	last, ok := hist.Last()
	require.True(t, ok)
	assert.True(t, last.IsResponse())
	assert.Contains(t, last.Text(), "Stopped after 2 iterations")
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_UnproductiveStreakInjectsDirective(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.TextStep("Thinking about it."),
		agent.TextStep("Still thinking."),
		agent.TextStep("Almost there."),
		agent.TextStep("TASK COMPLETE: Done."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "think", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	reqs := model.Requests()
	require.Len(t, reqs, 4)
	assert.Contains(t, lastRequestText(t, reqs[1]), "Continue with the task")
	assert.Contains(t, lastRequestText(t, reqs[3]), "No tool has been called for 3 iterations")
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_ForcedReflection(t *testing.T) {
	f := newFixture(t)
	f.registerScratchpad(t)
	model := agent.NewScriptedModel(
		agent.ToolStep("", readCall("c1", "a.go")),
		agent.ToolStep("", readCall("c2", "b.go")),
		agent.TextStep("TASK COMPLETE: Done."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "audit", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	reqs := model.Requests()
	require.Len(t, reqs, 3)
	guidance := lastRequestText(t, reqs[2])
	assert.True(t, strings.HasPrefix(guidance, "Reflection guidance: 1. think: Iteration 2."), guidance)
	assert.Contains(t, guidance, "Read b.go")
}

func TestRunTurn_ReflectionDisabled(t *testing.T) {
	f := newFixture(t)
	f.registerScratchpad(t)
	model := agent.NewScriptedModel(
		agent.ToolStep("", readCall("c1", "a.go")),
		agent.ToolStep("", readCall("c2", "b.go")),
		agent.TextStep("TASK COMPLETE: Done."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	_, err := o.RunTurn(context.Background(), "audit", &hist, Limits{ReflectionEvery: -1})
	require.NoError(t, err)

	for _, m := range hist {
		assert.NotContains(t, m.Text(), "Reflection guidance")
	}
}

func TestRunTurn_RejectionGuidanceReachesModel(t *testing.T) {
	f := newFixture(t)
	handler := &toolexecutor.MockApprovalHandler{
		Response: toolexecutor.ConfirmationResponse{Approved: false, RejectionGuidance: "Edit the file instead of rewriting it."},
	}
	model := agent.NewScriptedModel(
		agent.ToolStep("", conversation.ToolCallPart("c1", "write_file", map[string]any{"file_path": "a.go"})),
		agent.TextStep("TASK COMPLETE: Understood."),
	)
	o := f.orchestrator(t, model, func(c *Config) {
		c.Unrestricted = false
		c.Approvals = toolexecutor.NewApprovalManager(handler, time.Second, zerolog.Nop())
	})

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "rewrite a.go", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.executed))
	assert.Len(t, handler.Requests(), 1)

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	guidance := lastRequestText(t, reqs[1])
	assert.Contains(t, guidance, "Tool 'write_file' execution cancelled before running.")
	assert.Contains(t, guidance, "Edit the file instead of rewriting it.")
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_PlanModeDeniesWrites(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.ToolStep("", conversation.ToolCallPart("c1", "write_file", map[string]any{"file_path": "a.go"})),
		agent.TextStep("TASK COMPLETE: Planned."),
	)
	o := f.orchestrator(t, model, func(c *Config) { c.PlanMode = true })

	var hist conversation.Log
	_, err := o.RunTurn(context.Background(), "plan", &hist, Limits{})
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(&f.executed))
	ret := hist[2].Parts[0]
	assert.True(t, ret.IsError)
	assert.Equal(t, toolexecutor.DenyMessage("write_file"), ret.Result)
}

func TestRunTurn_FallbackCallsFromText(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(
		agent.TextStep(`<tool_call>{"name": "read_file", "arguments": {"file_path": "x.go"}}</tool_call>`),
		agent.TextStep("TASK COMPLETE: Read it."),
	)
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "read x", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.executed))
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_ModelFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.ErrorStep(errors.New("invalid api key")))
	o := f.orchestrator(t, model, nil)

	var hist conversation.Log
	result, err := o.RunTurn(context.Background(), "hi", &hist, Limits{})
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete, result.Status)
	assert.Contains(t, result.FinalText, "could not be reached")
	assert.NotContains(t, result.FinalText, "invalid api key")
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_StreamsDeltas(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.TextStep("TASK COMPLETE: Streamed answer."))
	o := f.orchestrator(t, model, nil)

	var sb strings.Builder
	var hist conversation.Log
	_, err := o.RunTurn(context.Background(), "hi", &hist, Limits{}, WithOnDelta(func(d string) { sb.WriteString(d) }))
	require.NoError(t, err)
	assert.Equal(t, "TASK COMPLETE: Streamed answer.", sb.String())
}

func TestRunTurn_SkipFutureReported(t *testing.T) {
	f := newFixture(t)
	handler := &toolexecutor.MockApprovalHandler{
		Response: toolexecutor.ConfirmationResponse{Approved: true, SkipFuture: true},
	}
	model := agent.NewScriptedModel(
		agent.ToolStep("", bashCall("c1", "ls")),
		agent.ToolStep("", bashCall("c2", "pwd")),
		agent.TextStep("TASK COMPLETE: Listed."),
	)
	o := f.orchestrator(t, model, func(c *Config) {
		c.Unrestricted = false
		c.Approvals = toolexecutor.NewApprovalManager(handler, time.Second, zerolog.Nop())
	})

	var skipped []string
	var hist conversation.Log
	_, err := o.RunTurn(context.Background(), "ls", &hist, Limits{},
		WithSessionKey("s1"),
		WithIgnoreList(nil, func(tool string) { skipped = append(skipped, tool) }))
	require.NoError(t, err)

	assert.Equal(t, []string{"bash"}, skipped)
	assert.Len(t, handler.Requests(), 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.executed))
}

// runInterrupted starts a node with a read call A and a blocking command B and
// stops the turn while B runs, either by cancelling ctx or by the turn timeout.
func runInterrupted(t *testing.T, timeout bool) (conversation.Log, *fixture, error) {
	t.Helper()
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.ToolStep("", readCall("A", "a.go"), bashCall("B", "block")))
	o := f.orchestrator(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limits := Limits{MaxParallel: 2}
	if timeout {
		limits.TurnTimeout = 100 * time.Millisecond
	} else {
		go func() {
			<-f.started
			cancel()
		}()
	}

	var hist conversation.Log
	hist.Append(conversation.UserText("earlier"), conversation.NewResponse(conversation.TextPart("earlier answer")))
	_, err := o.RunTurn(ctx, "fix the bug", &hist, limits)
	return hist, f, err
}

func TestRunTurn_AbortMidExecutionLeavesNoTrace(t *testing.T) {
	hist, f, err := runInterrupted(t, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserAbort)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, history.Validate(hist))
	assert.Empty(t, hist.ToolCalls())
	_, okA := f.registry.Get("A")
	_, okB := f.registry.Get("B")
	assert.False(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 0, f.registry.Len())
}

func TestRunTurn_TimeoutCleansUpLikeAbort(t *testing.T) {
	aborted, _, abortErr := runInterrupted(t, false)
	timedOut, f, timeoutErr := runInterrupted(t, true)

	assert.ErrorIs(t, abortErr, ErrUserAbort)
	assert.ErrorIs(t, timeoutErr, ErrTurnTimeout)
	assert.ErrorIs(t, timeoutErr, context.DeadlineExceeded)
	assert.Equal(t, 0, f.registry.Len())

	assert.Equal(t, conversation.ToWire(aborted), conversation.ToWire(timedOut))
	assert.Empty(t, history.Validate(timedOut))
}

func TestRunTurn_AbortDuringApproval(t *testing.T) {
	f := newFixture(t)
	handler := &toolexecutor.MockApprovalHandler{Block: true}
	model := agent.NewScriptedModel(agent.ToolStep("", bashCall("c1", "rm -rf build")))
	o := f.orchestrator(t, model, func(c *Config) {
		c.Unrestricted = false
		c.Approvals = toolexecutor.NewApprovalManager(handler, time.Minute, zerolog.Nop())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var hist conversation.Log
	_, err := o.RunTurn(ctx, "clean", &hist, Limits{})
	assert.ErrorIs(t, err, ErrTurnTimeout)
	assert.Empty(t, hist.ToolCalls())
	assert.Empty(t, history.Validate(hist))
}

func TestRunTurn_AbortBeforeModelReturns(t *testing.T) {
	f := newFixture(t)
	model := agent.NewScriptedModel(agent.BlockingStep())
	o := f.orchestrator(t, model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(model.Requests()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	var hist conversation.Log
	result, err := o.RunTurn(ctx, "hello", &hist, Limits{})
	assert.ErrorIs(t, err, ErrUserAbort)
	assert.Equal(t, StatusIncomplete, result.Status)
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Text())
}
