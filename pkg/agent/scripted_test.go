package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedModel_ReplaysSteps(t *testing.T) {
	m := NewScriptedModel(
		ToolStep("reading", conversation.ToolCallPart("c1", "read_file", map[string]any{"file_path": "a.go"})),
		TextStep("TASK COMPLETE: done"),
	)

	var history conversation.Log
	history.Append(conversation.UserText("go"))

	node, err := m.Call(context.Background(), ModelRequest{History: history})
	require.NoError(t, err)
	assert.True(t, node.HasToolCalls())
	assert.Equal(t, "reading", node.Text)

	// mutating the caller's log must not change what was recorded
	history.Append(conversation.UserText("more"))

	node, err = m.Call(context.Background(), ModelRequest{History: history})
	require.NoError(t, err)
	assert.Equal(t, "TASK COMPLETE: done", node.Text)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 1, reqs[0].History.Len())
	assert.Equal(t, 2, reqs[1].History.Len())
	assert.Equal(t, 0, m.Remaining())

	_, err = m.Call(context.Background(), ModelRequest{})
	assert.ErrorContains(t, err, "exhausted after 2 steps")
}

func TestScriptedModel_BlockingStepWaitsForContext(t *testing.T) {
	m := NewScriptedModel(BlockingStep())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Call(ctx, ModelRequest{})
		done <- err
	}()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestScriptedModel_StreamJoinsToText(t *testing.T) {
	m := NewScriptedModel(TextStep("a b c"))

	var sb strings.Builder
	node, err := m.Stream(context.Background(), ModelRequest{}, func(d string) { sb.WriteString(d) })
	require.NoError(t, err)
	assert.Equal(t, node.Text, sb.String())
}

func TestNewDryRunModel(t *testing.T) {
	m := NewDryRunModel()

	node, err := m.Call(context.Background(), ModelRequest{})
	require.NoError(t, err)
	require.Len(t, node.ToolCalls, 1)
	assert.Equal(t, "list_dir", node.ToolCalls[0].ToolName)
	assert.True(t, strings.HasPrefix(node.ToolCalls[0].ToolCallID, "dry_run_"))

	node, err = m.Call(context.Background(), ModelRequest{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(node.Text, "TASK COMPLETE:"))
}
