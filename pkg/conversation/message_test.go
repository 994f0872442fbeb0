package conversation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPendingCallIDs(t *testing.T) {
	tests := []struct {
		name string
		log  Log
		want []string
	}{
		{
			name: "empty log",
			log:  Log{},
			want: nil,
		},
		{
			name: "answered call",
			log: Log{
				UserText("hi"),
				NewResponse(ToolCallPart("a", "grep", nil)),
				NewResponse(ToolReturnPart("a", "grep", "ok", false)),
			},
			want: nil,
		},
		{
			name: "dangling call buried mid-log",
			log: Log{
				UserText("first"),
				NewResponse(ToolCallPart("a", "grep", nil), ToolCallPart("b", "glob", nil)),
				NewResponse(ToolReturnPart("b", "glob", "ok", false)),
				UserText("second"),
				NewResponse(TextPart("done")),
			},
			want: []string{"a"},
		},
		{
			name: "return after the next request does not count",
			log: Log{
				NewResponse(ToolCallPart("a", "grep", nil)),
				UserText("interrupt"),
				NewResponse(ToolReturnPart("a", "grep", "late", false)),
			},
			want: []string{"a"},
		},
		{
			name: "return before call does not count",
			log: Log{
				NewResponse(ToolReturnPart("a", "grep", "ok", false)),
				NewResponse(ToolCallPart("a", "grep", nil)),
			},
			want: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.log.PendingCallIDs())
		})
	}
}

func TestLogCloneIsDeep(t *testing.T) {
	orig := Log{NewResponse(ToolCallPart("a", "read_file", map[string]any{"file_path": "x.go"}))}
	cp := orig.Clone()

	cp[0].Parts[0].Args["file_path"] = "y.go"
	cp[0].Parts = append(cp[0].Parts, TextPart("extra"))

	assert.Equal(t, "x.go", orig[0].Parts[0].Args["file_path"])
	assert.Len(t, orig[0].Parts, 1)
}

func TestMessageHelpers(t *testing.T) {
	m := NewResponse(TextPart("hello "), ToolCallPart("c1", "grep", nil), TextPart("world"))

	assert.True(t, m.IsResponse())
	assert.False(t, m.IsRequest())
	assert.Equal(t, "hello world", m.Text())
	assert.True(t, m.HasToolCalls())
	require.Len(t, m.ToolCalls(), 1)
	assert.Equal(t, "c1", m.ToolCalls()[0].ToolCallID)
}

func TestLogSystemPromptMostRecent(t *testing.T) {
	log := Log{
		NewRequest(SystemPromptPart("old")),
		UserText("hi"),
		NewRequest(SystemPromptPart("new"), TextPart("again")),
	}

	prompt, ok := log.SystemPrompt()
	require.True(t, ok)
	assert.Equal(t, "new", prompt)
}

func TestWireRoundTrip(t *testing.T) {
	wire := []WireMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "read main.go"},
		{Role: "assistant", Content: "reading", ToolCalls: []WireToolCall{{ID: "c1", Name: "read_file", Parameters: map[string]any{"file_path": "main.go"}}}},
		{Role: "tool", Content: "package main", ToolCallID: "c1", ToolName: "read_file"},
		{Role: "assistant", Content: "done"},
	}

	log, err := FromWire(wire)
	require.NoError(t, err)
	require.Len(t, log, 5)

	assert.Equal(t, RoleRequest, log[0].Role)
	assert.Equal(t, PartSystemPrompt, log[0].Parts[0].Kind)
	assert.Equal(t, RoleResponse, log[3].Role)
	assert.Equal(t, PartToolReturn, log[3].Parts[0].Kind)
	assert.Empty(t, log.PendingCallIDs())

	assert.Equal(t, wire, ToWire(log))
}

func TestFromWireErrors(t *testing.T) {
	_, err := FromWire([]WireMessage{{Role: "narrator", Content: "x"}})
	assert.Error(t, err)

	_, err = FromWire([]WireMessage{{Role: "tool", Content: "x"}})
	assert.Error(t, err)
}

func TestFromMap(t *testing.T) {
	wm, err := FromMap(map[string]any{"role": "tool", "content": "ok", "tool_call_id": "c9"})
	require.NoError(t, err)
	assert.Equal(t, "c9", wm.ToolCallID)

	_, err = FromMap(map[string]any{"content": "no role"})
	assert.Error(t, err)
}

func TestCallRegistryLifecycle(t *testing.T) {
	reg := NewCallRegistry()
	reg.Register(ToolCallPart("a", "grep", map[string]any{"pattern": "x"}))
	reg.Register(ToolCallPart("b", "read_file", nil))
	reg.Register(ToolCallPart("c", "grep", nil))

	reg.MarkRunning("a")
	reg.Complete("a", "found")
	reg.Fail("b", "boom")
	reg.Cancel("b")
	reg.Cancel("c")

	a, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, CallCompleted, a.Status)
	assert.Equal(t, "found", a.Result)

	b, _ := reg.Get("b")
	assert.Equal(t, CallFailed, b.Status, "cancel must not override a finished call")

	c, _ := reg.Get("c")
	assert.Equal(t, CallCancelled, c.Status)

	assert.Equal(t, map[string]int{"grep": 2, "read_file": 1}, reg.Counts())

	recent := reg.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "c", recent[1].ID)

	reg.Remove("a", "c", "missing")
	assert.Equal(t, 1, reg.Len())
	_, ok = reg.Get("a")
	assert.False(t, ok)
}

func TestCallRegistryConcurrentUpdates(t *testing.T) {
	reg := NewCallRegistry()
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	for _, id := range ids {
		reg.Register(ToolCallPart(id, "grep", nil))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			reg.MarkRunning(id)
			reg.Complete(id, "ok")
		}(id)
	}
	wg.Wait()

	for _, rec := range reg.All() {
		assert.Equal(t, CallCompleted, rec.Status)
	}
}
