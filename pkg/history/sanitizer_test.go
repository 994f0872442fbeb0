package history

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSanitizer(reg ArgsCache) *Sanitizer {
	return New(Config{Registry: reg, Logger: zerolog.Nop()})
}

func TestRepairPasses(t *testing.T) {
	tests := []struct {
		name  string
		input conversation.Log
		want  conversation.Log
	}{
		{
			name: "clean log untouched",
			input: conversation.Log{
				conversation.NewRequest(conversation.SystemPromptPart("sys"), conversation.TextPart("hi")),
				conversation.NewResponse(conversation.ToolCallPart("a", "grep", nil)),
				conversation.NewResponse(conversation.ToolReturnPart("a", "grep", "ok", false)),
				conversation.NewResponse(conversation.TextPart("done")),
			},
			want: conversation.Log{
				conversation.NewRequest(conversation.SystemPromptPart("sys"), conversation.TextPart("hi")),
				conversation.NewResponse(conversation.ToolCallPart("a", "grep", nil)),
				conversation.NewResponse(conversation.ToolReturnPart("a", "grep", "ok", false)),
				conversation.NewResponse(conversation.TextPart("done")),
			},
		},
		{
			name: "dangling call buried mid-log is removed with its empty response",
			input: conversation.Log{
				conversation.UserText("first"),
				conversation.NewResponse(conversation.ToolCallPart("a", "grep", nil)),
				conversation.UserText("second"),
				conversation.NewResponse(conversation.TextPart("answer")),
			},
			want: conversation.Log{
				conversation.UserText("second"),
				conversation.NewResponse(conversation.TextPart("answer")),
			},
		},
		{
			name: "partially answered batch keeps answered call",
			input: conversation.Log{
				conversation.UserText("go"),
				conversation.NewResponse(conversation.TextPart("working"), conversation.ToolCallPart("a", "grep", nil), conversation.ToolCallPart("b", "glob", nil)),
				conversation.NewResponse(conversation.ToolReturnPart("a", "grep", "ok", false)),
			},
			want: conversation.Log{
				conversation.UserText("go"),
				conversation.NewResponse(conversation.TextPart("working"), conversation.ToolCallPart("a", "grep", nil)),
				conversation.NewResponse(conversation.ToolReturnPart("a", "grep", "ok", false)),
			},
		},
		{
			name: "orphan return is removed",
			input: conversation.Log{
				conversation.UserText("go"),
				conversation.NewResponse(conversation.ToolReturnPart("zzz", "grep", "ok", false), conversation.TextPart("hm")),
			},
			want: conversation.Log{
				conversation.UserText("go"),
				conversation.NewResponse(conversation.TextPart("hm")),
			},
		},
		{
			name: "empty responses are removed",
			input: conversation.Log{
				conversation.UserText("go"),
				{Role: conversation.RoleResponse},
				conversation.NewResponse(conversation.TextPart("ok")),
			},
			want: conversation.Log{
				conversation.UserText("go"),
				conversation.NewResponse(conversation.TextPart("ok")),
			},
		},
		{
			name: "consecutive requests collapse to the last",
			input: conversation.Log{
				conversation.UserText("one"),
				conversation.UserText("two"),
				conversation.UserText("three"),
				conversation.NewResponse(conversation.TextPart("ok")),
			},
			want: conversation.Log{
				conversation.UserText("three"),
				conversation.NewResponse(conversation.TextPart("ok")),
			},
		},
		{
			name: "system prompt of a collapsed request survives",
			input: conversation.Log{
				conversation.NewRequest(conversation.SystemPromptPart("sys")),
				conversation.UserText("hello"),
			},
			want: conversation.Log{
				conversation.NewRequest(conversation.SystemPromptPart("sys"), conversation.TextPart("hello")),
			},
		},
		{
			name: "only most recent system prompt kept",
			input: conversation.Log{
				conversation.NewRequest(conversation.SystemPromptPart("old"), conversation.TextPart("a")),
				conversation.NewResponse(conversation.TextPart("b")),
				conversation.NewRequest(conversation.SystemPromptPart("new"), conversation.TextPart("c")),
			},
			want: conversation.Log{
				conversation.NewRequest(conversation.TextPart("a")),
				conversation.NewResponse(conversation.TextPart("b")),
				conversation.NewRequest(conversation.SystemPromptPart("new"), conversation.TextPart("c")),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := tt.input.Clone()
			report := newTestSanitizer(nil).Repair(&log)

			require.True(t, report.Converged)
			require.Len(t, log, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].Role, log[i].Role, "message %d role", i)
				assert.Equal(t, tt.want[i].Parts, log[i].Parts, "message %d parts", i)
			}
			assert.Empty(t, Validate(log))
		})
	}
}

func TestRepairMutatesCallerLog(t *testing.T) {
	log := conversation.Log{
		conversation.UserText("one"),
		conversation.UserText("two"),
	}
	ref := &log

	newTestSanitizer(nil).Repair(ref)

	require.Len(t, log, 1)
	assert.Equal(t, "two", log[0].Text())
}

func TestRepairAbortedBatchLeavesNoTrace(t *testing.T) {
	reg := conversation.NewCallRegistry()
	callA := conversation.ToolCallPart("A", "read_file", map[string]any{"file_path": "a.go"})
	callB := conversation.ToolCallPart("B", "read_file", map[string]any{"file_path": "b.go"})
	reg.Register(callA)
	reg.Register(callB)
	reg.MarkRunning("A")
	reg.Complete("A", "contents")
	reg.MarkRunning("B")

	log := conversation.Log{
		conversation.UserText("read both"),
		conversation.NewResponse(callA, callB),
	}

	report := newTestSanitizer(reg).Repair(&log)

	assert.ElementsMatch(t, []string{"A", "B"}, report.RemovedCalls)
	require.Len(t, log, 1)
	for _, m := range log {
		for _, p := range m.Parts {
			assert.NotEqual(t, "A", p.ToolCallID)
			assert.NotEqual(t, "B", p.ToolCallID)
		}
	}
	_, okA := reg.Get("A")
	_, okB := reg.Get("B")
	assert.False(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 0, reg.Len())
}

func TestRepairNilLog(t *testing.T) {
	report := newTestSanitizer(nil).Repair(nil)
	assert.True(t, report.Converged)
	assert.False(t, report.Changed())
}

func TestRepairPassCeiling(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop(), MaxPasses: 1})
	// One pass repairs everything, but convergence needs a second, no-op pass.
	log := conversation.Log{
		conversation.UserText("a"),
		conversation.NewResponse(conversation.ToolCallPart("x", "grep", nil)),
		conversation.UserText("b"),
	}
	report := s.Repair(&log)
	assert.False(t, report.Converged)
	assert.Equal(t, 1, report.Passes)
}

// randomLog builds structurally messy logs from a fixed seed.
func randomLog(r *rand.Rand, size int) conversation.Log {
	log := conversation.Log{}
	nextID := 0
	var open []string
	for i := 0; i < size; i++ {
		if r.Intn(2) == 0 {
			parts := []conversation.Part{conversation.TextPart(fmt.Sprintf("u%d", i))}
			if r.Intn(4) == 0 {
				parts = append([]conversation.Part{conversation.SystemPromptPart(fmt.Sprintf("s%d", i))}, parts...)
			}
			log.Append(conversation.NewRequest(parts...))
			continue
		}
		var parts []conversation.Part
		switch r.Intn(4) {
		case 0:
			parts = append(parts, conversation.TextPart(fmt.Sprintf("r%d", i)))
		case 1:
			for n := r.Intn(3) + 1; n > 0; n-- {
				id := fmt.Sprintf("c%d", nextID)
				nextID++
				open = append(open, id)
				parts = append(parts, conversation.ToolCallPart(id, "grep", nil))
			}
		case 2:
			if len(open) > 0 {
				idx := r.Intn(len(open))
				parts = append(parts, conversation.ToolReturnPart(open[idx], "grep", "ok", false))
				open = append(open[:idx], open[idx+1:]...)
			}
			if r.Intn(3) == 0 {
				parts = append(parts, conversation.ToolReturnPart("ghost", "grep", "?", true))
			}
		case 3:
			// empty response
		}
		log.Append(conversation.Message{Role: conversation.RoleResponse, Parts: parts})
	}
	return log
}

func TestRepairInvariantsAndIdempotence(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	s := newTestSanitizer(nil)

	for i := 0; i < 300; i++ {
		log := randomLog(r, 2+r.Intn(25))

		first := log.Clone()
		report := s.Repair(&first)
		require.True(t, report.Converged, "case %d did not converge", i)
		require.Empty(t, Validate(first), "case %d", i)

		for j := 1; j < len(first); j++ {
			assert.False(t, first[j].IsRequest() && first[j-1].IsRequest(), "case %d: adjacent requests", i)
		}

		second := first.Clone()
		again := s.Repair(&second)
		assert.False(t, again.Changed(), "case %d: second repair changed the log", i)
		assert.Equal(t, first, second, "case %d", i)
	}
}
