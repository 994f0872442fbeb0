package toolexecutor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownTools(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestParseFallbackCalls(t *testing.T) {
	known := knownTools("read_file", "grep", "bash")

	tests := []struct {
		name      string
		text      string
		wantNames []string
		wantArgs  map[string]any
	}{
		{
			name:      "xml tags",
			text:      "Let me look.\n<tool_call>{\"name\": \"read_file\", \"arguments\": {\"file_path\": \"a.go\"}}</tool_call>",
			wantNames: []string{"read_file"},
			wantArgs:  map[string]any{"file_path": "a.go"},
		},
		{
			name:      "hermes function tag",
			text:      "<function=grep>{\"pattern\": \"TODO\"}</function>",
			wantNames: []string{"grep"},
			wantArgs:  map[string]any{"pattern": "TODO"},
		},
		{
			name:      "fenced json",
			text:      "I will run:\n```json\n{\"tool\": \"bash\", \"args\": {\"command\": \"ls\"}}\n```",
			wantNames: []string{"bash"},
			wantArgs:  map[string]any{"command": "ls"},
		},
		{
			name:      "raw json in prose",
			text:      `Calling {"function": "read_file", "parameters": "{\"file_path\": \"b.go\"}"} now and then {"name": "grep", "arguments": {}}`,
			wantNames: []string{"read_file", "grep"},
			wantArgs:  map[string]any{"file_path": "b.go"},
		},
		{
			name:      "name normalized",
			text:      `<tool_call>{"name": " Read_File<|eot|>", "arguments": {"file_path": "c.go"}}</tool_call>`,
			wantNames: []string{"read_file"},
			wantArgs:  map[string]any{"file_path": "c.go"},
		},
		{
			name: "unknown tool dropped",
			text: `<tool_call>{"name": "delete_everything", "arguments": {}}</tool_call>`,
		},
		{
			name: "suspicious name dropped",
			text: `{"name": "read file", "arguments": {}}`,
		},
		{
			name: "plain prose",
			text: "All done, the tests pass.",
		},
		{
			name: "empty",
			text: "   ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := ParseFallbackCalls(tt.text, known)
			if len(tt.wantNames) == 0 {
				assert.Empty(t, calls)
				return
			}

			require.Len(t, calls, len(tt.wantNames))
			for i, c := range calls {
				assert.True(t, c.IsToolCall())
				assert.Equal(t, tt.wantNames[i], c.ToolName)
				assert.True(t, strings.HasPrefix(c.ToolCallID, "fallback_"), c.ToolCallID)
			}
			assert.Equal(t, tt.wantArgs, calls[0].Args)
		})
	}
}

func TestParseFallbackCalls_UniqueIDs(t *testing.T) {
	text := `<tool_call>{"name": "grep", "arguments": {"pattern": "a"}}</tool_call>
<tool_call>{"name": "grep", "arguments": {"pattern": "b"}}</tool_call>`

	calls := ParseFallbackCalls(text, nil)
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].ToolCallID, calls[1].ToolCallID)
}

func TestIsSuspiciousToolName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"read_file", false},
		{"mcp.search-docs", false},
		{"", true},
		{"read file", true},
		{"<tool_call>", true},
		{"fn()", true},
		{strings.Repeat("x", 51), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSuspiciousToolName(tt.name))
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"read_file", map[string]any{"file_path": "main.go"}, "Read main.go"},
		{"write_file", nil, "Write a file"},
		{"bash", map[string]any{"command": "go test ./..."}, "Run command: go test ./..."},
		{"grep", map[string]any{"pattern": "TODO", "directory": "pkg"}, `Search for "TODO" in pkg`},
		{"list_dir", nil, "List ."},
		{"custom", nil, "Call custom"},
		{"custom", map[string]any{"k": 1}, `Call custom with {"k":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.tool, tt.args))
		})
	}
}
