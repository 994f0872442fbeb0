package recovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/toolexecutor"
)

var pathArgKeys = []string{"file_path", "filepath", "path", "directory"}

// Summary describes a turn that ended without completion
type Summary struct {
	Iterations   int            `json:"iterations"`
	ToolCounts   map[string]int `json:"tool_counts"`
	FilesTouched []string       `json:"files_touched,omitempty"`
	NextSteps    []string       `json:"next_steps"`
}

// Summarize builds a Summary from the log and the call registry. The registry may
// be nil.
func Summarize(log conversation.Log, registry *conversation.CallRegistry, iterations int) Summary {
	s := Summary{
		Iterations: iterations,
		ToolCounts: map[string]int{},
	}

	seen := map[string]bool{}
	for _, call := range log.ToolCalls() {
		s.ToolCounts[call.ToolName]++
		for _, key := range pathArgKeys {
			p, ok := call.Args[key].(string)
			if !ok || p == "" || seen[p] {
				continue
			}
			seen[p] = true
			s.FilesTouched = append(s.FilesTouched, p)
		}
	}
	sort.Strings(s.FilesTouched)

	if registry != nil {
		for _, rec := range registry.All() {
			if rec.Status == conversation.CallFailed {
				s.NextSteps = append(s.NextSteps,
					fmt.Sprintf("Look into the failed step: %s", toolexecutor.Describe(rec.Name, rec.Args)))
			}
		}
	}
	if pending := len(log.PendingCallIDs()); pending > 0 {
		s.NextSteps = append(s.NextSteps, fmt.Sprintf("Re-run %d unfinished tool call(s)", pending))
	}
	if len(s.ToolCounts) == 0 {
		s.NextSteps = append(s.NextSteps, "Restate the task with a concrete file or symbol to start from")
	}
	s.NextSteps = append(s.NextSteps, "Continue with a narrower request or a higher iteration limit")
	return s
}

// Render formats the summary as a plain-language message
func (s Summary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stopped after %d iterations without completing the task.\n", s.Iterations)

	if len(s.ToolCounts) > 0 {
		names := make([]string, 0, len(s.ToolCounts))
		for name := range s.ToolCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s x%d", name, s.ToolCounts[name]))
		}
		fmt.Fprintf(&b, "\nTools used: %s\n", strings.Join(parts, ", "))
	} else {
		b.WriteString("\nNo tools were used.\n")
	}

	if len(s.FilesTouched) > 0 {
		fmt.Fprintf(&b, "Files touched: %s\n", strings.Join(s.FilesTouched, ", "))
	}

	if len(s.NextSteps) > 0 {
		b.WriteString("\nSuggested next steps:\n")
		for _, step := range s.NextSteps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
