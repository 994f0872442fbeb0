package recovery

import (
	"fmt"
	"strings"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/toolexecutor"
)

// RecentToolLimit is how many recent calls a directive mentions
const RecentToolLimit = 3

const taskPreviewLength = 200

// RecentToolsContext describes the latest calls in one line
func RecentToolsContext(recent []conversation.CallRecord) string {
	if len(recent) == 0 {
		return "No tools used yet"
	}
	if len(recent) > RecentToolLimit {
		recent = recent[len(recent)-RecentToolLimit:]
	}
	descs := make([]string, 0, len(recent))
	for _, rec := range recent {
		descs = append(descs, toolexecutor.Describe(rec.Name, rec.Args))
	}
	return "Recent tools: " + strings.Join(descs, ", ")
}

// EmptyResponseDirective asks the model to act or explain after an empty or
// truncated response.
func EmptyResponseDirective(task, reason string, recent []conversation.CallRecord, attempt int) string {
	if reason == "" {
		reason = Empty.String()
	}
	preview := strings.TrimSpace(task)
	if len(preview) > taskPreviewLength {
		preview = preview[:taskPreviewLength] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your last response was %s. Continue the task with a complete response.\n\n", reason)
	fmt.Fprintf(&b, "Task: %s\n", preview)
	fmt.Fprintf(&b, "%s\n", RecentToolsContext(recent))
	fmt.Fprintf(&b, "Attempt: %d\n\n", attempt)
	b.WriteString("Do one of the following:\n")
	b.WriteString("- If a search found nothing, try other terms or a broader pattern.\n")
	b.WriteString("- If you have what you need, finish with the completion marker and your answer.\n")
	b.WriteString("- If something blocks you, explain what you tried and what is in the way.\n")
	b.WriteString("- If you need more context, list the directory or widen the search.\n\n")
	b.WriteString("Your next response must call at least one tool or give a substantive explanation.")
	return b.String()
}

// UnproductiveDirective is injected after several iterations without a tool call
func UnproductiveDirective(iteration, streak int) string {
	return fmt.Sprintf(
		"No tool has been called for %d iterations (now at iteration %d). "+
			"Either call a tool that moves the task forward, or, if the task is done, "+
			"start your response with the completion marker followed by the final answer.",
		streak, iteration)
}

// IterationLimitGuidance asks the user how to proceed once the limit is reached
func IterationLimitGuidance(limit int) string {
	return fmt.Sprintf(
		"Reached the limit of %d iterations without completing the task. "+
			"Reply with how to continue: raise the limit, narrow the task, or point to what to look at next.",
		limit)
}
