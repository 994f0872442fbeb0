package history

import (
	"fmt"

	"github.com/harun/skipper/pkg/conversation"
)

// ViolationKind names a broken log invariant
type ViolationKind string

const (
	DanglingCall          ViolationKind = "dangling_call"
	OrphanReturn          ViolationKind = "orphan_return"
	EmptyResponse         ViolationKind = "empty_response"
	ConsecutiveRequests   ViolationKind = "consecutive_requests"
	DuplicateSystemPrompt ViolationKind = "duplicate_system_prompt"
)

// Violation is one invariant failure found by Validate
type Violation struct {
	Kind   ViolationKind
	Index  int
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at message %d: %s", v.Kind, v.Index, v.Detail)
}

// Validate reports invariant violations without modifying the log
func Validate(log conversation.Log) []Violation {
	var violations []Violation

	dangling := make(map[string]bool)
	for _, id := range log.PendingCallIDs() {
		dangling[id] = true
	}

	seenCalls := make(map[string]bool)
	systemPrompts := 0
	for i, m := range log {
		if m.Role == conversation.RoleResponse && len(m.Parts) == 0 {
			violations = append(violations, Violation{Kind: EmptyResponse, Index: i, Detail: "response has no parts"})
		}
		if i > 0 && m.Role == conversation.RoleRequest && log[i-1].Role == conversation.RoleRequest {
			violations = append(violations, Violation{Kind: ConsecutiveRequests, Index: i, Detail: "request follows request"})
		}
		for _, p := range m.Parts {
			switch p.Kind {
			case conversation.PartToolCall:
				seenCalls[p.ToolCallID] = true
				if dangling[p.ToolCallID] {
					violations = append(violations, Violation{Kind: DanglingCall, Index: i, Detail: p.ToolCallID})
				}
			case conversation.PartToolReturn:
				if !seenCalls[p.ToolCallID] {
					violations = append(violations, Violation{Kind: OrphanReturn, Index: i, Detail: p.ToolCallID})
				}
			case conversation.PartSystemPrompt:
				systemPrompts++
				if systemPrompts > 1 {
					violations = append(violations, Violation{Kind: DuplicateSystemPrompt, Index: i, Detail: "more than one system prompt"})
				}
			}
		}
	}

	return violations
}
