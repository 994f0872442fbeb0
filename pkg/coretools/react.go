package coretools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/skipper/pkg/toolexecutor"
)

const maxScratchpadEntries = 100

// ScratchpadEntry is one think or observe step
type ScratchpadEntry struct {
	Type       string `json:"type"`
	Thoughts   string `json:"thoughts,omitempty"`
	NextAction string `json:"next_action,omitempty"`
	Result     string `json:"result,omitempty"`
}

func (e ScratchpadEntry) String() string {
	if e.Type == "think" {
		return fmt.Sprintf("thoughts='%s', next_action='%s'", e.Thoughts, e.NextAction)
	}
	return fmt.Sprintf("result='%s'", e.Result)
}

// Scratchpad keeps a per-session timeline of react entries. Only the newest
// entries are retained.
type Scratchpad struct {
	mu       sync.Mutex
	timeline map[string][]ScratchpadEntry
}

// NewScratchpad creates an empty scratchpad
func NewScratchpad() *Scratchpad {
	return &Scratchpad{timeline: make(map[string][]ScratchpadEntry)}
}

// Append records entry for session
func (s *Scratchpad) Append(session string, entry ScratchpadEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.timeline[session], entry)
	if len(entries) > maxScratchpadEntries {
		entries = entries[len(entries)-maxScratchpadEntries:]
	}
	s.timeline[session] = entries
}

// Entries returns a copy of the session's timeline
func (s *Scratchpad) Entries(session string) []ScratchpadEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScratchpadEntry(nil), s.timeline[session]...)
}

// Clear drops the session's timeline
func (s *Scratchpad) Clear(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timeline, session)
}

// Render lists the timeline as numbered "N. type: ..." lines
func (s *Scratchpad) Render(session string) string {
	entries := s.Entries(session)
	if len(entries) == 0 {
		return "React scratchpad is empty"
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%d. %s: %s", i+1, e.Type, e)
	}
	return strings.Join(lines, "\n")
}

func reactTool(opts Options) toolexecutor.ToolDefinition {
	pad := opts.Scratchpad
	return toolexecutor.ToolDefinition{
		Name:        "react",
		Description: "ReAct scratchpad for tracking think and observe steps. Actions: think, observe, get, clear.",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "action", Type: "string", Description: "One of think, observe, get, clear", Required: true},
			{Name: "thoughts", Type: "string", Description: "Thought content for think"},
			{Name: "next_action", Type: "string", Description: "Planned next action for think"},
			{Name: "result", Type: "string", Description: "Observation for observe"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			session := ""
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				session = execCtx.SessionKey
			}

			switch action := stringParam(params, "action"); action {
			case "think":
				thoughts := strings.TrimSpace(stringParam(params, "thoughts"))
				next := strings.TrimSpace(stringParam(params, "next_action"))
				if thoughts == "" {
					return nil, toolexecutor.Permanent(fmt.Errorf("provide thoughts when using react think action"))
				}
				if next == "" {
					return nil, toolexecutor.Permanent(fmt.Errorf("specify next_action when recording react thoughts"))
				}
				pad.Append(session, ScratchpadEntry{Type: "think", Thoughts: thoughts, NextAction: next})
				return "Recorded think step", nil
			case "observe":
				result := strings.TrimSpace(stringParam(params, "result"))
				if result == "" {
					return nil, toolexecutor.Permanent(fmt.Errorf("provide result when using react observe action"))
				}
				pad.Append(session, ScratchpadEntry{Type: "observe", Result: result})
				return "Recorded observation", nil
			case "get":
				return pad.Render(session), nil
			case "clear":
				pad.Clear(session)
				return "React scratchpad cleared", nil
			default:
				return nil, toolexecutor.Permanent(fmt.Errorf("invalid react action %q; use one of think, observe, get, clear", action))
			}
		},
	}
}
