package conversation

import (
	"strings"
	"time"
)

// Role identifies which side of the exchange produced a message
type Role string

const (
	RoleRequest  Role = "request"
	RoleResponse Role = "response"
)

// PartKind discriminates the Part union
type PartKind string

const (
	PartText         PartKind = "text"
	PartToolCall     PartKind = "tool_call"
	PartToolReturn   PartKind = "tool_return"
	PartSystemPrompt PartKind = "system_prompt"
)

// Part is one element of a message. Which fields are meaningful depends on Kind:
// Text and SystemPrompt use Text; ToolCall uses ToolCallID, ToolName and Args;
// ToolReturn uses ToolCallID, ToolName, Result and IsError.
type Part struct {
	Kind       PartKind       `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// TextPart creates a plain text part
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// SystemPromptPart creates a system prompt part
func SystemPromptPart(content string) Part {
	return Part{Kind: PartSystemPrompt, Text: content}
}

// ToolCallPart creates a tool call part
func ToolCallPart(id, name string, args map[string]any) Part {
	if args == nil {
		args = map[string]any{}
	}
	return Part{Kind: PartToolCall, ToolCallID: id, ToolName: name, Args: args}
}

// ToolReturnPart creates a tool return part answering the call with the given id
func ToolReturnPart(callID, name, result string, isError bool) Part {
	return Part{Kind: PartToolReturn, ToolCallID: callID, ToolName: name, Result: result, IsError: isError}
}

// IsToolCall reports whether the part is a tool call
func (p Part) IsToolCall() bool { return p.Kind == PartToolCall }

// IsToolReturn reports whether the part is a tool return
func (p Part) IsToolReturn() bool { return p.Kind == PartToolReturn }

func (p Part) clone() Part {
	if p.Args != nil {
		args := make(map[string]any, len(p.Args))
		for k, v := range p.Args {
			args[k] = v
		}
		p.Args = args
	}
	return p
}

// Message is a single entry of the conversation log
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewRequest builds a request message from parts
func NewRequest(parts ...Part) Message {
	return Message{Role: RoleRequest, Parts: parts, Timestamp: time.Now().UTC()}
}

// NewResponse builds a response message from parts
func NewResponse(parts ...Part) Message {
	return Message{Role: RoleResponse, Parts: parts, Timestamp: time.Now().UTC()}
}

// UserText is shorthand for a request carrying one text part
func UserText(text string) Message {
	return NewRequest(TextPart(text))
}

// IsRequest reports whether the message has the request role
func (m Message) IsRequest() bool { return m.Role == RoleRequest }

// IsResponse reports whether the message has the response role
func (m Message) IsResponse() bool { return m.Role == RoleResponse }

// Text concatenates the text parts of the message
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool call parts of the message in order
func (m Message) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// HasToolCalls reports whether the message carries at least one tool call
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			return true
		}
	}
	return false
}

// Clone deep-copies the parts slice and argument maps
func (m Message) Clone() Message {
	parts := make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = p.clone()
	}
	m.Parts = parts
	return m
}

// Log is the ordered conversation history of a session
type Log []Message

// Append adds messages to the end of the log
func (l *Log) Append(msgs ...Message) {
	*l = append(*l, msgs...)
}

// Len returns the number of messages
func (l Log) Len() int { return len(l) }

// Last returns the final message, if any
func (l Log) Last() (Message, bool) {
	if len(l) == 0 {
		return Message{}, false
	}
	return l[len(l)-1], true
}

// Clone returns a deep copy of the log
func (l Log) Clone() Log {
	if l == nil {
		return nil
	}
	out := make(Log, len(l))
	for i, m := range l {
		out[i] = m.Clone()
	}
	return out
}

// ToolCalls returns every tool call part in the log in order
func (l Log) ToolCalls() []Part {
	var calls []Part
	for _, m := range l {
		calls = append(calls, m.ToolCalls()...)
	}
	return calls
}

// PendingCallIDs returns ids of tool calls that have no matching tool return before
// the next request message. The whole log is scanned, not only the tail.
func (l Log) PendingCallIDs() []string {
	var pending []string
	for i, m := range l {
		for _, p := range m.Parts {
			if p.Kind != PartToolCall {
				continue
			}
			if !l.answeredAfter(i, p.ToolCallID) {
				pending = append(pending, p.ToolCallID)
			}
		}
	}
	return pending
}

func (l Log) answeredAfter(index int, callID string) bool {
	for j := index; j < len(l); j++ {
		if j > index && l[j].Role == RoleRequest {
			return false
		}
		for _, p := range l[j].Parts {
			if p.Kind == PartToolReturn && p.ToolCallID == callID {
				return true
			}
		}
	}
	return false
}

// SystemPrompt returns the most recent system prompt content
func (l Log) SystemPrompt() (string, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		for j := len(l[i].Parts) - 1; j >= 0; j-- {
			if l[i].Parts[j].Kind == PartSystemPrompt {
				return l[i].Parts[j].Text, true
			}
		}
	}
	return "", false
}

// LastResponseText returns the text of the most recent response that has any
func (l Log) LastResponseText() string {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Role == RoleResponse {
			if text := l[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
