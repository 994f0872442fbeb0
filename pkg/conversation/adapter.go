package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WireToolCall is the provider-facing shape of a tool invocation
type WireToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// WireMessage is the role/content shape used by provider SDKs and legacy session files.
// Roles are "system", "user", "assistant" and "tool".
type WireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// FromWire converts wire messages into the canonical log
func FromWire(msgs []WireMessage) (Log, error) {
	log := make(Log, 0, len(msgs))
	for i, wm := range msgs {
		m, err := fromWireMessage(wm)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		log = append(log, m)
	}
	return log, nil
}

func fromWireMessage(wm WireMessage) (Message, error) {
	switch strings.ToLower(wm.Role) {
	case "system":
		return NewRequest(SystemPromptPart(wm.Content)), nil
	case "user":
		return UserText(wm.Content), nil
	case "assistant", "model":
		var parts []Part
		if wm.Content != "" {
			parts = append(parts, TextPart(wm.Content))
		}
		for _, tc := range wm.ToolCalls {
			parts = append(parts, ToolCallPart(tc.ID, tc.Name, tc.Parameters))
		}
		return NewResponse(parts...), nil
	case "tool":
		if wm.ToolCallID == "" {
			return Message{}, fmt.Errorf("tool message without tool_call_id")
		}
		return NewResponse(ToolReturnPart(wm.ToolCallID, wm.ToolName, wm.Content, wm.IsError)), nil
	default:
		return Message{}, fmt.Errorf("unknown role %q", wm.Role)
	}
}

// ToWire flattens the canonical log into wire messages. System prompts become
// "system" messages and each tool return becomes its own "tool" message.
func ToWire(log Log) []WireMessage {
	out := make([]WireMessage, 0, len(log))
	for _, m := range log {
		switch m.Role {
		case RoleRequest:
			var text []string
			for _, p := range m.Parts {
				switch p.Kind {
				case PartSystemPrompt:
					out = append(out, WireMessage{Role: "system", Content: p.Text})
				case PartText:
					text = append(text, p.Text)
				}
			}
			if len(text) > 0 {
				out = append(out, WireMessage{Role: "user", Content: strings.Join(text, "\n")})
			}
		case RoleResponse:
			var assistant *WireMessage
			var returns []WireMessage
			for _, p := range m.Parts {
				switch p.Kind {
				case PartText:
					if assistant == nil {
						assistant = &WireMessage{Role: "assistant"}
					}
					assistant.Content += p.Text
				case PartToolCall:
					if assistant == nil {
						assistant = &WireMessage{Role: "assistant"}
					}
					assistant.ToolCalls = append(assistant.ToolCalls, WireToolCall{
						ID:         p.ToolCallID,
						Name:       p.ToolName,
						Parameters: p.Args,
					})
				case PartToolReturn:
					returns = append(returns, WireMessage{
						Role:       "tool",
						Content:    p.Result,
						ToolCallID: p.ToolCallID,
						ToolName:   p.ToolName,
						IsError:    p.IsError,
					})
				}
			}
			if assistant != nil {
				out = append(out, *assistant)
			}
			out = append(out, returns...)
		}
	}
	return out
}

// FromMap decodes a loosely typed map such as a legacy session line into a WireMessage
func FromMap(raw map[string]any) (WireMessage, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return WireMessage{}, fmt.Errorf("failed to encode message map: %w", err)
	}
	var wm WireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return WireMessage{}, fmt.Errorf("failed to decode message map: %w", err)
	}
	if wm.Role == "" {
		return WireMessage{}, fmt.Errorf("message map has no role")
	}
	return wm, nil
}
