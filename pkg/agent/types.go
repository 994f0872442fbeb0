package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/toolexecutor"
)

// Provider names
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"
)

// Model is a model provider that produces one node per call
type Model interface {
	// Call makes one model request
	Call(ctx context.Context, req ModelRequest) (*Node, error)

	// Provider returns the provider name
	Provider() string
}

// StreamingModel is a Model that can report text deltas while the node is produced
type StreamingModel interface {
	Model
	Stream(ctx context.Context, req ModelRequest, onDelta func(delta string)) (*Node, error)
}

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ModelRequest contains the request parameters for a model call
type ModelRequest struct {
	Model       string
	System      string
	History     conversation.Log
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Node is one unit of model output
type Node struct {
	Text       string
	ToolCalls  []conversation.Part
	Usage      TokenUsage
	StopReason string
}

// HasToolCalls reports whether the node requests any tool execution
func (n *Node) HasToolCalls() bool {
	return n != nil && len(n.ToolCalls) > 0
}

// Message converts the node into a response message. A node with neither text nor
// calls yields an empty message, which the sanitizer removes.
func (n *Node) Message() conversation.Message {
	var parts []conversation.Part
	if n.Text != "" {
		parts = append(parts, conversation.TextPart(n.Text))
	}
	parts = append(parts, n.ToolCalls...)
	return conversation.NewResponse(parts...)
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// AuthProfile represents credentials for one provider
type AuthProfile struct {
	ID            string `json:"id" mapstructure:"id"`
	Provider      string `json:"provider" mapstructure:"provider"` // "anthropic", "openai", "scripted"
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	BaseURL       string `json:"base_url,omitempty" mapstructure:"base_url"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty" mapstructure:"-"`
	FailureCount  int    `json:"failure_count" mapstructure:"-"`
	Priority      int    `json:"priority" mapstructure:"priority"`
}

// ToolSpecsFrom builds model tool specs from executor definitions
func ToolSpecsFrom(defs []toolexecutor.ToolDefinition) []ToolSpec {
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: toolexecutor.SchemaFor(def),
		})
	}
	return specs
}

// IsRetryableError checks if a provider error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// Network errors
	for _, s := range []string{"econnreset", "etimedout", "connection reset", "connection refused", "unexpected eof"} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "overloaded") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// EstimateTokens provides a rough token count for a log
func EstimateTokens(log conversation.Log) int {
	totalChars := 0
	for _, m := range log {
		for _, p := range m.Parts {
			totalChars += len(p.Text) + len(p.Result)
			for k, v := range p.Args {
				totalChars += len(k)
				if s, ok := v.(string); ok {
					totalChars += len(s)
				}
			}
		}
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
