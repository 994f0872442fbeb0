package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/skipper/pkg/conversation"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicModel implements StreamingModel for Anthropic Claude
type AnthropicModel struct {
	client anthropic.Client
}

// NewAnthropicModel creates a new Anthropic model. An empty baseURL uses the default endpoint.
func NewAnthropicModel(apiKey, baseURL string) *AnthropicModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicModel{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *AnthropicModel) Provider() string {
	return ProviderAnthropic
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicModel) Call(ctx context.Context, req ModelRequest) (*Node, error) {
	params := anthropicParams(req)

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return nodeFromAnthropic(response)
}

// Stream makes a streaming API call and forwards text deltas
func (p *AnthropicModel) Stream(ctx context.Context, req ModelRequest, onDelta func(string)) (*Node, error) {
	params := anthropicParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok && onDelta != nil {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return nodeFromAnthropic(&message)
}

// anthropicParams converts the request. Consecutive messages with the same role
// are merged, since the API requires alternating roles and carries tool results in
// user messages.
func anthropicParams(req ModelRequest) anthropic.MessageNewParams {
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}

	var messages []anthropic.MessageParam
	appendBlocks := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, wm := range conversation.ToWire(req.History) {
		switch wm.Role {
		case "system":
			if req.System == "" {
				system = append(system, wm.Content)
			}
		case "user":
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(wm.Content))
		case "tool":
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(wm.ToolCallID, wm.Content, wm.IsError))
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if wm.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(wm.Content))
			}
			for _, tc := range wm.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Parameters, tc.Name))
			}
			if len(blocks) > 0 {
				appendBlocks(anthropic.MessageParamRoleAssistant, blocks...)
			}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.InputSchema["properties"],
					Required:   requiredFields(spec.InputSchema),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func nodeFromAnthropic(response *anthropic.Message) (*Node, error) {
	node := &Node{
		StopReason: string(response.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			var params map[string]any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &params); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			node.ToolCalls = append(node.ToolCalls, conversation.ToolCallPart(b.ID, b.Name, params))
		}
	}
	node.Text = text.String()
	return node, nil
}

// requiredFields reads the "required" list of a JSON schema map
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
