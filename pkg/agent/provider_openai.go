package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/skipper/pkg/conversation"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const rawArgumentsKey = "_raw_arguments"

// OpenAIModel implements StreamingModel for OpenAI-compatible chat completions
type OpenAIModel struct {
	client openai.Client
}

// NewOpenAIModel creates a new OpenAI model. A baseURL points it at any
// OpenAI-compatible endpoint.
func NewOpenAIModel(apiKey, baseURL string) *OpenAIModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIModel{
		client: openai.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *OpenAIModel) Provider() string {
	return ProviderOpenAI
}

// Call makes an API call to OpenAI
func (p *OpenAIModel) Call(ctx context.Context, req ModelRequest) (*Node, error) {
	params, err := openAIParams(req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return nodeFromOpenAI(response)
}

// Stream makes a streaming API call and forwards content deltas
func (p *OpenAIModel) Stream(ctx context.Context, req ModelRequest, onDelta func(string)) (*Node, error) {
	params, err := openAIParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onDelta != nil {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return nodeFromOpenAI(&acc.ChatCompletion)
}

func openAIParams(req ModelRequest) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	// Add system message if provided
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, wm := range conversation.ToWire(req.History) {
		switch wm.Role {
		case "system":
			if req.System == "" {
				messages = append(messages, openai.SystemMessage(wm.Content))
			}
		case "user":
			messages = append(messages, openai.UserMessage(wm.Content))
		case "assistant":
			if len(wm.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(wm.Content))
				continue
			}

			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(wm.ToolCalls))
			for _, tc := range wm.ToolCalls {
				paramsJSON, err := json.Marshal(tc.Parameters)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool parameters: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(paramsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   wm.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case "tool":
			messages = append(messages, openai.ToolMessage(wm.Content, wm.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func nodeFromOpenAI(response *openai.ChatCompletion) (*Node, error) {
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	node := &Node{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		node.ToolCalls = append(node.ToolCalls, conversation.ToolCallPart(tc.ID, tc.Function.Name, parseToolArguments(tc.Function.Arguments)))
	}
	return node, nil
}

// parseToolArguments decodes streamed or hand-written argument JSON. Trailing
// garbage after the first object is ignored. Arguments that cannot be decoded are
// passed through under rawArgumentsKey so the executor rejects the call with a
// validation error the model can act on.
func parseToolArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err == nil {
		return params
	}

	if start := strings.IndexByte(raw, '{'); start >= 0 {
		dec := json.NewDecoder(strings.NewReader(raw[start:]))
		if err := dec.Decode(&params); err == nil {
			return params
		}
	}
	return map[string]any{rawArgumentsKey: raw}
}
