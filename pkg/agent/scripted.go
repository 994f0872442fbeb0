package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/skipper/pkg/conversation"
)

// Step is one scripted model response
type Step struct {
	Node Node
	Err  error
	// Block waits until the request context is done
	Block bool
}

// TextStep returns a step producing plain text
func TextStep(text string) Step {
	return Step{Node: Node{Text: text}}
}

// ToolStep returns a step requesting the given tool calls
func ToolStep(text string, calls ...conversation.Part) Step {
	return Step{Node: Node{Text: text, ToolCalls: calls}}
}

// ErrorStep returns a step failing with err
func ErrorStep(err error) Step {
	return Step{Err: err}
}

// BlockingStep returns a step that never answers before cancellation
func BlockingStep() Step {
	return Step{Block: true}
}

// ScriptedModel replays scripted steps in order. It records every request it
// receives and is safe for concurrent use.
type ScriptedModel struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []ModelRequest
}

// NewScriptedModel creates a scripted model
func NewScriptedModel(steps ...Step) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

// NewDryRunModel lists the working directory once and then completes. It lets the
// CLI exercise a full turn without a provider.
func NewDryRunModel() *ScriptedModel {
	return NewScriptedModel(
		Step{Node: Node{
			Text: "Listing the workspace.",
			ToolCalls: []conversation.Part{
				conversation.ToolCallPart(fmt.Sprintf("dry_run_%d", time.Now().UnixNano()), "list_dir", map[string]any{"directory": "."}),
			},
		}},
		TextStep("TASK COMPLETE: Dry run finished. The workspace listing above came from the list_dir tool."),
	)
}

// Provider returns the provider name
func (m *ScriptedModel) Provider() string {
	return ProviderScripted
}

// Call returns the next scripted step
func (m *ScriptedModel) Call(ctx context.Context, req ModelRequest) (*Node, error) {
	step, err := m.advance(req)
	if err != nil {
		return nil, err
	}

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	node := step.Node
	node.ToolCalls = append([]conversation.Part(nil), step.Node.ToolCalls...)
	return &node, nil
}

// Stream returns the next scripted step and emits its text word by word
func (m *ScriptedModel) Stream(ctx context.Context, req ModelRequest, onDelta func(string)) (*Node, error) {
	node, err := m.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && node.Text != "" {
		words := strings.SplitAfter(node.Text, " ")
		for _, w := range words {
			onDelta(w)
		}
	}
	return node, nil
}

func (m *ScriptedModel) advance(req ModelRequest) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.History = req.History.Clone()
	m.requests = append(m.requests, req)

	if m.next >= len(m.steps) {
		return Step{}, fmt.Errorf("scripted model exhausted after %d steps", len(m.steps))
	}
	step := m.steps[m.next]
	m.next++
	return step, nil
}

// Requests returns the requests received so far
func (m *ScriptedModel) Requests() []ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelRequest(nil), m.requests...)
}

// Remaining returns the number of unused steps
func (m *ScriptedModel) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps) - m.next
}
