package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultToolTimeout = 30 * time.Second
	maxOutputSize      = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Category    ToolCategory    `json:"category"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionKey string
	CallID     string
	WorkingDir string
	Timeout    time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts,omitempty"`
	Err       error         `json:"-"`
}

// Text renders the result as the content of a tool return
func (r ToolResult) Text() string {
	if !r.Success {
		return r.Error
	}
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// RetryConfig controls ExecuteWithRetry backoff
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetryConfig is 3 attempts starting at 200ms, doubling up to 5s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Factor:      2,
	}
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools       map[string]*ToolDefinition
	schemas     map[string]*gojsonschema.Schema
	categorizer *Categorizer
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// New creates a new ToolExecutor. Registered tools are also registered with the categorizer.
func New(categorizer *Categorizer, logger zerolog.Logger) *ToolExecutor {
	if categorizer == nil {
		categorizer = NewCategorizer()
	}
	return &ToolExecutor{
		tools:       make(map[string]*ToolDefinition),
		schemas:     make(map[string]*gojsonschema.Schema),
		categorizer: categorizer,
		logger:      logger.With().Str("component", "tool_executor").Logger(),
	}
}

// Categorizer returns the categorizer tools are registered with
func (te *ToolExecutor) Categorizer() *Categorizer {
	return te.categorizer
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(SchemaFor(def)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	if def.Category != "" {
		if err := te.categorizer.Register(def.Name, def.Category); err != nil {
			return err
		}
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	te.logger.Debug().Str("tool", def.Name).Str("category", string(te.categorizer.Categorize(def.Name))).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// HasTool reports whether a tool is registered
func (te *ToolExecutor) HasTool(name string) bool {
	return te.GetTool(name) != nil
}

// ListTools returns registered tool names in sorted order
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Definitions returns registered definitions in name order
func (te *ToolExecutor) Definitions() []ToolDefinition {
	names := te.ListTools()
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if def, ok := te.tools[name]; ok {
			defs = append(defs, *def)
		}
	}
	return defs
}

// Execute runs a tool once with parameter validation and a timeout
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		te.logger.Warn().Str("tool", toolName).Msg("Tool not found")
		return failure(fmt.Errorf("%w: %s", ErrToolNotFound, toolName), startTime)
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := validateParameters(schema, params); err != nil {
		te.logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return failure(fmt.Errorf("%w: %v", ErrValidation, err), startTime)
	}

	timeout := defaultToolTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		output, truncated := truncateOutput(result)
		duration := time.Since(startTime)
		observability.RecordToolExecution(toolName, duration, true)

		te.logger.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Duration:  duration,
		}

	case err := <-errChan:
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		if ctx.Err() != nil {
			return failure(ctx.Err(), startTime)
		}
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return failure(fmt.Errorf("%w after %v", ErrToolTimeout, timeout), startTime)
		}
		te.logger.Debug().Str("tool", toolName).Err(err).Msg("Tool execution failed")
		return failure(&ToolExecutionError{Tool: toolName, Err: err, Permanent: isPermanent(err)}, startTime)

	case <-timeoutCtx.Done():
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		if ctx.Err() != nil {
			return failure(ctx.Err(), startTime)
		}
		te.logger.Warn().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
		return failure(fmt.Errorf("%w after %v", ErrToolTimeout, timeout), startTime)
	}
}

// ExecuteWithRetry runs Execute and retries retryable failures with exponential
// backoff and jitter. Waits between attempts return early when ctx is done.
func (te *ToolExecutor) ExecuteWithRetry(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext, cfg RetryConfig) ToolResult {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var result ToolResult
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result = te.Execute(ctx, toolName, params, execCtx)
		result.Attempts = attempt
		if result.Success || !IsRetryable(result.Err) || attempt == cfg.MaxAttempts {
			return result
		}

		wait := withJitter(delay)
		te.logger.Debug().
			Str("tool", toolName).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(result.Err).
			Msg("Retrying tool call")
		observability.RecordToolRetry(toolName)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			res := failure(ctx.Err(), time.Now())
			res.Attempts = attempt
			return res
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return result
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 20%
	jitter := time.Duration(rand.Int63n(int64(d)/5*2+1)) - d/5
	return d + jitter
}

func failure(err error, start time.Time) ToolResult {
	return ToolResult{
		Success:  false,
		Error:    err.Error(),
		Err:      err,
		Duration: time.Since(start),
	}
}

func isPermanent(err error) bool {
	var execErr *ToolExecutionError
	return errors.As(err, &execErr) && execErr.Permanent
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Category != "" && !IsValidCategory(string(def.Category)) {
		return fmt.Errorf("invalid category %s", def.Category)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// SchemaFor builds the JSON Schema object for a tool's parameters. The same
// map is sent to the model as the tool's input schema.
func SchemaFor(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}

	return nil
}

func truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		data, err := json.Marshal(output)
		if err != nil {
			str = fmt.Sprintf("%v", output)
		} else {
			str = string(data)
		}
	}

	if len(str) <= maxOutputSize {
		return output, false
	}

	return str[:maxOutputSize] + "\n... [output truncated]", true
}
