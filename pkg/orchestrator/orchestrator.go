package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/internal/tracing"
	"github.com/harun/skipper/pkg/agent"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/history"
	"github.com/harun/skipper/pkg/recovery"
	"github.com/harun/skipper/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "skipper.orchestrator"

const (
	DefaultMaxIterations     = 15
	DefaultReflectionEvery   = 2
	DefaultReflectionCap     = 5
	DefaultUnproductiveLimit = 3
)

// Limits bounds one turn. Zero values take the defaults; a negative
// ReflectionEvery disables forced reflection.
type Limits struct {
	MaxIterations     int
	TurnTimeout       time.Duration
	MaxParallel       int
	MaxEmptyRetries   int
	ReflectionEvery   int
	ReflectionCap     int
	UnproductiveLimit int
}

func (l Limits) withDefaults() Limits {
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	if l.MaxParallel <= 0 {
		l.MaxParallel = runtime.NumCPU()
	}
	if l.MaxEmptyRetries <= 0 {
		l.MaxEmptyRetries = recovery.DefaultMaxEmptyRetries
	}
	if l.ReflectionEvery == 0 {
		l.ReflectionEvery = DefaultReflectionEvery
	}
	if l.ReflectionCap <= 0 {
		l.ReflectionCap = DefaultReflectionCap
	}
	if l.UnproductiveLimit <= 0 {
		l.UnproductiveLimit = DefaultUnproductiveLimit
	}
	return l
}

// TurnStatus is how a turn ended when it did not fail
type TurnStatus string

const (
	StatusCompleted      TurnStatus = "completed"
	StatusIncomplete     TurnStatus = "incomplete"
	StatusGuidanceNeeded TurnStatus = "guidance_needed"
)

// TurnResult is returned by RunTurn
type TurnResult struct {
	FinalText      string
	UpdatedHistory conversation.Log
	Usage          agent.TokenUsage
	Status         TurnStatus
	Iterations     int
}

// Config holds orchestrator configuration
type Config struct {
	Model        agent.Model
	ModelName    string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Retry        agent.RetryPolicy

	Tools        *toolexecutor.ToolExecutor
	ToolRetry    toolexecutor.RetryConfig
	Policy       *toolexecutor.Policy
	Approvals    *toolexecutor.ApprovalManager
	Allowlist    toolexecutor.Allowlist
	PlanMode     bool
	Unrestricted bool
	WorkingDir   string

	// Registry and Sanitizer are shared by every turn when set. Otherwise each turn
	// gets its own registry and a sanitizer bound to it.
	Registry  *conversation.CallRegistry
	Sanitizer *history.Sanitizer

	Completion CompletionPolicy
	Detector   *recovery.Detector
	Logger     zerolog.Logger
}

// Orchestrator drives turns against one model and tool set
type Orchestrator struct {
	model        agent.Model
	modelName    string
	systemPrompt string
	temperature  float64
	maxTokens    int
	retry        agent.RetryPolicy

	tools        *toolexecutor.ToolExecutor
	toolRetry    toolexecutor.RetryConfig
	policy       *toolexecutor.Policy
	approvals    *toolexecutor.ApprovalManager
	allowlist    toolexecutor.Allowlist
	planMode     bool
	unrestricted bool
	workingDir   string

	registry  *conversation.CallRegistry
	sanitizer *history.Sanitizer

	completion CompletionPolicy
	detector   *recovery.Detector
	logger     zerolog.Logger
}

// New validates cfg and creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = toolexecutor.DefaultPolicy(cfg.Tools.Categorizer())
	}
	if cfg.Completion == nil {
		cfg.Completion = DefaultCompletionPolicy()
	}
	if cfg.Detector == nil {
		cfg.Detector = recovery.NewDetector()
	}

	return &Orchestrator{
		model:        cfg.Model,
		modelName:    cfg.ModelName,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		retry:        cfg.Retry,
		tools:        cfg.Tools,
		toolRetry:    cfg.ToolRetry,
		policy:       cfg.Policy,
		approvals:    cfg.Approvals,
		allowlist:    cfg.Allowlist,
		planMode:     cfg.PlanMode,
		unrestricted: cfg.Unrestricted,
		workingDir:   cfg.WorkingDir,
		registry:     cfg.Registry,
		sanitizer:    cfg.Sanitizer,
		completion:   cfg.Completion,
		detector:     cfg.Detector,
		logger:       cfg.Logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

type turnOptions struct {
	sessionKey   string
	ignoreList   []string
	onSkipFuture func(string)
	onDelta      func(string)
}

// TurnOption customizes a single turn
type TurnOption func(*turnOptions)

// WithSessionKey tags the turn with the session it belongs to
func WithSessionKey(key string) TurnOption {
	return func(o *turnOptions) {
		o.sessionKey = key
	}
}

// WithIgnoreList sets the tools that run without confirmation in this session.
// onSkipFuture is called when the user adds a tool to the list.
func WithIgnoreList(tools []string, onSkipFuture func(string)) TurnOption {
	return func(o *turnOptions) {
		o.ignoreList = tools
		o.onSkipFuture = onSkipFuture
	}
}

// WithOnDelta streams model text to fn when the model supports streaming
func WithOnDelta(fn func(string)) TurnOption {
	return func(o *turnOptions) {
		o.onDelta = fn
	}
}

// RunTurn runs one user turn against hist, which is repaired and extended in
// place. It returns an error only when ctx is cancelled (ErrUserAbort) or the
// turn times out (ErrTurnTimeout); hist is sanitized before either is returned.
func (o *Orchestrator) RunTurn(ctx context.Context, userMessage string, hist *conversation.Log, limits Limits, opts ...TurnOption) (TurnResult, error) {
	if hist == nil {
		return TurnResult{}, fmt.Errorf("history is required")
	}
	limits = limits.withDefaults()

	var options turnOptions
	for _, opt := range opts {
		opt(&options)
	}

	if tracing.GetRunID(ctx) == "" {
		ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	}
	if options.sessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, options.sessionKey)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "turn.run",
		attribute.String("provider", o.model.Provider()),
		attribute.Int("max_iterations", limits.MaxIterations),
	)
	defer span.End()

	if limits.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.TurnTimeout)
		defer cancel()
	}

	t, err := o.newTurn(ctx, userMessage, hist, limits, options)
	if err != nil {
		return TurnResult{}, err
	}

	observability.TurnStarted()
	defer observability.TurnFinished()

	result, err := t.run(ctx)
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("iterations", result.Iterations),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// turn is the mutable state of one RunTurn call
type turn struct {
	o         *Orchestrator
	hist      *conversation.Log
	limits    Limits
	opts      turnOptions
	task      string
	state     *State
	registry  *conversation.CallRegistry
	sanitizer *history.Sanitizer
	engine    *toolexecutor.Engine
	tracker   *recovery.Tracker
	usage     agent.TokenUsage
	logger    zerolog.Logger
	start     time.Time

	// guidance waits for the next model call
	guidance []conversation.Part
}

func (o *Orchestrator) newTurn(ctx context.Context, userMessage string, hist *conversation.Log, limits Limits, opts turnOptions) (*turn, error) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	registry := o.registry
	if registry == nil {
		registry = conversation.NewCallRegistry()
	}
	sanitizer := o.sanitizer
	if sanitizer == nil {
		sanitizer = history.New(history.Config{Registry: registry, Logger: logger})
	}

	authorizer := toolexecutor.NewAuthorizer(toolexecutor.AuthorizerConfig{
		Policy:       o.policy,
		Approvals:    o.approvals,
		Allowlist:    o.allowlist,
		PlanMode:     o.planMode,
		Unrestricted: o.unrestricted,
		IgnoreList:   opts.ignoreList,
		SessionKey:   opts.sessionKey,
		Logger:       logger,
		OnSkipFuture: opts.onSkipFuture,
	})

	engine, err := toolexecutor.NewEngine(toolexecutor.EngineConfig{
		Executor:    o.tools,
		MaxParallel: limits.MaxParallel,
		Registry:    registry,
		Logger:      logger,
		Authorize:   authorizer.Authorize,
		Retry:       o.toolRetry,
		ExecContext: toolexecutor.ExecutionContext{
			SessionKey: opts.sessionKey,
			WorkingDir: o.workingDir,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tool engine: %w", err)
	}

	return &turn{
		o:         o,
		hist:      hist,
		limits:    limits,
		opts:      opts,
		task:      userMessage,
		state:     NewState(),
		registry:  registry,
		sanitizer: sanitizer,
		engine:    engine,
		tracker:   recovery.NewTracker(limits.MaxEmptyRetries),
		logger:    logger,
		start:     time.Now(),
	}, nil
}

func (t *turn) run(ctx context.Context) (TurnResult, error) {
	t.sanitizer.Repair(t.hist)
	t.appendUserRequest()

	for t.state.Iteration < t.limits.MaxIterations {
		if ctx.Err() != nil {
			return t.cleanup(ctx)
		}

		t.state.Iteration++
		if err := t.state.Transition(PhaseAssistant); err != nil {
			return TurnResult{}, err
		}

		done, result, err := t.iterate(ctx)
		if err != nil || done {
			return result, err
		}
		t.logger.Debug().Fields(t.state.Fields()).Msg("Iteration finished")
	}

	return t.limitReached(), nil
}

// iterate runs one model call and whatever it asks for. done reports whether the
// turn is over.
func (t *turn) iterate(ctx context.Context) (bool, TurnResult, error) {
	node, err := t.callModel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			result, err := t.cleanup(ctx)
			return true, result, err
		}
		result, err := t.modelFailed(err)
		return true, result, err
	}
	t.usage.Add(node.Usage)

	if !node.HasToolCalls() {
		if calls := toolexecutor.ParseFallbackCalls(node.Text, t.o.tools.HasTool); len(calls) > 0 {
			t.logger.Info().Int("calls", len(calls)).Msg("Recovered tool calls from response text")
			node.ToolCalls = calls
		}
	}

	body, complete := t.o.completion.Detect(node.Text)
	if !complete {
		if health := t.o.detector.Classify(node.Text, node.HasToolCalls()); health != recovery.Healthy {
			return t.unhealthy(node, health)
		}
	}
	t.tracker.RecordHealthy()
	t.state.EmptyStreak = 0

	rejectedIntention := false
	if complete {
		node.Text = body
		pending := len(node.ToolCalls) + t.engine.Buffer().Pending()
		switch {
		case pending > 0:
			complete = false
			t.rejectCompletion("pending_tool_calls", pending)
		case t.o.completion.PendingIntention(body, t.state.Iteration):
			complete = false
			rejectedIntention = true
			t.rejectCompletion("pending_intention", 0)
		}
	}

	if msg := node.Message(); len(msg.Parts) > 0 {
		t.hist.Append(msg)
	}

	if complete {
		if err := t.state.Transition(PhaseResponse); err != nil {
			return true, TurnResult{}, err
		}
		return true, t.finish(StatusCompleted, body), nil
	}

	if node.HasToolCalls() {
		if err := t.state.Transition(PhaseToolExecution); err != nil {
			return true, TurnResult{}, err
		}
		t.state.UnproductiveStreak = 0
		if err := t.executeTools(ctx, node.ToolCalls); err != nil {
			result, err := t.cleanup(ctx)
			return true, result, err
		}
	} else {
		t.state.UnproductiveStreak++
		switch {
		case rejectedIntention:
			t.appendGuidance(fmt.Sprintf(
				"You announced more work before declaring completion. Do that work with tools first, then start your reply with %q.",
				t.o.completion.CompletionMarker()))
		case t.state.UnproductiveStreak >= t.limits.UnproductiveLimit:
			t.logger.Warn().Int("streak", t.state.UnproductiveStreak).Msg("Unproductive iterations, injecting directive")
			observability.RecordRecoveryDirective("unproductive")
			t.appendGuidance(recovery.UnproductiveDirective(t.state.Iteration, t.state.UnproductiveStreak))
		default:
			t.appendGuidance(fmt.Sprintf(
				"Continue with the task. Call a tool for the next step, or start your reply with %q once it is done.",
				t.o.completion.CompletionMarker()))
		}
	}

	if err := t.state.Transition(PhaseResponse); err != nil {
		return true, TurnResult{}, err
	}

	if err := t.reflect(ctx); err != nil {
		result, err := t.cleanup(ctx)
		return true, result, err
	}
	return false, TurnResult{}, nil
}

func (t *turn) callModel(ctx context.Context) (*agent.Node, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "turn.model_call",
		attribute.Int("iteration", t.state.Iteration),
	)
	defer span.End()

	hist := t.outbound()
	system, _ := hist.SystemPrompt()
	req := agent.ModelRequest{
		Model:       t.o.modelName,
		System:      system,
		History:     hist,
		Tools:       agent.ToolSpecsFrom(t.o.tools.Definitions()),
		Temperature: t.o.temperature,
		MaxTokens:   t.o.maxTokens,
	}

	node, err := agent.CallWithRetry(ctx, t.o.model, req, t.o.retry, t.opts.onDelta, t.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tool_calls", len(node.ToolCalls)))
	return node, nil
}

// unhealthy handles an empty or truncated node: retry with a directive, or give
// up once the tracker escalates.
func (t *turn) unhealthy(node *agent.Node, health recovery.ResponseHealth) (bool, TurnResult, error) {
	t.state.EmptyStreak++
	if health == recovery.Truncated {
		t.hist.Append(node.Message())
	}
	if err := t.state.Transition(PhaseResponse); err != nil {
		return true, TurnResult{}, err
	}

	if t.tracker.RecordEmpty() == recovery.Escalate {
		t.logger.Warn().
			Str("health", health.String()).
			Int("consecutive", t.tracker.Consecutive()).
			Msg("Model kept returning unusable responses")
		return true, t.fallback(StatusIncomplete, ""), nil
	}

	t.logger.Info().
		Str("health", health.String()).
		Int("attempt", t.tracker.Consecutive()).
		Msg("Retrying after unusable response")
	observability.RecordRecoveryDirective(health.String())
	t.appendGuidance(recovery.EmptyResponseDirective(
		t.task, health.String(), t.registry.Recent(recovery.RecentToolLimit), t.tracker.Consecutive()))
	return false, TurnResult{}, nil
}

func (t *turn) rejectCompletion(reason string, pending int) {
	t.logger.Warn().
		Str("reason", reason).
		Int("pending_calls", pending).
		Int("iteration", t.state.Iteration).
		Msg("Completion rejected")
	observability.RecordCompletionRejected(reason)
}

// executeTools runs the calls of one node. Only a cancelled ctx is returned as an
// error; the partial returns of an interrupted node are dropped so the sanitizer
// removes the whole node.
func (t *turn) executeTools(ctx context.Context, calls []conversation.Part) error {
	res, err := t.engine.ExecuteNode(ctx, calls)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Error().Err(err).Msg("Tool execution failed")
		t.sanitizer.Repair(t.hist)
		t.appendGuidance(fmt.Sprintf("Tool execution failed before any result was recorded: %v", err))
		return nil
	}

	if len(res.Returns) > 0 {
		t.hist.Append(conversation.NewResponse(res.Returns...))
	}
	for _, rej := range res.Rejections {
		t.appendGuidance(toolexecutor.RejectionMessage(rej.ToolName, rej.Guidance))
	}

	t.logger.Debug().
		Int("calls", len(calls)).
		Int("batches", len(res.Batches)).
		Int("flushes", res.Flushes).
		Int("rejections", len(res.Rejections)).
		Msg("Tool calls executed")
	return nil
}

// cleanup is the single exit for cancellation and timeout
func (t *turn) cleanup(ctx context.Context) (TurnResult, error) {
	cause := ctx.Err()
	t.engine.Buffer().Clear()
	report := t.sanitizer.Repair(t.hist)

	err, label := ErrUserAbort, "aborted"
	if errors.Is(cause, context.DeadlineExceeded) {
		err, label = ErrTurnTimeout, "timeout"
	}

	t.logger.Warn().
		Err(cause).
		Int("iteration", t.state.Iteration).
		Str("phase", t.state.Phase.String()).
		Strs("removed_calls", report.RemovedCalls).
		Msg("Turn interrupted, history repaired")
	observability.RecordTurn(label, t.state.Iteration, time.Since(t.start))

	return TurnResult{
		UpdatedHistory: t.hist.Clone(),
		Usage:          t.usage,
		Status:         StatusIncomplete,
		Iterations:     t.state.Iteration,
	}, err
}

func (t *turn) modelFailed(cause error) (TurnResult, error) {
	t.logger.Error().Err(cause).Int("iteration", t.state.Iteration).Msg("Model call failed")
	if err := t.state.Transition(PhaseResponse); err != nil {
		return TurnResult{}, err
	}
	return t.fallback(StatusIncomplete, "The model could not be reached, so the turn stopped early."), nil
}

func (t *turn) limitReached() TurnResult {
	t.logger.Warn().Int("limit", t.limits.MaxIterations).Msg("Iteration limit reached")
	return t.fallback(StatusGuidanceNeeded, recovery.IterationLimitGuidance(t.limits.MaxIterations))
}

// fallback appends a summary of the turn as a response and ends the turn with
// status. note is shown to the user after the summary.
func (t *turn) fallback(status TurnStatus, note string) TurnResult {
	t.engine.Buffer().Clear()
	t.sanitizer.Repair(t.hist)

	summary := recovery.Summarize(*t.hist, t.registry, t.state.Iteration).Render()
	t.hist.Append(conversation.NewResponse(conversation.TextPart(summary)))

	text := summary
	if note != "" {
		text = note + "\n\n" + summary
	}
	return t.finish(status, text)
}

func (t *turn) finish(status TurnStatus, text string) TurnResult {
	observability.RecordTurn(string(status), t.state.Iteration, time.Since(t.start))
	t.logger.Info().
		Str("status", string(status)).
		Int("iterations", t.state.Iteration).
		Int("tokens", t.usage.Total()).
		Dur("duration", time.Since(t.start)).
		Msg("Turn finished")

	return TurnResult{
		FinalText:      text,
		UpdatedHistory: t.hist.Clone(),
		Usage:          t.usage,
		Status:         status,
		Iterations:     t.state.Iteration,
	}
}

// appendUserRequest opens the turn with a new request. A request left behind by
// an interrupted turn is collapsed away by the repair. A changed system prompt
// replaces the old one.
func (t *turn) appendUserRequest() {
	var parts []conversation.Part
	if current, _ := t.hist.SystemPrompt(); t.o.systemPrompt != "" && current != t.o.systemPrompt {
		parts = append(parts, conversation.SystemPromptPart(t.o.systemPrompt))
	}
	parts = append(parts, conversation.TextPart(t.task))
	t.hist.Append(conversation.NewRequest(parts...))
	t.sanitizer.Repair(t.hist)
}

// appendGuidance queues text for the model to read before its next call
func (t *turn) appendGuidance(text string) {
	t.guidance = append(t.guidance, conversation.TextPart(text))
}

// outbound repairs the log and returns a copy to send to the model. Queued
// guidance is stored as a new request after a response. After a request it only
// travels with this call, so stored requests are never edited.
func (t *turn) outbound() conversation.Log {
	t.sanitizer.Repair(t.hist)

	parts := t.guidance
	t.guidance = nil
	if last, ok := t.hist.Last(); len(parts) > 0 && (!ok || !last.IsRequest()) {
		t.hist.Append(conversation.NewRequest(parts...))
		parts = nil
	}

	hist := t.hist.Clone()
	if n := len(hist); n > 0 && len(parts) > 0 {
		hist[n-1].Parts = append(hist[n-1].Parts, parts...)
	}
	return hist
}
