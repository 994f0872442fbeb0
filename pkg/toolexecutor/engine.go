package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Outcome is what authorization decided for one call
type Outcome int

const (
	OutcomeRun Outcome = iota
	OutcomeDenied
	OutcomeRejected
)

// AuthorizationResult is returned by an AuthorizeFunc
type AuthorizationResult struct {
	Outcome    Outcome
	Reason     string
	Guidance   string
	SkipFuture bool
}

// AuthorizeFunc decides whether a call may run. A non-nil error aborts the node.
type AuthorizeFunc func(ctx context.Context, call conversation.Part, category ToolCategory) (AuthorizationResult, error)

// Rejection is a call the user refused, with the guidance they gave
type Rejection struct {
	CallID   string
	ToolName string
	Guidance string
}

// BatchStat describes one concurrent sub-batch
type BatchStat struct {
	Bucket   string
	Size     int
	Duration time.Duration
}

// NodeResult holds the returns of one node in original call order
type NodeResult struct {
	Returns    []conversation.Part
	Rejections []Rejection
	Batches    []BatchStat
	Flushes    int
}

// EngineConfig configures an Engine
type EngineConfig struct {
	Executor    *ToolExecutor
	Categorizer *Categorizer
	MaxParallel int
	Registry    *conversation.CallRegistry
	Logger      zerolog.Logger
	Authorize   AuthorizeFunc
	Retry       RetryConfig
	ExecContext ExecutionContext
}

// Engine executes the tool calls of a node. Research calls run first, read-only
// calls are buffered and run concurrently, and write/execute calls run one at a
// time after the buffer has drained.
type Engine struct {
	executor    *ToolExecutor
	categorizer *Categorizer
	maxParallel int
	registry    *conversation.CallRegistry
	logger      zerolog.Logger
	authorize   AuthorizeFunc
	retry       RetryConfig
	execCtx     ExecutionContext
	buffer      *Buffer

	slots   []conversation.Part
	filled  []bool
	current *NodeResult
}

type bufferedCall struct {
	index int
	call  conversation.Part
}

// Buffer queues read-only calls until the next flush
type Buffer struct {
	engine  *Engine
	pending []bufferedCall
}

// NewEngine validates the config and creates an engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Categorizer == nil {
		cfg.Categorizer = cfg.Executor.Categorizer()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	if cfg.Registry == nil {
		cfg.Registry = conversation.NewCallRegistry()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	e := &Engine{
		executor:    cfg.Executor,
		categorizer: cfg.Categorizer,
		maxParallel: cfg.MaxParallel,
		registry:    cfg.Registry,
		logger:      cfg.Logger.With().Str("component", "tool_engine").Logger(),
		authorize:   cfg.Authorize,
		retry:       cfg.Retry,
		execCtx:     cfg.ExecContext,
	}
	e.buffer = &Buffer{engine: e}
	return e, nil
}

// Buffer returns the read-only call buffer
func (e *Engine) Buffer() *Buffer {
	return e.buffer
}

// MaxParallel returns the concurrency limit
func (e *Engine) MaxParallel() int {
	return e.maxParallel
}

// ExecuteNode runs calls and returns their tool returns in call order. When ctx is
// cancelled the unfinished calls are marked cancelled and ctx.Err() is returned
// together with whatever returns were already produced.
func (e *Engine) ExecuteNode(ctx context.Context, calls []conversation.Part) (NodeResult, error) {
	result := NodeResult{}
	if len(calls) == 0 {
		return result, nil
	}

	e.slots = make([]conversation.Part, len(calls))
	e.filled = make([]bool, len(calls))
	e.current = &result
	defer func() {
		e.slots, e.filled, e.current = nil, nil, nil
	}()

	for _, call := range calls {
		e.registry.Register(call)
	}

	var research []bufferedCall
	var ordered []bufferedCall
	for i, call := range calls {
		if e.categorizer.Categorize(call.ToolName) == CategoryResearch {
			research = append(research, bufferedCall{index: i, call: call})
		} else {
			ordered = append(ordered, bufferedCall{index: i, call: call})
		}
	}

	err := e.run(ctx, research, ordered)

	for i, ok := range e.filled {
		if ok {
			result.Returns = append(result.Returns, e.slots[i])
		}
	}

	if err != nil {
		e.buffer.Clear()
		for i, call := range calls {
			if !e.filled[i] {
				e.registry.Cancel(call.ToolCallID)
			}
		}
		e.logger.Warn().Err(err).Int("calls", len(calls)).Int("finished", len(result.Returns)).Msg("Node execution interrupted")
		return result, err
	}

	return result, nil
}

func (e *Engine) run(ctx context.Context, research, ordered []bufferedCall) error {
	if len(research) > 0 {
		if err := e.runConcurrent(ctx, "research", research); err != nil {
			return err
		}
	}

	for _, bc := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}

		cat := e.categorizer.Categorize(bc.call.ToolName)
		if !cat.Sequential() {
			e.buffer.add(bc)
			continue
		}

		if e.buffer.Pending() > 0 {
			if _, err := e.buffer.Flush(ctx); err != nil {
				return err
			}
		}
		if err := e.runSequential(ctx, bc, cat); err != nil {
			return err
		}
	}

	if e.buffer.Pending() > 0 {
		if _, err := e.buffer.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered calls
func (b *Buffer) Pending() int {
	return len(b.pending)
}

// Add queues a read-only call at the end of the buffer
func (b *Buffer) Add(call conversation.Part) {
	b.add(bufferedCall{index: -1, call: call})
}

func (b *Buffer) add(bc bufferedCall) {
	b.pending = append(b.pending, bc)
}

// Clear drops all buffered calls without running them
func (b *Buffer) Clear() {
	b.pending = nil
}

// Flush runs all buffered calls concurrently and empties the buffer. It returns the
// produced tool returns in buffer order.
func (b *Buffer) Flush(ctx context.Context) ([]conversation.Part, error) {
	calls := b.pending
	b.pending = nil
	if len(calls) == 0 {
		return nil, nil
	}

	e := b.engine
	standalone := e.current == nil
	if standalone {
		e.slots = make([]conversation.Part, len(calls))
		e.filled = make([]bool, len(calls))
		e.current = &NodeResult{}
		defer func() {
			e.slots, e.filled, e.current = nil, nil, nil
		}()
		for i := range calls {
			calls[i].index = i
			e.registry.Register(calls[i].call)
		}
	}

	e.current.Flushes++
	e.logger.Debug().Int("calls", len(calls)).Msg("Flushing read-only buffer")

	err := e.runConcurrent(ctx, "read_only", calls)

	var out []conversation.Part
	for _, bc := range calls {
		if e.filled[bc.index] {
			out = append(out, e.slots[bc.index])
		} else if err != nil {
			e.registry.Cancel(bc.call.ToolCallID)
		}
	}
	return out, err
}

// runConcurrent authorizes calls in order, then runs the permitted ones in
// sub-batches of at most maxParallel.
func (e *Engine) runConcurrent(ctx context.Context, bucket string, calls []bufferedCall) error {
	var runnable []bufferedCall
	for _, bc := range calls {
		ok, err := e.authorizeCall(ctx, bc, e.categorizer.Categorize(bc.call.ToolName))
		if err != nil {
			return err
		}
		if ok {
			runnable = append(runnable, bc)
		}
	}

	for start := 0; start < len(runnable); start += e.maxParallel {
		end := start + e.maxParallel
		if end > len(runnable) {
			end = len(runnable)
		}
		batch := runnable[start:end]

		if err := ctx.Err(); err != nil {
			return err
		}

		began := time.Now()
		results := make([]ToolResult, len(batch))

		var g errgroup.Group
		g.SetLimit(e.maxParallel)
		for i, bc := range batch {
			g.Go(func() error {
				e.registry.MarkRunning(bc.call.ToolCallID)
				results[i] = e.executor.ExecuteWithRetry(ctx, bc.call.ToolName, bc.call.Args, e.execContextFor(bc.call), e.retry)
				return nil
			})
		}
		_ = g.Wait()

		observability.RecordToolBatch(len(batch))
		e.current.Batches = append(e.current.Batches, BatchStat{Bucket: bucket, Size: len(batch), Duration: time.Since(began)})

		interrupted := ctx.Err() != nil
		for i, bc := range batch {
			if interrupted && !results[i].Success && isContextErr(results[i].Err) {
				continue
			}
			e.record(bc, results[i])
		}
		if interrupted {
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) runSequential(ctx context.Context, bc bufferedCall, cat ToolCategory) error {
	ok, err := e.authorizeCall(ctx, bc, cat)
	if err != nil || !ok {
		return err
	}

	e.registry.MarkRunning(bc.call.ToolCallID)
	res := e.executor.ExecuteWithRetry(ctx, bc.call.ToolName, bc.call.Args, e.execContextFor(bc.call), e.retry)
	if ctx.Err() != nil && !res.Success && isContextErr(res.Err) {
		return ctx.Err()
	}
	e.record(bc, res)
	return nil
}

func (e *Engine) authorizeCall(ctx context.Context, bc bufferedCall, cat ToolCategory) (bool, error) {
	if e.authorize == nil {
		return true, nil
	}

	auth, err := e.authorize(ctx, bc.call, cat)
	if err != nil {
		return false, err
	}

	switch auth.Outcome {
	case OutcomeDenied:
		msg := auth.Reason
		if msg == "" {
			msg = DenyMessage(bc.call.ToolName)
		}
		e.registry.Fail(bc.call.ToolCallID, msg)
		e.fill(bc.index, conversation.ToolReturnPart(bc.call.ToolCallID, bc.call.ToolName, msg, true))
		return false, nil

	case OutcomeRejected:
		e.registry.Cancel(bc.call.ToolCallID)
		e.fill(bc.index, conversation.ToolReturnPart(bc.call.ToolCallID, bc.call.ToolName,
			fmt.Sprintf("Tool '%s' was not run: the user declined it.", bc.call.ToolName), true))
		e.current.Rejections = append(e.current.Rejections, Rejection{
			CallID:   bc.call.ToolCallID,
			ToolName: bc.call.ToolName,
			Guidance: auth.Guidance,
		})
		return false, nil
	}
	return true, nil
}

func (e *Engine) record(bc bufferedCall, res ToolResult) {
	text := res.Text()
	if res.Success {
		e.registry.Complete(bc.call.ToolCallID, text)
	} else {
		e.registry.Fail(bc.call.ToolCallID, text)
	}
	e.fill(bc.index, conversation.ToolReturnPart(bc.call.ToolCallID, bc.call.ToolName, text, !res.Success))
}

func (e *Engine) fill(index int, part conversation.Part) {
	e.slots[index] = part
	e.filled[index] = true
}

func (e *Engine) execContextFor(call conversation.Part) *ExecutionContext {
	ec := e.execCtx
	ec.CallID = call.ToolCallID
	return &ec
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
