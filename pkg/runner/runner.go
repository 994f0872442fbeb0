package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/internal/tracing"
	"github.com/harun/skipper/pkg/commandqueue"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/history"
	"github.com/harun/skipper/pkg/hooks"
	"github.com/harun/skipper/pkg/orchestrator"
	"github.com/harun/skipper/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "skipper.runner"

// BuildFunc constructs an orchestrator for spec
type BuildFunc func(spec orchestrator.AgentSpec) (*orchestrator.Orchestrator, error)

// Config holds runner configuration
type Config struct {
	Store session.Store
	Queue *commandqueue.Queue
	// Cache is created when nil
	Cache *orchestrator.Cache
	Build BuildFunc
	// Spec is used when Params.Spec is nil
	Spec orchestrator.AgentSpec
	// IgnoreList seeds the per-session list of tools that skip confirmation
	IgnoreList []string
	// MaxMessages prunes the oldest exchanges before saving, 0 keeps everything
	MaxMessages int
	// Hooks run around each turn; failures are logged and never fail the turn
	Hooks  *hooks.Manager
	Logger zerolog.Logger
}

// Params describes one turn
type Params struct {
	SessionKey string
	Prompt     string
	Spec       *orchestrator.AgentSpec
	OnDelta    func(string)
}

// Result is the outcome of Run
type Result struct {
	orchestrator.TurnResult
	SessionKey string
	Aborted    bool
	Repair     history.Report
}

// Runner runs turns with session persistence
type Runner struct {
	store  session.Store
	queue  *commandqueue.Queue
	cache  *orchestrator.Cache
	build  BuildFunc
	spec   orchestrator.AgentSpec
	hooks  *hooks.Manager
	logger zerolog.Logger

	maxMessages int

	ignoreSeed []string
	ignoreMu   sync.Mutex
	ignored    map[string][]string

	// runs holds every turn of a session, waiting in the lane or running
	runs   map[string]map[*activeRun]struct{}
	runsMu sync.RWMutex
}

type activeRun struct {
	cancel  context.CancelFunc
	running bool
}

// New creates a runner
func New(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Build == nil {
		return nil, fmt.Errorf("orchestrator builder is required")
	}

	cache := cfg.Cache
	if cache == nil {
		cache = orchestrator.NewCache()
	}

	return &Runner{
		store:       cfg.Store,
		queue:       cfg.Queue,
		cache:       cache,
		build:       cfg.Build,
		spec:        cfg.Spec,
		maxMessages: cfg.MaxMessages,
		hooks:       cfg.Hooks,
		logger:      cfg.Logger.With().Str("component", "runner").Logger(),
		ignoreSeed:  cfg.IgnoreList,
		ignored:     make(map[string][]string),
		runs:        make(map[string]map[*activeRun]struct{}),
	}, nil
}

func lane(sessionKey string) string {
	return "session-" + sessionKey
}

// Run waits for the session lane and runs one turn. The updated log is saved
// even when the turn is aborted or times out; Result.Aborted is set and the
// orchestrator's error is returned alongside it.
func (r *Runner) Run(ctx context.Context, params Params) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := session.ValidateKey(params.SessionKey); err != nil {
		return Result{}, err
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	ctx, span := tracing.StartSpan(ctx, tracerName, "runner.run",
		attribute.String("session_key", params.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_key", params.SessionKey).Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := r.register(params.SessionKey, cancel)
	defer r.unregister(params.SessionKey, run)

	var result Result
	started := false
	err := r.queue.Run(ctx, lane(params.SessionKey), func(taskCtx context.Context) error {
		if err := taskCtx.Err(); err != nil {
			return err
		}
		started = true
		r.setRunning(run)
		var runErr error
		result, runErr = r.execute(taskCtx, params)
		return runErr
	})

	if err != nil && !started && ctx.Err() != nil {
		logger.Info().Err(err).Msg("Session turn cancelled before it started")
		result = Result{SessionKey: params.SessionKey, Aborted: true}
		err = orchestrator.ErrUserAbort
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = orchestrator.ErrTurnTimeout
		}
	}

	if err != nil {
		if !result.Aborted {
			logger.Error().Err(err).Msg("Session turn failed")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (r *Runner) execute(ctx context.Context, params Params) (Result, error) {
	key := params.SessionKey
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_key", key).Logger()
	result := Result{SessionKey: key}

	spec := r.spec
	if params.Spec != nil {
		spec = *params.Spec
	}
	orch, err := r.cache.GetOrCreate(spec, func() (*orchestrator.Orchestrator, error) {
		return r.build(spec)
	})
	if err != nil {
		return result, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	log, err := r.store.Load(ctx, key)
	if err != nil {
		return result, fmt.Errorf("failed to load session: %w", err)
	}
	result.Repair = history.New(history.Config{Logger: logger}).Repair(&log)
	if result.Repair.Changed() {
		logger.Info().
			Strs("removed_calls", result.Repair.RemovedCalls).
			Int("removed_empty", result.Repair.RemovedEmpty).
			Msg("Repaired restored session")
	}

	r.trigger(ctx, logger, hooks.EventTurnStart, map[string]interface{}{
		"session_key": key,
		"prompt":      params.Prompt,
	})

	turn, turnErr := orch.RunTurn(ctx, params.Prompt, &log, spec.Limits,
		orchestrator.WithSessionKey(key),
		orchestrator.WithIgnoreList(r.IgnoreList(key), func(tool string) { r.addIgnored(key, tool) }),
		orchestrator.WithOnDelta(params.OnDelta),
	)
	result.TurnResult = turn
	result.Aborted = errors.Is(turnErr, orchestrator.ErrUserAbort) || errors.Is(turnErr, orchestrator.ErrTurnTimeout)

	if turnErr != nil && !result.Aborted {
		r.trigger(context.WithoutCancel(ctx), logger, hooks.EventTurnFailed, map[string]interface{}{
			"session_key": key,
			"error":       turnErr.Error(),
		})
		return result, turnErr
	}

	if r.maxMessages > 0 {
		log = session.PruneLog(log, r.maxMessages)
	}
	// the log is already sanitized, so it is saved even after an abort
	if err := r.store.Save(context.WithoutCancel(ctx), key, log); err != nil {
		return result, errors.Join(turnErr, fmt.Errorf("failed to save session: %w", err))
	}
	observability.RecordTurnAudit(ctx, key, string(turn.Status), map[string]interface{}{
		"iterations": turn.Iterations,
		"aborted":    result.Aborted,
	})

	r.trigger(context.WithoutCancel(ctx), logger, hooks.EventTurnEnd, map[string]interface{}{
		"session_key": key,
		"status":      string(turn.Status),
		"iterations":  turn.Iterations,
		"aborted":     result.Aborted,
	})

	logger.Debug().
		Str("status", string(turn.Status)).
		Int("iterations", turn.Iterations).
		Bool("aborted", result.Aborted).
		Msg("Session turn finished")
	return result, turnErr
}

func (r *Runner) trigger(ctx context.Context, logger zerolog.Logger, event string, data map[string]interface{}) {
	if err := r.hooks.Trigger(ctx, event, data); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
	}
}

func (r *Runner) register(sessionKey string, cancel context.CancelFunc) *activeRun {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	run := &activeRun{cancel: cancel}
	if r.runs[sessionKey] == nil {
		r.runs[sessionKey] = make(map[*activeRun]struct{})
	}
	r.runs[sessionKey][run] = struct{}{}
	return run
}

func (r *Runner) setRunning(run *activeRun) {
	r.runsMu.Lock()
	run.running = true
	r.runsMu.Unlock()
}

func (r *Runner) unregister(sessionKey string, run *activeRun) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	delete(r.runs[sessionKey], run)
	if len(r.runs[sessionKey]) == 0 {
		delete(r.runs, sessionKey)
	}
}

// Abort cancels every turn of sessionKey, including turns still waiting for the
// session lane
func (r *Runner) Abort(sessionKey string) error {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	runs := r.runs[sessionKey]
	if len(runs) == 0 {
		r.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return nil
	}

	r.logger.Info().Str("session_key", sessionKey).Int("turns", len(runs)).Msg("Aborting session turns")
	for run := range runs {
		run.cancel()
	}
	delete(r.runs, sessionKey)
	return nil
}

// IsRunning checks if a turn is currently running for a session
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	for run := range r.runs[sessionKey] {
		if run.running {
			return true
		}
	}
	return false
}

// IgnoreList returns the tools that skip confirmation in sessionKey
func (r *Runner) IgnoreList(sessionKey string) []string {
	r.ignoreMu.Lock()
	defer r.ignoreMu.Unlock()

	list, ok := r.ignored[sessionKey]
	if !ok {
		list = append([]string(nil), r.ignoreSeed...)
		r.ignored[sessionKey] = list
	}
	return append([]string(nil), list...)
}

func (r *Runner) addIgnored(sessionKey, tool string) {
	r.ignoreMu.Lock()
	defer r.ignoreMu.Unlock()

	list, ok := r.ignored[sessionKey]
	if !ok {
		list = append([]string(nil), r.ignoreSeed...)
	}
	for _, t := range list {
		if t == tool {
			return
		}
	}
	r.ignored[sessionKey] = append(list, tool)
	r.logger.Info().Str("session_key", sessionKey).Str("tool", tool).Msg("Tool added to session ignore list")
}

// Repair loads, sanitizes and saves a stored session
func (r *Runner) Repair(ctx context.Context, sessionKey string) (history.Report, error) {
	var report history.Report
	err := r.queue.Run(ctx, lane(sessionKey), func(ctx context.Context) error {
		var err error
		report, err = RepairSession(ctx, r.store, sessionKey, r.logger)
		return err
	})
	return report, err
}

// RepairSession loads key from store, sanitizes it and saves it back when
// anything changed
func RepairSession(ctx context.Context, store session.Store, key string, logger zerolog.Logger) (history.Report, error) {
	log, err := store.Load(ctx, key)
	if err != nil {
		return history.Report{}, fmt.Errorf("failed to load session: %w", err)
	}

	report := history.New(history.Config{Logger: logger}).Repair(&log)
	if !report.Changed() {
		return report, nil
	}
	if err := store.Save(ctx, key, log); err != nil {
		return report, fmt.Errorf("failed to save session: %w", err)
	}
	return report, nil
}

// History returns the stored log of sessionKey
func (r *Runner) History(ctx context.Context, sessionKey string) (conversation.Log, error) {
	return r.store.Load(ctx, sessionKey)
}
