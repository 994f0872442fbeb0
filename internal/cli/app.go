package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/skipper/internal/config"
	"github.com/harun/skipper/internal/logger"
	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/internal/tracing"
	"github.com/harun/skipper/pkg/agent"
	"github.com/harun/skipper/pkg/commandqueue"
	"github.com/harun/skipper/pkg/coretools"
	"github.com/harun/skipper/pkg/hooks"
	"github.com/harun/skipper/pkg/orchestrator"
	"github.com/harun/skipper/pkg/runner"
	"github.com/harun/skipper/pkg/session"
	"github.com/harun/skipper/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const defaultSystemPrompt = `You are Skipper, an autonomous coding agent working in %s.
Use the available tools to inspect and change the workspace. Read before you edit,
keep changes minimal, and verify your work with the tools when you can.
When the task is fully done, begin your final answer with %q followed by a short summary.`

// appOptions are the per-invocation switches that shape the stack
type appOptions struct {
	DryRun bool
	Yolo   bool
	Plan   bool

	In     io.Reader
	ErrOut io.Writer
}

// app is the assembled runtime: config, logging, storage, tools and runner
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	store     session.Store
	queue     *commandqueue.Queue
	tools     *toolexecutor.ToolExecutor
	allowlist *toolexecutor.AllowlistManager
	approvals *toolexecutor.ApprovalManager
	runner    *runner.Runner
	spec      orchestrator.AgentSpec

	errOut io.Writer
}

// loadConfig reads the config file and applies the global flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.WorkspacePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		cfg.WorkspacePath = wd
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

func openStore(cfg *config.Config, log zerolog.Logger) (session.Store, error) {
	store, err := session.Open(session.Config{
		Backend: cfg.Session.Store,
		Dir:     cfg.Session.Dir,
		DBPath:  cfg.Session.DBPath,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

// newApp builds the whole stack from cfg. The caller must Close it.
func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	if opts.DryRun {
		cfg.Model.Provider = config.ProviderScripted
		cfg.Model.Name = "dry-run"
		cfg.Model.Fallbacks = nil
	}
	if opts.Plan {
		cfg.Auth.PlanMode = true
	}
	if opts.Yolo {
		cfg.Auth.Unrestricted = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	errOut := opts.ErrOut
	if errOut == nil {
		errOut = os.Stderr
	}
	a := &app{
		cfg:    cfg,
		log:    log,
		logger: log.Component("cli"),
		errOut: errOut,
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := tracing.InitOpenTelemetry("skipper"); err != nil {
		a.logger.Warn().Err(err).Msg("Tracing disabled")
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
		a.logger.Warn().Err(err).Msg("Audit log disabled")
	}

	if a.store, err = openStore(cfg, log.Zerolog()); err != nil {
		return nil, err
	}
	a.queue = commandqueue.New(log.Zerolog())

	a.tools = toolexecutor.New(toolexecutor.NewCategorizer(), log.Zerolog())
	if err := coretools.Register(a.tools, coretools.Options{
		WorkspaceRoot: cfg.WorkspacePath,
		OnPlan:        a.showPlan,
	}); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	if a.allowlist, err = toolexecutor.NewAllowlistManager(cfg.Auth.AllowlistPath, log.Zerolog()); err != nil {
		return nil, err
	}
	if err := a.allowlist.Watch(); err != nil {
		a.logger.Warn().Err(err).Msg("Allowlist hot reload disabled")
	}

	var handler toolexecutor.ApprovalHandler = toolexecutor.AutoApproveHandler{}
	if !opts.Yolo {
		in := opts.In
		if in == nil {
			in = os.Stdin
		}
		handler = toolexecutor.NewCLIApprovalHandler(in, errOut)
	}
	a.approvals = toolexecutor.NewApprovalManager(handler, cfg.Auth.ApprovalTimeout(), log.Zerolog())

	a.spec = orchestrator.AgentSpec{
		Provider:     cfg.Model.Provider,
		Model:        cfg.Model.Name,
		SystemPrompt: systemPrompt(cfg),
		Tools:        a.tools.ListTools(),
		PlanMode:     cfg.Auth.PlanMode,
		Unrestricted: cfg.Auth.Unrestricted,
		Limits:       limitsFrom(cfg.Turn),
	}

	hookManager, err := hooks.NewManager(hooks.Config{
		Hooks:  hooksFrom(cfg.Hooks),
		Dir:    cfg.WorkspacePath,
		Logger: log.Zerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("invalid hooks: %w", err)
	}

	a.runner, err = runner.New(runner.Config{
		Store:       a.store,
		Queue:       a.queue,
		Build:       a.build,
		Spec:        a.spec,
		IgnoreList:  cfg.Auth.IgnoreList,
		MaxMessages: cfg.Session.MaxMessages,
		Hooks:       hookManager,
		Logger:      log.Zerolog(),
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// build constructs an orchestrator for spec. The runner caches the result per spec.
func (a *app) build(spec orchestrator.AgentSpec) (*orchestrator.Orchestrator, error) {
	model, err := agent.NewModelFromProfiles(profilesFrom(a.cfg.Model, spec.Provider), a.log.Component("model"))
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	return orchestrator.New(orchestrator.Config{
		Model:        model,
		ModelName:    spec.Model,
		SystemPrompt: spec.SystemPrompt,
		Temperature:  a.cfg.Model.Temperature,
		MaxTokens:    a.cfg.Model.MaxTokens,
		Retry: agent.RetryPolicy{
			MaxRetries: a.cfg.Model.MaxRetries,
			BaseDelay:  time.Duration(a.cfg.Model.RetryDelayMs) * time.Millisecond,
		},
		Tools:        a.tools,
		Approvals:    a.approvals,
		Allowlist:    a.allowlist,
		PlanMode:     spec.PlanMode,
		Unrestricted: spec.Unrestricted,
		WorkingDir:   a.cfg.WorkspacePath,
		Completion:   completionPolicy(a.cfg.Completion),
		Logger:       a.log.Zerolog(),
	})
}

func (a *app) showPlan(sessionKey, plan string) {
	fmt.Fprintf(a.errOut, "\nProposed plan (%s):\n%s\n\n", sessionKey, plan)
}

// Close releases everything newApp opened. It is safe on a partly built app.
func (a *app) Close() error {
	if a.allowlist != nil {
		a.allowlist.Stop()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close session store")
		}
	}
	observability.GetAuditLogger().Close()
	if a.log != nil {
		return a.log.Close()
	}
	return nil
}

// profilesFrom turns the model config into auth profiles, primary first
func profilesFrom(m config.ModelConfig, provider string) []agent.AuthProfile {
	profiles := []agent.AuthProfile{{
		ID:       "primary",
		Provider: provider,
		APIKey:   m.APIKey,
		BaseURL:  m.BaseURL,
	}}
	for i, fb := range m.Fallbacks {
		id := fb.ID
		if id == "" {
			id = fmt.Sprintf("fallback-%d", i+1)
		}
		priority := fb.Priority
		if priority <= 0 {
			priority = i + 1
		}
		profiles = append(profiles, agent.AuthProfile{
			ID:       id,
			Provider: fb.Provider,
			APIKey:   fb.APIKey,
			BaseURL:  fb.BaseURL,
			Priority: priority,
		})
	}
	return profiles
}

func hooksFrom(entries []config.HookConfig) []hooks.Hook {
	out := make([]hooks.Hook, 0, len(entries))
	for _, e := range entries {
		out = append(out, hooks.Hook{
			ID:      e.ID,
			Event:   e.Event,
			Command: e.Command,
			Timeout: time.Duration(e.TimeoutSeconds) * time.Second,
		})
	}
	return out
}

func limitsFrom(t config.TurnConfig) orchestrator.Limits {
	return orchestrator.Limits{
		MaxIterations:     t.MaxIterations,
		TurnTimeout:       t.Timeout(),
		MaxParallel:       t.MaxParallel,
		MaxEmptyRetries:   t.MaxEmptyRetries,
		ReflectionEvery:   t.ReflectionEvery,
		ReflectionCap:     t.ReflectionCap,
		UnproductiveLimit: t.UnproductiveLimit,
	}
}

func completionPolicy(c config.CompletionConfig) *orchestrator.PhrasePolicy {
	policy := orchestrator.DefaultCompletionPolicy()
	if c.Marker != "" {
		policy.Marker = c.Marker
	}
	if len(c.PendingPhrases) > 0 {
		policy.Phrases = c.PendingPhrases
	}
	if len(c.ActionEndings) > 0 {
		policy.ActionEndings = c.ActionEndings
	}
	if c.MaxIteration > 0 {
		policy.MaxIteration = c.MaxIteration
	}
	return policy
}

func systemPrompt(cfg *config.Config) string {
	if cfg.Model.SystemPrompt != "" {
		return cfg.Model.SystemPrompt
	}
	return fmt.Sprintf(defaultSystemPrompt, cfg.WorkspacePath, completionPolicy(cfg.Completion).CompletionMarker())
}
