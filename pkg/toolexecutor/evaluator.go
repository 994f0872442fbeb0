package toolexecutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/rs/zerolog"
)

// AuthorizerConfig configures an Authorizer
type AuthorizerConfig struct {
	Policy       *Policy
	Approvals    *ApprovalManager
	Allowlist    Allowlist
	PlanMode     bool
	Unrestricted bool
	IgnoreList   []string
	SessionKey   string
	Logger       zerolog.Logger
	// OnSkipFuture is called when the user approves a tool and asks not to be asked again.
	OnSkipFuture func(toolName string)
}

// Authorizer turns policy decisions and human confirmations into AuthorizationResults
type Authorizer struct {
	policy       *Policy
	approvals    *ApprovalManager
	allowlist    Allowlist
	planMode     bool
	unrestricted bool
	sessionKey   string
	logger       zerolog.Logger
	onSkipFuture func(string)

	mu     sync.Mutex
	ignore []string
}

// NewAuthorizer creates an authorizer. Without a policy the default policy is used.
func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy(nil)
	}
	ignore := make([]string, len(cfg.IgnoreList))
	copy(ignore, cfg.IgnoreList)

	return &Authorizer{
		policy:       cfg.Policy,
		approvals:    cfg.Approvals,
		allowlist:    cfg.Allowlist,
		planMode:     cfg.PlanMode,
		unrestricted: cfg.Unrestricted,
		sessionKey:   cfg.SessionKey,
		logger:       cfg.Logger.With().Str("component", "authorizer").Logger(),
		onSkipFuture: cfg.OnSkipFuture,
		ignore:       ignore,
	}
}

// Snapshot returns the AuthContext for the next decision
func (a *Authorizer) Snapshot() AuthContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return NewAuthContext(a.planMode, a.unrestricted, a.ignore, a.allowlist)
}

// IgnoreList returns the tools the user stopped confirming
func (a *Authorizer) IgnoreList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.ignore))
	copy(out, a.ignore)
	return out
}

// Authorize implements AuthorizeFunc
func (a *Authorizer) Authorize(ctx context.Context, call conversation.Part, category ToolCategory) (AuthorizationResult, error) {
	eval := a.policy.Evaluate(call.ToolName, a.Snapshot())

	a.logger.Debug().
		Str("tool", call.ToolName).
		Str("call_id", call.ToolCallID).
		Str("decision", string(eval.Decision)).
		Str("rule", eval.Rule).
		Msg("Authorization evaluated")

	switch eval.Decision {
	case DecisionAllow:
		observability.RecordApproval(string(DecisionAllow))
		return AuthorizationResult{Outcome: OutcomeRun, Reason: eval.Reason}, nil

	case DecisionDeny:
		observability.RecordApproval(string(DecisionDeny))
		observability.RecordAuthorizationAudit(ctx, call.ToolName, a.sessionKey, string(DecisionDeny), map[string]interface{}{
			"call_id": call.ToolCallID,
			"rule":    eval.Rule,
		})
		a.logger.Info().Str("tool", call.ToolName).Str("rule", eval.Rule).Msg("Tool call denied by policy")
		return AuthorizationResult{Outcome: OutcomeDenied, Reason: DenyMessage(call.ToolName)}, nil
	}

	if a.approvals == nil {
		return AuthorizationResult{
			Outcome:  OutcomeRejected,
			Guidance: "No approval handler is configured for tools that need confirmation.",
		}, nil
	}

	resp, err := a.approvals.RequestApproval(ctx, ConfirmationRequest{
		CallID:      call.ToolCallID,
		ToolName:    call.ToolName,
		Args:        call.Args,
		Description: Describe(call.ToolName, call.Args),
		Category:    category,
		SessionKey:  a.sessionKey,
	})
	if err != nil {
		if ctx.Err() != nil {
			return AuthorizationResult{}, ctx.Err()
		}
		return AuthorizationResult{
			Outcome:  OutcomeRejected,
			Guidance: fmt.Sprintf("Approval failed: %v", err),
		}, nil
	}

	if !resp.Approved {
		return AuthorizationResult{Outcome: OutcomeRejected, Guidance: resp.RejectionGuidance}, nil
	}

	if resp.SkipFuture {
		a.mu.Lock()
		a.ignore = append(a.ignore, normalizeName(call.ToolName))
		a.mu.Unlock()
		if a.onSkipFuture != nil {
			a.onSkipFuture(call.ToolName)
		}
	}
	return AuthorizationResult{Outcome: OutcomeRun, SkipFuture: resp.SkipFuture}, nil
}
