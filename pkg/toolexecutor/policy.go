package toolexecutor

import (
	"fmt"
	"sort"
	"strings"
)

// Decision is the outcome of authorizing one tool call
type Decision string

const (
	DecisionNoOpinion Decision = ""
	DecisionAllow     Decision = "allow"
	DecisionDeny      Decision = "deny"
	DecisionConfirm   Decision = "confirm"
)

// Rule priorities of the standard policy. Lower runs first.
const (
	PriorityPresentation = 0
	PriorityPlanMode     = 100
	PriorityReadOnly     = 200
	PriorityAllowlist    = 210
	PriorityUnrestricted = 300
	PriorityIgnoreList   = 310
)

// Allowlist answers whether a tool is in the active scoped allowlist
type Allowlist interface {
	IsAllowed(toolName string) bool
}

// AuthContext is the snapshot a single decision is made against
type AuthContext struct {
	PlanMode     bool
	Unrestricted bool
	ignoreList   map[string]bool
	allowlist    Allowlist
}

// NewAuthContext copies the ignore list so later changes do not affect this snapshot
func NewAuthContext(planMode, unrestricted bool, ignoreList []string, allowlist Allowlist) AuthContext {
	ignored := make(map[string]bool, len(ignoreList))
	for _, name := range ignoreList {
		ignored[normalizeName(name)] = true
	}
	return AuthContext{
		PlanMode:     planMode,
		Unrestricted: unrestricted,
		ignoreList:   ignored,
		allowlist:    allowlist,
	}
}

// Ignored reports whether the user asked to stop confirming this tool
func (a AuthContext) Ignored(toolName string) bool {
	return a.ignoreList[normalizeName(toolName)]
}

// Allowlisted reports whether the active allowlist covers this tool
func (a AuthContext) Allowlisted(toolName string) bool {
	return a.allowlist != nil && a.allowlist.IsAllowed(normalizeName(toolName))
}

// AuthorizationRule is one prioritized check. Decide returns DecisionAllow,
// DecisionDeny or DecisionNoOpinion; any other value is treated as no opinion.
type AuthorizationRule struct {
	Name     string
	Priority int
	Decide   func(toolName string, ctx AuthContext) Decision
}

// EvaluationResult explains a decision for logs and metrics
type EvaluationResult struct {
	Decision Decision
	Rule     string
	Reason   string
}

// Policy evaluates rules by ascending priority; the first decisive rule wins
type Policy struct {
	rules []AuthorizationRule
}

// NewPolicy sorts rules stably by priority
func NewPolicy(rules ...AuthorizationRule) *Policy {
	sorted := make([]AuthorizationRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Policy{rules: sorted}
}

// DefaultPolicy builds the standard rule set on top of a categorizer
func DefaultPolicy(categorizer *Categorizer) *Policy {
	if categorizer == nil {
		categorizer = NewCategorizer()
	}

	return NewPolicy(
		AuthorizationRule{
			Name:     "presentation",
			Priority: PriorityPresentation,
			Decide: func(toolName string, _ AuthContext) Decision {
				if categorizer.IsPresentation(toolName) {
					return DecisionAllow
				}
				return DecisionNoOpinion
			},
		},
		AuthorizationRule{
			Name:     "plan_mode",
			Priority: PriorityPlanMode,
			Decide: func(toolName string, ctx AuthContext) Decision {
				if ctx.PlanMode && !categorizer.IsReadOnly(toolName) {
					return DecisionDeny
				}
				return DecisionNoOpinion
			},
		},
		AuthorizationRule{
			Name:     "read_only",
			Priority: PriorityReadOnly,
			Decide: func(toolName string, _ AuthContext) Decision {
				if categorizer.IsReadOnly(toolName) {
					return DecisionAllow
				}
				return DecisionNoOpinion
			},
		},
		AuthorizationRule{
			Name:     "allowlist",
			Priority: PriorityAllowlist,
			Decide: func(toolName string, ctx AuthContext) Decision {
				if ctx.Allowlisted(toolName) {
					return DecisionAllow
				}
				return DecisionNoOpinion
			},
		},
		AuthorizationRule{
			Name:     "unrestricted",
			Priority: PriorityUnrestricted,
			Decide: func(_ string, ctx AuthContext) Decision {
				if ctx.Unrestricted {
					return DecisionAllow
				}
				return DecisionNoOpinion
			},
		},
		AuthorizationRule{
			Name:     "ignore_list",
			Priority: PriorityIgnoreList,
			Decide: func(toolName string, ctx AuthContext) Decision {
				if ctx.Ignored(toolName) {
					return DecisionAllow
				}
				return DecisionNoOpinion
			},
		},
	)
}

// Decide returns Allow, Deny or Confirm
func (p *Policy) Decide(toolName string, ctx AuthContext) Decision {
	return p.Evaluate(toolName, ctx).Decision
}

// Evaluate runs the rules and reports which one decided
func (p *Policy) Evaluate(toolName string, ctx AuthContext) EvaluationResult {
	for _, rule := range p.rules {
		if rule.Decide == nil {
			continue
		}
		switch d := rule.Decide(toolName, ctx); d {
		case DecisionAllow, DecisionDeny:
			return EvaluationResult{
				Decision: d,
				Rule:     rule.Name,
				Reason:   fmt.Sprintf("rule %s (priority %d) returned %s", rule.Name, rule.Priority, d),
			}
		}
	}

	return EvaluationResult{
		Decision: DecisionConfirm,
		Rule:     "default",
		Reason:   "no rule resolved, confirmation required",
	}
}

// Rules returns the rule names in evaluation order
func (p *Policy) Rules() []string {
	names := make([]string, 0, len(p.rules))
	for _, rule := range p.rules {
		names = append(names, rule.Name)
	}
	return names
}

// DenyMessage is the error tool return for a call refused by policy
func DenyMessage(toolName string) string {
	return fmt.Sprintf("Tool '%s' is not available in plan mode", toolName)
}

// RejectionMessage is the request text the model sees after the user rejects a call
func RejectionMessage(toolName, guidance string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool '%s' execution cancelled before running.\n", toolName)
	if g := strings.TrimSpace(guidance); g != "" {
		b.WriteString("User guidance:\n")
		b.WriteString(g)
	} else {
		b.WriteString("User cancelled without additional instructions.")
	}
	b.WriteString("\nDo not assume the operation succeeded; request updated guidance or offer alternatives.")
	return b.String()
}
