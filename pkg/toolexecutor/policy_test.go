package toolexecutor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticAllowlist map[string]bool

func (s staticAllowlist) IsAllowed(name string) bool { return s[name] }

func TestDefaultPolicy_Decide(t *testing.T) {
	policy := DefaultPolicy(NewCategorizer())

	tests := []struct {
		name string
		tool string
		ctx  AuthContext
		want Decision
		rule string
	}{
		{"read only allowed", "read_file", NewAuthContext(false, false, nil, nil), DecisionAllow, "read_only"},
		{"write needs confirmation", "write_file", NewAuthContext(false, false, nil, nil), DecisionConfirm, "default"},
		{"unknown tool needs confirmation", "mystery", NewAuthContext(false, false, nil, nil), DecisionConfirm, "default"},
		{"plan mode denies write", "write_file", NewAuthContext(true, false, nil, nil), DecisionDeny, "plan_mode"},
		{"plan mode denies bash even when unrestricted", "bash", NewAuthContext(true, true, nil, nil), DecisionDeny, "plan_mode"},
		{"plan mode allows read only", "grep", NewAuthContext(true, false, nil, nil), DecisionAllow, "read_only"},
		{"presentation allowed in plan mode", "present_plan", NewAuthContext(true, false, nil, nil), DecisionAllow, "presentation"},
		{"allowlist allows", "bash", NewAuthContext(false, false, nil, staticAllowlist{"bash": true}), DecisionAllow, "allowlist"},
		{"unrestricted allows", "bash", NewAuthContext(false, true, nil, nil), DecisionAllow, "unrestricted"},
		{"ignore list allows", "update_file", NewAuthContext(false, false, []string{"Update_File"}, nil), DecisionAllow, "ignore_list"},
		{"ignore list does not beat plan mode", "update_file", NewAuthContext(true, false, []string{"update_file"}, nil), DecisionDeny, "plan_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := policy.Evaluate(tt.tool, tt.ctx)
			assert.Equal(t, tt.want, res.Decision)
			assert.Equal(t, tt.rule, res.Rule)
			assert.Equal(t, tt.want, policy.Decide(tt.tool, tt.ctx))
		})
	}
}

func TestPolicy_SortsByPriorityAndSkipsNoOpinion(t *testing.T) {
	var order []string
	rule := func(name string, priority int, d Decision) AuthorizationRule {
		return AuthorizationRule{Name: name, Priority: priority, Decide: func(string, AuthContext) Decision {
			order = append(order, name)
			return d
		}}
	}

	policy := NewPolicy(
		rule("late_allow", 50, DecisionAllow),
		rule("early_skip", 1, DecisionNoOpinion),
		rule("confirm_is_ignored", 10, DecisionConfirm),
		rule("tie_first", 50, DecisionDeny),
	)

	res := policy.Evaluate("x", AuthContext{})
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Equal(t, "late_allow", res.Rule)
	assert.Equal(t, []string{"early_skip", "confirm_is_ignored", "late_allow"}, order)
	assert.Equal(t, []string{"early_skip", "confirm_is_ignored", "late_allow", "tie_first"}, policy.Rules())
}

func TestAuthContext_IsSnapshot(t *testing.T) {
	ignore := []string{"bash"}
	ctx := NewAuthContext(false, false, ignore, nil)
	ignore[0] = "write_file"

	assert.True(t, ctx.Ignored("bash"))
	assert.False(t, ctx.Ignored("write_file"))
}

func TestRejectionMessage(t *testing.T) {
	assert.Equal(t,
		"Tool 'bash' execution cancelled before running.\nUser guidance:\nuse make test instead\nDo not assume the operation succeeded; request updated guidance or offer alternatives.",
		RejectionMessage("bash", "  use make test instead \n"))

	assert.Equal(t,
		"Tool 'bash' execution cancelled before running.\nUser cancelled without additional instructions.\nDo not assume the operation succeeded; request updated guidance or offer alternatives.",
		RejectionMessage("bash", ""))
}

func TestDenyMessage(t *testing.T) {
	assert.Equal(t, "Tool 'write_file' is not available in plan mode", DenyMessage("write_file"))
}
