package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/pkg/conversation"
	"github.com/harun/skipper/pkg/recovery"
	"github.com/harun/skipper/pkg/toolexecutor"
)

// ReflectionTool is the scratchpad tool used for forced reflection
const ReflectionTool = "react"

const reflectionPrefix = "Reflection guidance: "

// reflect records a think step through the scratchpad tool every
// ReflectionEvery iterations and feeds the latest entry back as guidance.
// Only a cancelled ctx is returned as an error.
func (t *turn) reflect(ctx context.Context) error {
	every := t.limits.ReflectionEvery
	if every <= 0 || t.state.Iteration%every != 0 || t.state.ForcedReflections >= t.limits.ReflectionCap {
		return nil
	}
	if !t.o.tools.HasTool(ReflectionTool) {
		t.logger.Debug().Msg("No scratchpad tool registered, skipping reflection")
		return nil
	}
	t.state.ForcedReflections++

	execCtx := &toolexecutor.ExecutionContext{
		SessionKey: t.opts.sessionKey,
		WorkingDir: t.o.workingDir,
	}

	res := t.o.tools.Execute(ctx, ReflectionTool, map[string]interface{}{
		"action":      "think",
		"thoughts":    reflectionThoughts(t.state.Iteration, t.registry.Recent(recovery.RecentToolLimit)),
		"next_action": "Check whether the results so far answer the task; if not, pick the next concrete tool call.",
	}, execCtx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !res.Success {
		t.logger.Warn().Str("error", res.Error).Msg("Reflection think step failed")
		return nil
	}

	res = t.o.tools.Execute(ctx, ReflectionTool, map[string]interface{}{"action": "get"}, execCtx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !res.Success {
		t.logger.Warn().Str("error", res.Error).Msg("Reflection read failed")
		return nil
	}

	latest := latestEntry(res.Text())
	if latest == "" {
		return nil
	}
	observability.RecordRecoveryDirective("reflection")
	t.appendGuidance(reflectionPrefix + latest)
	t.logger.Debug().Int("reflections", t.state.ForcedReflections).Msg("Forced reflection injected")
	return nil
}

func reflectionThoughts(iteration int, recent []conversation.CallRecord) string {
	return fmt.Sprintf("Iteration %d. %s.", iteration, recovery.RecentToolsContext(recent))
}

// latestEntry returns the last non-empty line of the scratchpad listing
func latestEntry(listing string) string {
	lines := strings.Split(strings.TrimSpace(listing), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
