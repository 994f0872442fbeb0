package coretools

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/skipper/pkg/toolexecutor"
)

const presentPlanName = "present_plan"

func presentPlanTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        presentPlanName,
		Description: "Present an implementation plan to the user. In plan mode this is the only way to hand work back.",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "plan", Type: "string", Description: "The plan, in markdown", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			plan := strings.TrimSpace(stringParam(params, "plan"))
			if plan == "" {
				return nil, toolexecutor.Permanent(fmt.Errorf("plan is required"))
			}

			session := ""
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				session = execCtx.SessionKey
			}
			if opts.OnPlan != nil {
				opts.OnPlan(session, plan)
			}
			return "Plan presented to the user. Wait for approval before making changes.", nil
		},
	}
}
