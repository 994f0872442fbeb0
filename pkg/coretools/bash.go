package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/harun/skipper/pkg/toolexecutor"
)

const commandWaitDelay = 2 * time.Second

func bashTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "bash",
		Description: "Run a shell command with bash -c in the workspace. A non-zero exit code is reported, not raised.",
		Category:    toolexecutor.CategoryExecute,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 30)"},
			{Name: "env", Type: "object", Description: "Extra environment variables"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			command := strings.TrimSpace(stringParam(params, "command"))
			if command == "" {
				return nil, toolexecutor.Permanent(fmt.Errorf("command is required"))
			}
			cwd, err := resolveDir(workspaceRoot, params["cwd"])
			if err != nil {
				return nil, err
			}
			timeout := parseDurationSeconds(params["timeout"], opts.CommandTimeout)

			return runCommand(ctx, command, cwd, toStringMap(params["env"]), timeout)
		},
	}
}

func runCommand(ctx context.Context, command, cwd string, env map[string]string, timeout time.Duration) (map[string]interface{}, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = cwd
	cmd.WaitDelay = commandWaitDelay
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, toolexecutor.Permanent(fmt.Errorf("command timed out after %v", timeout))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return map[string]interface{}{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}, nil
}

func toStringMap(value interface{}) map[string]string {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
