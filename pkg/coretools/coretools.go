package coretools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/skipper/pkg/toolexecutor"
)

const (
	defaultMaxReadBytes   = 100 * 1024
	defaultCommandTimeout = 30 * time.Second
	defaultMaxResults     = 50
	defaultMaxEntries     = 200
)

// Options configures core tool registration
type Options struct {
	// WorkspaceRoot is used when the execution context has no working directory
	WorkspaceRoot  string
	MaxReadBytes   int64
	CommandTimeout time.Duration
	MaxResults     int
	// Scratchpad backs the react tool. A fresh one is created when nil.
	Scratchpad *Scratchpad
	// OnPlan receives plans submitted through present_plan
	OnPlan func(sessionKey, plan string)
}

func (o Options) withDefaults() Options {
	if o.MaxReadBytes <= 0 {
		o.MaxReadBytes = defaultMaxReadBytes
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.MaxResults <= 0 {
		o.MaxResults = defaultMaxResults
	}
	if o.Scratchpad == nil {
		o.Scratchpad = NewScratchpad()
	}
	return o
}

// Register registers every core tool with executor
func Register(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	opts = opts.withDefaults()

	tools := []toolexecutor.ToolDefinition{
		readFileTool(opts),
		listDirTool(opts),
		grepTool(opts),
		globTool(opts),
		writeFileTool(opts),
		updateFileTool(opts),
		applyPatchTool(opts),
		bashTool(opts),
		reactTool(opts),
		presentPlanTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	executor.Categorizer().RegisterPresentation(presentPlanName)
	return nil
}

func resolveWorkspaceRoot(execCtx *toolexecutor.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkingDir) != "" {
		return filepath.Abs(execCtx.WorkingDir)
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Abs(opts.WorkspaceRoot)
	}
	return "", fmt.Errorf("workspace root is not configured")
}

// resolvePathInWorkspace joins pathValue to the root and rejects results outside it
func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

// resolveDir is resolvePathInWorkspace with "." as the default
func resolveDir(workspaceRoot string, value interface{}) (string, error) {
	raw, _ := value.(string)
	if strings.TrimSpace(raw) == "" {
		raw = "."
	}
	dir, err := resolvePathInWorkspace(workspaceRoot, raw)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", raw)
	}
	return dir, nil
}

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return s
}

func intParam(params map[string]interface{}, name string, fallback int) int {
	switch v := params[name].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

// relPath renders path relative to root with forward slashes
func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
