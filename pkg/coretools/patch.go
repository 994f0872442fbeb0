package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/skipper/pkg/toolexecutor"
	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

type hunkLine struct {
	kind byte
	text string
}

type hunk struct {
	start int
	lines []hunkLine
}

type patchApplyResult struct {
	Path         string `json:"path"`
	Created      bool   `json:"created,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
	HunksApplied int    `json:"hunks_applied"`
}

func applyPatchTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "apply_patch",
		Description: "Apply a unified diff to files in the workspace. Every hunk must match exactly or nothing is written.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "patch", Type: "string", Description: "Unified diff", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			patchText := stringParam(params, "patch")
			if strings.TrimSpace(patchText) == "" {
				return nil, toolexecutor.Permanent(fmt.Errorf("patch is required"))
			}

			results, err := applyUnifiedPatch(workspaceRoot, patchText)
			if err != nil {
				return nil, toolexecutor.Permanent(err)
			}
			return map[string]interface{}{"files": results}, nil
		},
	}
}

type pendingWrite struct {
	target  string
	content []byte
	remove  bool
}

// applyUnifiedPatch checks every file of the patch before writing any of them
func applyUnifiedPatch(workspaceRoot string, patchText string) ([]patchApplyResult, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patchText))
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("patch contains no file changes")
	}

	writes := make([]pendingWrite, 0, len(fileDiffs))
	results := make([]patchApplyResult, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		name := diffPath(fd.NewName)
		if fd.NewName == devNull {
			name = diffPath(fd.OrigName)
		}
		target, err := resolvePathInWorkspace(workspaceRoot, name)
		if err != nil {
			return nil, err
		}

		if fd.NewName == devNull {
			writes = append(writes, pendingWrite{target: target, remove: true})
			results = append(results, patchApplyResult{Path: name, Deleted: true, HunksApplied: len(fd.Hunks)})
			continue
		}

		orig, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		newLines, applied, err := applyHunks(splitLines(string(orig)), convertHunks(fd.Hunks))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		content := strings.Join(newLines, "\n")
		if len(newLines) > 0 {
			content += "\n"
		}
		writes = append(writes, pendingWrite{target: target, content: []byte(content)})
		results = append(results, patchApplyResult{Path: name, Created: fd.OrigName == devNull, HunksApplied: applied})
	}

	for _, w := range writes {
		if w.remove {
			if err := os.Remove(w.target); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(w.target), 0755); err != nil {
			return nil, err
		}
		if err := writeFileAtomic(w.target, w.content, 0644); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// diffPath strips the a/ and b/ prefixes git puts on diff names
func diffPath(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimPrefix(name, "a/")
	return strings.TrimPrefix(name, "b/")
}

func convertHunks(hunks []*diff.Hunk) []hunk {
	out := make([]hunk, 0, len(hunks))
	for _, h := range hunks {
		converted := hunk{start: int(h.OrigStartLine)}
		body := strings.TrimSuffix(string(h.Body), "\n")
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				converted.lines = append(converted.lines, hunkLine{kind: ' '})
				continue
			}
			switch line[0] {
			case ' ', '+', '-':
				converted.lines = append(converted.lines, hunkLine{kind: line[0], text: line[1:]})
			}
		}
		out = append(out, converted)
	}
	return out
}

func applyHunks(orig []string, hunks []hunk) ([]string, int, error) {
	out := make([]string, 0, len(orig))
	idx := 0
	applied := 0

	for _, h := range hunks {
		target := h.start - 1
		if target < 0 {
			target = 0
		}
		if target < idx {
			return nil, applied, fmt.Errorf("overlapping hunk at line %d", h.start)
		}
		if target > len(orig) {
			target = len(orig)
		}
		out = append(out, orig[idx:target]...)
		idx = target

		for _, ln := range h.lines {
			switch ln.kind {
			case ' ':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, applied, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				out = append(out, orig[idx])
				idx++
			case '-':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, applied, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				idx++
			case '+':
				out = append(out, ln.text)
			}
		}
		applied++
	}

	out = append(out, orig[idx:]...)
	return out, applied, nil
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
