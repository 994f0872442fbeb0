package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/harun/skipper/pkg/toolexecutor"
)

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace. Lines are numbered from 1.",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "offset", Type: "integer", Description: "First line to return (default 1)"},
			{Name: "limit", Type: "integer", Description: "Maximum number of lines to return"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "file_path")
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			data, truncated, err := readFileWithLimit(target, opts.MaxReadBytes)
			if err != nil {
				return nil, err
			}
			if !utf8.Valid(data) && bytes.IndexByte(data, 0) >= 0 {
				return nil, fmt.Errorf("%s looks like a binary file", pathValue)
			}

			offset := intParam(params, "offset", 1)
			limit := intParam(params, "limit", 0)
			content, lines := numberLines(string(data), offset, limit)

			return map[string]interface{}{
				"file_path": pathValue,
				"content":   content,
				"lines":     lines,
				"truncated": truncated,
			}, nil
		},
	}
}

// numberLines prefixes each line with its number, starting at offset and
// returning at most limit lines when limit > 0
func numberLines(content string, offset, limit int) (string, int) {
	if content == "" {
		return "", 0
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if offset < 1 {
		offset = 1
	}
	if offset > len(lines) {
		return "", 0
	}
	lines = lines[offset-1:]
	if limit > 0 && limit < len(lines) {
		lines = lines[:limit]
	}

	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%6d\t%s\n", offset+i, strings.TrimRight(line, "\r"))
	}
	return b.String(), len(lines)
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Create a new file in the workspace. Fails if the file already exists; use update_file to change existing files.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "file_path")
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content := stringParam(params, "content")

			if _, err := os.Stat(target); err == nil {
				return nil, toolexecutor.Permanent(fmt.Errorf("file %s already exists", pathValue))
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := writeFileAtomic(target, []byte(content), 0644); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"file_path": pathValue,
				"bytes":     len(content),
			}, nil
		},
	}
}

func updateFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "update_file",
		Description: "Replace an exact block of text in an existing workspace file.",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "target", Type: "string", Description: "The exact block of text to replace", Required: true},
			{Name: "patch", Type: "string", Description: "The new block of text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "file_path")
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			search := stringParam(params, "target")
			replacement := stringParam(params, "patch")
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, toolexecutor.Permanent(fmt.Errorf("target is required"))
			}

			info, err := os.Stat(target)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, toolexecutor.Permanent(fmt.Errorf("target text not found in %s", pathValue))
			}
			if occurrences > 1 && !replaceAll {
				return nil, toolexecutor.Permanent(fmt.Errorf("target text appears %d times in %s; add surrounding context or set replace_all", occurrences, pathValue))
			}

			updated := strings.Replace(content, search, replacement, 1)
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replacement)
			}
			if updated == content {
				return nil, toolexecutor.Permanent(fmt.Errorf("target and patch are identical; %s is unchanged", pathValue))
			}

			if err := writeFileAtomic(target, []byte(updated), info.Mode().Perm()); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"file_path":   pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

// writeFileAtomic writes data to a temporary sibling and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
