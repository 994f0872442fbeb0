package coretools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/harun/skipper/pkg/toolexecutor"
)

// errStopWalk ends a walk once enough results were collected
var errStopWalk = errors.New("stop walk")

// walkWorkspace visits every non-ignored file under dir. Hidden entries are
// skipped unless includeHidden is set.
func walkWorkspace(ctx context.Context, root, dir string, includeHidden bool, visit func(path, rel string, d fs.DirEntry) error) error {
	ignore := loadIgnore(root)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == dir {
			return nil
		}

		rel := relPath(root, path)
		if (!includeHidden && strings.HasPrefix(d.Name(), ".")) || ignore.ShouldIgnore(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return visit(path, rel, d)
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func grepTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "grep",
		Description: "Search file contents in the workspace. Returns matching lines as path:line: text.",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "pattern", Type: "string", Description: "Text or regular expression to search for", Required: true},
			{Name: "directory", Type: "string", Description: "Directory to search (default workspace root)"},
			{Name: "use_regex", Type: "boolean", Description: "Treat pattern as a regular expression (default false)"},
			{Name: "case_sensitive", Type: "boolean", Description: "Match case (default false)"},
			{Name: "include_files", Type: "string", Description: "Only search files matching this glob, e.g. *.go"},
			{Name: "max_results", Type: "integer", Description: "Maximum matches to return"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			dir, err := resolveDir(workspaceRoot, params["directory"])
			if err != nil {
				return nil, err
			}

			re, err := compileSearch(stringParam(params, "pattern"), params)
			if err != nil {
				return nil, toolexecutor.Permanent(err)
			}
			var include *globMatcher
			if pattern := stringParam(params, "include_files"); pattern != "" {
				include = newGlobMatcher(pattern)
			}
			maxResults := intParam(params, "max_results", opts.MaxResults)

			var matches []string
			truncated := false
			err = walkWorkspace(ctx, workspaceRoot, dir, false, func(path, rel string, d fs.DirEntry) error {
				if d.IsDir() || (include != nil && !include.Match(rel, false)) {
					return nil
				}
				return grepFile(path, rel, re, func(line string) bool {
					if len(matches) >= maxResults {
						truncated = true
						return false
					}
					matches = append(matches, line)
					return true
				})
			})
			if err != nil {
				return nil, err
			}

			if len(matches) == 0 {
				return fmt.Sprintf("No matches found for %q", stringParam(params, "pattern")), nil
			}
			out := strings.Join(matches, "\n")
			if truncated {
				out += fmt.Sprintf("\n(results limited to %d matches)", maxResults)
			}
			return out, nil
		},
	}
}

func compileSearch(pattern string, params map[string]interface{}) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if useRegex, _ := params["use_regex"].(bool); !useRegex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if caseSensitive, _ := params["case_sensitive"].(bool); !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return re, nil
}

// grepFile feeds matching lines to emit until it returns false. Binary files
// are skipped.
func grepFile(path, rel string, re *regexp.Regexp, emit func(string) bool) error {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 && strings.IndexByte(line, 0) >= 0 {
			return nil
		}
		if !re.MatchString(line) {
			continue
		}
		if !emit(fmt.Sprintf("%s:%d: %s", rel, lineNum, strings.TrimSpace(line))) {
			return errStopWalk
		}
	}
	return nil
}

func globTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "glob",
		Description: "Find files by name pattern. Patterns follow .gitignore rules: ** spans directories and a pattern without a slash matches at any depth.",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "pattern", Type: "string", Description: "Pattern such as **/*.go or *_test.go", Required: true},
			{Name: "directory", Type: "string", Description: "Directory to search (default workspace root)"},
			{Name: "include_hidden", Type: "boolean", Description: "Include hidden files (default false)"},
			{Name: "max_results", Type: "integer", Description: "Maximum paths to return"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			dir, err := resolveDir(workspaceRoot, params["directory"])
			if err != nil {
				return nil, err
			}
			pattern := strings.TrimSpace(stringParam(params, "pattern"))
			if pattern == "" {
				return nil, toolexecutor.Permanent(fmt.Errorf("pattern is required"))
			}
			matcher := newGlobMatcher(pattern)
			includeHidden, _ := params["include_hidden"].(bool)
			maxResults := intParam(params, "max_results", opts.MaxResults)

			var paths []string
			truncated := false
			err = walkWorkspace(ctx, workspaceRoot, dir, includeHidden, func(path, rel string, d fs.DirEntry) error {
				if d.IsDir() || !matcher.Match(relPath(dir, path), false) {
					return nil
				}
				if len(paths) >= maxResults {
					truncated = true
					return errStopWalk
				}
				paths = append(paths, rel)
				return nil
			})
			if err != nil {
				return nil, err
			}

			sort.Strings(paths)
			return map[string]interface{}{
				"pattern":   pattern,
				"paths":     paths,
				"count":     len(paths),
				"truncated": truncated,
			}, nil
		},
	}
}

func listDirTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory. Directories end with a slash.",
		Category:    toolexecutor.CategoryReadOnly,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "directory", Type: "string", Description: "Directory to list (default workspace root)"},
			{Name: "max_entries", Type: "integer", Description: "Maximum entries to return (default 200)"},
			{Name: "show_hidden", Type: "boolean", Description: "Include hidden entries (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			dir, err := resolveDir(workspaceRoot, params["directory"])
			if err != nil {
				return nil, err
			}
			showHidden, _ := params["show_hidden"].(bool)
			maxEntries := intParam(params, "max_entries", defaultMaxEntries)

			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, err
			}
			ignore := loadIgnore(workspaceRoot)

			var dirs, files []string
			for _, entry := range entries {
				name := entry.Name()
				if !showHidden && strings.HasPrefix(name, ".") {
					continue
				}
				if ignore.ShouldIgnore(relPath(workspaceRoot, filepath.Join(dir, name)), entry.IsDir()) {
					continue
				}
				if entry.IsDir() {
					dirs = append(dirs, name+"/")
				} else {
					files = append(files, name)
				}
			}

			listing := append(dirs, files...)
			total := len(listing)
			if total > maxEntries {
				listing = listing[:maxEntries]
			}
			return map[string]interface{}{
				"directory": relPath(workspaceRoot, dir),
				"entries":   listing,
				"total":     total,
				"truncated": total > maxEntries,
			}, nil
		},
	}
}
