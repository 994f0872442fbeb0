package coretools

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// alwaysIgnored are directory names skipped even without a .gitignore
var alwaysIgnored = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	".idea":        true,
	".skipper":     true,
}

// ignoreMatcher matches workspace-relative paths against the root .gitignore
type ignoreMatcher struct {
	matcher gitignore.Matcher
}

// loadIgnore reads root/.gitignore. A missing file yields a matcher that only
// skips alwaysIgnored directories.
func loadIgnore(root string) *ignoreMatcher {
	file, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return &ignoreMatcher{}
	}
	defer file.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return &ignoreMatcher{matcher: gitignore.NewMatcher(patterns)}
}

// ShouldIgnore reports whether the workspace-relative path is excluded
func (m *ignoreMatcher) ShouldIgnore(rel string, isDir bool) bool {
	segments := splitPath(rel)
	if len(segments) == 0 {
		return false
	}
	if isDir && alwaysIgnored[segments[len(segments)-1]] {
		return true
	}
	if m.matcher == nil {
		return false
	}
	return m.matcher.Match(segments, isDir)
}

// splitPath splits a path into segments, dropping empty and "." parts
func splitPath(path string) []string {
	var segments []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part != "" && part != "." {
			segments = append(segments, part)
		}
	}
	return segments
}

// globMatcher matches workspace-relative paths with gitignore-style patterns,
// so "**" spans directories and a pattern without a slash matches at any depth.
type globMatcher struct {
	pattern gitignore.Pattern
}

func newGlobMatcher(pattern string) *globMatcher {
	return &globMatcher{pattern: gitignore.ParsePattern(pattern, nil)}
}

func (g *globMatcher) Match(rel string, isDir bool) bool {
	return g.pattern.Match(splitPath(rel), isDir) == gitignore.Exclude
}
