package toolexecutor

import (
	"fmt"
	"strings"
	"sync"
)

// ToolCategory is the capability class of a tool
type ToolCategory string

const (
	CategoryReadOnly ToolCategory = "read_only"
	CategoryWrite    ToolCategory = "write"
	CategoryExecute  ToolCategory = "execute"
	CategoryResearch ToolCategory = "research"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryReadOnly,
		CategoryWrite,
		CategoryExecute,
		CategoryResearch,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// Sequential reports whether calls of this category must run one at a time
func (c ToolCategory) Sequential() bool {
	return c == CategoryWrite || c == CategoryExecute
}

var (
	defaultReadOnly     = []string{"read_file", "grep", "list_dir", "glob", "react"}
	defaultWrite        = []string{"write_file", "update_file"}
	defaultExecute      = []string{"bash", "run_command"}
	defaultResearch     = []string{"research_codebase"}
	defaultPresentation = []string{"present_plan", "submit"}
)

// Categorizer maps tool names to categories. It does no I/O.
type Categorizer struct {
	mu           sync.RWMutex
	categories   map[string]ToolCategory
	presentation map[string]bool
	fallback     ToolCategory
}

// NewCategorizer returns a categorizer loaded with the built-in tool sets.
// Unknown tools fall back to CategoryExecute.
func NewCategorizer() *Categorizer {
	c := &Categorizer{
		categories:   make(map[string]ToolCategory),
		presentation: make(map[string]bool),
		fallback:     CategoryExecute,
	}

	for _, name := range defaultReadOnly {
		c.categories[name] = CategoryReadOnly
	}
	for _, name := range defaultWrite {
		c.categories[name] = CategoryWrite
	}
	for _, name := range defaultExecute {
		c.categories[name] = CategoryExecute
	}
	for _, name := range defaultResearch {
		c.categories[name] = CategoryResearch
	}
	for _, name := range defaultPresentation {
		c.categories[name] = CategoryReadOnly
		c.presentation[name] = true
	}

	return c
}

// Register assigns a category to a tool name, overriding any built-in entry
func (c *Categorizer) Register(name string, category ToolCategory) error {
	key := normalizeName(name)
	if key == "" {
		return fmt.Errorf("tool name is required")
	}
	if !IsValidCategory(string(category)) {
		return fmt.Errorf("invalid category: %s", category)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[key] = category
	return nil
}

// RegisterPresentation marks a tool as a presentation tool. Presentation tools are read-only.
func (c *Categorizer) RegisterPresentation(name string) {
	key := normalizeName(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[key] = CategoryReadOnly
	c.presentation[key] = true
}

// Categorize returns the category for a tool name
func (c *Categorizer) Categorize(name string) ToolCategory {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cat, ok := c.categories[normalizeName(name)]; ok {
		return cat
	}
	return c.fallback
}

// IsReadOnly reports whether the tool has no side effects
func (c *Categorizer) IsReadOnly(name string) bool {
	return c.Categorize(name) == CategoryReadOnly
}

// IsPresentation reports whether the tool presents or submits a plan
func (c *Categorizer) IsPresentation(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presentation[normalizeName(name)]
}

// Known reports whether the tool has an explicit category
func (c *Categorizer) Known(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.categories[normalizeName(name)]
	return ok
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
