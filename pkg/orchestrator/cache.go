package orchestrator

import (
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
)

// AgentSpec describes everything that shapes a constructed orchestrator
type AgentSpec struct {
	Provider     string
	Model        string
	SystemPrompt string
	Tools        []string `hash:"set"`
	PlanMode     bool
	Unrestricted bool
	Limits       Limits
}

// Fingerprint hashes spec. Tool order does not matter.
func Fingerprint(spec AgentSpec) (uint64, error) {
	h, err := hashstructure.Hash(spec, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fingerprint agent spec: %w", err)
	}
	return h, nil
}

// Cache keeps constructed orchestrators keyed by spec fingerprint
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*Orchestrator
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[uint64]*Orchestrator)}
}

// GetOrCreate returns the cached orchestrator for spec or builds and stores one
func (c *Cache) GetOrCreate(spec AgentSpec, build func() (*Orchestrator, error)) (*Orchestrator, error) {
	key, err := Fingerprint(spec)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if o, ok := c.entries[key]; ok {
		return o, nil
	}
	o, err := build()
	if err != nil {
		return nil, err
	}
	c.entries[key] = o
	return o, nil
}

// Invalidate drops the entry for spec
func (c *Cache) Invalidate(spec AgentSpec) error {
	key, err := Fingerprint(spec)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]*Orchestrator)
	c.mu.Unlock()
}

// Len returns the number of cached orchestrators
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
