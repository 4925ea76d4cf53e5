// Package mcp exposes the wallet core as a fixed tool surface over
// newline-delimited JSON on stdio. Every call passes the schema firewall
// and the policy engine before reaching a handler.
package mcp

import (
	"fmt"
	"sort"
	"sync"
)

// ToolDef declares one tool: its argument schema and whether the transport
// may retry it without caller consent.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Idempotent  bool   `json:"idempotent"`
	Schema      string `json:"-"` // JSON Schema for the argument map; empty skips validation
}

// Validate checks that a tool definition is registrable.
func (d ToolDef) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	return nil
}

// Catalog is the registry of approved tools.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]ToolDef
}

func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]ToolDef)}
}

func (c *Catalog) Register(def ToolDef) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid tool def: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[def.Name] = def
	return nil
}

func (c *Catalog) Get(name string) (ToolDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[name]
	return d, ok
}

// List returns all tools sorted by name.
func (c *Catalog) List() []ToolDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDef, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
