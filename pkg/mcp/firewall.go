package mcp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/axis-ve/AgentVault/pkg/contracts"
)

// Firewall enforces a strict allowlist with per-tool argument schemas.
// Tools outside the allowlist never reach a handler.
type Firewall struct {
	mu      sync.RWMutex
	allowed map[string]bool
	schemas map[string]*jsonschema.Schema
}

func NewFirewall() *Firewall {
	return &Firewall{
		allowed: make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Allow adds a tool to the allowlist, compiling its argument schema when one
// is given.
func (f *Firewall) Allow(name, schema string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[name] = true
	if schema == "" {
		delete(f.schemas, name)
		return nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentvault.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("firewall schema load failed for %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("firewall schema compile failed for %q: %w", name, err)
	}
	f.schemas[name] = compiled
	return nil
}

// Check validates one invocation against the allowlist and the tool's
// schema. Fail closed: unknown tools are refused.
func (f *Firewall) Check(toolName string, args map[string]any) error {
	const op = "mcp.Firewall"
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.allowed[toolName] {
		return contracts.E(contracts.KindNotFound, op, fmt.Sprintf("unknown tool %q", toolName))
	}
	if schema, ok := f.schemas[toolName]; ok && schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		if err := schema.Validate(normalize(args)); err != nil {
			return contracts.E(contracts.KindInternal, op,
				fmt.Sprintf("arguments rejected for %q: %v", toolName, err))
		}
	}
	return nil
}

// normalize converts the argument map into the plain-interface shape the
// schema validator expects.
func normalize(v any) any {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(m))
		for i, val := range m {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
