package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule bounds calls to a tool within a sliding window. MaxCalls <= 0
// disables the limit.
type Rule struct {
	MaxCalls      int `yaml:"max_calls" json:"max_calls"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

// RuleSet layers rate-limit rules: a default, per-tool overrides, and
// per-agent-per-tool overrides. The most specific rule wins.
type RuleSet struct {
	Default Rule                       `yaml:"default" json:"default"`
	Tools   map[string]Rule            `yaml:"tools" json:"tools,omitempty"`
	Agents  map[string]map[string]Rule `yaml:"agents" json:"agents,omitempty"`
}

// DefaultRules is applied when no policy file exists.
func DefaultRules() *RuleSet {
	return &RuleSet{Default: Rule{MaxCalls: 120, WindowSeconds: 60}}
}

type rulesFile struct {
	RateLimits RuleSet `yaml:"rate_limits"`
}

// LoadRules reads a YAML rule set from path. A missing file yields the
// defaults; a malformed file is an error so misconfigured deployments fail
// loudly instead of running unlimited.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read rules %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parse rules %s: %w", path, err)
	}
	rs := f.RateLimits
	if rs.Default.WindowSeconds == 0 {
		rs.Default = DefaultRules().Default
	}
	return &rs, nil
}

// RuleFor resolves the effective rule for (tool, agent).
func (rs *RuleSet) RuleFor(toolName, agentID string) Rule {
	if agentID != "" {
		if tools, ok := rs.Agents[agentID]; ok {
			if r, ok := tools[toolName]; ok {
				return r
			}
		}
	}
	if r, ok := rs.Tools[toolName]; ok {
		return r
	}
	return rs.Default
}
