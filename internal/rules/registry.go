package rules

import (
	"fmt"
	"sort"

	"contactline/internal/config"
)

// Rule is one decision unit of the chain. Apply returns true to stop the
// chain for the current section.
type Rule interface {
	Name() string
	Apply(c *Context) (bool, error)
}

type funcRule struct {
	name string
	fn   func(*Context) (bool, error)
}

func (r funcRule) Name() string                   { return r.name }
func (r funcRule) Apply(c *Context) (bool, error) { return r.fn(c) }

// NewRule wraps fn as a Rule.
func NewRule(name string, fn func(*Context) (bool, error)) Rule {
	return funcRule{name: name, fn: fn}
}

// Factory builds a configured rule.
type Factory func(cfg *config.Config) (Rule, error)

type registration struct {
	description string
	factory     Factory
}

// Registry maps rule names to factories.
type Registry struct {
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registration{}}
}

func (r *Registry) Register(name, description string, f Factory) error {
	if name == "" {
		return fmt.Errorf("rule name required")
	}
	if f == nil {
		return fmt.Errorf("rule %s: factory required", name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("rule %s already registered", name)
	}
	r.entries[name] = registration{description: description, factory: f}
	return nil
}

// RuleInfo describes a registered rule.
type RuleInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// List returns all registered rules in execution order, flagging those the
// config enables.
func (r *Registry) List(cfg *config.Config) []RuleInfo {
	enabled := map[string]bool{}
	if cfg != nil {
		for _, n := range cfg.Rules.Enabled {
			enabled[n] = true
		}
	}
	res := make([]RuleInfo, 0, len(r.entries))
	for name, reg := range r.entries {
		res = append(res, RuleInfo{Name: name, Description: reg.description, Enabled: enabled[name]})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// Build instantiates the named rules.
func (r *Registry) Build(cfg *config.Config, names []string) ([]Rule, error) {
	res := make([]Rule, 0, len(names))
	for _, name := range names {
		reg, ok := r.entries[name]
		if !ok {
			return nil, fmt.Errorf("unknown rule %s", name)
		}
		rule, err := reg.factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("build rule %s: %w", name, err)
		}
		res = append(res, rule)
	}
	return res, nil
}
