package synckit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

// HandlerConfig describes a rule based conflict handler in YAML or JSON.
//
//	version: "1"
//	fallback: keep_master
//	rules:
//	  - name: counters
//	    conditions:
//	      id_prefixes: ["counter:"]
//	    strategy: merge_fields
//	  - name: done-wins
//	    conditions:
//	      expr: 'new.status == "done"'
//	    strategy: keep_new
//	groups:
//	  - name: orders
//	    fallback: last_write_wins
//	    rules:
//	      - name: paid
//	        conditions: {fields: [paid]}
//	        strategy: keep_master
//
// Rules are evaluated before groups, each in file order.
type HandlerConfig struct {
	Version     string               `json:"version" yaml:"version"`
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Fallback    string               `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Rules       []HandlerRuleConfig  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Groups      []HandlerGroupConfig `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// HandlerGroupConfig is a named rule group with an optional group fallback.
type HandlerGroupConfig struct {
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Fallback    string              `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Rules       []HandlerRuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// HandlerRuleConfig represents a single rule.
type HandlerRuleConfig struct {
	Name       string          `json:"name" yaml:"name"`
	Enabled    *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Conditions MatchConditions `json:"conditions" yaml:"conditions"`
	Strategy   string          `json:"strategy" yaml:"strategy"`
}

// MatchConditions defines when a rule applies. All populated conditions
// must hold; an empty set matches everything.
type MatchConditions struct {
	IDPrefixes []string `json:"id_prefixes,omitempty" yaml:"id_prefixes,omitempty"`
	Fields     []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Deleted    *bool    `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Expr       string   `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// LoadHandlerConfig reads a handler configuration file. The format follows
// the file extension; anything but .json is parsed as YAML.
func LoadHandlerConfig(path string) (*HandlerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpConfig, "synckit",
			fmt.Errorf("failed to read handler config %s: %w", path, err))
	}
	return ParseHandlerConfig(data, detectFormat(path))
}

// ParseHandlerConfig parses data in the given format ("yaml" or "json") and
// validates the result.
func ParseHandlerConfig(data []byte, format string) (*HandlerConfig, error) {
	var cfg HandlerConfig
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("failed to parse YAML config: %w", err))
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("failed to parse JSON config: %w", err))
		}
	default:
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("unsupported config format: %s", format))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func detectFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

// Validate checks strategy names, rule names and expressions.
func (c *HandlerConfig) Validate() error {
	if err := checkStrategy("fallback", c.Fallback); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Rules)+len(c.Groups))
	if err := validateRules(c.Rules, seen, ""); err != nil {
		return err
	}
	for i, g := range c.Groups {
		if g.Name == "" {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("group %d has no name", i))
		}
		if _, dup := seen[g.Name]; dup {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("duplicate rule or group name %q", g.Name))
		}
		seen[g.Name] = struct{}{}
		if err := checkStrategy("group "+g.Name+" fallback", g.Fallback); err != nil {
			return err
		}
		if len(g.Rules) == 0 && g.Fallback == "" {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("group %q has neither rules nor a fallback", g.Name))
		}
		if err := validateRules(g.Rules, make(map[string]struct{}, len(g.Rules)), g.Name+"."); err != nil {
			return err
		}
	}
	return nil
}

func checkStrategy(what, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := builtinStrategies()[name]; !ok {
		return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("unknown %s strategy %q", what, name))
	}
	return nil
}

func validateRules(rules []HandlerRuleConfig, seen map[string]struct{}, prefix string) error {
	strategies := builtinStrategies()
	for i, r := range rules {
		if r.Name == "" {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("rule %s%d has no name", prefix, i))
		}
		if _, dup := seen[r.Name]; dup {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("duplicate rule name %q", prefix+r.Name))
		}
		seen[r.Name] = struct{}{}
		if _, ok := strategies[r.Strategy]; !ok {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("rule %q: unknown strategy %q", prefix+r.Name, r.Strategy))
		}
		if r.Conditions.Expr != "" {
			if _, err := Expr(r.Conditions.Expr); err != nil {
				return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("rule %q: %w", prefix+r.Name, err))
			}
		}
	}
	return nil
}

// BuildHandler turns the configuration into a DynamicHandler. Without an
// explicit fallback the default keep-master handler is used.
func (c *HandlerConfig) BuildHandler(opts ...Option) (*DynamicHandler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	strategies := builtinStrategies()

	fallback := DefaultConflictHandler
	if c.Fallback != "" {
		fallback = strategies[c.Fallback]
	}
	options := []Option{WithFallback(fallback)}

	for _, r := range c.Rules {
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		matcher, err := buildMatcher(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to build matcher for rule %s: %w", r.Name, err)
		}
		options = append(options, WithRule(r.Name, matcher, strategies[r.Strategy]))
	}
	for _, g := range c.Groups {
		group, err := g.build()
		if err != nil {
			return nil, err
		}
		if group.IsEnabled() {
			options = append(options, WithGroup(group))
		}
	}

	return NewDynamicHandler(append(options, opts...)...)
}

func buildMatcher(c MatchConditions) (Spec, error) {
	var specs []Spec
	if len(c.IDPrefixes) > 0 {
		specs = append(specs, IDPrefix(c.IDPrefixes...))
	}
	if len(c.Fields) > 0 {
		specs = append(specs, FieldChanged(c.Fields...))
	}
	if c.Deleted != nil {
		if *c.Deleted {
			specs = append(specs, DeletedOnEitherSide())
		} else {
			specs = append(specs, Not(DeletedOnEitherSide()))
		}
	}
	if c.Expr != "" {
		s, err := Expr(c.Expr)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		return Always(), nil
	}
	return And(specs...), nil
}

func (g HandlerGroupConfig) build() (*RuleGroup, error) {
	opts := []RuleGroupOption{WithDescription(g.Description)}
	if g.Enabled != nil {
		opts = append(opts, WithEnabled(*g.Enabled))
	}
	if g.Fallback != "" {
		opts = append(opts, WithGroupFallback(builtinStrategies()[g.Fallback]))
	}
	group := NewRuleGroup(g.Name, opts...)
	for _, r := range g.Rules {
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		matcher, err := buildMatcher(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to build matcher for rule %s.%s: %w", g.Name, r.Name, err)
		}
		group.AddRule(Rule{Name: r.Name, Matcher: matcher, Handler: builtinStrategies()[r.Strategy]})
	}
	return group, nil
}
