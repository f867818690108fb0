package synckit

import (
	"context"
	"fmt"
	"strings"
)

// RuleGroup organizes rules under a common namespace. A group is itself a
// ConflictHandler: it tries its own rules in order, then its sub-groups
// depth-first, then its fallback.
type RuleGroup struct {
	Name        string
	Description string
	rules       []Rule
	subGroups   []*RuleGroup
	enabled     bool
	fallback    ConflictHandler
}

var _ ConflictHandler = (*RuleGroup)(nil)

// RuleGroupOption configures a RuleGroup.
type RuleGroupOption func(*RuleGroup)

// WithDescription sets a description for the rule group.
func WithDescription(desc string) RuleGroupOption {
	return func(rg *RuleGroup) { rg.Description = desc }
}

// WithGroupFallback sets a fallback handler specific to this group. A group
// with a fallback matches every conflict.
func WithGroupFallback(h ConflictHandler) RuleGroupOption {
	return func(rg *RuleGroup) { rg.fallback = h }
}

// WithEnabled sets the enabled state of the rule group.
func WithEnabled(enabled bool) RuleGroupOption {
	return func(rg *RuleGroup) { rg.enabled = enabled }
}

// NewRuleGroup creates an enabled group.
func NewRuleGroup(name string, opts ...RuleGroupOption) *RuleGroup {
	rg := &RuleGroup{Name: name, enabled: true}
	for _, opt := range opts {
		opt(rg)
	}
	return rg
}

// AddRule appends a rule, namespacing its name with the group name.
func (rg *RuleGroup) AddRule(rule Rule) *RuleGroup {
	if rule.Name != "" {
		rule.Name = rg.Name + "." + rule.Name
	}
	rg.rules = append(rg.rules, rule)
	return rg
}

// AddSubGroup nests sub under rg and renames it and its rules into rg's
// namespace.
func (rg *RuleGroup) AddSubGroup(sub *RuleGroup) *RuleGroup {
	old := sub.Name
	sub.rename(rg.Name + "." + old)
	rg.subGroups = append(rg.subGroups, sub)
	return rg
}

func (rg *RuleGroup) rename(name string) {
	prefix := rg.Name + "."
	for i := range rg.rules {
		if n := rg.rules[i].Name; n != "" {
			rg.rules[i].Name = name + "." + strings.TrimPrefix(n, prefix)
		}
	}
	for _, sub := range rg.subGroups {
		sub.rename(name + "." + strings.TrimPrefix(sub.Name, prefix))
	}
	rg.Name = name
}

func (rg *RuleGroup) Enable() *RuleGroup  { rg.enabled = true; return rg }
func (rg *RuleGroup) Disable() *RuleGroup { rg.enabled = false; return rg }
func (rg *RuleGroup) IsEnabled() bool     { return rg.enabled }

// Rules returns every rule of the group and its enabled sub-groups in
// evaluation order.
func (rg *RuleGroup) Rules() []Rule {
	if !rg.enabled {
		return nil
	}
	all := append([]Rule(nil), rg.rules...)
	for _, sub := range rg.subGroups {
		all = append(all, sub.Rules()...)
	}
	return all
}

// Matches reports whether the group would handle in. It is the matcher used
// when a group is mounted as a rule of a DynamicHandler.
func (rg *RuleGroup) Matches(in ConflictInput) bool {
	_, ok := rg.pick(in)
	return ok
}

func (rg *RuleGroup) pick(in ConflictInput) (ConflictHandler, bool) {
	if !rg.enabled {
		return nil, false
	}
	for _, r := range rg.rules {
		if r.Matcher(in) {
			return r.Handler, true
		}
	}
	for _, sub := range rg.subGroups {
		if h, ok := sub.pick(in); ok {
			return h, true
		}
	}
	if rg.fallback != nil {
		return rg.fallback, true
	}
	return nil, false
}

// Resolve runs the handler the group picks for in.
func (rg *RuleGroup) Resolve(ctx context.Context, in ConflictInput) (ConflictOutput, error) {
	h, ok := rg.pick(in)
	if !ok {
		return ConflictOutput{}, fmt.Errorf("rule group %s: %w", rg.Name, errNoRuleMatched)
	}
	return h.Resolve(ctx, in)
}

// RuleGroupStats describes the structure of a group.
type RuleGroupStats struct {
	Name          string           `json:"name"`
	Enabled       bool             `json:"enabled"`
	RuleCount     int              `json:"rule_count"`
	SubGroupCount int              `json:"subgroup_count"`
	TotalRules    int              `json:"total_rules"`
	SubGroups     []RuleGroupStats `json:"subgroups,omitempty"`
}

func (rg *RuleGroup) Stats() RuleGroupStats {
	stats := RuleGroupStats{
		Name:          rg.Name,
		Enabled:       rg.enabled,
		RuleCount:     len(rg.rules),
		SubGroupCount: len(rg.subGroups),
		TotalRules:    len(rg.Rules()),
	}
	for _, sub := range rg.subGroups {
		stats.SubGroups = append(stats.SubGroups, sub.Stats())
	}
	return stats
}

// WithGroup mounts rg as a single rule of a DynamicHandler.
func WithGroup(rg *RuleGroup) Option {
	return WithRule(rg.Name, rg.Matches, rg)
}
