// Package rules implements the declarative tool-selection rules evaluated by
// the selector. Evaluation is a pure function of the session counters and
// the candidate list.
package rules

import (
	"strings"
)

// Phases a rule can apply to.
const (
	PhasePreRetrieval  = "pre_retrieval"
	PhasePostRetrieval = "post_retrieval"
)

// Conditions are conjunctive; an unset condition trivially holds.
type Conditions struct {
	IterationGTE          *int   `json:"iteration_gte,omitempty" mapstructure:"iteration_gte"`
	SearchesUsedGTE       *int   `json:"searches_used_gte,omitempty" mapstructure:"searches_used_gte"`
	ClarificationsUsedGTE *int   `json:"clarifications_used_gte,omitempty" mapstructure:"clarifications_used_gte"`
	State                 string `json:"state,omitempty" mapstructure:"state"`
}

// Actions applied when the conditions hold. KeepOnly takes precedence over
// Exclude within the same rule.
type Actions struct {
	Exclude  []string `json:"exclude,omitempty" mapstructure:"exclude"`
	KeepOnly []string `json:"keep_only,omitempty" mapstructure:"keep_only"`
	SetStage string   `json:"set_stage,omitempty" mapstructure:"set_stage"`
}

// Rule is one declarative selection rule.
type Rule struct {
	ApplyTo []string   `json:"apply_to,omitempty" mapstructure:"apply_to"`
	When    Conditions `json:"when" mapstructure:"when"`
	Actions Actions    `json:"actions" mapstructure:"actions"`
}

// Counters is the session-state view rules are evaluated against.
type Counters struct {
	Iteration          int
	SearchesUsed       int
	ClarificationsUsed int
	State              string
}

func (r *Rule) appliesTo(phase string) bool {
	// A rule without apply_to runs in both phases.
	if len(r.ApplyTo) == 0 {
		return true
	}
	for _, p := range r.ApplyTo {
		if p == phase {
			return true
		}
	}
	return false
}

func (c *Conditions) hold(counters Counters) bool {
	if c.IterationGTE != nil && counters.Iteration < *c.IterationGTE {
		return false
	}
	if c.SearchesUsedGTE != nil && counters.SearchesUsed < *c.SearchesUsedGTE {
		return false
	}
	if c.ClarificationsUsedGTE != nil && counters.ClarificationsUsed < *c.ClarificationsUsedGTE {
		return false
	}
	if c.State != "" && c.State != counters.State {
		return false
	}
	return true
}

// Result carries the filtered tool list and any stage change.
type Result struct {
	Tools []string
	// Stage is non-empty when a set_stage action fired; the caller
	// persists it with the next snapshot.
	Stage string
}

// Evaluate runs the rules for one phase in declaration order, composing
// effects left to right.
func Evaluate(ruleSet []Rule, phase string, counters Counters, toolNames []string) Result {
	out := Result{Tools: toolNames}
	for i := range ruleSet {
		rule := &ruleSet[i]
		if !rule.appliesTo(phase) {
			continue
		}
		if !rule.When.hold(counters) {
			continue
		}
		out.Tools = rule.Actions.apply(out.Tools)
		if rule.Actions.SetStage != "" {
			out.Stage = rule.Actions.SetStage
		}
	}
	return out
}

func (a *Actions) apply(toolNames []string) []string {
	if len(a.KeepOnly) > 0 {
		keep := nameSet(a.KeepOnly)
		var out []string
		for _, name := range toolNames {
			if keep[strings.ToLower(name)] {
				out = append(out, name)
			}
		}
		return out
	}
	if len(a.Exclude) > 0 {
		drop := nameSet(a.Exclude)
		var out []string
		for _, name := range toolNames {
			if !drop[strings.ToLower(name)] {
				out = append(out, name)
			}
		}
		return out
	}
	return toolNames
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[strings.ToLower(name)] = true
	}
	return set
}
