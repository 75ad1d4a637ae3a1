package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(n int) *int { return &n }

func TestEvaluateKeepOnlyAtIterationLimit(t *testing.T) {
	ruleSet := []Rule{{
		When:    Conditions{IterationGTE: intPtr(15)},
		Actions: Actions{KeepOnly: []string{"FinalAnswerTool", "CreateReportTool"}},
	}}
	candidates := []string{"WebSearchTool", "FinalAnswerTool", "CreateReportTool", "EchoTool"}

	// Below the threshold nothing changes.
	out := Evaluate(ruleSet, PhasePostRetrieval, Counters{Iteration: 14}, candidates)
	assert.Equal(t, candidates, out.Tools)

	out = Evaluate(ruleSet, PhasePostRetrieval, Counters{Iteration: 15}, candidates)
	assert.Equal(t, []string{"FinalAnswerTool", "CreateReportTool"}, out.Tools)
}

func TestEvaluateConditionsAreConjunctive(t *testing.T) {
	ruleSet := []Rule{{
		When: Conditions{
			IterationGTE:    intPtr(2),
			SearchesUsedGTE: intPtr(3),
		},
		Actions: Actions{Exclude: []string{"WebSearchTool"}},
	}}
	candidates := []string{"WebSearchTool", "FinalAnswerTool"}

	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{Iteration: 5, SearchesUsed: 2}, candidates)
	assert.Equal(t, candidates, out.Tools)

	out = Evaluate(ruleSet, PhasePreRetrieval, Counters{Iteration: 5, SearchesUsed: 3}, candidates)
	assert.Equal(t, []string{"FinalAnswerTool"}, out.Tools)
}

func TestEvaluateStateCondition(t *testing.T) {
	ruleSet := []Rule{{
		When:    Conditions{State: "RESEARCHING"},
		Actions: Actions{Exclude: []string{"EchoTool"}},
	}}

	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{State: "RESEARCHING"}, []string{"EchoTool", "WebSearchTool"})
	assert.Equal(t, []string{"WebSearchTool"}, out.Tools)

	out = Evaluate(ruleSet, PhasePreRetrieval, Counters{State: "INITED"}, []string{"EchoTool", "WebSearchTool"})
	assert.Equal(t, []string{"EchoTool", "WebSearchTool"}, out.Tools)
}

func TestEvaluateDeclarationOrderComposes(t *testing.T) {
	ruleSet := []Rule{
		{
			When:    Conditions{IterationGTE: intPtr(1)},
			Actions: Actions{Exclude: []string{"EchoTool"}},
		},
		{
			When:    Conditions{IterationGTE: intPtr(1)},
			Actions: Actions{KeepOnly: []string{"FinalAnswerTool", "EchoTool"}},
		},
	}
	// The first rule removes EchoTool before the second keeps; effects
	// compose left to right.
	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{Iteration: 1}, []string{"EchoTool", "WebSearchTool", "FinalAnswerTool"})
	assert.Equal(t, []string{"FinalAnswerTool"}, out.Tools)
}

func TestEvaluateKeepOnlyBeatsExcludeWithinRule(t *testing.T) {
	ruleSet := []Rule{{
		When: Conditions{},
		Actions: Actions{
			KeepOnly: []string{"FinalAnswerTool"},
			Exclude:  []string{"FinalAnswerTool"},
		},
	}}
	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{}, []string{"FinalAnswerTool", "WebSearchTool"})
	assert.Equal(t, []string{"FinalAnswerTool"}, out.Tools)
}

func TestEvaluatePhaseFilter(t *testing.T) {
	ruleSet := []Rule{{
		ApplyTo: []string{PhasePostRetrieval},
		When:    Conditions{},
		Actions: Actions{Exclude: []string{"WebSearchTool"}},
	}}
	candidates := []string{"WebSearchTool", "FinalAnswerTool"}

	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{}, candidates)
	assert.Equal(t, candidates, out.Tools)

	out = Evaluate(ruleSet, PhasePostRetrieval, Counters{}, candidates)
	assert.Equal(t, []string{"FinalAnswerTool"}, out.Tools)
}

func TestEvaluateSetStage(t *testing.T) {
	ruleSet := []Rule{{
		When:    Conditions{SearchesUsedGTE: intPtr(5)},
		Actions: Actions{SetStage: "writing"},
	}}

	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{SearchesUsed: 5}, []string{"FinalAnswerTool"})
	assert.Equal(t, "writing", out.Stage)
	assert.Equal(t, []string{"FinalAnswerTool"}, out.Tools)

	out = Evaluate(ruleSet, PhasePreRetrieval, Counters{SearchesUsed: 1}, []string{"FinalAnswerTool"})
	assert.Empty(t, out.Stage)
}

func TestEvaluateCaseInsensitiveNames(t *testing.T) {
	ruleSet := []Rule{{
		When:    Conditions{},
		Actions: Actions{Exclude: []string{"websearchtool"}},
	}}
	out := Evaluate(ruleSet, PhasePreRetrieval, Counters{}, []string{"WebSearchTool", "FinalAnswerTool"})
	assert.Equal(t, []string{"FinalAnswerTool"}, out.Tools)
}
