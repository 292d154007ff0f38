// Package decision provides the default DecisionEvaluator, PolicyEvaluator,
// and RuleEvaluator: a decision reference of the form "model.decisionName"
// or a bare "decisionName" (against a default model) is resolved against a
// registry of named decision tables, each itself implemented as a guarded
// expression list evaluated in order, first-match-wins. This mirrors the
// expression-driven condition/guard evaluation the retrieval pack's
// execution-graph engines (mbflow, thaiyyal) use for branching, generalized
// here into a small decision-table abstraction so policy gates and business
// rules share one evaluator implementation.
package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cpgflow/engine"
)

// Rule is one row of a decision table: When is an expression evaluated
// against the decision's inputs; if it (or an empty When, meaning
// "default") evaluates truthy, Then is returned as the decision's value.
type Rule struct {
	When string
	Then any
}

// Table is a named, ordered list of Rules evaluated first-match-wins.
type Table struct {
	Rules []Rule
}

// Registry is an in-memory store of named decision Tables, keyed
// "model.decisionName" (or "" model meaning the default model, keyed by
// decisionName alone).
type Registry struct {
	mu     sync.RWMutex
	tables map[string]Table
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: map[string]Table{}}
}

// Register adds or replaces the table for ref, which is used verbatim as
// the registry key ("model.decisionName", or a bare decisionName for the
// default model).
func (r *Registry) Register(ref string, table Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[ref] = table
}

func (r *Registry) lookup(ref string) (Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[ref]
	return t, ok
}

// Evaluator is the default DecisionEvaluator: it resolves decisionRef
// against a Registry and evaluates the matching Table's rules, in order,
// via an ExpressionEvaluator.
type Evaluator struct {
	Registry *Registry
	Expr     engine.ExpressionEvaluator
}

// New constructs an Evaluator backed by registry and exprEval.
func New(registry *Registry, exprEval engine.ExpressionEvaluator) *Evaluator {
	return &Evaluator{Registry: registry, Expr: exprEval}
}

// Evaluate resolves decisionRef to a Table and returns the Then value of
// the first Rule whose When is empty or evaluates truthy against inputs.
// An unresolved decisionRef or an exhausted table with no default rule is
// reported as an error rather than a zero value, so a misconfigured graph
// fails loudly in a DecisionTrace instead of silently picking the wrong
// Then.
func (e *Evaluator) Evaluate(ctx context.Context, decisionRef string, inputs map[string]any) engine.DecisionResult {
	table, ok := e.Registry.lookup(decisionRef)
	if !ok {
		return engine.DecisionResult{Err: fmt.Errorf("decision: no table registered for ref %q", decisionRef)}
	}
	for _, rule := range table.Rules {
		if rule.When == "" {
			return engine.DecisionResult{OK: true, Value: rule.Then}
		}
		res := e.Expr.Evaluate(ctx, rule.When, inputs)
		if !res.OK {
			continue
		}
		if truthy, ok := res.Value.(bool); ok && truthy {
			return engine.DecisionResult{OK: true, Value: rule.Then}
		}
	}
	return engine.DecisionResult{Err: fmt.Errorf("decision: table %q exhausted with no matching rule", decisionRef)}
}

// PolicyEvaluator is the conventional mapping from a DecisionEvaluator's raw
// output to a PolicyOutcome: the decision's Value is expected to be one of
// the PolicyOutcome string constants (or a plain bool, where true maps to
// PolicyPassed and false to PolicyFailed, for tables authored without the
// engine's vocabulary in mind).
type PolicyEvaluator struct {
	Decisions engine.DecisionEvaluator
}

// NewPolicyEvaluator constructs a PolicyEvaluator over decisions.
func NewPolicyEvaluator(decisions engine.DecisionEvaluator) *PolicyEvaluator {
	return &PolicyEvaluator{Decisions: decisions}
}

// Evaluate invokes gate.DecisionRef with scope as inputs and normalizes the
// result into a PolicyResult.
func (p *PolicyEvaluator) Evaluate(ctx context.Context, gate engine.PolicyGate, scope map[string]any) engine.PolicyResult {
	res := p.Decisions.Evaluate(ctx, gate.DecisionRef, scope)
	if res.Err != nil {
		return engine.PolicyResult{Err: res.Err}
	}
	switch v := res.Value.(type) {
	case engine.PolicyOutcome:
		return engine.PolicyResult{Outcome: v}
	case string:
		return engine.PolicyResult{Outcome: engine.PolicyOutcome(v)}
	case bool:
		if v {
			return engine.PolicyResult{Outcome: engine.PolicyPassed}
		}
		return engine.PolicyResult{Outcome: engine.PolicyFailed}
	default:
		return engine.PolicyResult{Err: fmt.Errorf("decision: policy gate %q returned non-outcome value %v", gate.DecisionRef, v)}
	}
}

// RuleEvaluator is the conventional mapping from a DecisionEvaluator's raw
// output to a RuleResult: a map[string]any Value is merged as-is; a scalar
// Value is stored under a key derived from the rule's category
// ("executionParameter", "obligation", "sla", "derivation" suffixed with
// the rule ID), per §3's note that scalar outputs need a stable home in
// accumulated state.
type RuleEvaluator struct {
	Decisions engine.DecisionEvaluator
}

// NewRuleEvaluator constructs a RuleEvaluator over decisions.
func NewRuleEvaluator(decisions engine.DecisionEvaluator) *RuleEvaluator {
	return &RuleEvaluator{Decisions: decisions}
}

func categoryKey(rule engine.BusinessRule) string {
	switch rule.Category {
	case engine.RuleExecutionParameter:
		return "executionParameter." + rule.ID
	case engine.RuleObligation:
		return "obligation." + rule.ID
	case engine.RuleSLA:
		return "sla." + rule.ID
	case engine.RuleDerivation:
		return "derivation." + rule.ID
	default:
		return "rule." + rule.ID
	}
}

// Evaluate invokes rule.DecisionRef with scope as inputs and normalizes the
// result into a RuleResult.
func (r *RuleEvaluator) Evaluate(ctx context.Context, rule engine.BusinessRule, scope map[string]any) engine.RuleResult {
	res := r.Decisions.Evaluate(ctx, rule.DecisionRef, scope)
	if res.Err != nil {
		return engine.RuleResult{Err: res.Err}
	}
	if out, ok := res.Value.(map[string]any); ok {
		return engine.RuleResult{Output: out}
	}
	return engine.RuleResult{Output: map[string]any{categoryKey(rule): res.Value}}
}

// RegisteredRefs returns every ref currently registered, sorted, for
// diagnostics (e.g. listing unresolved decisions at graph-validation time).
func (r *Registry) RegisteredRefs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.tables))
	for ref := range r.tables {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
