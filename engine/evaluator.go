package engine

import (
	"context"
	"sort"
)

// BlockedReason enumerates the typed reasons a node or edge can be blocked,
// per §4.1 and §7.
type BlockedReason string

const (
	BlockedNone             BlockedReason = ""
	BlockedPrecondition     BlockedReason = "preconditions"
	BlockedPolicy           BlockedReason = "policy"
	BlockedRule             BlockedReason = "rule"
	BlockedEvaluatorError   BlockedReason = "evaluator-error"
	BlockedGuard            BlockedReason = "guard-failed"
	BlockedExclusiveDominance BlockedReason = "exclusive-dominance"
)

// NodeEvaluation is the pure result of evaluating a Node's availability
// against a runtime scope.
type NodeEvaluation struct {
	NodeID     string
	Available  bool
	Reason     BlockedReason
	Detail     string
	RuleOutputs map[string]any
}

// Evaluator bundles the ExpressionEvaluator/PolicyEvaluator/RuleEvaluator
// ports the kernel needs. Both NodeEvaluation and EdgeEvaluation are pure
// functions of (graph, node|edge, scope) given an Evaluator — no state is
// held across calls.
type Evaluator struct {
	Expr   ExpressionEvaluator
	Policy PolicyEvaluator
	Rule   RuleEvaluator
}

// EvaluateNode implements §4.1 NodeEvaluation: a node is available iff
// every precondition is truthy, every policy gate matches its required
// outcome, and every business rule evaluates without error. Rule outputs
// are merged (as the merge rules in §4.6 describe) and returned regardless
// of availability, since downstream callers may still want partial output
// for tracing.
func (ev *Evaluator) EvaluateNode(ctx context.Context, n *Node, scope map[string]any) NodeEvaluation {
	result := NodeEvaluation{NodeID: n.ID, Available: true, RuleOutputs: map[string]any{}}

	allPre := make([]string, 0, len(n.ClientPreconditions)+len(n.DomainPreconditions))
	for _, p := range n.ClientPreconditions {
		allPre = append(allPre, p.Expr)
	}
	for _, p := range n.DomainPreconditions {
		allPre = append(allPre, p.Expr)
	}
	if len(allPre) > 0 && !ev.Expr.EvaluateAllTruthy(ctx, allPre, scope) {
		result.Available = false
		result.Reason = BlockedPrecondition
		result.Detail = "one or more preconditions evaluated falsy"
		return result
	}

	for _, gate := range n.PolicyGates {
		pr := ev.Policy.Evaluate(ctx, gate, scope)
		if pr.Err != nil {
			result.Available = false
			result.Reason = BlockedEvaluatorError
			result.Detail = pr.Err.Error()
			return result
		}
		if pr.Outcome != gate.RequiredOutcome {
			result.Available = false
			result.Reason = BlockedPolicy
			result.Detail = "policy gate " + gate.DecisionRef + " resolved " + string(pr.Outcome) + ", required " + string(gate.RequiredOutcome)
			return result
		}
	}

	for _, rule := range n.BusinessRules {
		rr := ev.Rule.Evaluate(ctx, rule, scope)
		if rr.Err != nil {
			result.Available = false
			result.Reason = BlockedRule
			result.Detail = rr.Err.Error()
			return result
		}
		for k, v := range rr.Output {
			result.RuleOutputs[k] = v
		}
	}

	return result
}

// EdgeEvalScope is the extra context the edge evaluator needs beyond the
// shared runtime scope: the most recent rule outputs produced on the
// source node, and the instance's event history (already folded into
// scope via BuildScope, but exposed again here for clarity of the guard
// algorithm below).
type EdgeEvalScope struct {
	Scope          map[string]any
	SourceRuleOutputs map[string]any
	EventHistory   []ReceivedEvent
	PolicyOutcomes map[string]PolicyOutcome // keyed by gate DecisionRef, from the source node's last evaluation
}

// EdgeEvaluation is the pure result of evaluating an Edge's traversability.
type EdgeEvaluation struct {
	EdgeID      string
	Traversable bool
	Reason      BlockedReason
	Detail      string
}

// EvaluateEdge implements §4.1 EdgeEvaluation: all four guard groups must
// pass for an edge to be traversable.
func (ev *Evaluator) EvaluateEdge(ctx context.Context, e *Edge, es EdgeEvalScope) EdgeEvaluation {
	result := EdgeEvaluation{EdgeID: e.ID, Traversable: true}

	if len(e.GuardConditions.ContextExprs) > 0 && !ev.Expr.EvaluateAllTruthy(ctx, e.GuardConditions.ContextExprs, es.Scope) {
		result.Traversable = false
		result.Reason = BlockedGuard
		result.Detail = "context expression evaluated falsy"
		return result
	}

	for _, rc := range e.GuardConditions.RuleOutcomes {
		v, ok := es.SourceRuleOutputs[rc.Key]
		if !ok || v != rc.ExpectedValue {
			result.Traversable = false
			result.Reason = BlockedGuard
			result.Detail = "rule outcome " + rc.Key + " did not match"
			return result
		}
	}

	for _, pc := range e.GuardConditions.PolicyOutcomes {
		outcome, ok := es.PolicyOutcomes[pc.GateDecisionRef]
		if !ok || outcome != pc.Expected {
			result.Traversable = false
			result.Reason = BlockedGuard
			result.Detail = "policy outcome " + pc.GateDecisionRef + " did not match"
			return result
		}
	}

	for _, ec := range e.GuardConditions.EventConditions {
		occurred := false
		for _, re := range es.EventHistory {
			if re.Event.EventType == ec.Type {
				occurred = true
				break
			}
		}
		if occurred != ec.MustHaveOccurred {
			result.Traversable = false
			result.Reason = BlockedGuard
			result.Detail = "event condition for " + ec.Type + " not satisfied"
			return result
		}
	}

	return result
}

// SelectionResult is the output of SelectEdges: the chosen edges (one for
// sequential selection, the full tied group for parallel) plus the
// criterion used, for tracing.
type SelectionResult struct {
	Selected  []Edge
	Criterion string
	Blocked   []CandidateSnapshot
}

// SelectEdges implements the §4.1 edge selection algorithm over a node's
// traversable outbound edges.
func SelectEdges(traversable []Edge) SelectionResult {
	if len(traversable) == 0 {
		return SelectionResult{Criterion: "none-traversable"}
	}

	candidates := traversable
	criterion := "highest-weight"

	var exclusive []Edge
	for _, e := range candidates {
		if e.Priority.Exclusive {
			exclusive = append(exclusive, e)
		}
	}
	var blocked []CandidateSnapshot
	if len(exclusive) > 0 {
		for _, e := range candidates {
			if !e.Priority.Exclusive {
				blocked = append(blocked, CandidateSnapshot{ID: e.ID, Available: false, Blocked: true, Reason: string(BlockedExclusiveDominance)})
			}
		}
		candidates = exclusive
		criterion = "exclusive-dominance"
	}

	maxWeight := candidates[0].Priority.Weight
	for _, e := range candidates[1:] {
		if e.Priority.Weight > maxWeight {
			maxWeight = e.Priority.Weight
		}
	}
	var atMax []Edge
	for _, e := range candidates {
		if e.Priority.Weight == maxWeight {
			atMax = append(atMax, e)
		} else {
			blocked = append(blocked, CandidateSnapshot{ID: e.ID, Available: false, Blocked: true, Reason: "lower-weight"})
		}
	}
	candidates = atMax

	if len(candidates) == 1 {
		return SelectionResult{Selected: candidates, Criterion: criterion, Blocked: blocked}
	}

	allParallel := true
	for _, e := range candidates {
		if e.Execution.Type != ExecParallel {
			allParallel = false
			break
		}
	}
	if allParallel {
		return SelectionResult{Selected: candidates, Criterion: "parallel-fanout", Blocked: blocked}
	}

	// Sequential tie-break: smallest rank, then smallest edge ID.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Execution.Type == ExecSequential && candidates[j].Execution.Type == ExecSequential {
			if candidates[i].Priority.Rank != candidates[j].Priority.Rank {
				return candidates[i].Priority.Rank < candidates[j].Priority.Rank
			}
		}
		return candidates[i].ID < candidates[j].ID
	})
	winner := candidates[0]
	for _, e := range candidates[1:] {
		blocked = append(blocked, CandidateSnapshot{ID: e.ID, Available: false, Blocked: true, Reason: "lost-tiebreak"})
	}
	return SelectionResult{Selected: []Edge{winner}, Criterion: "smallest-rank-then-id", Blocked: blocked}
}
