package action

import (
	"context"

	"github.com/cpgflow/engine"
)

// DecisionActionHandler is the decision ActionHandler: the node's action is
// itself a decision-table lookup (a pure gateway node with no side
// effect), resolved via the same DecisionEvaluator port business rules and
// policy gates use. HandlerRef names the decision reference.
type DecisionActionHandler struct {
	Decisions engine.DecisionEvaluator
}

// NewDecisionActionHandler constructs a DecisionActionHandler.
func NewDecisionActionHandler(decisions engine.DecisionEvaluator) *DecisionActionHandler {
	return &DecisionActionHandler{Decisions: decisions}
}

// Execute implements ActionHandler.
func (h *DecisionActionHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	res := h.Decisions.Evaluate(ctx, inv.Action.HandlerRef, inv.Scope)
	if res.Err != nil {
		return engine.ActionResult{Success: false, Retryable: false, ExceptionType: "DecisionError", Err: res.Err}
	}
	if out, ok := res.Value.(map[string]any); ok {
		return engine.ActionResult{Success: true, Output: out}
	}
	return engine.ActionResult{Success: true, Output: map[string]any{"decision": res.Value}}
}
