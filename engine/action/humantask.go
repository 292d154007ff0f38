package action

import (
	"context"
	"fmt"

	"github.com/cpgflow/engine"
)

// TaskSink receives a created human task; implementations adapt this to a
// worklist/inbox system. The engine core itself never blocks on task
// completion inside Execute — a human-task node's outbound edges gate on
// a subsequent event (e.g. "task.completed") instead, per the suspension
// model described for asynchronous actions.
type TaskSink interface {
	CreateTask(ctx context.Context, instanceID, nodeID, assignee, formRef string) (taskID string, err error)
}

// HumanTaskHandler is the human-task ActionHandler: it resolves the node's
// AssigneeExpr against the invocation scope, creates a task via TaskSink,
// and succeeds immediately with the created task's ID as output. Actual
// task completion is observed later, as an external event correlated back
// to the instance.
type HumanTaskHandler struct {
	Expr engine.ExpressionEvaluator
	Sink TaskSink
}

// NewHumanTaskHandler constructs a HumanTaskHandler.
func NewHumanTaskHandler(exprEval engine.ExpressionEvaluator, sink TaskSink) *HumanTaskHandler {
	return &HumanTaskHandler{Expr: exprEval, Sink: sink}
}

// Execute implements ActionHandler.
func (h *HumanTaskHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	assignee := ""
	if inv.Action.Config.AssigneeExpr != "" {
		res := h.Expr.Evaluate(ctx, inv.Action.Config.AssigneeExpr, inv.Scope)
		if !res.OK {
			return engine.ActionResult{Success: false, Retryable: false, ExceptionType: "ConfigurationError", Err: res.Err}
		}
		if s, ok := res.Value.(string); ok {
			assignee = s
		}
	}

	taskID, err := h.Sink.CreateTask(ctx, inv.InstanceID, inv.NodeID, assignee, inv.Action.Config.FormRef)
	if err != nil {
		return engine.ActionResult{Success: false, Retryable: true, ExceptionType: "TaskCreationError", Err: err}
	}
	return engine.ActionResult{Success: true, Output: map[string]any{
		"taskId":   taskID,
		"assignee": assignee,
		"formRef":  inv.Action.Config.FormRef,
		"status":   fmt.Sprintf("assigned:%s", assignee),
	}}
}
