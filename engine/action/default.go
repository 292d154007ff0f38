package action

import (
	"context"

	"github.com/cpgflow/engine"
)

// DefaultHandler is the fallback ActionHandler: it always succeeds, echoing
// back a diagnostic output so an unresolved handlerRef is visible in
// traces and downstream scope rather than silently stalling a node.
type DefaultHandler struct{}

// NewDefaultHandler constructs a DefaultHandler.
func NewDefaultHandler() *DefaultHandler { return &DefaultHandler{} }

// Execute implements ActionHandler.
func (h *DefaultHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	return engine.ActionResult{
		Success: true,
		Output: map[string]any{
			"handled":    false,
			"handlerRef": inv.Action.HandlerRef,
			"actionType": string(inv.Action.Type),
			"note":       "no handler registered for this action; default handler invoked",
		},
	}
}
