package action

import (
	"context"

	"github.com/cpgflow/engine"
)

// Notifier delivers a rendered notification message; implementations adapt
// this to email, Slack, SMS, etc. The engine core never depends on
// Notifier directly — only NotificationHandler does, keeping the delivery
// mechanism swappable per deployment.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// NotificationHandler is the notification ActionHandler: it renders a
// message (already resolved into the invocation scope by the node's
// business rules) and delivers it via Notifier, succeeding once delivery
// does not error.
type NotificationHandler struct {
	Notifier Notifier
}

// NewNotificationHandler constructs a NotificationHandler backed by n.
func NewNotificationHandler(n Notifier) *NotificationHandler {
	return &NotificationHandler{Notifier: n}
}

// Execute implements ActionHandler.
func (h *NotificationHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	params, _ := inv.Scope["notification"].(map[string]any)
	channel, _ := params["channel"].(string)
	message, _ := params["message"].(string)
	if message == "" {
		message = inv.Action.HandlerRef
	}

	if err := h.Notifier.Notify(ctx, channel, message); err != nil {
		return engine.ActionResult{Success: false, Retryable: true, ExceptionType: "NotificationError", Err: err}
	}
	return engine.ActionResult{Success: true, Output: map[string]any{"channel": channel, "delivered": true}}
}
