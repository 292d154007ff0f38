package action

import (
	"context"
	"time"

	"github.com/cpgflow/engine"
)

// WaitHandler is the wait ActionHandler: it holds the node for its
// configured TimeoutSeconds (a cooling-off period, distinct from the
// engine's own cooperative "no node selectable" wait state) and then
// succeeds. A zero TimeoutSeconds succeeds immediately. Context
// cancellation during the hold is reported as a non-retryable failure so
// the per-action timeout (if shorter than TimeoutSeconds) is what actually
// bounds the wait, not this handler's own sleep.
type WaitHandler struct{}

// NewWaitHandler constructs a WaitHandler.
func NewWaitHandler() *WaitHandler { return &WaitHandler{} }

// Execute implements ActionHandler.
func (h *WaitHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	d := time.Duration(inv.Action.Config.TimeoutSeconds) * time.Second
	if d <= 0 {
		return engine.ActionResult{Success: true, Output: map[string]any{"waitedMs": int64(0)}}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return engine.ActionResult{Success: true, Output: map[string]any{"waitedMs": d.Milliseconds()}}
	case <-ctx.Done():
		return engine.ActionResult{Success: false, Retryable: false, ExceptionType: "Cancelled", Err: ctx.Err()}
	}
}
