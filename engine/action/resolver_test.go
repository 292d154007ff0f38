package action

import (
	"context"
	"testing"
	"time"

	"github.com/cpgflow/engine"
)

type stubHandler struct{ result engine.ActionResult }

func (h *stubHandler) Execute(_ context.Context, _ engine.ActionInvocation) engine.ActionResult {
	return h.result
}

func TestRegistryResolveExactMatch(t *testing.T) {
	r := NewRegistry()
	want := &stubHandler{result: engine.ActionResult{Success: true}}
	r.Register(engine.ActionSystemInvocation, "http-call", want)

	got := r.Resolve(engine.ActionSystemInvocation, "http-call")
	if got != engine.ActionHandler(want) {
		t.Fatalf("expected exact registration to be returned")
	}
}

func TestRegistryResolveFallsBackToPerTypeDefault(t *testing.T) {
	r := NewRegistry()
	typeDefault := &stubHandler{result: engine.ActionResult{Success: true, Output: map[string]any{"which": "type-default"}}}
	r.Register(engine.ActionSystemInvocation, "", typeDefault)

	got := r.Resolve(engine.ActionSystemInvocation, "unregistered-ref")
	res := got.Execute(context.Background(), engine.ActionInvocation{})
	if res.Output["which"] != "type-default" {
		t.Fatalf("expected per-type default handler, got %+v", res)
	}
}

func TestRegistryResolveFallsBackToGlobalDefault(t *testing.T) {
	r := NewRegistry()
	got := r.Resolve(engine.ActionSystemInvocation, "nothing-registered")
	if _, ok := got.(*DefaultHandler); !ok {
		t.Fatalf("expected global DefaultHandler fallback, got %T", got)
	}
}

func TestDefaultHandlerAlwaysSucceeds(t *testing.T) {
	h := NewDefaultHandler()
	res := h.Execute(context.Background(), engine.ActionInvocation{
		Action: engine.Action{Type: engine.ActionSystemInvocation, HandlerRef: "missing"},
	})
	if !res.Success {
		t.Fatalf("expected default handler to always succeed")
	}
	if res.Output["handlerRef"] != "missing" {
		t.Fatalf("expected diagnostic output to echo handlerRef, got %+v", res.Output)
	}
}

func TestWaitHandlerZeroTimeoutReturnsImmediately(t *testing.T) {
	h := NewWaitHandler()
	start := time.Now()
	res := h.Execute(context.Background(), engine.ActionInvocation{
		Action: engine.Action{Config: engine.ActionConfig{TimeoutSeconds: 0}},
	})
	if !res.Success || time.Since(start) > 50*time.Millisecond {
		t.Fatalf("expected immediate success for zero timeout, got %+v after %v", res, time.Since(start))
	}
}

func TestWaitHandlerCancelledContextFailsNonRetryable(t *testing.T) {
	h := NewWaitHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.Execute(ctx, engine.ActionInvocation{
		Action: engine.Action{Config: engine.ActionConfig{TimeoutSeconds: 10}},
	})
	if res.Success || res.Retryable {
		t.Fatalf("expected non-retryable failure on cancellation, got %+v", res)
	}
	if res.ExceptionType != "Cancelled" {
		t.Fatalf("expected ExceptionType Cancelled, got %q", res.ExceptionType)
	}
}
