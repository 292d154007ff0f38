package expr

import (
	"context"
	"testing"
	"time"
)

func TestEvaluateBasicTruthy(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), `status == "OK"`, map[string]any{"status": "OK"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if v, ok := res.Value.(bool); !ok || !v {
		t.Fatalf("expected true, got %v", res.Value)
	}
}

func TestEvaluateEmptyExprIsVacuouslyTrue(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), "", map[string]any{})
	if res.Err != nil || res.Value != true {
		t.Fatalf("expected vacuous true, got %+v", res)
	}
}

func TestEvaluateCompileErrorReported(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), `status ==`, map[string]any{})
	if res.Err == nil {
		t.Fatalf("expected compile error, got none")
	}
}

func TestEvaluateUndefinedVariableAllowed(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	if res.Err != nil {
		t.Fatalf("undefined variables should be allowed, got error: %v", res.Err)
	}
}

func TestEvaluateCachesCompiledProgram(t *testing.T) {
	e := New()
	const exprText = `a + b == 3`
	e.Evaluate(context.Background(), exprText, map[string]any{"a": 1, "b": 2})
	e.mu.RLock()
	_, cached := e.programs[exprText]
	e.mu.RUnlock()
	if !cached {
		t.Fatalf("expected program to be cached after first evaluation")
	}
	res := e.Evaluate(context.Background(), exprText, map[string]any{"a": 2, "b": 1})
	if v, ok := res.Value.(bool); !ok || !v {
		t.Fatalf("expected cached program reusable with new scope, got %v", res.Value)
	}
}

func TestEvaluateAllTruthyEmptyListVacuouslyTrue(t *testing.T) {
	e := New()
	if !e.EvaluateAllTruthy(context.Background(), nil, map[string]any{}) {
		t.Fatalf("expected empty expression list to be vacuously true")
	}
}

func TestEvaluateAllTruthyAllMustPass(t *testing.T) {
	e := New()
	scope := map[string]any{"a": 1, "b": "yes"}
	if !e.EvaluateAllTruthy(context.Background(), []string{`a == 1`, `b == "yes"`}, scope) {
		t.Fatalf("expected all truthy expressions to pass")
	}
	if e.EvaluateAllTruthy(context.Background(), []string{`a == 1`, `b == "no"`}, scope) {
		t.Fatalf("expected one failing expression to fail the whole set")
	}
}

func TestEvaluateAllTruthyBrokenExpressionNotTruthy(t *testing.T) {
	e := New()
	if e.EvaluateAllTruthy(context.Background(), []string{`a ==`}, map[string]any{}) {
		t.Fatalf("expected a compile error to be treated as not truthy")
	}
}

func TestEvaluateAnyWithCurrentElementSigil(t *testing.T) {
	e := New()
	scope := map[string]any{
		"events": []map[string]any{
			{"type": "Started"},
			{"type": "BackgroundCheckCompleted"},
		},
	}
	res := e.Evaluate(context.Background(), `any(events, {#.type == "BackgroundCheckCompleted"})`, scope)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if v, ok := res.Value.(bool); !ok || !v {
		t.Fatalf("expected true, got %v", res.Value)
	}
}

func TestEvaluateRespectsCallerTimeoutOption(t *testing.T) {
	e := New(WithTimeout(time.Nanosecond))
	res := e.Evaluate(context.Background(), `1 == 1`, map[string]any{})
	if res.Err == nil {
		t.Fatalf("expected a vanishingly small timeout to abort execution")
	}
}

func TestEvaluateRespectsContextDeadline(t *testing.T) {
	e := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	res := e.Evaluate(ctx, `1 == 1`, map[string]any{})
	if res.Err == nil {
		t.Fatalf("expected an already-expired context deadline to abort execution")
	}
}

func TestEvaluateSucceedsWithinDefaultTimeout(t *testing.T) {
	e := New()
	res := e.Evaluate(context.Background(), `1 + 1 == 2`, map[string]any{})
	if res.Err != nil {
		t.Fatalf("unexpected error for a trivial expression: %v", res.Err)
	}
}
