// Package expr implements the engine's default ExpressionEvaluator using
// github.com/expr-lang/expr, compiling every expression on first use and
// caching the program so repeated evaluation against the same guard/
// condition text never re-parses it.
package expr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cpgflow/engine"
)

// defaultTimeout bounds a single expression's execution when neither ctx
// nor a caller-supplied WithTimeout option sets a tighter deadline. Guard
// and correlation expressions are short closures over a small scope, so
// this is generous relative to expected cost while still bounding a
// pathological expression (e.g. an unbounded comprehension) driven by
// externally-signalled event payloads, per the resource-cap requirement
// on the expression port.
const defaultTimeout = 50 * time.Millisecond

// Evaluator is a cached, thread-safe ExpressionEvaluator backed by
// expr-lang/expr. Compiled programs are keyed by expression text only:
// scope shape is not part of the cache key, since programs are compiled
// with expr.AllowUndefinedVariables and no typed environment, so the same
// program is reusable across every scope the engine builds.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	timeout  time.Duration
}

// Option configures an Evaluator at construction time.
type Option func(*Evaluator)

// WithTimeout overrides the default per-expression execution cap.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// New constructs an empty Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{programs: map[string]*vm.Program{}, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) compile(exprText string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[exprText]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(exprText, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[exprText] = p
	e.mu.Unlock()
	return p, nil
}

// Evaluate compiles (or reuses a cached compile of) expr and runs it
// against scope. A compile or runtime error is reported via
// ExpressionResult.Err rather than panicking; the engine never allows a
// malformed guard expression to crash a step. Execution is capped at the
// Evaluator's timeout (or ctx's deadline, whichever is tighter): a
// correlation expression is the one place external event input drives
// expression parsing and execution, so an unbounded or pathological
// expression must not stall a step indefinitely.
func (e *Evaluator) Evaluate(ctx context.Context, exprText string, scope map[string]any) engine.ExpressionResult {
	if exprText == "" {
		return engine.ExpressionResult{OK: true, Value: true}
	}

	p, err := e.compile(exprText)
	if err != nil {
		return engine.ExpressionResult{OK: false, Err: fmt.Errorf("compile %q: %w", exprText, err)}
	}

	return e.runBounded(ctx, exprText, p, scope)
}

// runBounded runs p against scope on its own goroutine and waits for
// either a result, the Evaluator's timeout, or ctx's own cancellation,
// whichever comes first. expr-lang/expr's VM is not preemptible, so a
// timeout here bounds how long the caller waits rather than killing the
// underlying goroutine; that goroutine still exits once Run returns, and
// a bound on caller-visible latency is what guards a step loop from
// stalling on a crafted expression.
func (e *Evaluator) runBounded(ctx context.Context, exprText string, p *vm.Program, scope map[string]any) engine.ExpressionResult {
	deadline := e.timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); deadline <= 0 || remaining < deadline {
			deadline = remaining
		}
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := expr.Run(p, scope)
		done <- outcome{val: out, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case oc := <-done:
		if oc.err != nil {
			return engine.ExpressionResult{OK: false, Err: fmt.Errorf("evaluate %q: %w", exprText, oc.err)}
		}
		return engine.ExpressionResult{OK: true, Value: oc.val}
	case <-timer.C:
		return engine.ExpressionResult{OK: false, Err: fmt.Errorf("evaluate %q: exceeded %s execution cap", exprText, deadline)}
	case <-ctx.Done():
		return engine.ExpressionResult{OK: false, Err: fmt.Errorf("evaluate %q: %w", exprText, ctx.Err())}
	}
}

// EvaluateAllTruthy reports whether every expression in exprs evaluates to
// a truthy result against scope. An empty list is vacuously true, matching
// §3's "zero preconditions means the gate is always satisfied" convention.
// A compile/runtime error on any expression is treated as not truthy:
// the result is false and the remaining expressions are not evaluated.
func (e *Evaluator) EvaluateAllTruthy(ctx context.Context, exprs []string, scope map[string]any) bool {
	for _, exprText := range exprs {
		res := e.Evaluate(ctx, exprText, scope)
		if !res.OK {
			return false
		}
		truthy, ok := res.Value.(bool)
		if !ok || !truthy {
			return false
		}
	}
	return true
}
