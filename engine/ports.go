package engine

import "context"

// PolicyOutcome is the normalized result of a PolicyEvaluator check.
type PolicyOutcome string

const (
	PolicyPassed        PolicyOutcome = "passed"
	PolicyFailed        PolicyOutcome = "failed"
	PolicyWaived        PolicyOutcome = "waived"
	PolicyPendingReview PolicyOutcome = "pendingReview"
)

// ExpressionResult is the outcome of evaluating a single expression.
type ExpressionResult struct {
	OK    bool
	Value any
	Err   error
}

// ExpressionEvaluator is the sole port through which the engine evaluates
// any expression syntax. Implementations must be pure, thread-safe, and
// side-effect free; the engine never interprets expression syntax itself.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expr string, scope map[string]any) ExpressionResult
	EvaluateAllTruthy(ctx context.Context, exprs []string, scope map[string]any) bool
}

// DecisionResult is the outcome of invoking a DecisionEvaluator.
type DecisionResult struct {
	OK    bool
	Value any
	Err   error
}

// DecisionEvaluator resolves a decision reference (either "decision" against
// a default model, or "model.decision") against a set of inputs. It backs
// both PolicyEvaluator and RuleEvaluator by convention (see doc comments on
// each), though an implementation may serve all three directly.
type DecisionEvaluator interface {
	Evaluate(ctx context.Context, decisionRef string, inputs map[string]any) DecisionResult
}

// PolicyResult is the normalized outcome of a policy gate check.
type PolicyResult struct {
	Outcome PolicyOutcome
	Err     error
}

// PolicyEvaluator evaluates a node's PolicyGate against a runtime scope.
// The conventional mapping from raw DecisionEvaluator output to
// PolicyOutcome is implemented by decision.NewPolicyEvaluator (see that
// package), but any PolicyEvaluator implementation is accepted.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, gate PolicyGate, scope map[string]any) PolicyResult
}

// RuleResult is the outcome of evaluating a BusinessRule: either a map of
// outputs to merge into accumulated state, or an error.
type RuleResult struct {
	Output map[string]any
	Err    error
}

// RuleEvaluator evaluates a node's BusinessRule against a runtime scope.
// Map outputs are merged as-is into accumulated state; scalar outputs are
// stored under a key derived from the rule's category (see
// decision.NewRuleEvaluator for the conventional derivation).
type RuleEvaluator interface {
	Evaluate(ctx context.Context, rule BusinessRule, scope map[string]any) RuleResult
}

// ActionResult is what an ActionHandler returns after executing a Node's
// Action.
type ActionResult struct {
	Success bool
	Output  map[string]any
	// Retryable indicates a transient failure eligible for the node's
	// own retryCount, used when no RemediationRoute matches ExceptionType.
	Retryable bool
	// ExceptionType names the failure for exception-route lookup (§4.4).
	// Handlers set this to a stable category (e.g. "NetworkError",
	// "ValidationError"); the engine never interprets its contents beyond
	// matching it against Node.ExceptionRoutes.
	ExceptionType string
	Err           error
}

// ActionHandler executes a Node's Action. The engine never interprets
// handler internals; it only honors the per-action timeout and forwards
// ctx cancellation.
type ActionHandler interface {
	Execute(ctx context.Context, invocation ActionInvocation) ActionResult
}

// ActionInvocation is everything a handler needs to execute a node's
// action: the resolved scope, the node's action config, and identifying
// metadata for logging/tracing.
type ActionInvocation struct {
	InstanceID string
	NodeID     string
	Action     Action
	Scope      map[string]any
	RuleOutputs map[string]any
	Attempt    int
}

// ActionHandlerResolver resolves an (actionType, handlerRef) pair to a
// concrete ActionHandler. Unresolved references must fall back to a
// default handler that succeeds with a diagnostic output rather than
// erroring, per §4.6.
type ActionHandlerResolver interface {
	Resolve(actionType ActionType, handlerRef string) ActionHandler
}

// GraphStore provides read-only access to published graphs. Graph
// authoring and storage are out of scope for this package; GraphStore is
// the only seam the engine uses to obtain a ProcessGraph.
type GraphStore interface {
	Load(ctx context.Context, graphID, version string) (ProcessGraph, error)
	// LoadLatestPublished loads the highest version of graphID whose status
	// is GraphPublished. Used when Start is called without an explicit
	// version.
	LoadLatestPublished(ctx context.Context, graphID string) (ProcessGraph, error)
}

// InstanceStore provides load/save for ProcessInstance with optimistic
// concurrency: Save must fail with a conflict if expectedVersion doesn't
// match the stored version.
type InstanceStore interface {
	Load(ctx context.Context, instanceID string) (ProcessInstance, error)
	// Save persists instance if expectedVersion (the version the caller
	// read) still matches the stored version, storing it as version
	// expectedVersion+1. Returns the store's version-conflict error
	// otherwise; the orchestrator wraps that error in an EngineError.
	Save(ctx context.Context, instance ProcessInstance, expectedVersion int64) error
	// Create persists a brand-new instance (expected stored version 0).
	Create(ctx context.Context, instance ProcessInstance) error
}

// DecisionTracer is a narrow write-only port from the orchestrator plus
// the read operations needed for GetHistory and audit tooling.
type DecisionTracer interface {
	Append(ctx context.Context, trace DecisionTrace) error
	ByInstance(ctx context.Context, instanceID string) ([]DecisionTrace, error)
	ByInstanceAndType(ctx context.Context, instanceID string, t TraceType) ([]DecisionTrace, error)
	ByInstanceAndTimeRange(ctx context.Context, instanceID string, fromUnixNano, toUnixNano int64) ([]DecisionTrace, error)
	ByID(ctx context.Context, traceID string) (DecisionTrace, error)
	LatestForInstance(ctx context.Context, instanceID string) (DecisionTrace, error)
	// DeleteBefore removes all traces for instanceID with a timestamp
	// strictly before cutoffUnixNano, implementing the caller-supplied
	// retention cutoff from §4.5.
	DeleteBefore(ctx context.Context, instanceID string, cutoffUnixNano int64) (int, error)
}

// EventPublisher publishes lifecycle/domain events produced by the engine.
// publish is synchronous; publishAsync must not block the caller.
type EventPublisher interface {
	Publish(ctx context.Context, event ProcessEvent) error
	PublishAsync(event ProcessEvent)
}
