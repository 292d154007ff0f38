package engine

import "time"

// TraceType classifies a DecisionTrace.
type TraceType string

const (
	TraceNavigation      TraceType = "navigation"
	TraceExecution       TraceType = "execution"
	TraceWait            TraceType = "wait"
	TraceEvent           TraceType = "event"
	TraceGovernanceReject TraceType = "governance-reject"
	TraceRetry           TraceType = "retry"
	TraceCompensate      TraceType = "compensate"
	TraceTerminal        TraceType = "terminal"
)

// ContextSnapshot is a summary of the runtime context at trace time —
// compartment values are not copied in, to keep traces small; only the key
// names of the client, domain and state compartments and the event and
// obligation counts are retained.
type ContextSnapshot struct {
	ClientKeys    []string
	DomainKeys    []string
	StateKeys     []string
	EventCount    int
	ObligationCount int
}

// CandidateSnapshot records why one candidate node or edge was considered,
// and whether it was blocked or chosen.
type CandidateSnapshot struct {
	ID        string
	Available bool
	Blocked   bool
	Reason    string // precondition-failed | policy-blocked | rule-evaluation-failed | guard-failed | exclusive-dominance | evaluator-error | ""
}

// EvaluationSnapshot records the eligible space considered during a step.
type EvaluationSnapshot struct {
	Nodes []CandidateSnapshot
	Edges []CandidateSnapshot
}

// DecisionSnapshot records what was selected and why.
type DecisionSnapshot struct {
	SelectedNodeIDs []string
	SelectedEdgeIDs []string
	Criterion       string // smallest-node-id | parallel-group | wait
	Alternatives    []string
}

// GovernanceSnapshot records the outcome of idempotency/authorization/policy
// checks for the step.
type GovernanceSnapshot struct {
	IdempotencyChecked bool
	IdempotencyPassed  bool
	AuthorizationChecked bool
	AuthorizationPassed  bool
	PolicyChecked      bool
	PolicyPassed       bool
	RejectReason       string
}

// OutcomeSnapshot records what actually happened as a result of the step.
type OutcomeSnapshot struct {
	Success      bool
	ErrorKind    Kind
	ErrorMessage string
	CompletedNodeIDs []string
	TraversedEdgeIDs []string
}

// DecisionTrace is one immutable, append-only audit record produced per
// engine step. Traces are ordered by (InstanceID, Timestamp, TraceID) and
// never mutated once appended.
type DecisionTrace struct {
	TraceID    string
	Timestamp  time.Time
	InstanceID string
	Type       TraceType

	Context    ContextSnapshot
	Evaluation EvaluationSnapshot
	Decision   DecisionSnapshot
	Governance GovernanceSnapshot
	Outcome    OutcomeSnapshot
}

func summarizeContext(ec ExecutionContext) ContextSnapshot {
	keys := func(m map[string]any) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		return out
	}
	return ContextSnapshot{
		ClientKeys:      keys(ec.ClientContext),
		DomainKeys:      keys(ec.DomainContext),
		StateKeys:       keys(ec.AccumulatedState),
		EventCount:      len(ec.EventHistory),
		ObligationCount: len(ec.Obligations),
	}
}
