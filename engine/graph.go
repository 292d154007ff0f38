// Package engine implements the governed process orchestration engine: the
// evaluator kernel, the per-instance orchestrator, the event correlator and
// dispatcher, the compensation/retry state machine, and the decision-trace
// recorder described for Contextualized Process Graphs (CPGs).
//
// The package depends only on the ports declared in ports.go — graph
// authoring, instance persistence, transport surfaces, and concrete
// expression/decision/action engines are external collaborators.
package engine

import "sort"

// GraphStatus is the publication lifecycle of a ProcessGraph.
type GraphStatus string

const (
	GraphDraft      GraphStatus = "draft"
	GraphPublished  GraphStatus = "published"
	GraphDeprecated GraphStatus = "deprecated"
	GraphArchived   GraphStatus = "archived"
)

// ActionType enumerates the kinds of work a Node's Action can invoke.
type ActionType string

const (
	ActionSystemInvocation ActionType = "system-invocation"
	ActionHumanTask        ActionType = "human-task"
	ActionAgentAssisted    ActionType = "agent-assisted"
	ActionDecision         ActionType = "decision"
	ActionNotification     ActionType = "notification"
	ActionWait             ActionType = "wait"
)

// RuleCategory classifies a BusinessRule, which in turn determines where an
// unnamed scalar rule output is stored when merged into accumulated state.
type RuleCategory string

const (
	RuleExecutionParameter RuleCategory = "execution-parameter"
	RuleObligation         RuleCategory = "obligation"
	RuleSLA                RuleCategory = "sla"
	RuleDerivation         RuleCategory = "derivation"
)

// RemediationStrategy is the recovery strategy named by an exception route.
type RemediationStrategy string

const (
	RemediationRetry      RemediationStrategy = "retry"
	RemediationCompensate RemediationStrategy = "compensate"
	RemediationAlternate  RemediationStrategy = "alternate"
	RemediationSkip       RemediationStrategy = "skip"
	RemediationFail       RemediationStrategy = "fail"
)

// EventTiming controls when a Node's configured event emission fires.
type EventTiming string

const (
	EmitOnStart    EventTiming = "on-start"
	EmitOnComplete EventTiming = "on-complete"
	EmitOnFailure  EventTiming = "on-failure"
)

// ExecutionSemanticsType classifies how an Edge is traversed.
type ExecutionSemanticsType string

const (
	ExecSequential  ExecutionSemanticsType = "sequential"
	ExecParallel    ExecutionSemanticsType = "parallel"
	ExecCompensating ExecutionSemanticsType = "compensating"
)

// JoinType controls how a parallel Edge's join is satisfied.
type JoinType string

const (
	JoinAll  JoinType = "all"
	JoinAny  JoinType = "any"
	JoinNOfM JoinType = "n-of-m"
)

// CompensationStrategy is the recovery strategy carried by an Edge.
type CompensationStrategy string

const (
	CompRetry    CompensationStrategy = "retry"
	CompRollback CompensationStrategy = "rollback"
	CompAlternate CompensationStrategy = "alternate"
	CompEscalate CompensationStrategy = "escalate"
)

// Precondition is a single expression evaluated against either the client or
// domain compartment of the runtime context.
type Precondition struct {
	Expr string
}

// PolicyGate references a decision (via the PolicyEvaluator port) that must
// resolve to RequiredOutcome for the node to be available.
type PolicyGate struct {
	DecisionRef     string
	RequiredOutcome PolicyOutcome
	PolicyType      string
}

// BusinessRule references a decision (via the RuleEvaluator port) whose
// outputs are merged into accumulated state on success.
type BusinessRule struct {
	ID          string
	DecisionRef string
	Category    RuleCategory
}

// ActionConfig carries the tunables for a Node's Action.
type ActionConfig struct {
	Async             bool
	TimeoutSeconds    int
	RetryCount        int
	AssigneeExpr      string
	FormRef           string
}

// Action describes the work a Node performs once it is selected and
// governed.
type Action struct {
	Type       ActionType
	HandlerRef string
	Config     ActionConfig
}

// EventSubscription declares that a Node should be (re-)considered when an
// event of Type arrives, optionally filtered by a correlation expression.
type EventSubscription struct {
	Type                 string
	CorrelationExpr      string
}

// EventEmission declares a lifecycle event a Node publishes.
type EventEmission struct {
	Type        string
	Timing      EventTiming
	PayloadExpr string
}

// EventConfig is the subscribe/emit configuration carried by a Node.
type EventConfig struct {
	Subscribes []EventSubscription
	Emits      []EventEmission
}

// EscalationRoute names EscalationNodeID, which HandleFailure activates for
// a failure that no remediation route or retry handles; only the node's
// first escalation route is used, and SLAMinutes is not consulted.
type EscalationRoute struct {
	SLAMinutes      int
	EscalationNodeID string
}

// RemediationRoute is keyed (at the Node level) by exception type and names
// the strategy used to recover from that exception.
type RemediationRoute struct {
	ExceptionType   string
	Strategy        RemediationStrategy
	MaxRetries      int
	AlternateNodeID string
	CompensatingEdgeID string
}

// ExceptionRoutes bundles a Node's remediation and escalation configuration.
type ExceptionRoutes struct {
	Remediations []RemediationRoute
	Escalations  []EscalationRoute
}

// Node is a governed decision point: preconditions and policy gates decide
// whether it is available, business rules compute inputs for its action and
// for downstream edges, and its action is invoked once it is selected and
// governed.
type Node struct {
	ID      string
	Version string

	ClientPreconditions []Precondition
	DomainPreconditions []Precondition

	PolicyGates   []PolicyGate
	BusinessRules []BusinessRule

	Action Action

	EventConfig     EventConfig
	ExceptionRoutes ExceptionRoutes
}

// RemediationFor returns the remediation route matching exceptionType, if
// any is configured on this node.
func (n *Node) RemediationFor(exceptionType string) (RemediationRoute, bool) {
	for _, r := range n.ExceptionRoutes.Remediations {
		if r.ExceptionType == exceptionType {
			return r, true
		}
	}
	return RemediationRoute{}, false
}

// GuardConditions bundles the four guard groups an Edge's traversal
// requires per §4.1.
type GuardConditions struct {
	ContextExprs    []string
	RuleOutcomes    []RuleOutcomeCondition
	PolicyOutcomes  []PolicyOutcomeCondition
	EventConditions []EventCondition
}

// RuleOutcomeCondition matches a key in the merged rule-output map produced
// by the most recent node execution on the edge's source.
type RuleOutcomeCondition struct {
	Key           string
	ExpectedValue any
}

// PolicyOutcomeCondition matches a policy gate's resolved outcome.
type PolicyOutcomeCondition struct {
	GateDecisionRef string
	Expected        PolicyOutcome
}

// EventCondition requires (or forbids) that an event of Type has occurred
// in the instance's event history.
type EventCondition struct {
	Type              string
	MustHaveOccurred  bool
}

// ExecutionSemantics classifies how a traversed Edge executes its target(s).
type ExecutionSemantics struct {
	Type ExecutionSemanticsType
	Join JoinType
	N    int // used when Join == JoinNOfM
	M    int
}

// EdgePriority controls edge selection per §4.1.
type EdgePriority struct {
	Weight    int
	Rank      int
	Exclusive bool
}

// EventTriggers names event types that (re-)activate an Edge's evaluation.
type EventTriggers struct {
	ActivatingEvents    []string
	ReevaluationEvents  []string
}

// CompensationSemantics is the recovery configuration carried by an Edge.
type CompensationSemantics struct {
	Strategy           CompensationStrategy
	MaxRetries         int
	CompensatingEdgeID string
}

// Edge is a permissible transition between two nodes, guarded by
// expressions and events, with priority and compensation semantics.
type Edge struct {
	ID     string
	Source string
	Target string

	GuardConditions GuardConditions
	Execution       ExecutionSemantics
	Priority        EdgePriority
	EventTriggers   EventTriggers
	Compensation    CompensationSemantics
}

// ProcessGraph is an immutable template identified by (GraphID, Version).
type ProcessGraph struct {
	GraphID string
	Version string
	Status  GraphStatus
	Meta    map[string]string

	Nodes       []Node
	Edges       []Edge
	EntryNodes  []string
	TerminalNodes map[string]bool
}

// nodeIndex builds a lookup of node ID to Node for O(1) access. Built
// fresh on demand rather than cached on ProcessGraph, since ProcessGraph is
// meant to be treated as an immutable value received from a GraphStore.
func (g *ProcessGraph) nodeIndex() map[string]*Node {
	idx := make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		idx[g.Nodes[i].ID] = &g.Nodes[i]
	}
	return idx
}

// NodeByID looks up a node, returning ok=false if absent.
func (g *ProcessGraph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// OutboundEdges returns the edges whose Source equals nodeID, in a
// deterministic order (declaration order, which Validate requires to be
// stable across loads of the same graph).
func (g *ProcessGraph) OutboundEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// InboundEdges returns the edges whose Target equals nodeID.
func (g *ProcessGraph) InboundEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// EdgeByID looks up an edge by ID.
func (g *ProcessGraph) EdgeByID(id string) (*Edge, bool) {
	for i := range g.Edges {
		if g.Edges[i].ID == id {
			return &g.Edges[i], true
		}
	}
	return nil, false
}

// Validate checks every invariant named in §3 and returns a single
// EngineError enumerating all violations found, rather than stopping at the
// first. A graph that fails validation must never be handed to the
// orchestrator.
func (g *ProcessGraph) Validate() error {
	var problems []string

	if g.GraphID == "" {
		problems = append(problems, "graphId must not be empty")
	}
	if len(g.EntryNodes) == 0 {
		problems = append(problems, "entry node set must not be empty")
	}

	nodes := g.nodeIndex()
	seenNode := map[string]bool{}
	for _, n := range g.Nodes {
		if seenNode[n.ID] {
			problems = append(problems, "duplicate node id: "+n.ID)
		}
		seenNode[n.ID] = true
	}

	for _, id := range g.EntryNodes {
		if _, ok := nodes[id]; !ok {
			problems = append(problems, "entry node not found: "+id)
		}
		if g.TerminalNodes[id] {
			problems = append(problems, "node is both entry and terminal: "+id)
		}
	}
	for id := range g.TerminalNodes {
		if _, ok := nodes[id]; !ok {
			problems = append(problems, "terminal node not found: "+id)
		}
	}

	seenEdge := map[string]bool{}
	for _, e := range g.Edges {
		if seenEdge[e.ID] {
			problems = append(problems, "duplicate edge id: "+e.ID)
		}
		seenEdge[e.ID] = true

		if _, ok := nodes[e.Source]; !ok {
			problems = append(problems, "edge "+e.ID+" references missing source node "+e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			problems = append(problems, "edge "+e.ID+" references missing target node "+e.Target)
		}
		if g.TerminalNodes[e.Source] {
			problems = append(problems, "edge "+e.ID+" originates from terminal node "+e.Source)
		}
	}

	if reachable := g.reachableFromEntries(); len(reachable) > 0 {
		anyTerminalReached := false
		for id := range g.TerminalNodes {
			if reachable[id] {
				anyTerminalReached = true
				break
			}
		}
		if !anyTerminalReached && len(g.TerminalNodes) > 0 {
			problems = append(problems, "no terminal node is reachable from any entry node")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return newErr(KindInvalidState, "", "", "graph validation failed: %v", problems)
}

// reachableFromEntries computes the set of node IDs reachable from any
// entry node by a breadth-first walk over edges.
func (g *ProcessGraph) reachableFromEntries() map[string]bool {
	adj := map[string][]string{}
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	visited := map[string]bool{}
	queue := append([]string{}, g.EntryNodes...)
	for _, id := range queue {
		visited[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}
