package engine

import "time"

// InstanceStatus is the lifecycle state of a ProcessInstance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// NodeExecStatus is the status of a single NodeExecution record.
type NodeExecStatus string

const (
	NodeExecPending   NodeExecStatus = "pending"
	NodeExecRunning   NodeExecStatus = "running"
	NodeExecCompleted NodeExecStatus = "completed"
	NodeExecFailed    NodeExecStatus = "failed"
	NodeExecSkipped   NodeExecStatus = "skipped"
)

// ObligationStatus is the lifecycle of an Obligation.
type ObligationStatus string

const (
	ObligationPending  ObligationStatus = "pending"
	ObligationFulfilled ObligationStatus = "fulfilled"
	ObligationBreached ObligationStatus = "breached"
	ObligationWaived   ObligationStatus = "waived"
)

// Obligation tracks a deadline-bound commitment surfaced by a business rule
// of category RuleObligation or RuleSLA.
type Obligation struct {
	ID       string
	Deadline time.Time
	Status   ObligationStatus
}

// Obligations is the obligations compartment of an ExecutionContext.
type Obligations []Obligation

// DueBefore returns the obligations still pending whose deadline is before
// t, supplementing §3's obligation compartment with a deadline query.
// Nothing in the engine calls it; the compensation handler's escalation
// path does not consult obligations.
func (o Obligations) DueBefore(t time.Time) []Obligation {
	var due []Obligation
	for _, ob := range o {
		if ob.Status == ObligationPending && ob.Deadline.Before(t) {
			due = append(due, ob)
		}
	}
	return due
}

// EventSource identifies who/what produced a ProcessEvent.
type EventSource struct {
	Kind       string // node | external | system | user
	Identifier string
}

// ProcessEvent is an immutable event flowing through the engine, whether
// produced internally (lifecycle events) or delivered externally via
// Signal.
type ProcessEvent struct {
	EventID       string
	EventType     string
	Source        EventSource
	CorrelationID string
	Timestamp     time.Time
	Payload       map[string]any
}

// ReceivedEvent is the append-only record of a ProcessEvent as observed by
// one instance's event history.
type ReceivedEvent struct {
	Event      ProcessEvent
	ReceivedAt time.Time
}

// ExecutionContext is the five-compartment context carried by a
// ProcessInstance: client/domain inputs, accumulated state, event history,
// and obligations.
type ExecutionContext struct {
	ClientContext    map[string]any
	DomainContext    map[string]any
	AccumulatedState map[string]any
	EventHistory     []ReceivedEvent
	Obligations      Obligations
}

// NewExecutionContext returns an ExecutionContext with all compartments
// initialized to empty (non-nil) containers.
func NewExecutionContext(client, domain map[string]any) ExecutionContext {
	if client == nil {
		client = map[string]any{}
	}
	if domain == nil {
		domain = map[string]any{}
	}
	return ExecutionContext{
		ClientContext:    client,
		DomainContext:    domain,
		AccumulatedState: map[string]any{},
	}
}

// OperationalContext carries runtime/system-wide state that is not part of
// the persisted instance but is supplied at evaluation time (e.g. by the
// orchestrator reading its own operational mode).
type OperationalContext struct {
	SystemState string // normal | emergency | maintenance
}

// HasEventType reports whether an event of the given type has been
// received, used by EventCondition.MustHaveOccurred checks.
func (ec ExecutionContext) HasEventType(eventType string) bool {
	for _, re := range ec.EventHistory {
		if re.Event.EventType == eventType {
			return true
		}
	}
	return false
}

// BuildScope assembles the nested+flattened expression scope described in
// §9's design note: build the nested map first, then overlay flattened
// convenience keys, then treat the result as frozen (callers must not
// mutate a returned scope; a fresh map is returned on every call).
func (ec ExecutionContext) BuildScope(op OperationalContext) map[string]any {
	eventsView := make([]map[string]any, 0, len(ec.EventHistory))
	for _, re := range ec.EventHistory {
		eventsView = append(eventsView, map[string]any{
			"type":          re.Event.EventType,
			"id":            re.Event.EventID,
			"correlationId": re.Event.CorrelationID,
			"payload":       re.Event.Payload,
			"timestamp":     re.Event.Timestamp,
		})
	}
	obligationsView := make([]map[string]any, 0, len(ec.Obligations))
	for _, ob := range ec.Obligations {
		obligationsView = append(obligationsView, map[string]any{
			"id":       ob.ID,
			"deadline": ob.Deadline,
			"status":   string(ob.Status),
		})
	}

	nested := map[string]any{
		"client":     copyMap(ec.ClientContext),
		"domain":     copyMap(ec.DomainContext),
		"state":      copyMap(ec.AccumulatedState),
		"events":     eventsView,
		"obligations": obligationsView,
		"operational": map[string]any{
			"systemState": op.SystemState,
		},
	}

	scope := make(map[string]any, len(nested)+len(ec.ClientContext)+len(ec.DomainContext)+len(ec.AccumulatedState))
	for k, v := range nested {
		scope[k] = v
	}

	// Overlay flattened convenience keys from client/domain/state, in that
	// precedence order (later overlays win among the flattened keys, but
	// the nested namespaced keys above are never shadowed since they were
	// written first and flattened keys never reuse "client"/"domain"/
	// "state"/"events"/"obligations"/"operational" as field names without
	// going through this same precedence rule).
	for _, compartment := range []map[string]any{ec.ClientContext, ec.DomainContext, ec.AccumulatedState} {
		for k, v := range compartment {
			if _, reserved := nested[k]; reserved {
				continue // nested namespaced keys are authoritative on collision
			}
			scope[k] = v
		}
	}

	return scope
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NodeExecution is one append-only record of a node's execution attempt.
type NodeExecution struct {
	NodeID      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      NodeExecStatus
	Result      map[string]any
	Error       string
}

// ProcessInstance is the aggregate root for one running (or terminal)
// execution of a ProcessGraph.
type ProcessInstance struct {
	InstanceID    string
	GraphID       string
	GraphVersion  string
	CorrelationID string
	Status        InstanceStatus
	StartedAt     time.Time
	CompletedAt   *time.Time

	Context ExecutionContext

	NodeExecutions []NodeExecution
	ActiveNodeIDs  map[string]bool
	PendingEdgeIDs map[string]bool

	// ActiveNodeMeta records, for each ActiveNodeID, the priority and
	// execution-semantics type of the edge that activated it (entry nodes
	// default to priority 0 / sequential). The selector in Step consults
	// this to decide whether a tied group of candidates executes as a
	// single sequential winner or as a concurrent parallel group.
	ActiveNodeMeta map[string]ActiveNodeMeta

	// Version is the optimistic-concurrency version maintained by the
	// InstanceStore. Completed node IDs are not stored on the instance;
	// CompletedNodeIDs derives them from NodeExecutions.
	Version int64
}

// ActiveNodeMeta is the selection metadata carried alongside an active
// node ID, derived from whichever edge most recently activated it.
type ActiveNodeMeta struct {
	Priority int
	ExecType ExecutionSemanticsType
}

// NewProcessInstance constructs a fresh running instance.
func NewProcessInstance(instanceID, graphID, graphVersion, correlationID string, ctx ExecutionContext) ProcessInstance {
	return ProcessInstance{
		InstanceID:    instanceID,
		GraphID:       graphID,
		GraphVersion:  graphVersion,
		CorrelationID: correlationID,
		Status:        InstanceRunning,
		StartedAt:     time.Now(),
		Context:        ctx,
		ActiveNodeIDs:  map[string]bool{},
		PendingEdgeIDs: map[string]bool{},
		ActiveNodeMeta: map[string]ActiveNodeMeta{},
	}
}

// activate marks nodeID active with the given selection metadata,
// replacing any prior metadata for it.
func (p *ProcessInstance) activate(nodeID string, meta ActiveNodeMeta) {
	if p.ActiveNodeMeta == nil {
		p.ActiveNodeMeta = map[string]ActiveNodeMeta{}
	}
	p.ActiveNodeIDs[nodeID] = true
	p.ActiveNodeMeta[nodeID] = meta
}

// deactivate clears nodeID from both the active set and its metadata.
func (p *ProcessInstance) deactivate(nodeID string) {
	delete(p.ActiveNodeIDs, nodeID)
	delete(p.ActiveNodeMeta, nodeID)
}

// CompletedNodeIDs returns the set of node IDs with at least one completed
// NodeExecution.
func (p *ProcessInstance) CompletedNodeIDs() map[string]bool {
	out := map[string]bool{}
	for _, ne := range p.NodeExecutions {
		if ne.Status == NodeExecCompleted {
			out[ne.NodeID] = true
		}
	}
	return out
}

// LatestExecution returns the most recent NodeExecution for nodeID, if any.
func (p *ProcessInstance) LatestExecution(nodeID string) (NodeExecution, bool) {
	for i := len(p.NodeExecutions) - 1; i >= 0; i-- {
		if p.NodeExecutions[i].NodeID == nodeID {
			return p.NodeExecutions[i], true
		}
	}
	return NodeExecution{}, false
}

// ExecutionCount returns how many times nodeID has been executed
// (attempted), used to compute idempotency keys.
func (p *ProcessInstance) ExecutionCount(nodeID string) int {
	n := 0
	for _, ne := range p.NodeExecutions {
		if ne.NodeID == nodeID {
			n++
		}
	}
	return n
}

// IsTerminal reports whether the instance is in a terminal status.
func (p *ProcessInstance) IsTerminal() bool {
	switch p.Status {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}
