package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cpgflow/engine/emit"
)

// dispatchRegistration is the minimal, derived (non-canonical) bookkeeping
// the dispatcher keeps for a running instance: enough to correlate an
// incoming ProcessEvent without a "list all instances" operation on
// InstanceStore. It is reconstructible from InstanceStore on restart and is
// never itself treated as the source of truth — §5 names InstanceStore and
// DecisionTracer as the only process-wide mutable state.
type dispatchRegistration struct {
	graph         ProcessGraph
	correlationID string
}

// DispatchMethod records how an event was matched to an instance, for
// tracing.
type DispatchMethod string

const (
	DispatchByCorrelationID DispatchMethod = "correlation-id"
	DispatchByExpression    DispatchMethod = "expression"
	DispatchByEventType     DispatchMethod = "event-type"
)

// Dispatcher implements §4.3's event correlator: matching an incoming
// ProcessEvent to the instances it affects, and applying it to each under
// that instance's own lock.
type Dispatcher struct {
	orch *Orchestrator

	mu       sync.RWMutex
	registry map[string]dispatchRegistration
}

func newDispatcher(orch *Orchestrator) *Dispatcher {
	return &Dispatcher{orch: orch, registry: map[string]dispatchRegistration{}}
}

// register records a running instance so future events can be correlated
// to it. Called by Start (and by any store-backed warm-start routine that
// reloads running instances after a restart).
func (d *Dispatcher) register(instanceID, correlationID string, graph ProcessGraph) {
	d.mu.Lock()
	d.registry[instanceID] = dispatchRegistration{graph: graph, correlationID: correlationID}
	size := len(d.registry)
	d.mu.Unlock()
	d.orch.metrics.ActiveInstances.Set(float64(size))
}

// unregister removes a terminal instance from the registry.
func (d *Dispatcher) unregister(instanceID string) {
	d.mu.Lock()
	delete(d.registry, instanceID)
	size := len(d.registry)
	d.mu.Unlock()
	d.orch.metrics.ActiveInstances.Set(float64(size))
}

// dispatchMatch is one instance the event should be delivered to, along
// with the node IDs whose subscription matched and the method used.
type dispatchMatch struct {
	instanceID string
	nodeIDs    []string
	method     DispatchMethod
}

// correlate determines, for every registered instance, whether event
// matches per §4.3's three correlation methods: correlation-id (the
// event's CorrelationID equals the instance ID or its own correlation ID,
// in which case every node subscribing to the event's type matches),
// expression (a subscription's CorrelationExpr evaluates truthy against a
// scope holding only event.type, event.correlationId and event.payload;
// the instance's context and identifiers are not part of it), or
// event-type (a bare
// subscription with no CorrelationExpr matches any event of that type).
func (d *Dispatcher) correlate(ctx context.Context, event ProcessEvent) []dispatchMatch {
	d.mu.RLock()
	snapshot := make(map[string]dispatchRegistration, len(d.registry))
	for k, v := range d.registry {
		snapshot[k] = v
	}
	d.mu.RUnlock()

	var matches []dispatchMatch
	for instanceID, reg := range snapshot {
		byCorrelation := event.CorrelationID != "" && (event.CorrelationID == instanceID || event.CorrelationID == reg.correlationID)

		var nodeIDs []string
		method := DispatchByEventType
		for _, n := range reg.graph.Nodes {
			for _, sub := range n.EventConfig.Subscribes {
				if sub.Type != event.EventType {
					continue
				}
				if byCorrelation {
					nodeIDs = append(nodeIDs, n.ID)
					method = DispatchByCorrelationID
					continue
				}
				if sub.CorrelationExpr == "" {
					nodeIDs = append(nodeIDs, n.ID)
					continue
				}
				scope := map[string]any{"event": map[string]any{
					"type":          event.EventType,
					"correlationId": event.CorrelationID,
					"payload":       event.Payload,
				}}
				res := d.orch.evaluator.Expr.Evaluate(ctx, sub.CorrelationExpr, scope)
				if res.OK {
					if ok, _ := res.Value.(bool); ok {
						nodeIDs = append(nodeIDs, n.ID)
						method = DispatchByExpression
					}
				}
			}
		}
		if len(nodeIDs) > 0 {
			matches = append(matches, dispatchMatch{instanceID: instanceID, nodeIDs: nodeIDs, method: method})
		}
	}
	return matches
}

// dispatch correlates event against every registered instance and applies
// it to each match under that instance's own lock, returning the affected
// instance IDs. An instance's own lock (not a global one) is held for the
// duration of its apply, so unrelated instances are never serialized
// against each other by event traffic.
func (d *Dispatcher) dispatch(ctx context.Context, event ProcessEvent) ([]string, error) {
	matches := d.correlate(ctx, event)
	var affected []string
	for _, m := range matches {
		m := m
		d.orch.scheduler.WithInstanceLock(m.instanceID, func() {
			if d.orch.applyEvent(ctx, m.instanceID, event) {
				affected = append(affected, m.instanceID)
			}
		})
	}
	return affected, nil
}

// applyEvent records event in instanceID's history, re-evaluates any
// pending edges whose ReevaluationEvents/ActivatingEvents include its
// type, activates the target of each such edge that is now traversable
// and available, and schedules a step. Subscribed nodes that are not
// already active are not activated here. Returns false if the instance
// could not be loaded or is not running (in which case the event is
// simply dropped).
func (o *Orchestrator) applyEvent(ctx context.Context, instanceID string, event ProcessEvent) bool {
	inst, err := o.instances.Load(ctx, instanceID)
	if err != nil || inst.IsTerminal() || inst.Status != InstanceRunning {
		return false
	}
	graph, err := o.graphs.Load(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return false
	}

	version := inst.Version
	inst.Context.EventHistory = append(inst.Context.EventHistory, ReceivedEvent{Event: event, ReceivedAt: time.Now()})

	op := o.systemState()
	scope := inst.Context.BuildScope(op)

	// Active nodes subscribing to this event type need no special handling
	// here: they stay in ActiveNodeIDs and are re-evaluated for
	// availability on the Step triggered by the enqueue below.

	for edgeID := range inst.PendingEdgeIDs {
		e, ok := graph.EdgeByID(edgeID)
		if !ok {
			continue
		}
		matches := false
		for _, t := range e.EventTriggers.ReevaluationEvents {
			if t == event.EventType {
				matches = true
			}
		}
		for _, t := range e.EventTriggers.ActivatingEvents {
			if t == event.EventType {
				matches = true
			}
		}
		if !matches {
			continue
		}
		lastExec, _ := inst.LatestExecution(e.Source)
		res := o.evaluator.EvaluateEdge(ctx, e, EdgeEvalScope{Scope: scope, SourceRuleOutputs: lastExec.Result, EventHistory: inst.Context.EventHistory})
		if res.Traversable && o.joinSatisfied(&graph, &inst, e) {
			if target, ok := graph.NodeByID(e.Target); ok {
				if o.evaluator.EvaluateNode(ctx, target, scope).Available {
					delete(inst.PendingEdgeIDs, edgeID)
					inst.activate(e.Target, ActiveNodeMeta{Priority: e.Priority.Weight, ExecType: e.Execution.Type})
				}
			}
		}
	}

	if err := o.instances.Save(ctx, inst, version); err != nil {
		return false
	}
	o.publisher.PublishAsync(ProcessEvent{EventID: event.EventID + ".received", EventType: "event.received", Timestamp: event.Timestamp, Payload: map[string]any{"instanceId": instanceID, "eventType": event.EventType}})
	o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "event.received", Meta: map[string]any{"eventType": event.EventType}})
	_ = o.scheduler.Enqueue(ctx, WorkItem{InstanceID: instanceID, Reason: "event:" + event.EventType})
	return true
}
