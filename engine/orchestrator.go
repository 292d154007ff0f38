package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cpgflow/engine/emit"
)

// Orchestrator is the per-instance loop described in §4.2, exposing the
// public operations named in §6. It depends only on the ports declared in
// ports.go: graph authoring, instance persistence, and concrete
// expression/decision/action engines are all external collaborators
// reached exclusively through those ports.
type Orchestrator struct {
	cfg Config

	graphs    GraphStore
	instances InstanceStore
	tracer    DecisionTracer
	publisher EventPublisher
	resolver  ActionHandlerResolver
	emitter   emit.Emitter

	evaluator    *Evaluator
	governor     *Governor
	compensation *CompensationHandler
	scheduler    *Scheduler
	dispatcher   *Dispatcher

	opMu        sync.RWMutex
	operational OperationalContext

	metrics *Metrics
}

// NewOrchestrator wires the ports together into a running Orchestrator.
func NewOrchestrator(
	graphs GraphStore,
	instances InstanceStore,
	tracer DecisionTracer,
	publisher EventPublisher,
	resolver ActionHandlerResolver,
	exprEval ExpressionEvaluator,
	policyEval PolicyEvaluator,
	ruleEval RuleEvaluator,
	opts ...Option,
) (*Orchestrator, error) {
	cfg, err := applyOptions(opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Emitter == nil {
		cfg.Emitter = emit.NewNullEmitter()
	}

	o := &Orchestrator{
		cfg:       cfg,
		graphs:    graphs,
		instances: instances,
		tracer:    tracer,
		publisher: publisher,
		resolver:  resolver,
		emitter:   cfg.Emitter,
		evaluator: &Evaluator{Expr: exprEval, Policy: policyEval, Rule: ruleEval},
		governor: &Governor{
			Checks: cfg.Governance,
			Policy: policyEval,
		},
		compensation: NewCompensationHandler(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryFactor),
		scheduler:    NewScheduler(cfg.QueueDepth, cfg.BackpressureDeadline),
		operational:  OperationalContext{SystemState: "normal"},
		metrics:      NewMetrics(cfg.MetricsRegistry),
	}
	// SeenFn is left nil by default: idempotency duplicate-detection is
	// delegated to a store that implements IdempotencyIndex (see
	// engine/store) and is wired in by callers via WithIdempotencyIndex.
	o.dispatcher = newDispatcher(o)
	return o, nil
}

// WithIdempotencyIndex wires a duplicate-key lookup into the governance
// idempotency check. Stores that implement engine/store.IdempotencyIndex
// should be wired through this after construction.
func (o *Orchestrator) WithIdempotencyIndex(seenFn func(key string) bool) *Orchestrator {
	o.governor.SeenFn = seenFn
	return o
}

// SetSystemState updates the operational context consulted by governance's
// emergency/maintenance check (§4.2).
func (o *Orchestrator) SetSystemState(state string) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.operational.SystemState = state
}

func (o *Orchestrator) systemState() OperationalContext {
	o.opMu.RLock()
	defer o.opMu.RUnlock()
	return o.operational
}

// StatusView is the result of GetStatus.
type StatusView struct {
	Status        InstanceStatus
	ActiveNodeIDs []string
	PendingEdgeIDs []string
}

// HistoryView is the result of GetHistory.
type HistoryView struct {
	NodeExecutions []NodeExecution
	Traces         []DecisionTrace
}

// Start creates a new instance of graphID (at graphVersion, or the latest
// published version if empty), primes it with clientContext/domainContext,
// activates its entry nodes, and then synchronously runs one Step so the
// returned status reflects real progress rather than the inert
// just-created instance. Callers counting "steps" against a scenario's
// node count should count Start itself as the first step: a 3-node linear
// graph reaches its terminal node after Start plus two further explicit
// Step calls, not three.
func (o *Orchestrator) Start(ctx context.Context, graphID, graphVersion string, clientContext, domainContext map[string]any, correlationID string) (string, InstanceStatus, error) {
	var graph ProcessGraph
	var err error
	if graphVersion == "" {
		graph, err = o.graphs.LoadLatestPublished(ctx, graphID)
	} else {
		graph, err = o.graphs.Load(ctx, graphID, graphVersion)
	}
	if err != nil {
		return "", "", wrapErr(KindGraphNotFound, "", err, "graph %s@%s not found", graphID, graphVersion)
	}
	if verr := graph.Validate(); verr != nil {
		return "", "", verr
	}

	if clientContext == nil || domainContext == nil {
		return "", "", newErr(KindInvalidState, "", "", "invalid-context: client and domain context must be non-nil maps")
	}

	instanceID := uuid.NewString()
	ec := NewExecutionContext(clientContext, domainContext)
	inst := NewProcessInstance(instanceID, graph.GraphID, graph.Version, correlationID, ec)
	for _, id := range graph.EntryNodes {
		inst.activate(id, ActiveNodeMeta{Priority: 0, ExecType: ExecSequential})
	}

	if err := o.instances.Create(ctx, inst); err != nil {
		return "", "", wrapErr(KindBackpressure, instanceID, err, "failed to persist new instance")
	}
	o.dispatcher.register(instanceID, correlationID, graph)
	o.metrics.InstancesStarted.Inc()
	o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "process.started", Meta: map[string]any{"graphId": graph.GraphID, "graphVersion": graph.Version}})

	o.publisher.PublishAsync(ProcessEvent{
		EventID:   uuid.NewString(),
		EventType: "process.started",
		Source:    EventSource{Kind: "system", Identifier: "orchestrator"},
		CorrelationID: correlationID,
		Timestamp: time.Now(),
		Payload:   map[string]any{"instanceId": instanceID, "graphId": graph.GraphID},
	})

	if err := o.scheduler.Enqueue(ctx, WorkItem{InstanceID: instanceID, Reason: "initial"}); err != nil {
		return instanceID, InstanceRunning, err
	}

	status, stepErr := o.Step(ctx, instanceID)
	if stepErr != nil {
		return instanceID, status, stepErr
	}
	return instanceID, status, nil
}

// Step performs exactly one logical step for instanceID: assemble runtime
// context, compute the eligible space, select, govern, execute, commit,
// advance, and trace — per §4.2.
func (o *Orchestrator) Step(ctx context.Context, instanceID string) (InstanceStatus, error) {
	var resultStatus InstanceStatus
	var resultErr error

	o.scheduler.WithInstanceLock(instanceID, func() {
		resultStatus, resultErr = o.stepLocked(ctx, instanceID)
	})
	return resultStatus, resultErr
}

func (o *Orchestrator) stepLocked(ctx context.Context, instanceID string) (InstanceStatus, error) {
	inst, err := o.instances.Load(ctx, instanceID)
	if err != nil {
		return "", wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
	}
	if inst.Status != InstanceRunning {
		return inst.Status, newErr(KindInvalidState, instanceID, "", "cannot step instance in status %s", inst.Status)
	}

	graph, err := o.graphs.Load(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return inst.Status, wrapErr(KindGraphNotFound, instanceID, err, "graph not found for instance")
	}

	op := o.systemState()
	startVersion := inst.Version

	trace := DecisionTrace{
		TraceID:    uuid.NewString(),
		Timestamp:  time.Now(),
		InstanceID: instanceID,
		Context:    summarizeContext(inst.Context),
	}

	completed := inst.CompletedNodeIDs()
	scope := inst.Context.BuildScope(op)

	// 1+2: assemble eligible space from currently-active candidates.
	type candidate struct {
		node     *Node
		priority int
		execType ExecutionSemanticsType
	}
	var candidates []candidate
	var evalSnap []CandidateSnapshot
	for nodeID := range inst.ActiveNodeIDs {
		if completed[nodeID] {
			continue
		}
		n, ok := graph.NodeByID(nodeID)
		if !ok {
			continue
		}
		meta := inst.ActiveNodeMeta[nodeID]
		candidates = append(candidates, candidate{node: n, priority: meta.Priority, execType: meta.ExecType})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].node.ID < candidates[j].node.ID })

	var available []candidate
	for _, c := range candidates {
		ne := o.evaluator.EvaluateNode(ctx, c.node, scope)
		evalSnap = append(evalSnap, CandidateSnapshot{ID: c.node.ID, Available: ne.Available, Blocked: !ne.Available, Reason: string(ne.Reason)})
		if ne.Available {
			available = append(available, c)
		}
	}
	trace.Evaluation.Nodes = evalSnap

	if len(available) == 0 {
		trace.Type = TraceWait
		trace.Decision.Criterion = "wait"
		trace.Outcome.Success = true
		_ = o.tracer.Append(ctx, trace)
		return inst.Status, nil
	}

	// 3: select — highest priority, tie-break smallest node id; parallel
	// group selected together when tied candidates were all activated via
	// a parallel edge.
	maxPriority := available[0].priority
	for _, c := range available[1:] {
		if c.priority > maxPriority {
			maxPriority = c.priority
		}
	}
	var tied []candidate
	for _, c := range available {
		if c.priority == maxPriority {
			tied = append(tied, c)
		}
	}
	allParallel := len(tied) > 1
	for _, c := range tied {
		if c.execType != ExecParallel {
			allParallel = false
			break
		}
	}
	var selected []candidate
	if allParallel {
		selected = tied
		trace.Decision.Criterion = "parallel-group"
	} else {
		selected = tied[:1]
		trace.Decision.Criterion = "smallest-node-id"
	}
	for _, c := range selected {
		trace.Decision.SelectedNodeIDs = append(trace.Decision.SelectedNodeIDs, c.node.ID)
	}

	// 4-6: govern + execute + commit, one node at a time (concurrently for
	// a parallel group), merging results deterministically by node ID.
	type execOutcome struct {
		nodeID       string
		governed     GovernanceDecision
		evalResult   NodeEvaluation
		action       ActionResult
		ruleOutputs  map[string]any
	}
	outcomes := make([]execOutcome, len(selected))
	var wg sync.WaitGroup
	for i, c := range selected {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.executeOne(ctx, &inst, c.node, scope, op)
		}()
	}
	wg.Wait()

	anyRejected := false
	var rejectReason string
	for _, oc := range outcomes {
		trace.Governance = oc.governed.Snapshot
		if !oc.governed.Allowed {
			anyRejected = true
			rejectReason = oc.governed.RejectReason
			break
		}
	}
	if anyRejected {
		trace.Type = TraceGovernanceReject
		trace.Outcome.Success = false
		trace.Outcome.ErrorKind = KindPolicyBlocked
		trace.Outcome.ErrorMessage = rejectReason
		_ = o.tracer.Append(ctx, trace)
		o.metrics.GovernanceRejects.Inc()
		return inst.Status, nil
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].nodeID < outcomes[j].nodeID })

	now := time.Now()
	var completedIDs []string
	var traversedEdges []string
	var retryWork []WorkItem
	terminalFailure := false

	for _, oc := range outcomes {
		node, _ := graph.NodeByID(oc.nodeID)
		if oc.action.Success {
			inst.Context.AccumulatedState = deepMergeState(inst.Context.AccumulatedState, oc.action.Output)
			inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
				NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now,
				Status: NodeExecCompleted, Result: oc.action.Output,
			})
			inst.deactivate(oc.nodeID)
			o.compensation.RecordSuccess(instanceID, oc.nodeID)
			completedIDs = append(completedIDs, oc.nodeID)
			o.emitNodeEvents(node, EmitOnComplete, scope)
			o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "node.executed", Source: EventSource{Kind: "node", Identifier: oc.nodeID}, Timestamp: now, Payload: map[string]any{"instanceId": instanceID}})
		} else {
			decision := o.compensation.HandleFailure(instanceID, node, oc.action, oc.evalResult.RuleOutputs)
			o.metrics.ObserveCompensation(decision.Outcome)
			trace.Type = TraceRetry
			switch decision.Outcome {
			case CompRetryScheduled:
				inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
					NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now,
					Status: NodeExecFailed, Error: errString(oc.action.Err),
				})
				o.metrics.Retries.Inc()
				retryWork = append(retryWork, WorkItem{InstanceID: instanceID, Reason: "retry"})
				o.scheduler.ScheduleWake(instanceID, decision.RetryDelay, func() {
					_ = o.scheduler.Enqueue(context.Background(), WorkItem{InstanceID: instanceID, Reason: "retry-timer"})
				})
			case CompAlternated:
				inst.deactivate(oc.nodeID)
				inst.activate(decision.AlternateNodeID, ActiveNodeMeta{Priority: 0, ExecType: ExecSequential})
				inst.Context.AccumulatedState = deepMergeState(inst.Context.AccumulatedState, decision.PreservedRuleOutputs)
				inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
					NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now, Status: NodeExecFailed, Error: errString(oc.action.Err),
				})
				trace.Type = TraceCompensate
			case CompSkipped:
				inst.deactivate(oc.nodeID)
				inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
					NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now, Status: NodeExecSkipped,
				})
				completedIDs = append(completedIDs, oc.nodeID)
				o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "node.skipped", Source: EventSource{Kind: "node", Identifier: oc.nodeID}, Timestamp: now})
			case CompCompensated:
				inst.deactivate(oc.nodeID)
				inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
					NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now, Status: NodeExecFailed, Error: errString(oc.action.Err),
				})
				o.emitNodeEvents(node, EmitOnFailure, scope)
				if ce, ok := graph.EdgeByID(decision.CompensatingEdgeID); ok {
					inst.activate(ce.Target, ActiveNodeMeta{Priority: ce.Priority.Weight, ExecType: ExecSequential})
					traversedEdges = append(traversedEdges, ce.ID)
				}
				trace.Type = TraceCompensate
			case CompEscalated:
				inst.deactivate(oc.nodeID)
				inst.activate(decision.EscalationNodeID, ActiveNodeMeta{Priority: 0, ExecType: ExecSequential})
				inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
					NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now, Status: NodeExecFailed, Error: errString(oc.action.Err),
				})
			case CompTerminalFail:
				inst.deactivate(oc.nodeID)
				inst.NodeExecutions = append(inst.NodeExecutions, NodeExecution{
					NodeID: oc.nodeID, StartedAt: now, CompletedAt: &now, Status: NodeExecFailed, Error: errString(oc.action.Err),
				})
				o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "node.failed", Source: EventSource{Kind: "node", Identifier: oc.nodeID}, Timestamp: now})
				targets := RollbackTargets(&graph, append(inst.sortedCompletedChain(), oc.nodeID))
				for _, target := range targets {
					inst.activate(target, ActiveNodeMeta{Priority: 0, ExecType: ExecSequential})
				}
				if len(targets) == 0 {
					terminalFailure = true
				}
			}
		}
	}

	// 7: advance — re-evaluate outbound edges of every node that just
	// completed, selecting traversable edges and either activating their
	// target immediately or leaving the edge pending a join/event.
	scope = inst.Context.BuildScope(op) // rebuild: state may have changed via merges above
	completedSet := inst.CompletedNodeIDs()
	for _, nodeID := range completedIDs {
		o.advanceFrom(ctx, &graph, &inst, nodeID, scope, &trace, &traversedEdges)
	}

	// Terminal detection.
	if len(inst.ActiveNodeIDs) == 0 && len(inst.PendingEdgeIDs) == 0 {
		anyTerminalCompleted := false
		for id := range completedSet {
			if graph.TerminalNodes[id] {
				anyTerminalCompleted = true
				break
			}
		}
		if anyTerminalCompleted {
			inst.Status = InstanceCompleted
			completedAt := time.Now()
			inst.CompletedAt = &completedAt
			trace.Type = TraceTerminal
			o.metrics.InstancesCompleted.Inc()
			o.dispatcher.unregister(instanceID)
			o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "process.completed", Timestamp: time.Now(), Payload: map[string]any{"instanceId": instanceID}})
			o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "process.completed"})
		} else if terminalFailure {
			inst.Status = InstanceFailed
			completedAt := time.Now()
			inst.CompletedAt = &completedAt
			trace.Type = TraceTerminal
			o.metrics.InstancesFailed.Inc()
			o.dispatcher.unregister(instanceID)
			o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "process.failed", Timestamp: time.Now(), Payload: map[string]any{"instanceId": instanceID}})
			o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "process.failed"})
		} else if len(completedIDs) == 0 && len(retryWork) == 0 {
			// Genuinely stuck with no terminal reached and nothing pending:
			// surfaced to callers as a wait rather than an error, since a
			// future Signal may still unblock it.
			if trace.Type == "" {
				trace.Type = TraceWait
			}
		}
	}

	if trace.Type == "" {
		trace.Type = TraceNavigation
	}
	trace.Outcome.Success = true
	trace.Outcome.CompletedNodeIDs = completedIDs
	trace.Outcome.TraversedEdgeIDs = traversedEdges

	if err := o.instances.Save(ctx, inst, startVersion); err != nil {
		return inst.Status, wrapErr(KindInvalidState, instanceID, err, "optimistic save conflict")
	}
	_ = o.tracer.Append(ctx, trace)

	return inst.Status, nil
}

// sortedCompletedChain returns completed node IDs in NodeExecutions order,
// used to walk "the most recently completed chain" for rollback (§4.4).
func (p *ProcessInstance) sortedCompletedChain() []string {
	var chain []string
	for _, ne := range p.NodeExecutions {
		if ne.Status == NodeExecCompleted {
			chain = append(chain, ne.NodeID)
		}
	}
	return chain
}

// executeOne governs and executes a single node, returning every piece of
// information the caller needs to commit its outcome. It does not mutate
// inst; callers apply the outcome after all parallel executions finish, to
// keep the merge deterministic and data-race free.
func (o *Orchestrator) executeOne(ctx context.Context, inst *ProcessInstance, node *Node, scope map[string]any, op OperationalContext) struct {
	nodeID      string
	governed    GovernanceDecision
	evalResult  NodeEvaluation
	action      ActionResult
	ruleOutputs map[string]any
} {
	ne := o.evaluator.EvaluateNode(ctx, node, scope)
	execCount := inst.ExecutionCount(node.ID)
	decision := o.governor.Evaluate(ctx, op, inst.InstanceID, node, execCount, inst.Context.AccumulatedState, scope)

	result := struct {
		nodeID      string
		governed    GovernanceDecision
		evalResult  NodeEvaluation
		action      ActionResult
		ruleOutputs map[string]any
	}{nodeID: node.ID, governed: decision, evalResult: ne, ruleOutputs: ne.RuleOutputs}

	if !decision.Allowed {
		return result
	}

	o.emitNodeEvents(node, EmitOnStart, scope)
	o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "node.started", Source: EventSource{Kind: "node", Identifier: node.ID}, Timestamp: time.Now(), Payload: map[string]any{"instanceId": inst.InstanceID}})
	o.emitter.Emit(emit.Event{InstanceID: inst.InstanceID, NodeID: node.ID, Msg: "node.started", Meta: map[string]any{"attempt": execCount}})

	handler := o.resolver.Resolve(node.Action.Type, node.Action.HandlerRef)
	invocation := ActionInvocation{
		InstanceID:  inst.InstanceID,
		NodeID:      node.ID,
		Action:      node.Action,
		Scope:       scope,
		RuleOutputs: ne.RuleOutputs,
		Attempt:     execCount,
	}

	actionCtx := ctx
	var cancel context.CancelFunc
	timeout := time.Duration(node.Action.Config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = o.cfg.DefaultActionTimeout
	}
	if timeout > 0 {
		actionCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	startedAt := time.Now()
	res := handler.Execute(actionCtx, invocation)
	status := "success"
	if actionCtx.Err() == context.DeadlineExceeded {
		res = ActionResult{Success: false, Retryable: true, ExceptionType: "timeout", Err: newErr(KindTimeout, inst.InstanceID, node.ID, "action exceeded timeout %s", timeout)}
		status = "timeout"
	} else if !res.Success {
		status = "error"
	}
	o.metrics.ObserveStepLatency(node.ID, status, time.Since(startedAt))
	meta := map[string]any{"status": status, "durationMs": time.Since(startedAt) / time.Millisecond}
	if !res.Success {
		meta["error"] = errString(res.Err)
		meta["exceptionType"] = res.ExceptionType
		o.emitter.Emit(emit.Event{InstanceID: inst.InstanceID, NodeID: node.ID, Msg: "node.failed", Meta: meta})
	} else {
		o.emitter.Emit(emit.Event{InstanceID: inst.InstanceID, NodeID: node.ID, Msg: "node.completed", Meta: meta})
	}
	result.action = res
	return result
}

// emitNodeEvents publishes a node's configured eventConfig.emits entries
// whose Timing matches.
func (o *Orchestrator) emitNodeEvents(node *Node, timing EventTiming, scope map[string]any) {
	for _, emission := range node.EventConfig.Emits {
		if emission.Timing != timing {
			continue
		}
		payload := map[string]any{}
		if emission.PayloadExpr != "" {
			if r := o.evaluator.Expr.Evaluate(context.Background(), emission.PayloadExpr, scope); r.OK {
				if m, ok := r.Value.(map[string]any); ok {
					payload = m
				}
			}
		}
		o.publisher.PublishAsync(ProcessEvent{
			EventID:   uuid.NewString(),
			EventType: emission.Type,
			Source:    EventSource{Kind: "node", Identifier: node.ID},
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}

// advanceFrom implements §4.2 step 7 for one just-completed node: evaluate
// its outbound edges, select traversable ones per §4.1 (compensating edges
// are never selected by forward advance), and either activate the target
// or leave the edge pending a join/event.
func (o *Orchestrator) advanceFrom(ctx context.Context, graph *ProcessGraph, inst *ProcessInstance, nodeID string, scope map[string]any, trace *DecisionTrace, traversedEdges *[]string) {
	lastExec, _ := inst.LatestExecution(nodeID)

	outbound := graph.OutboundEdges(nodeID)
	var forward []Edge
	for _, e := range outbound {
		if e.Execution.Type != ExecCompensating {
			forward = append(forward, e)
		}
	}

	var traversable []Edge
	for _, e := range forward {
		res := o.evaluator.EvaluateEdge(ctx, &e, EdgeEvalScope{
			Scope:             scope,
			SourceRuleOutputs: lastExec.Result,
			EventHistory:      inst.Context.EventHistory,
		})
		snap := CandidateSnapshot{ID: e.ID, Available: res.Traversable, Blocked: !res.Traversable, Reason: string(res.Reason)}
		trace.Evaluation.Edges = append(trace.Evaluation.Edges, snap)
		if res.Traversable {
			traversable = append(traversable, e)
		}
	}

	sel := SelectEdges(traversable)
	trace.Evaluation.Edges = append(trace.Evaluation.Edges, sel.Blocked...)
	for _, e := range sel.Selected {
		e := e
		if !o.joinSatisfied(graph, inst, &e) {
			inst.PendingEdgeIDs[e.ID] = true
			continue
		}
		delete(inst.PendingEdgeIDs, e.ID)
		*traversedEdges = append(*traversedEdges, e.ID)
		trace.Decision.SelectedEdgeIDs = append(trace.Decision.SelectedEdgeIDs, e.ID)
		o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "edge.traversed", Timestamp: time.Now(), Payload: map[string]any{"edgeId": e.ID, "instanceId": inst.InstanceID}})

		target, ok := graph.NodeByID(e.Target)
		if !ok {
			continue
		}
		targetEval := o.evaluator.EvaluateNode(ctx, target, scope)
		if targetEval.Available {
			inst.activate(e.Target, ActiveNodeMeta{Priority: e.Priority.Weight, ExecType: e.Execution.Type})
		} else {
			inst.PendingEdgeIDs[e.ID] = true
		}
	}
}

// joinSatisfied reports whether e's target has had enough of its parallel
// predecessors complete to satisfy e.Execution.Join. Non-parallel edges are
// always satisfied immediately.
func (o *Orchestrator) joinSatisfied(graph *ProcessGraph, inst *ProcessInstance, e *Edge) bool {
	if e.Execution.Type != ExecParallel || e.Execution.Join == "" {
		return true
	}
	var parallelInbound []Edge
	for _, in := range graph.InboundEdges(e.Target) {
		if in.Execution.Type == ExecParallel {
			parallelInbound = append(parallelInbound, in)
		}
	}
	completed := inst.CompletedNodeIDs()
	ready := 0
	for _, in := range parallelInbound {
		if completed[in.Source] {
			ready++
		}
	}
	required := len(parallelInbound)
	switch e.Execution.Join {
	case JoinAny:
		required = 1
	case JoinNOfM:
		required = e.Execution.N
	case JoinAll:
		required = len(parallelInbound)
	}
	return ready >= required
}

// Signal delivers an external ProcessEvent, correlating and dispatching it
// to every affected instance, returning their instance IDs.
func (o *Orchestrator) Signal(ctx context.Context, event ProcessEvent) ([]string, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return o.dispatcher.dispatch(ctx, event)
}

// Suspend moves a running instance to suspended, idempotently: a second
// Suspend call on an already-suspended instance is a no-op returning
// InstanceSuspended.
func (o *Orchestrator) Suspend(ctx context.Context, instanceID string) (InstanceStatus, error) {
	var status InstanceStatus
	var err error
	o.scheduler.WithInstanceLock(instanceID, func() {
		var inst ProcessInstance
		inst, err = o.instances.Load(ctx, instanceID)
		if err != nil {
			err = wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
			return
		}
		if inst.Status == InstanceSuspended {
			status = InstanceSuspended
			return
		}
		if inst.IsTerminal() {
			err = newErr(KindInvalidState, instanceID, "", "cannot suspend terminal instance (status=%s)", inst.Status)
			status = inst.Status
			return
		}
		version := inst.Version
		inst.Status = InstanceSuspended
		if saveErr := o.instances.Save(ctx, inst, version); saveErr != nil {
			err = wrapErr(KindInvalidState, instanceID, saveErr, "save conflict")
			return
		}
		status = InstanceSuspended
		o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "process.suspended", Timestamp: time.Now(), Payload: map[string]any{"instanceId": instanceID}})
		o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "process.suspended"})
	})
	return status, err
}

// Resume moves a suspended instance back to running and schedules a step.
// Resume on a non-suspended instance is a typed invalid-state error.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) (InstanceStatus, error) {
	var status InstanceStatus
	var err error
	o.scheduler.WithInstanceLock(instanceID, func() {
		var inst ProcessInstance
		inst, err = o.instances.Load(ctx, instanceID)
		if err != nil {
			err = wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
			return
		}
		if inst.Status != InstanceSuspended {
			err = newErr(KindInvalidState, instanceID, "", "cannot resume instance in status %s", inst.Status)
			status = inst.Status
			return
		}
		if _, gerr := o.graphs.Load(ctx, inst.GraphID, inst.GraphVersion); gerr != nil {
			err = wrapErr(KindGraphNotFound, instanceID, gerr, "graph no longer available")
			return
		}
		version := inst.Version
		inst.Status = InstanceRunning
		if saveErr := o.instances.Save(ctx, inst, version); saveErr != nil {
			err = wrapErr(KindInvalidState, instanceID, saveErr, "save conflict")
			return
		}
		status = InstanceRunning
		o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "process.resumed", Timestamp: time.Now(), Payload: map[string]any{"instanceId": instanceID}})
		o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "process.resumed"})
	})
	if err == nil {
		err = o.scheduler.Enqueue(ctx, WorkItem{InstanceID: instanceID, Reason: "resume"})
	}
	return status, err
}

// Cancel moves an instance to cancelled (a distinct terminal state from
// failed, per the Open Question resolution in DESIGN.md) and aborts queued
// work for it. It takes the instance lock, so it runs only after any
// in-progress step on the instance has returned; a running action handler
// is not interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) (InstanceStatus, error) {
	var status InstanceStatus
	var err error
	o.scheduler.WithInstanceLock(instanceID, func() {
		var inst ProcessInstance
		inst, err = o.instances.Load(ctx, instanceID)
		if err != nil {
			err = wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
			return
		}
		if inst.IsTerminal() {
			err = newErr(KindInvalidState, instanceID, "", "already-terminal: instance is %s", inst.Status)
			status = inst.Status
			return
		}
		version := inst.Version
		inst.Status = InstanceCancelled
		completedAt := time.Now()
		inst.CompletedAt = &completedAt
		inst.ActiveNodeIDs = map[string]bool{}
		inst.PendingEdgeIDs = map[string]bool{}
		if saveErr := o.instances.Save(ctx, inst, version); saveErr != nil {
			err = wrapErr(KindInvalidState, instanceID, saveErr, "save conflict")
			return
		}
		status = InstanceCancelled
		o.metrics.InstancesCancelled.Inc()
		o.scheduler.MarkCancelled(instanceID)
		o.dispatcher.unregister(instanceID)
		o.publisher.PublishAsync(ProcessEvent{EventID: uuid.NewString(), EventType: "process.cancelled", Timestamp: time.Now(), Payload: map[string]any{"instanceId": instanceID}})
		o.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: "process.cancelled"})
	})
	return status, err
}

// GetStatus returns the instance's status and active/pending sets.
func (o *Orchestrator) GetStatus(ctx context.Context, instanceID string) (StatusView, error) {
	inst, err := o.instances.Load(ctx, instanceID)
	if err != nil {
		return StatusView{}, wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
	}
	return StatusView{
		Status:         inst.Status,
		ActiveNodeIDs:  keysOf(inst.ActiveNodeIDs),
		PendingEdgeIDs: keysOf(inst.PendingEdgeIDs),
	}, nil
}

// GetAvailableEvents enumerates the event types that could unblock
// progress: subscriptions of active nodes, plus re-evaluation and
// activating event triggers of pending edges.
func (o *Orchestrator) GetAvailableEvents(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := o.instances.Load(ctx, instanceID)
	if err != nil {
		return nil, wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
	}
	graph, err := o.graphs.Load(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return nil, wrapErr(KindGraphNotFound, instanceID, err, "graph not found")
	}
	set := map[string]bool{}
	for nodeID := range inst.ActiveNodeIDs {
		if n, ok := graph.NodeByID(nodeID); ok {
			for _, sub := range n.EventConfig.Subscribes {
				set[sub.Type] = true
			}
		}
	}
	for edgeID := range inst.PendingEdgeIDs {
		if e, ok := graph.EdgeByID(edgeID); ok {
			for _, t := range e.EventTriggers.ReevaluationEvents {
				set[t] = true
			}
			for _, t := range e.EventTriggers.ActivatingEvents {
				set[t] = true
			}
		}
	}
	return keysOf(set), nil
}

// GetHistory returns the ordered node executions and decision traces for
// instanceID.
func (o *Orchestrator) GetHistory(ctx context.Context, instanceID string) (HistoryView, error) {
	inst, err := o.instances.Load(ctx, instanceID)
	if err != nil {
		return HistoryView{}, wrapErr(KindInstanceNotFound, instanceID, err, "instance not found")
	}
	traces, err := o.tracer.ByInstance(ctx, instanceID)
	if err != nil {
		return HistoryView{}, wrapErr(KindUnknown, instanceID, err, "failed to load traces")
	}
	return HistoryView{NodeExecutions: inst.NodeExecutions, Traces: traces}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
