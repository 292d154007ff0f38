package engine

import (
	"testing"
	"time"
)

func TestObligationsDueBeforeFiltersPendingOnly(t *testing.T) {
	now := time.Unix(1000, 0)
	obs := Obligations{
		{ID: "pending-past", Status: ObligationPending, Deadline: now.Add(-time.Hour)},
		{ID: "pending-future", Status: ObligationPending, Deadline: now.Add(time.Hour)},
		{ID: "fulfilled-past", Status: ObligationFulfilled, Deadline: now.Add(-time.Hour)},
	}
	due := obs.DueBefore(now)
	if len(due) != 1 || due[0].ID != "pending-past" {
		t.Fatalf("expected only pending-past, got %+v", due)
	}
}

func TestHasEventTypeReportsPresence(t *testing.T) {
	ec := ExecutionContext{EventHistory: []ReceivedEvent{{Event: ProcessEvent{EventType: "Approved"}}}}
	if !ec.HasEventType("Approved") {
		t.Fatalf("expected Approved to be present")
	}
	if ec.HasEventType("Rejected") {
		t.Fatalf("expected Rejected to be absent")
	}
}

func TestBuildScopeNestedCompartments(t *testing.T) {
	ec := ExecutionContext{
		ClientContext:    map[string]any{"status": "OK"},
		DomainContext:    map[string]any{"region": "us"},
		AccumulatedState: map[string]any{"step": 1},
		EventHistory: []ReceivedEvent{
			{Event: ProcessEvent{EventType: "Started", EventID: "e1"}},
		},
		Obligations: Obligations{{ID: "ob1", Status: ObligationPending}},
	}
	scope := ec.BuildScope(OperationalContext{SystemState: "normal"})

	client, ok := scope["client"].(map[string]any)
	if !ok || client["status"] != "OK" {
		t.Fatalf("expected client compartment, got %+v", scope["client"])
	}
	events, ok := scope["events"].([]map[string]any)
	if !ok || len(events) != 1 || events[0]["type"] != "Started" {
		t.Fatalf("expected one event view, got %+v", scope["events"])
	}
	operational, ok := scope["operational"].(map[string]any)
	if !ok || operational["systemState"] != "normal" {
		t.Fatalf("expected operational.systemState, got %+v", scope["operational"])
	}
}

func TestBuildScopeFlattenedKeysDoNotShadowNested(t *testing.T) {
	ec := ExecutionContext{
		ClientContext: map[string]any{"status": "OK", "events": "should-not-win"},
	}
	scope := ec.BuildScope(OperationalContext{})
	events, ok := scope["events"].([]map[string]any)
	if !ok {
		t.Fatalf("expected nested 'events' to remain the event view, got %+v (%T)", scope["events"], scope["events"])
	}
	if len(events) != 0 {
		t.Fatalf("expected empty event view, got %+v", events)
	}
	if scope["status"] != "OK" {
		t.Fatalf("expected flattened client key 'status' to be promoted, got %+v", scope["status"])
	}
}

func TestBuildScopeReturnsFreshMapEachCall(t *testing.T) {
	ec := ExecutionContext{ClientContext: map[string]any{"a": 1}}
	s1 := ec.BuildScope(OperationalContext{})
	s1["a"] = 999
	s2 := ec.BuildScope(OperationalContext{})
	if s2["a"] != 1 {
		t.Fatalf("expected BuildScope to return an independent map each call, got %v", s2["a"])
	}
}

func TestProcessInstanceActivateAndDeactivate(t *testing.T) {
	inst := NewProcessInstance("i1", "g1", "v1", "", NewExecutionContext(nil, nil))
	inst.activate("A", ActiveNodeMeta{Priority: 10, ExecType: ExecSequential})
	if !inst.ActiveNodeIDs["A"] {
		t.Fatalf("expected A active")
	}
	if inst.ActiveNodeMeta["A"].Priority != 10 {
		t.Fatalf("expected meta recorded, got %+v", inst.ActiveNodeMeta["A"])
	}
	inst.deactivate("A")
	if inst.ActiveNodeIDs["A"] {
		t.Fatalf("expected A no longer active")
	}
	if _, ok := inst.ActiveNodeMeta["A"]; ok {
		t.Fatalf("expected A's meta cleared on deactivate")
	}
}

func TestProcessInstanceCompletedNodeIDs(t *testing.T) {
	inst := NewProcessInstance("i1", "g1", "v1", "", NewExecutionContext(nil, nil))
	inst.NodeExecutions = []NodeExecution{
		{NodeID: "A", Status: NodeExecCompleted},
		{NodeID: "B", Status: NodeExecFailed},
		{NodeID: "A", Status: NodeExecFailed},
	}
	completed := inst.CompletedNodeIDs()
	if !completed["A"] || completed["B"] {
		t.Fatalf("expected only A completed, got %+v", completed)
	}
}

func TestProcessInstanceLatestExecutionReturnsMostRecent(t *testing.T) {
	inst := NewProcessInstance("i1", "g1", "v1", "", NewExecutionContext(nil, nil))
	inst.NodeExecutions = []NodeExecution{
		{NodeID: "A", Status: NodeExecFailed, Error: "first"},
		{NodeID: "A", Status: NodeExecCompleted, Error: ""},
	}
	latest, ok := inst.LatestExecution("A")
	if !ok || latest.Status != NodeExecCompleted {
		t.Fatalf("expected most recent execution, got %+v", latest)
	}
	if _, ok := inst.LatestExecution("missing"); ok {
		t.Fatalf("expected no execution found for unknown node")
	}
}

func TestProcessInstanceExecutionCount(t *testing.T) {
	inst := NewProcessInstance("i1", "g1", "v1", "", NewExecutionContext(nil, nil))
	inst.NodeExecutions = []NodeExecution{{NodeID: "A"}, {NodeID: "A"}, {NodeID: "B"}}
	if inst.ExecutionCount("A") != 2 {
		t.Fatalf("expected 2 executions for A, got %d", inst.ExecutionCount("A"))
	}
	if inst.ExecutionCount("C") != 0 {
		t.Fatalf("expected 0 executions for unseen node")
	}
}

func TestProcessInstanceIsTerminal(t *testing.T) {
	cases := []struct {
		status InstanceStatus
		want   bool
	}{
		{InstanceRunning, false},
		{InstanceSuspended, false},
		{InstanceCompleted, true},
		{InstanceFailed, true},
		{InstanceCancelled, true},
	}
	for _, c := range cases {
		inst := ProcessInstance{Status: c.status}
		if got := inst.IsTerminal(); got != c.want {
			t.Errorf("status %q: IsTerminal() = %v, want %v", c.status, got, c.want)
		}
	}
}
