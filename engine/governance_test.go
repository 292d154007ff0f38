package engine

import (
	"context"
	"testing"
)

func TestGovernorAllowsWhenEverythingPasses(t *testing.T) {
	g := &Governor{Checks: DefaultGovernanceChecks(), Policy: policyStub{}}
	dec := g.Evaluate(context.Background(), OperationalContext{SystemState: "normal"}, "i1", &Node{ID: "A"}, 0, nil, map[string]any{})
	if !dec.Allowed {
		t.Fatalf("expected allowed, got %+v", dec)
	}
	if dec.IdempotencyKey == "" {
		t.Fatalf("expected a non-empty idempotency key")
	}
}

func TestGovernorRejectsDuplicateIdempotencyKey(t *testing.T) {
	g := &Governor{Checks: DefaultGovernanceChecks(), Policy: policyStub{}, SeenFn: func(string) bool { return true }}
	dec := g.Evaluate(context.Background(), OperationalContext{}, "i1", &Node{ID: "A"}, 0, nil, map[string]any{})
	if dec.Allowed || dec.RejectReason != "duplicate" {
		t.Fatalf("expected duplicate rejection, got %+v", dec)
	}
}

func TestGovernorRejectsUnauthorizedPrincipal(t *testing.T) {
	g := &Governor{Checks: DefaultGovernanceChecks(), Policy: policyStub{}}
	node := &Node{ID: "A", Action: Action{Type: ActionSystemInvocation, HandlerRef: "dispatch"}}
	scope := map[string]any{"client": map[string]any{"principal": "alice", "permissions": []string{}}}
	dec := g.Evaluate(context.Background(), OperationalContext{}, "i1", node, 0, nil, scope)
	if dec.Allowed {
		t.Fatalf("expected unauthorized rejection, got %+v", dec)
	}
}

func TestGovernorAllowsWithWildcardPermission(t *testing.T) {
	g := &Governor{Checks: DefaultGovernanceChecks(), Policy: policyStub{}}
	node := &Node{ID: "A", Action: Action{Type: ActionSystemInvocation, HandlerRef: "dispatch"}}
	scope := map[string]any{"client": map[string]any{"principal": "alice", "permissions": []string{"*"}}}
	dec := g.Evaluate(context.Background(), OperationalContext{}, "i1", node, 0, nil, scope)
	if !dec.Allowed {
		t.Fatalf("expected wildcard permission to authorize, got %+v", dec)
	}
}

func TestGovernorRejectsOnEmergencySystemState(t *testing.T) {
	g := &Governor{Checks: DefaultGovernanceChecks(), Policy: policyStub{}}
	dec := g.Evaluate(context.Background(), OperationalContext{SystemState: "emergency"}, "i1", &Node{ID: "A"}, 0, nil, map[string]any{})
	if dec.Allowed {
		t.Fatalf("expected emergency system state to reject")
	}
	if !dec.Snapshot.PolicyChecked || dec.Snapshot.PolicyPassed || !dec.Snapshot.IdempotencyChecked {
		t.Fatalf("expected policy check attempted but not passed, got %+v", dec.Snapshot)
	}
}

func TestGovernorRejectsOnPolicyGateMismatch(t *testing.T) {
	g := &Governor{
		Checks: DefaultGovernanceChecks(),
		Policy: policyStub{outcomes: map[string]PolicyOutcome{"gate.risk": PolicyFailed}},
	}
	node := &Node{ID: "A", PolicyGates: []PolicyGate{{DecisionRef: "gate.risk", RequiredOutcome: PolicyPassed}}}
	dec := g.Evaluate(context.Background(), OperationalContext{}, "i1", node, 0, nil, map[string]any{})
	if dec.Allowed {
		t.Fatalf("expected policy gate mismatch to reject")
	}
}

func TestGovernorDisabledChecksAreSkipped(t *testing.T) {
	g := &Governor{
		Checks: GovernanceChecks{},
		Policy: policyStub{},
		SeenFn: func(string) bool { return true },
	}
	dec := g.Evaluate(context.Background(), OperationalContext{SystemState: "emergency"}, "i1", &Node{ID: "A"}, 0, nil, map[string]any{})
	if !dec.Allowed {
		t.Fatalf("expected every check disabled to allow regardless of duplicate/emergency, got %+v", dec)
	}
}

func TestComputeIdempotencyKeyStableForSameInputs(t *testing.T) {
	state := map[string]any{"a": 1}
	k1 := computeIdempotencyKey("i1", "A", 2, state)
	k2 := computeIdempotencyKey("i1", "A", 2, state)
	if k1 != k2 {
		t.Fatalf("expected stable idempotency key, got %q vs %q", k1, k2)
	}
	k3 := computeIdempotencyKey("i1", "A", 3, state)
	if k1 == k3 {
		t.Fatalf("expected different exec count to change the key")
	}
}

func TestRequiredPermissionsByActionType(t *testing.T) {
	cases := []struct {
		action Action
		want   []string
	}{
		{Action{Type: ActionSystemInvocation, HandlerRef: "h"}, []string{"execute:h"}},
		{Action{Type: ActionAgentAssisted, HandlerRef: "h"}, []string{"execute:h"}},
		{Action{Type: ActionHumanTask, HandlerRef: "h"}, []string{"assign:h"}},
	}
	for _, c := range cases {
		got := requiredPermissions(c.action)
		if len(got) != len(c.want) || (len(got) > 0 && got[0] != c.want[0]) {
			t.Errorf("requiredPermissions(%+v) = %v, want %v", c.action, got, c.want)
		}
	}
}

func TestPermittedWildcardAndExactMatch(t *testing.T) {
	if !permitted([]string{"*"}, []string{"execute:anything"}) {
		t.Fatalf("expected wildcard to satisfy any requirement")
	}
	if !permitted([]string{"execute:h"}, []string{"execute:h"}) {
		t.Fatalf("expected exact match to satisfy requirement")
	}
	if permitted([]string{"execute:other"}, []string{"execute:h"}) {
		t.Fatalf("expected mismatched permission to fail")
	}
	if !permitted(nil, nil) {
		t.Fatalf("expected no required permissions to trivially pass")
	}
}

func TestPrincipalFromDefaultsToSystem(t *testing.T) {
	principal, perms := principalFrom(map[string]any{})
	if principal != "SYSTEM" || len(perms) != 0 {
		t.Fatalf("expected SYSTEM with no permissions, got %q %v", principal, perms)
	}
}

func TestPrincipalFromReadsClientCompartment(t *testing.T) {
	principal, perms := principalFrom(map[string]any{
		"client": map[string]any{"principal": "alice", "permissions": []any{"read", "write"}},
	})
	if principal != "alice" || len(perms) != 2 {
		t.Fatalf("expected alice with 2 permissions, got %q %v", principal, perms)
	}
}
