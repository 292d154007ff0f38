package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GovernanceChecks toggles which of the three governance checks run,
// matching §4.2's "each check can be individually disabled by
// configuration".
type GovernanceChecks struct {
	Idempotency   bool
	Authorization bool
	Policy        bool
}

// DefaultGovernanceChecks enables every check.
func DefaultGovernanceChecks() GovernanceChecks {
	return GovernanceChecks{Idempotency: true, Authorization: true, Policy: true}
}

// Governor runs the idempotency/authorization/policy checks that
// immediately precede action invocation.
type Governor struct {
	Checks GovernanceChecks
	Policy PolicyEvaluator
	// SeenFn reports whether a computed idempotency key (instanceID,
	// nodeID, count, hash) was already recorded. The orchestrator owns the
	// actual store; Governor only computes keys and asks SeenFn whether one
	// was already recorded.
	SeenFn func(key string) bool
}

// GovernanceDecision is the result of running all enabled checks.
type GovernanceDecision struct {
	Allowed        bool
	RejectReason   string
	IdempotencyKey string
	Snapshot       GovernanceSnapshot
}

// computeIdempotencyKey computes instanceId|nodeId|nodeExecutionCount|hash(entityState)
// per §4.2.
func computeIdempotencyKey(instanceID, nodeID string, execCount int, entityState map[string]any) string {
	b, _ := json.Marshal(entityState)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s|%s|%d|%s", instanceID, nodeID, execCount, hex.EncodeToString(sum[:8]))
}

// requiredPermissions derives the permissions an action requires, purely
// from its type — system-invocation and agent-assisted actions require
// "execute:<handlerRef>", human-task requires "assign:<handlerRef>",
// everything else requires nothing beyond baseline execution. A node with
// no HandlerRef has nothing named to gate access to, so it requires
// nothing either.
func requiredPermissions(a Action) []string {
	if a.HandlerRef == "" {
		return nil
	}
	switch a.Type {
	case ActionSystemInvocation, ActionAgentAssisted:
		return []string{"execute:" + a.HandlerRef}
	case ActionHumanTask:
		return []string{"assign:" + a.HandlerRef}
	default:
		return nil
	}
}

func permitted(granted []string, required []string) bool {
	grantedSet := map[string]bool{}
	for _, g := range granted {
		grantedSet[g] = true
		if g == "*" {
			return true
		}
	}
	for _, r := range required {
		if !grantedSet[r] {
			return false
		}
	}
	return true
}

// principalFrom extracts the acting principal from the client compartment
// of the runtime scope, defaulting to "SYSTEM" per §4.2.
func principalFrom(scope map[string]any) (string, []string) {
	principal := "SYSTEM"
	var permissions []string
	clientRaw, ok := scope["client"].(map[string]any)
	if !ok {
		return principal, permissions
	}
	if p, ok := clientRaw["principal"].(string); ok && p != "" {
		principal = p
	}
	if perms, ok := clientRaw["permissions"].([]string); ok {
		permissions = perms
	} else if permsAny, ok := clientRaw["permissions"].([]any); ok {
		for _, p := range permsAny {
			if s, ok := p.(string); ok {
				permissions = append(permissions, s)
			}
		}
	}
	return principal, permissions
}

// Evaluate runs every enabled check in order, short-circuiting on the
// first rejection.
func (g *Governor) Evaluate(ctx context.Context, op OperationalContext, instanceID string, n *Node, execCount int, entityState map[string]any, scope map[string]any) GovernanceDecision {
	snap := GovernanceSnapshot{}
	key := computeIdempotencyKey(instanceID, n.ID, execCount, entityState)

	if g.Checks.Idempotency {
		snap.IdempotencyChecked = true
		if g.SeenFn != nil && g.SeenFn(key) {
			snap.IdempotencyPassed = false
			snap.RejectReason = "duplicate"
			return GovernanceDecision{Allowed: false, RejectReason: "duplicate", IdempotencyKey: key, Snapshot: snap}
		}
		snap.IdempotencyPassed = true
	}

	if g.Checks.Authorization {
		snap.AuthorizationChecked = true
		principal, granted := principalFrom(scope)
		required := requiredPermissions(n.Action)
		if !permitted(granted, required) {
			snap.AuthorizationPassed = false
			snap.RejectReason = "unauthorized: " + principal + " missing " + fmt.Sprint(required)
			return GovernanceDecision{Allowed: false, RejectReason: snap.RejectReason, IdempotencyKey: key, Snapshot: snap}
		}
		snap.AuthorizationPassed = true
	}

	if g.Checks.Policy {
		snap.PolicyChecked = true
		if op.SystemState == "emergency" || op.SystemState == "maintenance" {
			snap.PolicyPassed = false
			snap.RejectReason = "system state is " + op.SystemState
			return GovernanceDecision{Allowed: false, RejectReason: snap.RejectReason, IdempotencyKey: key, Snapshot: snap}
		}
		for _, gate := range n.PolicyGates {
			pr := g.Policy.Evaluate(ctx, gate, scope)
			if pr.Err != nil || pr.Outcome != gate.RequiredOutcome {
				snap.PolicyPassed = false
				snap.RejectReason = "governance policy gate " + gate.DecisionRef + " blocked"
				return GovernanceDecision{Allowed: false, RejectReason: snap.RejectReason, IdempotencyKey: key, Snapshot: snap}
			}
		}
		snap.PolicyPassed = true
	}

	return GovernanceDecision{Allowed: true, IdempotencyKey: key, Snapshot: snap}
}
