package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// CompensationOutcome is what the compensation handler decided to do after
// an action failure.
type CompensationOutcome string

const (
	CompRetryScheduled CompensationOutcome = "retry"
	CompAlternated     CompensationOutcome = "alternate"
	CompSkipped        CompensationOutcome = "skip"
	CompCompensated    CompensationOutcome = "compensate"
	CompEscalated      CompensationOutcome = "escalate"
	CompTerminalFail   CompensationOutcome = "fail"
)

// CompensationDecision is the result of CompensationHandler.HandleFailure.
type CompensationDecision struct {
	Outcome            CompensationOutcome
	RetryDelay         time.Duration
	AlternateNodeID    string
	CompensatingEdgeID string
	EscalationNodeID   string
	PreservedRuleOutputs map[string]any
}

// CompensationHandler implements §4.4: per-(instance,node) consecutive
// failure counters, exception-route-first recovery, retryable-action
// fallback with exponential backoff + full jitter, escalation, and
// edge-level rollback as the last resort.
type CompensationHandler struct {
	mu       sync.Mutex
	failures map[string]int // key: instanceID|nodeID

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// NewCompensationHandler constructs a handler with the given backoff
// parameters (base 1s, cap 60s, factor 2 by default, per §4.4).
func NewCompensationHandler(base, max time.Duration, factor float64) *CompensationHandler {
	return &CompensationHandler{
		failures:  map[string]int{},
		BaseDelay: base,
		MaxDelay:  max,
		Factor:    factor,
	}
}

func failureKey(instanceID, nodeID string) string { return instanceID + "|" + nodeID }

// ConsecutiveFailures returns the current consecutive-failure count for
// (instanceID, nodeID).
func (h *CompensationHandler) ConsecutiveFailures(instanceID, nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures[failureKey(instanceID, nodeID)]
}

// RecordSuccess resets the consecutive-failure counter for (instanceID,
// nodeID), per §4.4's "a successful execution of a node resets its
// consecutive-failure counter".
func (h *CompensationHandler) RecordSuccess(instanceID, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, failureKey(instanceID, nodeID))
}

// backoffDelay computes base*factor^attempt capped at max, with full
// jitter, using a deterministic RNG seeded from (instanceID, nodeID,
// attempt) so that delays are reproducible under test/replay without being
// predictable in a way that would defeat jitter's purpose in production —
// the seed is never derived from wall-clock time.
func backoffDelay(base, max time.Duration, factor float64, instanceID, nodeID string, attempt int) time.Duration {
	raw := float64(base) * math.Pow(factor, float64(attempt))
	if raw > float64(max) {
		raw = float64(max)
	}
	seedInput := instanceID + "|" + nodeID + "|" + strconv.Itoa(attempt)
	h := sha256.Sum256([]byte(seedInput))
	seed := int64(binary.BigEndian.Uint64(h[:8]))
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic jitter, not security-sensitive
	jittered := rng.Float64() * raw
	return time.Duration(jittered)
}

// HandleFailure implements the four-step recovery ladder from §4.4. node is
// the node that just failed; actionErr is the ActionResult it returned
// (actionErr.Success must be false); ruleOutputs are the node's merged rule
// outputs at the time of failure, preserved across an "alternate" switch.
func (h *CompensationHandler) HandleFailure(instanceID string, node *Node, actionErr ActionResult, ruleOutputs map[string]any) CompensationDecision {
	key := failureKey(instanceID, node.ID)

	if route, ok := node.RemediationFor(actionErr.ExceptionType); ok {
		switch route.Strategy {
		case RemediationRetry:
			h.mu.Lock()
			h.failures[key]++
			attempt := h.failures[key]
			h.mu.Unlock()
			if attempt <= route.MaxRetries {
				return CompensationDecision{
					Outcome:    CompRetryScheduled,
					RetryDelay: backoffDelay(h.BaseDelay, h.MaxDelay, h.Factor, instanceID, node.ID, attempt),
				}
			}
			// Exhausted: a retry route may carry its own AlternateNodeID as
			// a named fallback, same as an explicit "alternate" route.
			if route.AlternateNodeID != "" {
				h.RecordSuccess(instanceID, node.ID)
				return CompensationDecision{
					Outcome:              CompAlternated,
					AlternateNodeID:      route.AlternateNodeID,
					PreservedRuleOutputs: ruleOutputs,
				}
			}
			return CompensationDecision{Outcome: CompTerminalFail}
		case RemediationAlternate:
			h.RecordSuccess(instanceID, node.ID)
			return CompensationDecision{
				Outcome:              CompAlternated,
				AlternateNodeID:      route.AlternateNodeID,
				PreservedRuleOutputs: ruleOutputs,
			}
		case RemediationSkip:
			h.RecordSuccess(instanceID, node.ID)
			return CompensationDecision{Outcome: CompSkipped}
		case RemediationCompensate:
			return CompensationDecision{
				Outcome:            CompCompensated,
				CompensatingEdgeID: route.CompensatingEdgeID,
			}
		case RemediationFail:
			return CompensationDecision{Outcome: CompTerminalFail}
		}
	}

	if actionErr.Retryable {
		h.mu.Lock()
		h.failures[key]++
		attempt := h.failures[key]
		h.mu.Unlock()
		if attempt <= node.Action.Config.RetryCount {
			return CompensationDecision{
				Outcome:    CompRetryScheduled,
				RetryDelay: backoffDelay(h.BaseDelay, h.MaxDelay, h.Factor, instanceID, node.ID, attempt),
			}
		}
	}

	for _, esc := range node.ExceptionRoutes.Escalations {
		return CompensationDecision{Outcome: CompEscalated, EscalationNodeID: esc.EscalationNodeID}
	}

	return CompensationDecision{Outcome: CompTerminalFail}
}

// RollbackTargets walks the most recently completed chain backwards and
// returns, single-pass and newest-first (per the Open Question #3
// resolution in DESIGN.md), the compensating-edge targets of every
// predecessor edge whose CompensationSemantics.Strategy is rollback.
// Compensation paths themselves never trigger further compensation, so
// callers must not re-invoke HandleFailure for a node reached this way.
func RollbackTargets(g *ProcessGraph, completedChain []string) []string {
	var targets []string
	for i := len(completedChain) - 1; i >= 0; i-- {
		nodeID := completedChain[i]
		for _, e := range g.InboundEdges(nodeID) {
			if e.Compensation.Strategy == CompRollback && e.Compensation.CompensatingEdgeID != "" {
				if ce, ok := g.EdgeByID(e.Compensation.CompensatingEdgeID); ok {
					targets = append(targets, ce.Target)
				}
			}
		}
	}
	return targets
}
