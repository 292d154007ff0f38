package engine

import (
	"errors"
	"strings"
	"testing"
)

func linearGraph() ProcessGraph {
	return ProcessGraph{
		GraphID:       "g1",
		Version:       "v1",
		Nodes:         []Node{{ID: "A"}, {ID: "B"}},
		Edges:         []Edge{{ID: "a-to-b", Source: "A", Target: "B"}},
		EntryNodes:    []string{"A"},
		TerminalNodes: map[string]bool{"B": true},
	}
}

func TestProcessGraphValidateAcceptsWellFormedGraph(t *testing.T) {
	g := linearGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestProcessGraphValidateRejectsEmptyGraphID(t *testing.T) {
	g := linearGraph()
	g.GraphID = ""
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "graphId must not be empty") {
		t.Fatalf("expected graphId error, got %v", err)
	}
}

func TestProcessGraphValidateRejectsNoEntryNodes(t *testing.T) {
	g := linearGraph()
	g.EntryNodes = nil
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "entry node set must not be empty") {
		t.Fatalf("expected empty-entry-set error, got %v", err)
	}
}

func TestProcessGraphValidateRejectsNodeBothEntryAndTerminal(t *testing.T) {
	g := linearGraph()
	g.EntryNodes = []string{"B"}
	g.TerminalNodes = map[string]bool{"B": true}
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "is both entry and terminal") {
		t.Fatalf("expected entry/terminal exclusivity error, got %v", err)
	}
}

func TestProcessGraphValidateRejectsDuplicateNodeID(t *testing.T) {
	g := linearGraph()
	g.Nodes = append(g.Nodes, Node{ID: "A"})
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate node id") {
		t.Fatalf("expected duplicate node id error, got %v", err)
	}
}

func TestProcessGraphValidateRejectsEdgeFromTerminalNode(t *testing.T) {
	g := linearGraph()
	g.Edges = append(g.Edges, Edge{ID: "b-to-a", Source: "B", Target: "A"})
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "originates from terminal node") {
		t.Fatalf("expected terminal-source error, got %v", err)
	}
}

func TestProcessGraphValidateRejectsMissingEdgeEndpoints(t *testing.T) {
	g := linearGraph()
	g.Edges = append(g.Edges, Edge{ID: "dangling", Source: "A", Target: "Ghost"})
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "references missing target node") {
		t.Fatalf("expected missing-target error, got %v", err)
	}
}

func TestProcessGraphValidateRejectsUnreachableTerminal(t *testing.T) {
	g := ProcessGraph{
		GraphID:       "g1",
		Nodes:         []Node{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Edges:         []Edge{{ID: "a-to-b", Source: "A", Target: "B"}},
		EntryNodes:    []string{"A"},
		TerminalNodes: map[string]bool{"C": true},
	}
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "no terminal node is reachable") {
		t.Fatalf("expected unreachable-terminal error, got %v", err)
	}
}

func TestNodeByIDAndEdgeByID(t *testing.T) {
	g := linearGraph()
	n, ok := g.NodeByID("A")
	if !ok || n.ID != "A" {
		t.Fatalf("expected node A found, got %+v, %v", n, ok)
	}
	if _, ok := g.NodeByID("missing"); ok {
		t.Fatalf("expected missing node not found")
	}
	e, ok := g.EdgeByID("a-to-b")
	if !ok || e.Source != "A" {
		t.Fatalf("expected edge a-to-b found, got %+v, %v", e, ok)
	}
}

func TestOutboundAndInboundEdges(t *testing.T) {
	g := linearGraph()
	g.Edges = append(g.Edges, Edge{ID: "a-to-b-2", Source: "A", Target: "B"})
	out := g.OutboundEdges("A")
	if len(out) != 2 {
		t.Fatalf("expected 2 outbound edges from A, got %d", len(out))
	}
	in := g.InboundEdges("B")
	if len(in) != 2 {
		t.Fatalf("expected 2 inbound edges to B, got %d", len(in))
	}
	if len(g.OutboundEdges("B")) != 0 {
		t.Fatalf("expected no outbound edges from terminal B")
	}
}

func TestNodeRemediationForFirstMatch(t *testing.T) {
	n := &Node{ExceptionRoutes: ExceptionRoutes{Remediations: []RemediationRoute{
		{ExceptionType: "NetworkError", Strategy: RemediationRetry},
		{ExceptionType: "NetworkError", Strategy: RemediationFail},
	}}}
	route, ok := n.RemediationFor("NetworkError")
	if !ok || route.Strategy != RemediationRetry {
		t.Fatalf("expected first matching route by exception type, got %+v", route)
	}
	if _, ok := n.RemediationFor("Unknown"); ok {
		t.Fatalf("expected no match for unconfigured exception type")
	}
}

func TestEngineErrorIsMatchesByKindAlone(t *testing.T) {
	err := newErr(KindInvalidState, "i1", "A", "boom")
	if !errors.Is(err, &EngineError{Kind: KindInvalidState}) {
		t.Fatalf("expected errors.Is to match by kind")
	}
	if errors.Is(err, &EngineError{Kind: KindTimeout}) {
		t.Fatalf("expected no match against a different kind")
	}
}

func TestEngineErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := wrapErr(KindActionFailed, "i1", cause, "wrapped")
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to see through to the wrapped cause")
	}
}

func TestEngineErrorMessageIncludesScope(t *testing.T) {
	err := newErr(KindNodeNotFound, "i1", "A", "node missing")
	msg := err.Error()
	if !strings.Contains(msg, "instance=i1") || !strings.Contains(msg, "node=A") {
		t.Fatalf("expected instance/node scope in message, got %q", msg)
	}
}
