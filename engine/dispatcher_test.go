package engine

import (
	"context"
	"testing"

	"github.com/cpgflow/engine/store"
)

type recordingPublisher struct {
	published []ProcessEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event ProcessEvent) error {
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) PublishAsync(event ProcessEvent) {
	p.published = append(p.published, event)
}

type noopResolver struct{}

func (noopResolver) Resolve(ActionType, string) ActionHandler { return nil }

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(
		store.NewMemGraphStore(),
		store.NewMemInstanceStore(),
		store.NewMemDecisionTracer(),
		&recordingPublisher{},
		noopResolver{},
		exprStub{truths: map[string]bool{"event.payload.risk == \"high\"": true}},
		policyStub{},
		ruleStub{},
	)
	if err != nil {
		t.Fatalf("unexpected error constructing orchestrator: %v", err)
	}
	return o
}

func eventSubscribingGraph(subs ...EventSubscription) ProcessGraph {
	return ProcessGraph{
		GraphID: "g1",
		Nodes: []Node{
			{ID: "A", EventConfig: EventConfig{Subscribes: subs}},
		},
	}
}

func TestDispatcherCorrelateByCorrelationID(t *testing.T) {
	o := newTestOrchestrator(t)
	graph := eventSubscribingGraph(EventSubscription{Type: "BackgroundCheckCompleted"})
	o.dispatcher.register("i1", "corr-1", graph)

	matches := o.dispatcher.correlate(context.Background(), ProcessEvent{
		EventType:     "BackgroundCheckCompleted",
		CorrelationID: "corr-1",
	})
	if len(matches) != 1 || matches[0].instanceID != "i1" || matches[0].method != DispatchByCorrelationID {
		t.Fatalf("expected one correlation-id match for i1, got %+v", matches)
	}
	if len(matches[0].nodeIDs) != 1 || matches[0].nodeIDs[0] != "A" {
		t.Fatalf("expected node A matched, got %+v", matches[0].nodeIDs)
	}
}

func TestDispatcherCorrelateByCorrelationIDEqualsInstanceID(t *testing.T) {
	o := newTestOrchestrator(t)
	graph := eventSubscribingGraph(EventSubscription{Type: "Ping"})
	o.dispatcher.register("i1", "", graph)

	matches := o.dispatcher.correlate(context.Background(), ProcessEvent{EventType: "Ping", CorrelationID: "i1"})
	if len(matches) != 1 || matches[0].method != DispatchByCorrelationID {
		t.Fatalf("expected correlation-id match via instance ID, got %+v", matches)
	}
}

func TestDispatcherCorrelateByBareEventType(t *testing.T) {
	o := newTestOrchestrator(t)
	graph := eventSubscribingGraph(EventSubscription{Type: "Ping"})
	o.dispatcher.register("i1", "", graph)

	matches := o.dispatcher.correlate(context.Background(), ProcessEvent{EventType: "Ping"})
	if len(matches) != 1 || matches[0].method != DispatchByEventType {
		t.Fatalf("expected event-type match, got %+v", matches)
	}
}

func TestDispatcherCorrelateByExpression(t *testing.T) {
	o := newTestOrchestrator(t)
	graph := eventSubscribingGraph(EventSubscription{
		Type:            "RiskAssessed",
		CorrelationExpr: `event.payload.risk == "high"`,
	})
	o.dispatcher.register("i1", "", graph)

	matches := o.dispatcher.correlate(context.Background(), ProcessEvent{EventType: "RiskAssessed"})
	if len(matches) != 1 || matches[0].method != DispatchByExpression {
		t.Fatalf("expected expression match, got %+v", matches)
	}
}

func TestDispatcherCorrelateNoMatchForUnsubscribedType(t *testing.T) {
	o := newTestOrchestrator(t)
	graph := eventSubscribingGraph(EventSubscription{Type: "Ping"})
	o.dispatcher.register("i1", "", graph)

	matches := o.dispatcher.correlate(context.Background(), ProcessEvent{EventType: "Pong"})
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestDispatcherUnregisterStopsFutureMatches(t *testing.T) {
	o := newTestOrchestrator(t)
	graph := eventSubscribingGraph(EventSubscription{Type: "Ping"})
	o.dispatcher.register("i1", "", graph)
	o.dispatcher.unregister("i1")

	matches := o.dispatcher.correlate(context.Background(), ProcessEvent{EventType: "Ping"})
	if len(matches) != 0 {
		t.Fatalf("expected no matches after unregister, got %+v", matches)
	}
}

func TestDispatcherRegisterAndUnregisterTrackRegistrySize(t *testing.T) {
	o := newTestOrchestrator(t)
	o.dispatcher.register("i1", "", eventSubscribingGraph())
	o.dispatcher.register("i2", "", eventSubscribingGraph())
	if len(o.dispatcher.registry) != 2 {
		t.Fatalf("expected two registered instances, got %d", len(o.dispatcher.registry))
	}
	o.dispatcher.unregister("i1")
	if len(o.dispatcher.registry) != 1 {
		t.Fatalf("expected one instance left registered, got %d", len(o.dispatcher.registry))
	}
}
