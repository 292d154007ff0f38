package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cpgflow/engine"
)

func TestMemGraphStoreLoadAndLatestPublished(t *testing.T) {
	s := NewMemGraphStore()
	s.Put(engine.ProcessGraph{GraphID: "g1", Version: "v1", Status: engine.GraphDraft})
	s.Put(engine.ProcessGraph{GraphID: "g1", Version: "v2", Status: engine.GraphPublished})
	s.Put(engine.ProcessGraph{GraphID: "g1", Version: "v3", Status: engine.GraphPublished})

	g, err := s.Load(context.Background(), "g1", "v1")
	if err != nil || g.Version != "v1" {
		t.Fatalf("expected v1 loadable, got %+v, err %v", g, err)
	}

	latest, err := s.LoadLatestPublished(context.Background(), "g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.Version != "v3" {
		t.Fatalf("expected highest published version v3, got %s", latest.Version)
	}
}

func TestMemGraphStoreLoadUnknownReturnsNotFound(t *testing.T) {
	s := NewMemGraphStore()
	_, err := s.Load(context.Background(), "missing", "v1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemGraphStoreLatestPublishedSkipsDraftOnly(t *testing.T) {
	s := NewMemGraphStore()
	s.Put(engine.ProcessGraph{GraphID: "g1", Version: "v1", Status: engine.GraphDraft})
	_, err := s.LoadLatestPublished(context.Background(), "g1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when no published version exists, got %v", err)
	}
}

func TestMemInstanceStoreCreateThenLoad(t *testing.T) {
	s := NewMemInstanceStore()
	err := s.Create(context.Background(), engine.ProcessInstance{InstanceID: "i1", GraphID: "g1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst, err := s.Load(context.Background(), "i1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Version != 1 {
		t.Fatalf("expected Create to set Version to 1, got %d", inst.Version)
	}
}

func TestMemInstanceStoreCreateDuplicateErrors(t *testing.T) {
	s := NewMemInstanceStore()
	_ = s.Create(context.Background(), engine.ProcessInstance{InstanceID: "i1"})
	if err := s.Create(context.Background(), engine.ProcessInstance{InstanceID: "i1"}); err == nil {
		t.Fatalf("expected error creating duplicate instance")
	}
}

func TestMemInstanceStoreSaveDetectsVersionConflict(t *testing.T) {
	s := NewMemInstanceStore()
	_ = s.Create(context.Background(), engine.ProcessInstance{InstanceID: "i1"})

	if err := s.Save(context.Background(), engine.ProcessInstance{InstanceID: "i1"}, 1); err != nil {
		t.Fatalf("unexpected error on correct expectedVersion: %v", err)
	}
	inst, _ := s.Load(context.Background(), "i1")
	if inst.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", inst.Version)
	}

	if err := s.Save(context.Background(), engine.ProcessInstance{InstanceID: "i1"}, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale expectedVersion, got %v", err)
	}
}

func TestMemInstanceStoreSaveUnknownInstanceNotFound(t *testing.T) {
	s := NewMemInstanceStore()
	err := s.Save(context.Background(), engine.ProcessInstance{InstanceID: "missing"}, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemInstanceStoreIdempotencyIndex(t *testing.T) {
	s := NewMemInstanceStore()
	_ = s.Create(context.Background(), engine.ProcessInstance{
		InstanceID: "i1",
		NodeExecutions: []engine.NodeExecution{
			{NodeID: "A", Result: map[string]any{"idempotencyKey": "key-1"}},
		},
	})
	seen := s.IdempotencyIndex()
	if !seen("key-1") {
		t.Fatalf("expected key-1 to be seen")
	}
	if seen("key-2") {
		t.Fatalf("expected key-2 to be unseen")
	}
}

func TestMemDecisionTracerAppendAndQuery(t *testing.T) {
	tracer := NewMemDecisionTracer()
	now := time.Unix(1000, 0)
	t1 := engine.DecisionTrace{TraceID: "t1", InstanceID: "i1", Type: engine.TraceExecution, Timestamp: now}
	t2 := engine.DecisionTrace{TraceID: "t2", InstanceID: "i1", Type: engine.TraceWait, Timestamp: now.Add(time.Second)}
	_ = tracer.Append(context.Background(), t1)
	_ = tracer.Append(context.Background(), t2)

	all, _ := tracer.ByInstance(context.Background(), "i1")
	if len(all) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(all))
	}

	waits, _ := tracer.ByInstanceAndType(context.Background(), "i1", engine.TraceWait)
	if len(waits) != 1 || waits[0].TraceID != "t2" {
		t.Fatalf("expected only t2 for TraceWait, got %+v", waits)
	}

	byID, err := tracer.ByID(context.Background(), "t1")
	if err != nil || byID.TraceID != "t1" {
		t.Fatalf("expected t1 by id, got %+v, err %v", byID, err)
	}

	latest, err := tracer.LatestForInstance(context.Background(), "i1")
	if err != nil || latest.TraceID != "t2" {
		t.Fatalf("expected latest trace t2, got %+v, err %v", latest, err)
	}
}

func TestMemDecisionTracerByInstanceAndTimeRange(t *testing.T) {
	tracer := NewMemDecisionTracer()
	base := time.Unix(1000, 0)
	_ = tracer.Append(context.Background(), engine.DecisionTrace{TraceID: "early", InstanceID: "i1", Timestamp: base})
	_ = tracer.Append(context.Background(), engine.DecisionTrace{TraceID: "mid", InstanceID: "i1", Timestamp: base.Add(5 * time.Second)})
	_ = tracer.Append(context.Background(), engine.DecisionTrace{TraceID: "late", InstanceID: "i1", Timestamp: base.Add(20 * time.Second)})

	from := base.Add(1 * time.Second).UnixNano()
	to := base.Add(10 * time.Second).UnixNano()
	out, err := tracer.ByInstanceAndTimeRange(context.Background(), "i1", from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].TraceID != "mid" {
		t.Fatalf("expected only mid trace in range, got %+v", out)
	}
}

func TestMemDecisionTracerDeleteBefore(t *testing.T) {
	tracer := NewMemDecisionTracer()
	base := time.Unix(1000, 0)
	_ = tracer.Append(context.Background(), engine.DecisionTrace{TraceID: "old", InstanceID: "i1", Timestamp: base})
	_ = tracer.Append(context.Background(), engine.DecisionTrace{TraceID: "new", InstanceID: "i1", Timestamp: base.Add(time.Hour)})

	removed, err := tracer.DeleteBefore(context.Background(), "i1", base.Add(time.Minute).UnixNano())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 trace removed, got %d", removed)
	}
	remaining, _ := tracer.ByInstance(context.Background(), "i1")
	if len(remaining) != 1 || remaining[0].TraceID != "new" {
		t.Fatalf("expected only 'new' trace remaining, got %+v", remaining)
	}
	if _, err := tracer.ByID(context.Background(), "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted trace to be gone from ByID index, got err %v", err)
	}
}

func TestMemDecisionTracerByInstanceReturnsCopy(t *testing.T) {
	tracer := NewMemDecisionTracer()
	_ = tracer.Append(context.Background(), engine.DecisionTrace{TraceID: "t1", InstanceID: "i1"})
	out, _ := tracer.ByInstance(context.Background(), "i1")
	out[0].TraceID = "mutated"
	fresh, _ := tracer.ByInstance(context.Background(), "i1")
	if fresh[0].TraceID != "t1" {
		t.Fatalf("expected ByInstance to return a defensive copy")
	}
}
