// Package store provides persistence implementations for process graphs,
// instances, and decision traces.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cpgflow/engine"
)

// ErrNotFound is returned when a requested graph, instance, or trace ID
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by InstanceStore.Save when the caller's
// expectedVersion no longer matches the stored version.
var ErrVersionConflict = errors.New("version conflict")

// MemGraphStore is an in-memory GraphStore, useful for tests and for
// authoring tools that construct graphs programmatically before handing
// them to the orchestrator.
type MemGraphStore struct {
	mu     sync.RWMutex
	graphs map[string]map[string]engine.ProcessGraph // graphID -> version -> graph
}

// NewMemGraphStore constructs an empty MemGraphStore.
func NewMemGraphStore() *MemGraphStore {
	return &MemGraphStore{graphs: map[string]map[string]engine.ProcessGraph{}}
}

// Put registers a graph, overwriting any prior graph at the same
// (GraphID, Version).
func (s *MemGraphStore) Put(graph engine.ProcessGraph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graphs[graph.GraphID] == nil {
		s.graphs[graph.GraphID] = map[string]engine.ProcessGraph{}
	}
	s.graphs[graph.GraphID][graph.Version] = graph
}

func (s *MemGraphStore) Load(_ context.Context, graphID, version string) (engine.ProcessGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.graphs[graphID]
	if !ok {
		return engine.ProcessGraph{}, ErrNotFound
	}
	g, ok := versions[version]
	if !ok {
		return engine.ProcessGraph{}, ErrNotFound
	}
	return g, nil
}

func (s *MemGraphStore) LoadLatestPublished(_ context.Context, graphID string) (engine.ProcessGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.graphs[graphID]
	if !ok {
		return engine.ProcessGraph{}, ErrNotFound
	}
	var keys []string
	for v, g := range versions {
		if g.Status == engine.GraphPublished {
			keys = append(keys, v)
		}
	}
	if len(keys) == 0 {
		return engine.ProcessGraph{}, ErrNotFound
	}
	sort.Strings(keys)
	return versions[keys[len(keys)-1]], nil
}

// MemInstanceStore is an in-memory InstanceStore with optimistic
// concurrency enforced the same way a SQL store would via a version
// column: Save rejects a stale expectedVersion.
type MemInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]engine.ProcessInstance
}

// NewMemInstanceStore constructs an empty MemInstanceStore.
func NewMemInstanceStore() *MemInstanceStore {
	return &MemInstanceStore{instances: map[string]engine.ProcessInstance{}}
}

func (s *MemInstanceStore) Load(_ context.Context, instanceID string) (engine.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return engine.ProcessInstance{}, ErrNotFound
	}
	return inst, nil
}

func (s *MemInstanceStore) Create(_ context.Context, instance engine.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.InstanceID]; exists {
		return fmt.Errorf("instance %s already exists", instance.InstanceID)
	}
	instance.Version = 1
	s.instances[instance.InstanceID] = instance
	return nil
}

func (s *MemInstanceStore) Save(_ context.Context, instance engine.ProcessInstance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[instance.InstanceID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	instance.Version = expectedVersion + 1
	s.instances[instance.InstanceID] = instance
	return nil
}

// IdempotencyIndex returns a seenFn suitable for Orchestrator.WithIdempotencyIndex,
// backed by this store's own instance/node execution history: a key is
// "seen" once any instance records a node execution whose idempotency key
// (carried in NodeExecution.Result["idempotencyKey"]) matches.
func (s *MemInstanceStore) IdempotencyIndex() func(key string) bool {
	return func(key string) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, inst := range s.instances {
			for _, ne := range inst.NodeExecutions {
				if ne.Result == nil {
					continue
				}
				if v, ok := ne.Result["idempotencyKey"].(string); ok && v == key {
					return true
				}
			}
		}
		return false
	}
}

// MemDecisionTracer is an in-memory DecisionTracer.
type MemDecisionTracer struct {
	mu     sync.RWMutex
	traces map[string][]engine.DecisionTrace // instanceID -> traces, append order
	byID   map[string]engine.DecisionTrace
}

// NewMemDecisionTracer constructs an empty MemDecisionTracer.
func NewMemDecisionTracer() *MemDecisionTracer {
	return &MemDecisionTracer{
		traces: map[string][]engine.DecisionTrace{},
		byID:   map[string]engine.DecisionTrace{},
	}
}

func (t *MemDecisionTracer) Append(_ context.Context, trace engine.DecisionTrace) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traces[trace.InstanceID] = append(t.traces[trace.InstanceID], trace)
	t.byID[trace.TraceID] = trace
	return nil
}

func (t *MemDecisionTracer) ByInstance(_ context.Context, instanceID string) ([]engine.DecisionTrace, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]engine.DecisionTrace, len(t.traces[instanceID]))
	copy(out, t.traces[instanceID])
	return out, nil
}

func (t *MemDecisionTracer) ByInstanceAndType(_ context.Context, instanceID string, tt engine.TraceType) ([]engine.DecisionTrace, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []engine.DecisionTrace
	for _, tr := range t.traces[instanceID] {
		if tr.Type == tt {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *MemDecisionTracer) ByInstanceAndTimeRange(_ context.Context, instanceID string, fromUnixNano, toUnixNano int64) ([]engine.DecisionTrace, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []engine.DecisionTrace
	for _, tr := range t.traces[instanceID] {
		n := tr.Timestamp.UnixNano()
		if n >= fromUnixNano && n <= toUnixNano {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *MemDecisionTracer) ByID(_ context.Context, traceID string) (engine.DecisionTrace, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.byID[traceID]
	if !ok {
		return engine.DecisionTrace{}, ErrNotFound
	}
	return tr, nil
}

func (t *MemDecisionTracer) LatestForInstance(_ context.Context, instanceID string) (engine.DecisionTrace, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	traces := t.traces[instanceID]
	if len(traces) == 0 {
		return engine.DecisionTrace{}, ErrNotFound
	}
	return traces[len(traces)-1], nil
}

func (t *MemDecisionTracer) DeleteBefore(_ context.Context, instanceID string, cutoffUnixNano int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	traces := t.traces[instanceID]
	var kept []engine.DecisionTrace
	removed := 0
	for _, tr := range traces {
		if tr.Timestamp.UnixNano() < cutoffUnixNano {
			delete(t.byID, tr.TraceID)
			removed++
			continue
		}
		kept = append(kept, tr)
	}
	t.traces[instanceID] = kept
	return removed, nil
}
