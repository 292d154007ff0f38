// Package action implements the engine's ActionHandler/ActionHandlerResolver
// ports: a registry-based resolver, a default fallback handler that always
// succeeds with a diagnostic output, and concrete handlers for the
// system-invocation (HTTP), notification, and wait action types. Each
// handler type lives in its own file, following the teacher's one-tool-
// per-file layout under graph/tool.
package action

import (
	"sync"

	"github.com/cpgflow/engine"
)

// Registry is an ActionHandlerResolver backed by a map keyed
// "actionType|handlerRef". A handler registered with an empty handlerRef
// matches every reference for that actionType not otherwise registered,
// acting as the per-type default.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]engine.ActionHandler
	fallback engine.ActionHandler
}

// NewRegistry constructs a Registry whose Resolve falls back to
// NewDefaultHandler() for any (actionType, handlerRef) pair with nothing
// registered, per §4.6's "unresolved references fall back to a default
// handler that succeeds with a diagnostic output rather than erroring".
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]engine.ActionHandler{},
		fallback: NewDefaultHandler(),
	}
}

func key(actionType engine.ActionType, handlerRef string) string {
	return string(actionType) + "|" + handlerRef
}

// Register associates handler with (actionType, handlerRef). An empty
// handlerRef registers the per-type default.
func (r *Registry) Register(actionType engine.ActionType, handlerRef string, handler engine.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(actionType, handlerRef)] = handler
}

// Resolve implements ActionHandlerResolver.
func (r *Registry) Resolve(actionType engine.ActionType, handlerRef string) engine.ActionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[key(actionType, handlerRef)]; ok {
		return h
	}
	if h, ok := r.handlers[key(actionType, "")]; ok {
		return h
	}
	return r.fallback
}
