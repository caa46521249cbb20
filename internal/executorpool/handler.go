package executorpool

import "context"

// ExecutionContext is what a handler receives when invoked, per the
// Executor's operational contract.
type ExecutionContext struct {
	TaskID          string
	WorkflowID      string
	StartTime       int64
	UpstreamResults map[string]map[string]any
	Parameters      map[string]any
}

// Result is what a handler returns on success.
type Result struct {
	Data map[string]any
}

// Handler executes one task class, registered under a tagged registry with
// a predicate-based fallback scan: Types() for the tagged registry,
// Accepts() for the fallback scan, Execute() to run.
type Handler interface {
	Types() []string
	Accepts(executorType string, parameters map[string]any) bool
	Execute(ctx context.Context, execCtx ExecutionContext) (Result, error)
}

// Registry is a tagged registry of handlers by executor_type, with a linear
// fallback scan over handlers advertising a predicate.
type Registry struct {
	byType   map[string]Handler
	fallback []Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byType: map[string]Handler{}}
}

// Register adds a handler under each of its advertised types, and to the
// fallback scan list.
func (r *Registry) Register(h Handler) {
	for _, t := range h.Types() {
		r.byType[t] = h
	}
	r.fallback = append(r.fallback, h)
}

// Lookup finds a handler for (executorType, parameters): first by exact
// type match, then by linear predicate scan. Returns nil if none match.
func (r *Registry) Lookup(executorType string, parameters map[string]any) Handler {
	if h, ok := r.byType[executorType]; ok {
		return h
	}
	for _, h := range r.fallback {
		if h.Accepts(executorType, parameters) {
			return h
		}
	}
	return nil
}
