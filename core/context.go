package core

import (
	"context"
	"fmt"
	"sync"
)

// Context is the string map sent along with every request.
type Context map[string]string

// Clone returns a copy of c; nil stays nil.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MergeContext overlays perProxy onto implicit. Keys present in both take
// the per-proxy value. The inputs are never modified.
func MergeContext(perProxy, implicit Context) Context {
	if len(perProxy) == 0 && len(implicit) == 0 {
		return nil
	}
	out := make(Context, len(perProxy)+len(implicit))
	for k, v := range implicit {
		out[k] = v
	}
	for k, v := range perProxy {
		out[k] = v
	}
	return out
}

// ImplicitContextKind selects how the implicit side of a request context
// is stored.
type ImplicitContextKind string

const (
	ImplicitNone    ImplicitContextKind = "none"
	ImplicitShared  ImplicitContextKind = "shared"
	ImplicitPerTask ImplicitContextKind = "per-task"
)

// IsValid checks if the kind is known.
func (k ImplicitContextKind) IsValid() bool {
	switch k {
	case "", ImplicitNone, ImplicitShared, ImplicitPerTask:
		return true
	default:
		return false
	}
}

// ImplicitContext supplies the implicit half of a request context.
type ImplicitContext interface {
	// Snapshot returns the implicit context visible to the task running
	// under ctx. The result must not be modified by the caller.
	Snapshot(ctx context.Context) Context
}

// NewImplicitContext creates the implementation for kind.
func NewImplicitContext(kind ImplicitContextKind) (ImplicitContext, error) {
	switch kind {
	case "", ImplicitNone:
		return noImplicitContext{}, nil
	case ImplicitShared:
		return NewSharedContext(), nil
	case ImplicitPerTask:
		return TaskContext{}, nil
	default:
		return nil, fmt.Errorf("unknown implicit context kind %q", kind)
	}
}

type noImplicitContext struct{}

func (noImplicitContext) Snapshot(context.Context) Context { return nil }

// SharedContext is one implicit context shared by every caller of a
// communicator.
type SharedContext struct {
	mu  sync.RWMutex
	ctx Context
}

// NewSharedContext creates an empty SharedContext.
func NewSharedContext() *SharedContext {
	return &SharedContext{ctx: make(Context)}
}

// Snapshot returns a copy of the shared context.
func (s *SharedContext) Snapshot(context.Context) Context {
	return s.Context()
}

// Context returns a copy of the underlying context.
func (s *SharedContext) Context() Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx.Clone()
}

// SetContext replaces the underlying context.
func (s *SharedContext) SetContext(ctx Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx.Clone()
	if s.ctx == nil {
		s.ctx = make(Context)
	}
}

// ContainsKey reports whether key has a value.
func (s *SharedContext) ContainsKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ctx[key]
	return ok
}

// Get returns the value for key, or "" when absent.
func (s *SharedContext) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx[key]
}

// Put sets key and returns the previous value.
func (s *SharedContext) Put(key, value string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ctx[key]
	s.ctx[key] = value
	return old
}

// Remove deletes key and returns the previous value.
func (s *SharedContext) Remove(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ctx[key]
	delete(s.ctx, key)
	return old
}

// TaskContext reads the implicit context attached to a context.Context.
// Each task carries its own values and derives new ones with
// WithTaskContext and PutTaskContext.
type TaskContext struct{}

type taskContextKey struct{}

// Snapshot returns the context attached to ctx.
func (TaskContext) Snapshot(ctx context.Context) Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(taskContextKey{}).(Context)
	return c
}

// WithTaskContext attaches a copy of values to ctx.
func WithTaskContext(ctx context.Context, values Context) context.Context {
	return context.WithValue(ctx, taskContextKey{}, values.Clone())
}

// PutTaskContext returns a derived ctx whose task context also maps key to value.
func PutTaskContext(ctx context.Context, key, value string) context.Context {
	current, _ := ctx.Value(taskContextKey{}).(Context)
	next := current.Clone()
	if next == nil {
		next = make(Context, 1)
	}
	next[key] = value
	return context.WithValue(ctx, taskContextKey{}, next)
}

// RemoveTaskContext returns a derived ctx without key.
func RemoveTaskContext(ctx context.Context, key string) context.Context {
	current, _ := ctx.Value(taskContextKey{}).(Context)
	if _, ok := current[key]; !ok {
		return ctx
	}
	next := current.Clone()
	delete(next, key)
	return context.WithValue(ctx, taskContextKey{}, next)
}
