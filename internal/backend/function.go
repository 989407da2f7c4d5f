package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a locally registered function handler
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// FunctionRegistry holds the in-process handlers addressable by name
type FunctionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewFunctionRegistry creates an empty function registry
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register registers a handler under a name, replacing any previous handler
func (r *FunctionRegistry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Lookup returns the handler registered under name
func (r *FunctionRegistry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// DefaultFunctionRegistry returns a registry preloaded with the built-in
// handlers. Embedders register their own handlers on top.
func DefaultFunctionRegistry() *FunctionRegistry {
	r := NewFunctionRegistry()
	r.Register("echo", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return payload, nil
	})
	return r
}

// FunctionAdapter invokes locally registered handlers in-process
type FunctionAdapter struct {
	registry *FunctionRegistry
}

// NewFunctionAdapter creates a function adapter over a registry
func NewFunctionAdapter(registry *FunctionRegistry) *FunctionAdapter {
	return &FunctionAdapter{registry: registry}
}

// Invoke looks up the handler named by the template's execution spec and runs
// it. Handler errors are logged with full detail but returned to the caller as
// a generic backend error so internals never leak.
func (a *FunctionAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	name := req.Template.ExecutionSpec.FunctionName
	fn, ok := a.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for %q", ErrMisconfigured, name)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if req.Message != "" {
		payload["message"] = req.Message
	}

	output, err := fn(ctx, payload)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		log.Error().
			Err(err).
			Str("request_id", req.RequestID).
			Str("function", name).
			Msg("Function handler failed")
		return nil, fmt.Errorf("%w: function handler failed", ErrBackend)
	}

	return &Result{Output: output}, nil
}
