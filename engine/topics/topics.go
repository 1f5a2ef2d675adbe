// Package topics maps service-task topic names to handler functions and
// invokes them with a bounded view of the owning instance. Handlers interact
// with the engine only through the Invocation passed to them: scoped variable
// reads, buffered variable writes, and a business-error escape hatch that the
// engine routes to error boundary events.
package topics

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// CodeUnknownTopic is the reserved error code raised when a service task
// names a topic no handler was registered for. It is a definition error:
// unless a boundary event catches it, the instance fails.
const CodeUnknownTopic = "UnknownTopic"

type (
	// Handler is the user-supplied implementation of a service or script
	// task topic. A nil return completes the task; a *BusinessError return
	// throws a routable process error; any other error is wrapped in a
	// BusinessError carrying the handler's message.
	Handler func(ctx context.Context, inv *Invocation) error

	// Invocation is the bounded context a handler runs against. Variable
	// reads resolve against the snapshot taken at dispatch; writes are
	// buffered and applied by the engine after the handler returns
	// successfully.
	Invocation struct {
		instance string
		node     string
		token    string
		vars     map[string]any
		out      map[string]any
	}

	// BusinessError is a process-level error with a routable code. The
	// engine matches the code against error boundary events up the
	// subprocess enclosure chain.
	BusinessError struct {
		Code    string
		Message string
	}

	// Registry maps topics to handlers. Safe for concurrent use;
	// registration normally happens at startup before instances run.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]Handler
	}
)

// Error implements error.
func (e *BusinessError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fail returns a BusinessError with the given code. Handlers use it to throw
// process errors:
//
//	return inv.Fail("E_STOCK", "item out of stock")
func (inv *Invocation) Fail(code, message string) error {
	return &BusinessError{Code: code, Message: message}
}

// Instance returns the URI of the instance the task runs in.
func (inv *Invocation) Instance() string { return inv.instance }

// Node returns the URI of the service task node.
func (inv *Invocation) Node() string { return inv.node }

// Token returns the URI of the token executing the task.
func (inv *Invocation) Token() string { return inv.token }

// Variable reads a variable from the dispatch snapshot, preferring any value
// the handler itself wrote earlier in this invocation.
func (inv *Invocation) Variable(name string) (any, bool) {
	if v, ok := inv.out[name]; ok {
		return v, true
	}
	v, ok := inv.vars[name]
	return v, ok
}

// Variables returns the full variable view: the dispatch snapshot overlaid
// with the handler's buffered writes.
func (inv *Invocation) Variables() map[string]any {
	all := make(map[string]any, len(inv.vars)+len(inv.out))
	for k, v := range inv.vars {
		all[k] = v
	}
	for k, v := range inv.out {
		all[k] = v
	}
	return all
}

// SetVariable buffers a variable write. The engine applies buffered writes
// to the instance, scoped to the executing token's scope, after the handler
// returns without error.
func (inv *Invocation) SetVariable(name string, value any) {
	inv.out[name] = value
}

// Out returns the buffered writes. The engine consumes this after dispatch.
func (inv *Invocation) Out() map[string]any { return inv.out }

// NewInvocation assembles the handler context for one dispatch. vars is the
// scoped variable snapshot; the invocation does not copy it.
func NewInvocation(instance, node, token string, vars map[string]any) *Invocation {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Invocation{
		instance: instance,
		node:     node,
		token:    token,
		vars:     vars,
		out:      make(map[string]any),
	}
}

// NewRegistry returns an empty topic registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds topic to handler, replacing any previous binding.
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if h == nil {
		return fmt.Errorf("handler is required for topic %s", topic)
	}
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
	return nil
}

// Lookup returns the handler bound to topic.
func (r *Registry) Lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[topic]
	r.mu.RUnlock()
	return h, ok
}

// Topics returns the registered topic names, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke dispatches the invocation to the topic's handler. A missing topic
// returns a BusinessError with CodeUnknownTopic. Handler errors that are not
// already BusinessErrors are wrapped in one with an empty code, which only a
// catch-all boundary event matches.
func (r *Registry) Invoke(ctx context.Context, topic string, inv *Invocation) error {
	h, ok := r.Lookup(topic)
	if !ok {
		return &BusinessError{Code: CodeUnknownTopic, Message: fmt.Sprintf("no handler registered for topic %q", topic)}
	}
	err := h(ctx, inv)
	if err == nil {
		return nil
	}
	if be, ok := err.(*BusinessError); ok {
		return be
	}
	return &BusinessError{Message: err.Error()}
}
